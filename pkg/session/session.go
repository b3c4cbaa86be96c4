// Package session wires one document session together: replica, transport,
// bootstrap reconciliation, autosave and the durable queue behind a single
// handle for the editing surface.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docrelay/docrelay/pkg/autosave"
	"github.com/docrelay/docrelay/pkg/bootstrap"
	"github.com/docrelay/docrelay/pkg/config"
	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/engine"
	"github.com/docrelay/docrelay/pkg/queue"
	"github.com/docrelay/docrelay/pkg/snapshot"
	"github.com/docrelay/docrelay/pkg/transport"
)

// Params configure one session.
type Params struct {
	Config      config.Config
	DocumentID  string
	Credentials string
	Author      string

	// OnConflict fires when autosave hits an unresolved version conflict;
	// the editing layer must call AcceptRemote or ForceLocal.
	OnConflict func(snapshot.Conflict)
	// OnSaveState fires on every save-state transition.
	OnSaveState func(autosave.State)
	// OnPresence fires for awareness frames from other replicas.
	OnPresence func(clientID, status string)

	// Queue optionally shares one durable queue across sessions; records are
	// already bucketed by document id. When nil the session opens its own
	// file at a per-document path derived from Config.QueuePath, and closes
	// it on Close.
	Queue *queue.Queue
}

// Session is the handle the editing surface holds for one open document.
type Session struct {
	documentID string
	eng        *engine.Engine
	tr         *transport.Transport
	sched      *autosave.Scheduler
	coord      *autosave.Coordinator
	q          *queue.Queue
	ownsQueue  bool
	rec        *bootstrap.Reconciler
	result     bootstrap.Result

	cancel context.CancelFunc

	mu        sync.Mutex
	saveState autosave.State
}

// Open connects the transport, runs bootstrap reconciliation, and starts
// autosave. It returns once the editing layer may render content.
func Open(ctx context.Context, p Params) (*Session, error) {
	baseURL, err := url.Parse(p.Config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}

	q := p.Queue
	ownsQueue := false
	if q == nil {
		// bolt holds an exclusive file lock, so concurrent sessions each get
		// their own file keyed by document id
		if q, err = queue.Open(queuePathFor(p.Config.QueuePath, p.DocumentID), p.Config.QueueRetryCeiling); err != nil {
			return nil, err
		}
		ownsQueue = true
	}

	// automerge actor ids are hex strings
	actorID := strings.ReplaceAll(uuid.NewString(), "-", "")
	eng := engine.New(actorID)

	s := &Session{
		documentID: p.DocumentID,
		eng:        eng,
		q:          q,
		ownsQueue:  ownsQueue,
		saveState:  autosave.StateIdle,
	}
	s.coord = autosave.NewCoordinator(p.OnConflict)

	snapClient := snapshot.NewClient(baseURL, nil, func() bool {
		return eng.Connectivity() == engine.ConnConnected
	})
	s.rec = bootstrap.New(eng, snapClient, p.Config.BootstrapTimeout)

	var (
		frameOnce    sync.Once
		noHistOnce   sync.Once
		connectOnce  sync.Once
		frameArrived = make(chan struct{})
		noHistory    = make(chan struct{})
		connected    = make(chan struct{})
		terminal     = make(chan error, 1)
	)

	cb := transport.Callbacks{
		OnConnected: func() {
			connectOnce.Do(func() { close(connected) })
			// the scheduler is built after bootstrap; this callback fires
			// from the transport goroutine on every reconnect
			s.mu.Lock()
			sched := s.sched
			s.mu.Unlock()
			if sched != nil {
				sched.ConnectivityRestored()
			}
		},
		OnFrameReceived: func() {
			frameOnce.Do(func() { close(frameArrived) })
		},
		OnNoHistory: func() {
			noHistOnce.Do(func() { close(noHistory) })
		},
		OnPresence: p.OnPresence,
		OnDisconnected: func(reason error) {
			if reason != nil {
				slog.Info("transport disconnected", "document", p.DocumentID, "reason", reason)
			}
		},
		OnTerminalError: func(err error) {
			select {
			case terminal <- err:
			default:
			}
		},
	}
	s.tr = transport.New(baseURL, p.DocumentID, p.Credentials, actorID, eng, cb, transport.Options{
		MaxAttempts: p.Config.ReconnectMaxAttempts,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.tr.Connect(runCtx)

	// the reconciler races only once the transport is actually up
	select {
	case <-connected:
	case err := <-terminal:
		s.closePartial()
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	case <-ctx.Done():
		s.closePartial()
		return nil, ctx.Err()
	}

	result, err := s.rec.Run(ctx, p.DocumentID, frameArrived, noHistory)
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("failed to bootstrap: %w", err)
	}
	s.result = result
	slog.Info("bootstrap complete", "document", p.DocumentID, "state", result.State, "baseVersion", result.BaseVersion)

	onState := func(st autosave.State) {
		s.mu.Lock()
		s.saveState = st
		s.mu.Unlock()
		if p.OnSaveState != nil {
			p.OnSaveState(st)
		}
	}
	sched := autosave.New(
		p.DocumentID, p.Author, snapClient, q, s.coord,
		eng.SnapshotState, result.BaseVersion, onState,
		autosave.Options{
			DebounceWindow:   p.Config.DebounceWindow,
			MaxWait:          p.Config.MaxWait,
			TransientRetries: p.Config.TransientRetries,
		},
	)
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
	// anything stranded by a previous process run
	sched.ConnectivityRestored()

	return s, nil
}

// Apply applies a local edit and schedules an autosave.
func (s *Session) Apply(edit engine.Edit) error {
	if err := s.eng.ApplyLocal(edit); err != nil {
		return err
	}
	s.sched.MarkChanged()
	return nil
}

// Content returns the current materialized document.
func (s *Session) Content() document.Content {
	return s.eng.SnapshotState()
}

// OnUpdate subscribes to replica changes, local or remote.
func (s *Session) OnUpdate(fn func()) {
	s.eng.OnUpdate(fn)
}

func (s *Session) OnConnectivityChange(fn func(engine.ConnState)) {
	s.eng.OnConnectivityChange(fn)
}

// SaveState returns the current save-state indicator.
func (s *Session) SaveState() autosave.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveState
}

// BootstrapState reports how this session's content was established.
func (s *Session) BootstrapState() bootstrap.State {
	return s.result.State
}

func (s *Session) SaveNow() {
	s.sched.SaveNow()
}

// PendingConflict returns the unresolved conflict, if any.
func (s *Session) PendingConflict() *snapshot.Conflict {
	return s.coord.Pending()
}

// AcceptRemote resolves a pending conflict by adopting the server's content:
// the replica is reseeded from it and local unsaved content is discarded.
func (s *Session) AcceptRemote() error {
	conflict := s.sched.AcceptRemote()
	if conflict == nil {
		return nil
	}
	if err := s.eng.Seed(conflict.LatestContent); err != nil {
		return fmt.Errorf("failed to adopt remote content: %w", err)
	}
	return nil
}

// ForceLocal resolves a pending conflict by writing the local content over
// the server's latest version.
func (s *Session) ForceLocal() {
	s.sched.ForceLocal()
}

// Presence publishes an awareness status to the other replicas.
func (s *Session) Presence(status string) {
	s.tr.SendPresence(status)
}

// Close cancels all timers, detaches transport listeners and releases the
// queue file. In-flight calls complete but their results are discarded.
func (s *Session) Close() {
	if s.sched != nil {
		s.sched.Close()
	}
	s.closePartial()
}

func (s *Session) closePartial() {
	if s.cancel != nil {
		s.cancel()
	}
	s.tr.Close()
	if s.ownsQueue {
		if err := s.q.Close(); err != nil {
			slog.Error("failed to close queue", "err", err)
		}
	}
}

// queuePathFor derives a per-document queue file from the configured base
// path, keeping its extension.
func queuePathFor(base, documentID string) string {
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(base, ext), url.PathEscape(documentID), ext)
}

// WaitIdle blocks until the save state settles or the timeout elapses.
// Intended for tests and graceful shutdown paths.
func (s *Session) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.SaveState()
		if st == autosave.StateSaved || st == autosave.StateIdle {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
