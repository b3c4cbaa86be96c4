// Package autosave debounces local edits into periodic snapshot writes and
// owns the conflict, rate-limit, retry and offline handling around them.
package autosave

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/queue"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// State is the save-state indicator exposed for UI display.
type State string

const (
	StateIdle        State = "idle"
	StatePending     State = "pending"
	StateSaving      State = "saving"
	StateSaved       State = "saved"
	StateOffline     State = "offline"
	StateConflict    State = "conflict"
	StateRateLimited State = "rateLimited"
	StateError       State = "error"
)

// StoreClient is the slice of the snapshot client the scheduler needs.
type StoreClient interface {
	Save(ctx context.Context, documentID string, req snapshot.SaveRequest) snapshot.Outcome
}

// Options tune the scheduler. DebounceWindow is the trailing quiet period
// after the last edit; MaxWait bounds staleness under continuous typing and
// is measured from the first unsaved change.
type Options struct {
	DebounceWindow    time.Duration
	MaxWait           time.Duration
	TransientRetries  uint64
	TransientInterval time.Duration
}

func (o *Options) fill() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 2 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 20 * time.Second
	}
	if o.TransientRetries == 0 {
		o.TransientRetries = 3
	}
	if o.TransientInterval <= 0 {
		o.TransientInterval = 500 * time.Millisecond
	}
}

// Scheduler drives the snapshot save path for one document session.
type Scheduler struct {
	documentID string
	author     string
	store      StoreClient
	queue      *queue.Queue
	coord      *Coordinator
	content    func() document.Content
	opts       Options

	// control loop channels; all mutable state below is owned by run()
	changed  chan struct{}
	saveNow  chan struct{}
	online   chan struct{}
	resolved chan resolution
	done     chan struct{}
	stopped  chan struct{}

	stateCh chan State
	onState func(State)
}

type resolution struct {
	forceLocal  bool
	baseVersion int64
	content     *document.Content
}

// New builds a scheduler. content must return the current replica state and
// be safe to call from the scheduler goroutine. baseVersion is the version
// the session bootstrapped against.
func New(documentID, author string, store StoreClient, q *queue.Queue, coord *Coordinator,
	content func() document.Content, baseVersion int64, onState func(State), opts Options) *Scheduler {
	opts.fill()
	s := &Scheduler{
		documentID: documentID,
		author:     author,
		store:      store,
		queue:      q,
		coord:      coord,
		content:    content,
		opts:       opts,
		changed:    make(chan struct{}, 1),
		saveNow:    make(chan struct{}, 1),
		online:     make(chan struct{}, 1),
		resolved:   make(chan resolution, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		onState:    onState,
	}
	go s.run(baseVersion)
	return s
}

// MarkChanged notes a local edit. Cheap and non-blocking; call it on every
// keystroke.
func (s *Scheduler) MarkChanged() {
	select {
	case s.changed <- struct{}{}:
	case <-s.done:
	default:
	}
}

// SaveNow forces an immediate save attempt, skipping the debounce.
func (s *Scheduler) SaveNow() {
	select {
	case s.saveNow <- struct{}{}:
	case <-s.done:
	default:
	}
}

// ConnectivityRestored triggers a drain of the durable queue and a fresh
// save attempt if edits are pending.
func (s *Scheduler) ConnectivityRestored() {
	select {
	case s.online <- struct{}{}:
	case <-s.done:
	default:
	}
}

// AcceptRemote resolves a pending conflict by adopting the remote snapshot
// content; the caller is responsible for seeding it into the replica. Local
// content that was never written is discarded with the user's consent.
func (s *Scheduler) AcceptRemote() *snapshot.Conflict {
	conflict := s.coord.Resolve()
	if conflict == nil {
		return nil
	}
	content := conflict.LatestContent
	select {
	case s.resolved <- resolution{baseVersion: conflict.LatestVersion, content: &content}:
	case <-s.done:
	}
	return conflict
}

// ForceLocal resolves a pending conflict by retrying the local content
// against the server's latest version.
func (s *Scheduler) ForceLocal() {
	conflict := s.coord.Resolve()
	if conflict == nil {
		return
	}
	select {
	case s.resolved <- resolution{forceLocal: true, baseVersion: conflict.LatestVersion}:
	case <-s.done:
	}
}

// Close cancels the debounce and max-wait timers and stops the loop.
// In-flight saves finish but their results are discarded.
func (s *Scheduler) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	<-s.stopped
}

func (s *Scheduler) run(baseVersion int64) {
	defer close(s.stopped)

	var (
		debounce  *time.Timer
		maxWait   *time.Timer
		debounceC <-chan time.Time
		maxWaitC  <-chan time.Time
		retryC    <-chan time.Time
		lastSaved []byte
		blocked   bool
		state     = StateIdle
	)
	setState := func(next State) {
		if state == next {
			return
		}
		state = next
		if s.onState != nil {
			s.onState(next)
		}
	}
	stopTimers := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
		if maxWait != nil {
			maxWait.Stop()
			maxWait, maxWaitC = nil, nil
		}
	}
	defer stopTimers()

	attempt := func(forced bool) {
		stopTimers()
		retryC = nil

		content := s.content()
		encoded, err := content.Encode()
		if err != nil {
			slog.Error("failed to encode content", "err", err)
			setState(StateError)
			return
		}
		if !forced && lastSaved != nil && bytes.Equal(encoded, lastSaved) {
			setState(StateSaved)
			return
		}

		setState(StateSaving)
		opID := uuid.NewString()
		outcome := s.save(content, baseVersion, opID)

		if outcome.Status == snapshot.StatusConflict {
			// one automatic fast-forward: adopt the latest version and retry
			// the same content once
			slog.Info("snapshot conflict, fast-forwarding", "document", s.documentID,
				"base", baseVersion, "latest", outcome.Conflict.LatestVersion)
			ffBase := outcome.Conflict.LatestVersion
			retry := s.save(content, ffBase, opID)
			if retry.Status == snapshot.StatusConflict {
				blocked = true
				setState(StateConflict)
				s.coord.Surface(*retry.Conflict)
				return
			}
			baseVersion = ffBase
			outcome = retry
		}

		switch outcome.Status {
		case snapshot.StatusOK:
			baseVersion = outcome.NewVersion
			lastSaved = encoded
			setState(StateSaved)
		case snapshot.StatusRateLimited:
			setState(StateRateLimited)
			retryC = time.After(outcome.RetryAfter)
		case snapshot.StatusOffline:
			s.enqueue(content, baseVersion, opID)
			setState(StateOffline)
		default:
			slog.Error("snapshot save failed", "document", s.documentID, "err", outcome.Err)
			s.enqueue(content, baseVersion, opID)
			setState(StateError)
		}
	}

	for {
		select {
		case <-s.changed:
			if blocked {
				continue
			}
			setState(StatePending)
			if debounce == nil {
				debounce = time.NewTimer(s.opts.DebounceWindow)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(s.opts.DebounceWindow)
			}
			// the max-wait timer is armed once and never reset, so a save
			// fires within MaxWait of the first unsaved change even under
			// continuous typing
			if maxWait == nil {
				maxWait = time.NewTimer(s.opts.MaxWait)
				maxWaitC = maxWait.C
			}
		case <-debounceC:
			debounce, debounceC = nil, nil
			attempt(false)
		case <-maxWaitC:
			maxWait, maxWaitC = nil, nil
			attempt(false)
		case <-retryC:
			retryC = nil
			attempt(false)
		case <-s.saveNow:
			if blocked {
				continue
			}
			attempt(false)
		case <-s.online:
			s.drain(&baseVersion)
			if state == StateOffline || state == StateError || state == StatePending {
				attempt(false)
			}
		case res := <-s.resolved:
			blocked = false
			baseVersion = res.baseVersion
			if res.content != nil {
				if encoded, err := res.content.Encode(); err == nil {
					lastSaved = encoded
				}
				setState(StateSaved)
				continue
			}
			if res.forceLocal {
				attempt(true)
			}
		case <-s.done:
			return
		}
	}
}

// save performs one outbound write, retrying transient failures with
// exponential backoff up to the configured attempt count.
func (s *Scheduler) save(content document.Content, baseVersion int64, opID string) snapshot.Outcome {
	req := snapshot.SaveRequest{
		Content:         content,
		BaseVersion:     baseVersion,
		OpID:            opID,
		ClientTimestamp: time.Now().UTC(),
		UpdatedBy:       s.author,
	}
	var outcome snapshot.Outcome
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.opts.TransientInterval),
	), s.opts.TransientRetries)
	_ = backoff.Retry(func() error {
		outcome = s.store.Save(context.Background(), s.documentID, req)
		if outcome.Status == snapshot.StatusTransient {
			return outcome.Err
		}
		return nil
	}, policy)
	return outcome
}

func (s *Scheduler) enqueue(content document.Content, baseVersion int64, opID string) {
	if s.queue == nil {
		return
	}
	rec := queue.Record{
		OpID:        opID,
		DocumentID:  s.documentID,
		Content:     content,
		BaseVersion: baseVersion,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.queue.Enqueue(rec); err != nil {
		slog.Error("failed to enqueue pending save", "document", s.documentID, "err", err)
	}
}

func (s *Scheduler) drain(baseVersion *int64) {
	if s.queue == nil {
		return
	}
	err := s.queue.Drain(context.Background(), s.documentID, func(ctx context.Context, rec queue.Record) snapshot.Outcome {
		outcome := s.store.Save(ctx, rec.DocumentID, snapshot.SaveRequest{
			Content:         rec.Content,
			BaseVersion:     rec.BaseVersion,
			OpID:            rec.OpID,
			ClientTimestamp: rec.Timestamp,
			UpdatedBy:       s.author,
		})
		if outcome.Status == snapshot.StatusOK && outcome.NewVersion > *baseVersion {
			*baseVersion = outcome.NewVersion
		}
		return outcome
	})
	if err != nil {
		slog.Error("failed to drain queue", "document", s.documentID, "err", err)
	}
}
