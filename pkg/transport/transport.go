// Package transport maintains the persistent websocket connection that
// carries binary CRDT sync frames and JSON control frames, reconnecting with
// capped exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/docrelay/docrelay/pkg/engine"
)

// Callbacks are invoked from the transport's goroutines; they must not
// block.
type Callbacks struct {
	OnConnected     func()
	OnFrameReceived func()
	OnNoHistory     func()
	OnSyncComplete  func()
	OnPresence      func(clientID, status string)
	OnDisconnected  func(reason error)
	OnTerminalError func(err error)
}

// Options tune reconnection. MaxAttempts counts consecutive failed connects
// before the transport surfaces a terminal error; a successful connection
// resets the count.
type Options struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	WriteInterval   time.Duration
}

func (o *Options) fill() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.WriteInterval <= 0 {
		o.WriteInterval = 200 * time.Millisecond
	}
}

// Transport drives the sync connection for one document session.
type Transport struct {
	baseURL     *url.URL
	documentID  string
	credentials string
	clientID    string
	eng         *engine.Engine
	cb          Callbacks
	opts        Options

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	presence chan ControlFrame
}

func New(baseURL *url.URL, documentID, credentials, clientID string, eng *engine.Engine, cb Callbacks, opts Options) *Transport {
	opts.fill()
	return &Transport{
		baseURL:     baseURL,
		documentID:  documentID,
		credentials: credentials,
		clientID:    clientID,
		eng:         eng,
		cb:          cb,
		opts:        opts,
		presence:    make(chan ControlFrame, 8),
	}
}

// Connect starts the connection loop. It returns immediately; lifecycle is
// reported through the callbacks and the engine's connectivity state.
func (t *Transport) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.loop(ctx)
	}()
}

// Close tears the connection down and stops reconnecting. In-flight reads
// finish; their results are discarded by the closed callbacks upstream.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	done := t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// SendPresence publishes a small awareness frame to the other replicas.
func (t *Transport) SendPresence(status string) {
	frame := ControlFrame{Type: ControlPresence, ClientID: t.clientID, Status: status}
	select {
	case t.presence <- frame:
	default:
	}
}

func (t *Transport) loop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(t.opts.InitialInterval),
		backoff.WithMaxElapsedTime(0),
	)
	var attempts uint64

	for {
		if ctx.Err() != nil {
			return
		}
		t.eng.SetConnectivity(engine.ConnConnecting)
		established, err := t.connectAndSync(ctx)
		if ctx.Err() != nil {
			t.eng.SetConnectivity(engine.ConnDisconnected)
			return
		}
		t.eng.SetConnectivity(engine.ConnDisconnected)
		if t.cb.OnDisconnected != nil {
			t.cb.OnDisconnected(err)
		}

		if established {
			// only consecutive failed dials count against the budget; a
			// session that connected and later dropped starts fresh
			attempts = 0
			policy.Reset()
		} else {
			attempts++
			if attempts >= t.opts.MaxAttempts {
				t.eng.SetConnectivity(engine.ConnFailed)
				if t.cb.OnTerminalError != nil {
					t.cb.OnTerminalError(fmt.Errorf("giving up after %d attempts: %w", attempts, err))
				}
				return
			}
		}
		wait := policy.NextBackOff()
		slog.Info("reconnecting", "document", t.documentID, "attempt", attempts, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndSync dials, runs one full sync session with a fresh sync state,
// and returns when the connection drops. established reports whether the dial
// succeeded. Frames delivered again after a reconnect are harmless: the
// engine merge is idempotent.
func (t *Transport) connectAndSync(ctx context.Context) (established bool, err error) {
	u := t.baseURL.JoinPath("documents", t.documentID, "sync")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if t.credentials != "" {
		header.Set("Authorization", "Bearer "+t.credentials)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
	}()

	t.eng.SetConnectivity(engine.ConnConnected)
	if t.cb.OnConnected != nil {
		t.cb.OnConnected()
	}

	// fresh handshake per connection: exchange state vectors from scratch
	syncState := t.eng.NewSyncState()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := t.readOne(conn, syncState); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := t.writePump(sessionCtx, conn, syncState); err != nil {
			errCh <- err
		}
	}()

	<-sessionCtx.Done()
	_ = conn.Close()
	wg.Wait()

	select {
	case err := <-errCh:
		return true, err
	default:
		return true, nil
	}
}

func (t *Transport) readOne(conn *websocket.Conn, syncState *automerge.SyncState) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.BinaryMessage:
		changed, err := t.eng.ReceiveSyncMessage(syncState, p)
		if err != nil {
			// malformed frames are rejected here, never inside the engine
			slog.Error("rejecting malformed frame", "document", t.documentID, "err", err)
			return nil
		}
		if changed && t.cb.OnFrameReceived != nil {
			t.cb.OnFrameReceived()
		}
	case websocket.TextMessage:
		t.handleControl(p)
	default:
	}
	return nil
}

func (t *Transport) handleControl(raw []byte) {
	var frame ControlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Error("failed to decode control frame", "err", err)
		return
	}
	switch frame.Type {
	case ControlConnected:
	case ControlNoHistory:
		if t.cb.OnNoHistory != nil {
			t.cb.OnNoHistory()
		}
	case ControlSyncComplete:
		if t.cb.OnSyncComplete != nil {
			t.cb.OnSyncComplete()
		}
	case ControlPresence:
		if t.cb.OnPresence != nil {
			t.cb.OnPresence(frame.ClientID, frame.Status)
		}
	case ControlError:
		slog.Error("server reported error", "document", t.documentID, "message", frame.Message)
	}
}

func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn, syncState *automerge.SyncState) error {
	flush := func() error {
		for {
			msg, valid := t.eng.GenerateSyncMessage(syncState)
			if !valid {
				return nil
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(t.opts.WriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case frame := <-t.presence:
			raw, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("failed to write control frame: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
