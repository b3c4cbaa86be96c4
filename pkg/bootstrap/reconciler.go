// Package bootstrap decides, exactly once per connection, what content the
// editing layer should see: the remote CRDT replay, the REST snapshot, or
// neither. Getting this wrong duplicates content, so the reconciler prefers
// an explicit no-history signal over its timeout and re-checks replica
// emptiness immediately before seeding.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// State of the reconciler. The three Seeded*/Aborted states are terminal.
type State string

const (
	// AwaitingTransport: connection requested, not yet established.
	AwaitingTransport State = "awaitingTransport"
	// Racing: transport connected; waiting for a remote frame or a
	// no-history signal, bounded by the configured timeout.
	Racing State = "racing"
	// SeededFromRemote: remote frames arrived in time; the replica is
	// authoritative and the snapshot is ignored for bootstrap.
	SeededFromRemote State = "seededFromRemote"
	// SeededFromSnapshot: no remote frames arrived and the replica stayed
	// empty; the snapshot was applied exactly once.
	SeededFromSnapshot State = "seededFromSnapshot"
	// Aborted: seeding was skipped because the replica already had content
	// or a seed already happened this session.
	Aborted State = "aborted"
)

// Replica is the slice of the engine the reconciler needs.
type Replica interface {
	Empty() bool
	Seed(content document.Content) error
}

// Loader fetches the durable snapshot for base-version and seed decisions.
type Loader interface {
	Load(ctx context.Context, documentID string) (*snapshot.Snapshot, error)
}

// Result is the terminal outcome of one bootstrap run.
type Result struct {
	State State
	// BaseVersion is the snapshot version the autosave path must use as its
	// first compare-and-swap base.
	BaseVersion int64
}

// Reconciler performs at most one seeding operation per session.
//
// The timeout must cover transport handshake + backend log read + frame
// transmission + merge latency with margin: an under-provisioned value is
// the classic cause of duplicated content, because it lets snapshot content
// into a replica that is about to receive the same content from the log.
type Reconciler struct {
	replica Replica
	loader  Loader
	timeout time.Duration

	mu     sync.Mutex
	state  State
	seeded bool
}

func New(replica Replica, loader Loader, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Reconciler{replica: replica, loader: loader, timeout: timeout, state: AwaitingTransport}
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run arbitrates after the transport reports connected. frameArrived must be
// signalled (or closed) when the first remote update frame merges; noHistory
// when the server explicitly reports an empty log. Run returns the terminal
// state; it never seeds twice even if called again for a reconnect.
func (r *Reconciler) Run(ctx context.Context, documentID string, frameArrived <-chan struct{}, noHistory <-chan struct{}) (Result, error) {
	r.setState(Racing)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-frameArrived:
		// remote log is live: the replica is authoritative
		r.setState(SeededFromRemote)
		base := r.lookupBaseVersion(ctx, documentID)
		return Result{State: SeededFromRemote, BaseVersion: base}, nil
	case <-noHistory:
		slog.Info("server reported no history", "document", documentID)
	case <-timer.C:
		slog.Info("bootstrap timeout elapsed without remote frames", "document", documentID, "timeout", r.timeout)
	case <-ctx.Done():
		return Result{State: r.State()}, ctx.Err()
	}

	return r.seedFromSnapshot(ctx, documentID, frameArrived)
}

func (r *Reconciler) seedFromSnapshot(ctx context.Context, documentID string, frameArrived <-chan struct{}) (Result, error) {
	r.mu.Lock()
	if r.seeded {
		r.mu.Unlock()
		r.setState(Aborted)
		return Result{State: Aborted}, nil
	}
	r.mu.Unlock()

	snap, err := r.loader.Load(ctx, documentID)
	if err != nil {
		return Result{State: r.State()}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	// a frame may have arrived while we were loading; the emptiness check
	// has to happen immediately before the seed, not just at the start of
	// the wait
	select {
	case <-frameArrived:
		r.setState(SeededFromRemote)
		base := int64(0)
		if snap != nil {
			base = snap.Version
		}
		return Result{State: SeededFromRemote, BaseVersion: base}, nil
	default:
	}
	if !r.replica.Empty() {
		r.setState(Aborted)
		base := int64(0)
		if snap != nil {
			base = snap.Version
		}
		return Result{State: Aborted, BaseVersion: base}, nil
	}

	if snap == nil || snap.Content.Empty() {
		// nothing durable to seed from: a genuinely new document
		r.setState(Aborted)
		return Result{State: Aborted}, nil
	}

	// the flag is set before the insert begins so a concurrent retry can
	// never double-seed
	r.mu.Lock()
	r.seeded = true
	r.mu.Unlock()

	if err := r.replica.Seed(snap.Content); err != nil {
		return Result{State: r.State()}, fmt.Errorf("failed to seed replica: %w", err)
	}
	r.setState(SeededFromSnapshot)
	slog.Info("seeded replica from snapshot", "document", documentID, "version", snap.Version, "blocks", len(snap.Content.Blocks))
	return Result{State: SeededFromSnapshot, BaseVersion: snap.Version}, nil
}

// lookupBaseVersion fetches the current snapshot version so the first
// autosave uses a fresh compare-and-swap base. Best effort: on failure the
// base stays 0 and the first save fast-forwards through its conflict.
func (r *Reconciler) lookupBaseVersion(ctx context.Context, documentID string) int64 {
	snap, err := r.loader.Load(ctx, documentID)
	if err != nil || snap == nil {
		return 0
	}
	return snap.Version
}
