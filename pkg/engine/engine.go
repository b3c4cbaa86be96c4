package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/docrelay/docrelay/pkg/document"
)

// ConnState is the connectivity state of the session as observed by the
// transport and surfaced to subscribers.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
)

const blocksKey = "blocks"

// Engine owns the in-memory replica for one document session. All replica
// mutation goes through its methods, which is the sole serialization point:
// local edits, remote merges, sync handshakes, and snapshot seeding all take
// the same lock.
//
// Merge operations never fail: automerge merges are total, idempotent and
// commutative. Malformed frames are rejected at the transport boundary.
type Engine struct {
	mu  sync.Mutex
	doc *automerge.Doc

	onUpdate       []func()
	onConnectivity []func(ConnState)
	connState      ConnState
}

func New(actorID string) *Engine {
	doc := automerge.New()
	if actorID != "" {
		_ = doc.SetActorID(actorID)
	}
	return &Engine{doc: doc, connState: ConnDisconnected}
}

// Load restores an engine from a full automerge save, e.g. a local dump from
// a previous session.
func Load(raw []byte, actorID string) (*Engine, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if actorID != "" {
		_ = doc.SetActorID(actorID)
	}
	return &Engine{doc: doc, connState: ConnDisconnected}, nil
}

// ApplyLocal applies one edit to the replica and commits it. The resulting
// change becomes visible to the transport's next sync exchange.
func (e *Engine) ApplyLocal(edit Edit) error {
	e.mu.Lock()
	if err := edit.apply(e.doc); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to apply edit: %w", err)
	}
	e.mu.Unlock()
	e.notifyUpdate()
	return nil
}

// ApplyRemote merges an inbound update frame (a full automerge save) into the
// replica. Safe to call with frames that are duplicated or out of order:
// merging is idempotent and commutative. Frames that do not decode are
// dropped; the transport validates frames before handing them over, so a
// failure here means a bug upstream, not user data loss.
func (e *Engine) ApplyRemote(frame []byte) {
	remote, err := automerge.Load(frame)
	if err != nil {
		slog.Error("dropping undecodable frame", "err", err)
		return
	}
	e.mu.Lock()
	if _, err := e.doc.Merge(remote); err != nil {
		e.mu.Unlock()
		slog.Error("failed to merge remote frame", "err", err)
		return
	}
	e.mu.Unlock()
	e.notifyUpdate()
}

// EncodeState returns the replica as an update frame suitable for
// ApplyRemote on another replica.
func (e *Engine) EncodeState() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Save()
}

// SnapshotState materializes the current content of the replica.
func (e *Engine) SnapshotState() document.Content {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.materialize()
}

// Empty reports whether the replica currently holds no content blocks. The
// bootstrap reconciler calls this immediately before seeding.
func (e *Engine) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.materialize().Blocks) == 0
}

// Seed clears the block list and inserts the snapshot content in one locked
// section, so a frame racing the seed merges either entirely before or
// entirely after it. Seeding is a normal CRDT mutation: later remote frames
// merge on top of it.
func (e *Engine) Seed(content document.Content) error {
	e.mu.Lock()
	list := e.doc.Path(blocksKey).List()
	for list.Len() > 0 {
		if err := list.Delete(0); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to clear block: %w", err)
		}
	}
	for _, b := range content.Blocks {
		if err := list.Append(blockValue(b)); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to seed block: %w", err)
		}
	}
	if _, err := e.doc.Commit("seed from snapshot", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	e.mu.Unlock()
	e.notifyUpdate()
	return nil
}

// OnUpdate registers a callback invoked after every replica mutation. The
// callback runs outside the engine lock and must not block.
func (e *Engine) OnUpdate(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = append(e.onUpdate, fn)
}

func (e *Engine) OnConnectivityChange(fn func(ConnState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnectivity = append(e.onConnectivity, fn)
}

// SetConnectivity is called by the transport on lifecycle transitions.
func (e *Engine) SetConnectivity(s ConnState) {
	e.mu.Lock()
	if e.connState == s {
		e.mu.Unlock()
		return
	}
	e.connState = s
	fns := append([]func(ConnState){}, e.onConnectivity...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (e *Engine) Connectivity() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// NewSyncState creates the per-connection sync handshake state. The returned
// state must only be driven through ReceiveSyncMessage and
// GenerateSyncMessage so that doc access stays serialized.
func (e *Engine) NewSyncState() *automerge.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return automerge.NewSyncState(e.doc)
}

// ReceiveSyncMessage feeds one inbound sync-protocol message into the
// replica and reports whether it carried changes.
func (e *Engine) ReceiveSyncMessage(ss *automerge.SyncState, raw []byte) (changed bool, err error) {
	e.mu.Lock()
	before := e.doc.Heads()
	if _, err := ss.ReceiveMessage(raw); err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	changed = !sameHeads(before, e.doc.Heads())
	e.mu.Unlock()
	if changed {
		e.notifyUpdate()
	}
	return changed, nil
}

// GenerateSyncMessage produces the next outbound sync-protocol message, if
// any.
func (e *Engine) GenerateSyncMessage(ss *automerge.SyncState) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg, valid := ss.GenerateMessage(); msg != nil {
		return msg.Bytes(), valid
	}
	return nil, false
}

func (e *Engine) notifyUpdate() {
	e.mu.Lock()
	fns := append([]func(){}, e.onUpdate...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// materialize reads the block list out of the doc. Callers hold e.mu.
func (e *Engine) materialize() document.Content {
	value, err := e.doc.Path(blocksKey).Get()
	if err != nil {
		return document.Content{}
	}
	raw := value.Interface()
	if raw == nil {
		return document.Content{}
	}
	encoded, err := json.Marshal(map[string]interface{}{"blocks": raw})
	if err != nil {
		slog.Error("failed to marshal replica state", "err", err)
		return document.Content{}
	}
	content, err := document.Decode(encoded)
	if err != nil {
		slog.Error("failed to decode replica state", "err", err)
		return document.Content{}
	}
	return content
}

func blockValue(b document.Block) map[string]interface{} {
	return map[string]interface{}{"id": b.ID, "kind": b.Kind, "text": b.Text}
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
