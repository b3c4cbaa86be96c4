package autosave

import (
	"sync"

	"github.com/docrelay/docrelay/pkg/snapshot"
)

// Coordinator holds the unresolved version conflict for one session and
// surfaces it to the editing layer. At most one conflict is pending at a
// time; autosave stays blocked until the user resolves it.
type Coordinator struct {
	mu         sync.Mutex
	pending    *snapshot.Conflict
	onConflict func(snapshot.Conflict)
}

func NewCoordinator(onConflict func(snapshot.Conflict)) *Coordinator {
	return &Coordinator{onConflict: onConflict}
}

// Surface records the conflict and notifies the editing layer.
func (c *Coordinator) Surface(conflict snapshot.Conflict) {
	c.mu.Lock()
	c.pending = &conflict
	fn := c.onConflict
	c.mu.Unlock()
	if fn != nil {
		fn(conflict)
	}
}

// Pending returns the unresolved conflict, or nil.
func (c *Coordinator) Pending() *snapshot.Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	copied := *c.pending
	return &copied
}

// Resolve clears the pending conflict and returns it. Returns nil when
// nothing was pending.
func (c *Coordinator) Resolve() *snapshot.Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}
