package autosave

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/queue"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// fakeStore records save requests and replays a scripted outcome per call,
// falling back to plain OK responses once the script runs out.
type fakeStore struct {
	mu      sync.Mutex
	calls   []snapshot.SaveRequest
	script  []snapshot.Outcome
	version int64
}

func (f *fakeStore) Save(_ context.Context, _ string, req snapshot.SaveRequest) snapshot.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out
	}
	f.version++
	return snapshot.OK(f.version)
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) call(i int) snapshot.SaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type harness struct {
	store *fakeStore
	coord *Coordinator
	sched *Scheduler

	mu      sync.Mutex
	content document.Content
	states  []State
}

func (h *harness) setContent(c document.Content) {
	h.mu.Lock()
	h.content = c
	h.mu.Unlock()
}

func (h *harness) lastState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return StateIdle
	}
	return h.states[len(h.states)-1]
}

func newHarness(t *testing.T, q *queue.Queue, opts Options, script ...snapshot.Outcome) *harness {
	t.Helper()
	h := &harness{
		store:   &fakeStore{script: script},
		content: document.Content{Blocks: []document.Block{{ID: "b1", Kind: "paragraph", Text: "hello"}}},
	}
	h.coord = NewCoordinator(nil)
	h.sched = New("doc1", "tester", h.store, q, h.coord,
		func() document.Content {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.content
		},
		0,
		func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		opts)
	t.Cleanup(h.sched.Close)
	return h
}

func fastOpts() Options {
	return Options{
		DebounceWindow:    30 * time.Millisecond,
		MaxWait:           150 * time.Millisecond,
		TransientRetries:  1,
		TransientInterval: 5 * time.Millisecond,
	}
}

func TestScheduler_DebounceCoalescesEdits(t *testing.T) {
	h := newHarness(t, nil, fastOpts())

	// a burst of keystrokes within the window produces a single save
	for i := 0; i < 5; i++ {
		h.sched.MarkChanged()
		time.Sleep(2 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return h.store.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * fastOpts().DebounceWindow)
	assert.Equal(t, 1, h.store.callCount())
	assert.Equal(t, StateSaved, h.lastState())
}

func TestScheduler_MaxWaitBoundsContinuousTyping(t *testing.T) {
	opts := fastOpts()
	opts.DebounceWindow = 50 * time.Millisecond
	opts.MaxWait = 120 * time.Millisecond
	h := newHarness(t, nil, opts)

	// keystrokes arrive faster than the debounce window, so the trailing
	// timer alone would never fire; the max-wait timer must
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sched.MarkChanged()
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool { return h.store.callCount() >= 1 },
		3*opts.MaxWait, 5*time.Millisecond)
}

func TestScheduler_UnchangedContentSkipsSave(t *testing.T) {
	h := newHarness(t, nil, fastOpts())

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.store.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// nothing changed since the last successful save
	h.sched.SaveNow()
	time.Sleep(3 * fastOpts().DebounceWindow)
	assert.Equal(t, 1, h.store.callCount())
	assert.Equal(t, StateSaved, h.lastState())
}

func TestScheduler_ConflictFastForwardsOnce(t *testing.T) {
	latest := document.Content{Blocks: []document.Block{{ID: "r1", Kind: "paragraph", Text: "remote"}}}
	h := newHarness(t, nil, fastOpts(),
		snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{
			LatestVersion: 6, LatestContent: latest, YourBaseVersion: 0,
		}},
		snapshot.OK(7),
	)

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.store.callCount() == 2 }, time.Second, 5*time.Millisecond)

	first, second := h.store.call(0), h.store.call(1)
	assert.Equal(t, int64(0), first.BaseVersion)
	assert.Equal(t, int64(6), second.BaseVersion)
	assert.Equal(t, first.OpID, second.OpID)
	assert.Equal(t, StateSaved, h.lastState())
	assert.Nil(t, h.coord.Pending())
}

func TestScheduler_DoubleConflictBlocksUntilAcceptRemote(t *testing.T) {
	latest := document.Content{Blocks: []document.Block{{ID: "r1", Kind: "paragraph", Text: "remote"}}}
	h := newHarness(t, nil, fastOpts(),
		snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{LatestVersion: 6, LatestContent: latest}},
		snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{LatestVersion: 7, LatestContent: latest}},
	)

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.coord.Pending() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConflict, h.lastState())
	assert.Equal(t, 2, h.store.callCount())

	// autosave is blocked: further edits must not produce writes
	h.sched.MarkChanged()
	h.sched.SaveNow()
	time.Sleep(3 * fastOpts().DebounceWindow)
	assert.Equal(t, 2, h.store.callCount())

	conflict := h.sched.AcceptRemote()
	require.NotNil(t, conflict)
	assert.Equal(t, int64(7), conflict.LatestVersion)
	h.setContent(latest)

	// adopting the remote content leaves nothing to write
	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.lastState() == StateSaved }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.store.callCount())
	assert.Nil(t, h.coord.Pending())
}

func TestScheduler_ForceLocalRetriesAtLatestVersion(t *testing.T) {
	latest := document.Content{Blocks: []document.Block{{ID: "r1", Kind: "paragraph", Text: "remote"}}}
	h := newHarness(t, nil, fastOpts(),
		snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{LatestVersion: 6, LatestContent: latest}},
		snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{LatestVersion: 7, LatestContent: latest}},
		snapshot.OK(8),
	)

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.coord.Pending() != nil }, time.Second, 5*time.Millisecond)

	h.sched.ForceLocal()
	require.Eventually(t, func() bool { return h.store.callCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(7), h.store.call(2).BaseVersion)
	require.Eventually(t, func() bool { return h.lastState() == StateSaved }, time.Second, 5*time.Millisecond)
}

func TestScheduler_RateLimitedRetriesAfterInterval(t *testing.T) {
	h := newHarness(t, nil, fastOpts(),
		snapshot.Outcome{Status: snapshot.StatusRateLimited, RetryAfter: 30 * time.Millisecond},
		snapshot.OK(1),
	)

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.lastState() == StateRateLimited }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.store.callCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.lastState() == StateSaved }, time.Second, 5*time.Millisecond)
}

func TestScheduler_OfflineEnqueuesAndDrainsOnReconnect(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	h := newHarness(t, q, fastOpts(),
		snapshot.Outcome{Status: snapshot.StatusOffline},
	)

	h.sched.SaveNow()
	require.Eventually(t, func() bool { return h.lastState() == StateOffline }, time.Second, 5*time.Millisecond)

	records, err := q.Pending("doc1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, h.store.call(0).OpID, records[0].OpID)

	// back online: the queued record replays and the queue empties
	h.sched.ConnectivityRestored()
	require.Eventually(t, func() bool {
		pending, err := q.Pending("doc1")
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.lastState() == StateSaved }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_SurfaceAndResolve(t *testing.T) {
	var notified []snapshot.Conflict
	c := NewCoordinator(func(conflict snapshot.Conflict) { notified = append(notified, conflict) })

	assert.Nil(t, c.Pending())
	assert.Nil(t, c.Resolve())

	c.Surface(snapshot.Conflict{LatestVersion: 3})
	require.Len(t, notified, 1)
	require.NotNil(t, c.Pending())
	assert.Equal(t, int64(3), c.Pending().LatestVersion)

	resolved := c.Resolve()
	require.NotNil(t, resolved)
	assert.Equal(t, int64(3), resolved.LatestVersion)
	assert.Nil(t, c.Pending())
}
