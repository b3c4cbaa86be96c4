package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

func testQueue(t *testing.T, retryCeiling int) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), retryCeiling)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testRecord(i int, at time.Time) Record {
	return Record{
		OpID:        fmt.Sprintf("op-%d", i),
		DocumentID:  "doc1",
		Content:     document.Content{Blocks: []document.Block{{ID: "b1", Kind: "paragraph", Text: fmt.Sprintf("edit %d", i)}}},
		BaseVersion: int64(i),
		Timestamp:   at,
	}
}

func TestPending_TimestampOrder(t *testing.T) {
	q := testQueue(t, 5)
	base := time.Now().UTC()

	// enqueue out of order, expect ascending timestamps back
	require.NoError(t, q.Enqueue(testRecord(2, base.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(testRecord(0, base)))
	require.NoError(t, q.Enqueue(testRecord(1, base.Add(time.Second))))

	records, err := q.Pending("doc1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "op-0", records[0].OpID)
	assert.Equal(t, "op-1", records[1].OpID)
	assert.Equal(t, "op-2", records[2].OpID)
}

func TestPending_EmptyDocument(t *testing.T) {
	q := testQueue(t, 5)
	records, err := q.Pending("nothing-here")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDrain_ConfirmedRecordsRemoved(t *testing.T) {
	q := testQueue(t, 5)
	base := time.Now().UTC()
	require.NoError(t, q.Enqueue(testRecord(0, base)))
	require.NoError(t, q.Enqueue(testRecord(1, base.Add(time.Second))))

	var submitted []string
	err := q.Drain(context.Background(), "doc1", func(_ context.Context, rec Record) snapshot.Outcome {
		submitted = append(submitted, rec.OpID)
		return snapshot.OK(rec.BaseVersion + 1)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-0", "op-1"}, submitted)

	records, err := q.Pending("doc1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDrain_ConflictedRecordDropped(t *testing.T) {
	q := testQueue(t, 5)
	base := time.Now().UTC()
	require.NoError(t, q.Enqueue(testRecord(0, base)))
	require.NoError(t, q.Enqueue(testRecord(1, base.Add(time.Second))))

	err := q.Drain(context.Background(), "doc1", func(_ context.Context, rec Record) snapshot.Outcome {
		if rec.OpID == "op-0" {
			return snapshot.Outcome{Status: snapshot.StatusConflict, Conflict: &snapshot.Conflict{LatestVersion: 9}}
		}
		return snapshot.OK(rec.BaseVersion + 1)
	})
	require.NoError(t, err)

	// the conflicted record is gone, not replayed forever
	records, err := q.Pending("doc1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDrain_OfflineStopsAndKeepsRecords(t *testing.T) {
	q := testQueue(t, 5)
	base := time.Now().UTC()
	require.NoError(t, q.Enqueue(testRecord(0, base)))
	require.NoError(t, q.Enqueue(testRecord(1, base.Add(time.Second))))

	var submitted int
	err := q.Drain(context.Background(), "doc1", func(_ context.Context, _ Record) snapshot.Outcome {
		submitted++
		return snapshot.Outcome{Status: snapshot.StatusOffline}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	records, err := q.Pending("doc1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDrain_TransientRetriesThenCeiling(t *testing.T) {
	q := testQueue(t, 2)
	require.NoError(t, q.Enqueue(testRecord(0, time.Now().UTC())))

	drainOnce := func() {
		err := q.Drain(context.Background(), "doc1", func(_ context.Context, _ Record) snapshot.Outcome {
			return snapshot.Outcome{Status: snapshot.StatusTransient, Err: fmt.Errorf("boom")}
		})
		require.NoError(t, err)
	}

	drainOnce()
	records, err := q.Pending("doc1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RetryCount)

	drainOnce()
	drainOnce() // third failure exceeds the ceiling of 2

	records, err = q.Pending("doc1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDrain_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := Open(path, 5)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(testRecord(0, time.Now().UTC())))
	require.NoError(t, q.Close())

	q, err = Open(path, 5)
	require.NoError(t, err)
	defer q.Close()

	records, err := q.Pending("doc1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "op-0", records[0].OpID)
}

func TestDrain_ConcurrentDrainsNeverDoubleSubmit(t *testing.T) {
	q := testQueue(t, 5)
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(testRecord(i, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	submit := func(_ context.Context, rec Record) snapshot.Outcome {
		mu.Lock()
		seen[rec.OpID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return snapshot.OK(rec.BaseVersion + 1)
	}

	wg := new(sync.WaitGroup)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Drain(context.Background(), "doc1", submit))
		}()
	}
	wg.Wait()

	for opID, count := range seen {
		assert.Equal(t, 1, count, "record %s submitted more than once", opID)
	}
	records, err := q.Pending("doc1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
