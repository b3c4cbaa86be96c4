// Package queue is the client-local durable write queue: pending snapshot
// saves persisted across process restarts and replayed in timestamp order
// once connectivity resumes.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// Record is one not-yet-confirmed snapshot write.
type Record struct {
	OpID        string           `json:"opId"`
	DocumentID  string           `json:"documentId"`
	Content     document.Content `json:"content"`
	BaseVersion int64            `json:"baseVersion"`
	Timestamp   time.Time        `json:"timestamp"`
	RetryCount  int              `json:"retryCount"`
}

// Queue stores records in a bbolt file, one bucket per document. Keys embed
// the record timestamp big-endian so a cursor walk yields ascending
// timestamp order.
type Queue struct {
	db           *bolt.DB
	retryCeiling int

	mu       sync.Mutex
	inFlight map[string]bool
}

func Open(path string, retryCeiling int) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	return &Queue{db: db, retryCeiling: retryCeiling, inFlight: make(map[string]bool)}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) Enqueue(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(rec.DocumentID))
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return bucket.Put(recordKey(rec), value)
	})
}

// Pending returns the queued records for a document in ascending timestamp
// order.
func (q *Queue) Pending(documentID string) ([]Record, error) {
	var out []Record
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Drain submits queued records oldest-first. Confirmed and conflicted
// records are removed: a conflict must be resolved interactively, never
// replayed blindly. Transient failures bump the retry count and drop the
// record once the ceiling is exceeded. Offline or rate-limited outcomes stop
// the drain; the records stay queued for the next connectivity signal.
//
// Safe to invoke concurrently: records already mid-flight are skipped.
func (q *Queue) Drain(ctx context.Context, documentID string, submit func(context.Context, Record) snapshot.Outcome) error {
	records, err := q.Pending(documentID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !q.claim(rec.OpID) {
			continue
		}
		// our listing may be stale: another drain may have already
		// confirmed and removed this record before we claimed it
		present, err := q.exists(rec)
		if err != nil {
			q.release(rec.OpID)
			return err
		}
		if !present {
			q.release(rec.OpID)
			continue
		}
		stop, err := q.drainOne(ctx, rec, submit)
		// hold the claim until the record is removed or updated, so a
		// concurrent drain that listed it before us cannot resubmit it
		q.release(rec.OpID)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (q *Queue) drainOne(ctx context.Context, rec Record, submit func(context.Context, Record) snapshot.Outcome) (stop bool, err error) {
	outcome := submit(ctx, rec)
	switch outcome.Status {
	case snapshot.StatusOK:
		return false, q.remove(rec)
	case snapshot.StatusConflict:
		slog.Info("dropping conflicted queue record", "document", rec.DocumentID, "opId", rec.OpID)
		return false, q.remove(rec)
	case snapshot.StatusOffline, snapshot.StatusRateLimited:
		return true, nil
	default:
		rec.RetryCount++
		if rec.RetryCount > q.retryCeiling {
			slog.Error("dropping record after retry ceiling", "document", rec.DocumentID, "opId", rec.OpID, "retries", rec.RetryCount)
			return false, q.remove(rec)
		}
		return false, q.update(rec)
	}
}

func (q *Queue) claim(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[opID] {
		return false
	}
	q.inFlight[opID] = true
	return true
}

func (q *Queue) release(opID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, opID)
}

func (q *Queue) exists(rec Record) (bool, error) {
	var present bool
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(rec.DocumentID))
		if bucket == nil {
			return nil
		}
		present = bucket.Get(recordKey(rec)) != nil
		return nil
	})
	return present, err
}

func (q *Queue) remove(rec Record) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(rec.DocumentID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(recordKey(rec))
	})
}

func (q *Queue) update(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(rec.DocumentID))
		if bucket == nil {
			return nil
		}
		return bucket.Put(recordKey(rec), value)
	})
}

func recordKey(rec Record) []byte {
	key := make([]byte, 8, 8+len(rec.OpID))
	binary.BigEndian.PutUint64(key, uint64(rec.Timestamp.UnixNano()))
	return append(key, rec.OpID...)
}
