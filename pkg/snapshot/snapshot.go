// Package snapshot implements the versioned snapshot API: the wire types,
// the HTTP client used by the autosave path, and the tagged save outcomes
// that the conflict coordinator dispatches on.
package snapshot

import (
	"time"

	"github.com/docrelay/docrelay/pkg/document"
)

// Snapshot is one stored, versioned copy of document content, maintained
// independently of the CRDT update log.
type Snapshot struct {
	DocumentID string           `json:"documentId"`
	Version    int64            `json:"version"`
	Content    document.Content `json:"content"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	UpdatedBy  string           `json:"updatedBy"`
}

// SaveRequest is the PATCH body for a compare-and-swap snapshot write. OpID
// is a client-generated idempotency token: the store treats repeated delivery
// of the same OpID as a single logical write and replays the original result.
type SaveRequest struct {
	Content         document.Content `json:"content"`
	BaseVersion     int64            `json:"baseVersion"`
	OpID            string           `json:"opId"`
	ClientTimestamp time.Time        `json:"clientTimestamp"`
	UpdatedBy       string           `json:"updatedBy"`
}

// SaveResponse is returned on a successful write.
type SaveResponse struct {
	NewVersion int64 `json:"newVersion"`
}

// Conflict describes a failed compare-and-swap: the store moved on while the
// writer held a stale base version.
type Conflict struct {
	LatestVersion   int64            `json:"latestVersion"`
	LatestContent   document.Content `json:"latestContent"`
	YourBaseVersion int64            `json:"yourBaseVersion"`
}

// Status tags a save outcome. Conflict, rate-limit, transient and offline
// are ordinary variants handled by explicit matching, not thrown errors.
type Status string

const (
	StatusOK          Status = "ok"
	StatusConflict    Status = "conflict"
	StatusRateLimited Status = "rateLimited"
	StatusTransient   Status = "transient"
	StatusOffline     Status = "offline"
)

// Outcome is the result of one save attempt.
type Outcome struct {
	Status     Status
	NewVersion int64
	Conflict   *Conflict
	RetryAfter time.Duration
	Err        error
}

func OK(newVersion int64) Outcome {
	return Outcome{Status: StatusOK, NewVersion: newVersion}
}
