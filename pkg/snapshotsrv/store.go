// Package snapshotsrv is the backend snapshot service: a sqlite-backed store
// with compare-and-swap writes and opId replay, and the HTTP handlers in
// front of it.
package snapshotsrv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// Store persists snapshots. A write succeeds only when the writer's claimed
// base version equals the stored version; on success the version increments
// by exactly 1. Repeated delivery of the same opId replays the original
// result without a second version bump.
type Store struct {
	database *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{database: database}
}

func (s *Store) Init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
    	document_id text not null primary key,
    	version integer not null,
    	content text not null,
    	updated_at text not null,
    	updated_by text not null
		)`,
	); err != nil {
		return err
	}
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS snapshot_ops (
    	op_id text not null primary key,
    	document_id text not null,
    	version integer not null
		)`,
	); err != nil {
		return err
	}
	return nil
}

// Get returns the current snapshot, or nil when the document has none.
func (s *Store) Get(ctx context.Context, documentID string) (*snapshot.Snapshot, error) {
	var version int64
	var rawContent, updatedAt, updatedBy string
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT version, content, updated_at, updated_by FROM snapshots WHERE document_id = ?`,
		documentID,
	).Scan(&version, &rawContent, &updatedAt, &updatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	content, err := document.Decode([]byte(rawContent))
	if err != nil {
		return nil, err
	}
	at, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return &snapshot.Snapshot{
		DocumentID: documentID,
		Version:    version,
		Content:    content,
		UpdatedAt:  at,
		UpdatedBy:  updatedBy,
	}, nil
}

// Save applies one compare-and-swap write. The returned conflict is non-nil
// when the base version was stale.
func (s *Store) Save(ctx context.Context, documentID string, req snapshot.SaveRequest) (int64, *snapshot.Conflict, error) {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// opId replay: same token, same result, no version bump
	var replayVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM snapshot_ops WHERE op_id = ?`, req.OpID).Scan(&replayVersion)
	if err == nil {
		return replayVersion, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("failed to query ops: %w", err)
	}

	var currentVersion int64
	var currentContent string
	err = tx.QueryRowContext(ctx, `SELECT version, content FROM snapshots WHERE document_id = ?`, documentID).
		Scan(&currentVersion, &currentContent)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		currentVersion = 0
	} else if err != nil {
		return 0, nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if req.BaseVersion != currentVersion {
		latest := document.Content{}
		if exists {
			if latest, err = document.Decode([]byte(currentContent)); err != nil {
				return 0, nil, err
			}
		}
		return 0, &snapshot.Conflict{
			LatestVersion:   currentVersion,
			LatestContent:   latest,
			YourBaseVersion: req.BaseVersion,
		}, nil
	}

	encoded, err := req.Content.Encode()
	if err != nil {
		return 0, nil, err
	}
	newVersion := currentVersion + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if exists {
		if _, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET version = ?, content = ?, updated_at = ?, updated_by = ? WHERE document_id = ?`,
			newVersion, string(encoded), now, req.UpdatedBy, documentID,
		); err != nil {
			return 0, nil, fmt.Errorf("failed to persist snapshot: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (document_id, version, content, updated_at, updated_by) VALUES (?, ?, ?, ?, ?)`,
			documentID, newVersion, string(encoded), now, req.UpdatedBy,
		); err != nil {
			return 0, nil, fmt.Errorf("failed to persist snapshot: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_ops (op_id, document_id, version) VALUES (?, ?, ?)`,
		req.OpID, documentID, newVersion,
	); err != nil {
		return 0, nil, fmt.Errorf("failed to persist op: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return newVersion, nil, nil
}
