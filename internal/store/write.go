package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/midst/internal/snapshot"
)

// ConflictError reports an append at a seq already holding a different
// snapshot.
type ConflictError struct {
	DocumentID   int64
	Seq          int64
	ExistingHash string
	NewHash      string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("journal: document %d seq %d already holds %s, refusing %s",
		e.DocumentID, e.Seq, shortHash(e.ExistingHash), shortHash(e.NewHash))
}

// IsConflictError returns true if err is, or wraps, a *ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// EnsureDocument returns the id for path, creating the row if needed.
func (s *Store) EnsureDocument(ctx context.Context, path string) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("ensure document: path is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (path) VALUES (?)
		ON CONFLICT(path) DO NOTHING
	`, path)
	if err != nil {
		return 0, fmt.Errorf("ensure document: insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure document: select: %w", err)
	}
	return id, nil
}

// AppendSnapshot journals snap at seq. Returns whether a new row was
// written. Re-appending an identical snapshot is a no-op; a different
// snapshot at an occupied seq is a *ConflictError.
func (s *Store) AppendSnapshot(ctx context.Context, documentID, seq int64, snap snapshot.Snapshot) (inserted bool, err error) {
	if snap.IsZero() {
		return false, fmt.Errorf("append snapshot: %w", snapshot.ErrEmpty)
	}
	hash := snap.Hash()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("append snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, seq, hash, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id, seq) DO NOTHING
	`, documentID, seq, hash, snap.String())
	if err != nil {
		return false, fmt.Errorf("append snapshot: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append snapshot: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT hash FROM snapshots WHERE document_id = ? AND seq = ?
		`, documentID, seq).Scan(&existing)
		if err != nil {
			return false, fmt.Errorf("append snapshot: select existing: %w", err)
		}
		if existing != hash {
			return false, &ConflictError{DocumentID: documentID, Seq: seq, ExistingHash: existing, NewHash: hash}
		}
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("append snapshot: commit: %w", err)
	}
	return true, nil
}

// ReplaceSnapshots atomically rewrites a document's journal, as after a
// loaded past was merged in front of it.
func (s *Store) ReplaceSnapshots(ctx context.Context, documentID int64, snaps []snapshot.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace snapshots: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("replace snapshots: delete: %w", err)
	}
	if err := insertAll(ctx, tx, documentID, snaps); err != nil {
		return fmt.Errorf("replace snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace snapshots: commit: %w", err)
	}
	return nil
}

func insertAll(ctx context.Context, tx *sql.Tx, documentID int64, snaps []snapshot.Snapshot) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshots (document_id, seq, hash, content) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, snap := range snaps {
		if snap.IsZero() {
			return fmt.Errorf("seq %d: %w", i, snapshot.ErrEmpty)
		}
		if _, err := stmt.ExecContext(ctx, documentID, int64(i), snap.Hash(), snap.String()); err != nil {
			return fmt.Errorf("insert seq %d: %w", i, err)
		}
	}
	return nil
}

// MarkSaved records that the first n journaled snapshots are in the saved
// file.
func (s *Store) MarkSaved(ctx context.Context, documentID int64, n int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET saved_len = ? WHERE id = ?
	`, n, documentID)
	if err != nil {
		return fmt.Errorf("mark saved: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("mark saved: %w", ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document and its journaled snapshots.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
