package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/midst/internal/snapshot"
)

// ErrNotFound is returned when a document is not in the journal.
var ErrNotFound = errors.New("journal: document not found")

// Document is one journaled document.
type Document struct {
	ID        int64
	Path      string
	SavedLen  int
	Snapshots int
}

// Unsaved reports whether the journal holds snapshots beyond the last save.
func (d Document) Unsaved() bool {
	return d.Snapshots > d.SavedLen
}

// LookupDocument returns the journal entry for path or ErrNotFound.
func (s *Store) LookupDocument(ctx context.Context, path string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.path, d.saved_len, COUNT(s.seq)
		FROM documents d
		LEFT JOIN snapshots s ON s.document_id = d.id
		WHERE d.path = ?
		GROUP BY d.id
	`, path)

	var d Document
	if err := row.Scan(&d.ID, &d.Path, &d.SavedLen, &d.Snapshots); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("lookup %s: %w", path, ErrNotFound)
		}
		return Document{}, fmt.Errorf("lookup %s: %w", path, err)
	}
	return d, nil
}

// ListDocuments returns every journaled document ordered by path.
// Returns an empty slice (not nil) when the journal is empty.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.path, d.saved_len, COUNT(s.seq)
		FROM documents d
		LEFT JOIN snapshots s ON s.document_id = d.id
		GROUP BY d.id
		ORDER BY d.path COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Path, &d.SavedLen, &d.Snapshots); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// ReadSnapshots returns a document's journaled snapshots ordered by seq.
// Returns an empty slice (not nil) if none exist.
func (s *Store) ReadSnapshots(ctx context.Context, documentID int64) ([]snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, hash, content FROM snapshots
		WHERE document_id = ?
		ORDER BY seq ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []snapshot.Snapshot{}
	for rows.Next() {
		var (
			seq     int64
			hash    string
			content string
		)
		if err := rows.Scan(&seq, &hash, &content); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := snapshot.Parse([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("snapshot seq %d: %w", seq, err)
		}
		if snap.Hash() != hash {
			return nil, fmt.Errorf("snapshot seq %d: content does not match stored hash", seq)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// FindByHash returns the documents whose journal contains a snapshot with
// the given content hash, ordered by path.
func (s *Store) FindByHash(ctx context.Context, hash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.path
		FROM snapshots s
		JOIN documents d ON d.id = s.document_id
		WHERE s.hash = ?
		ORDER BY d.path COLLATE BINARY ASC
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paths: %w", err)
	}
	return paths, nil
}
