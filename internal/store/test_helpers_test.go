package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/midst/internal/snapshot"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDocument registers path and returns its id.
func createTestDocument(t *testing.T, s *Store, path string) int64 {
	t.Helper()
	id, err := s.EnsureDocument(context.Background(), path)
	if err != nil {
		t.Fatalf("EnsureDocument(%q) failed: %v", path, err)
	}
	return id
}

// textSnap builds a small snapshot holding text.
func textSnap(text string) snapshot.Snapshot {
	return snapshot.MustParse(fmt.Sprintf(`{"text":%q}`, text))
}
