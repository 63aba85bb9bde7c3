package history

import (
	"sync"

	"github.com/roach88/midst/internal/snapshot"
)

// History is the ordered, de-duplicated snapshot log and its replay cursor.
//
// Thread-safety: all methods are safe for concurrent use. The session's event
// loop is the only writer in practice; the replay machine reads and moves the
// cursor from timer goroutines.
type History struct {
	mu     sync.RWMutex
	snaps  []snapshot.Snapshot
	cursor int
}

// New creates a History holding the given snapshots, collapsing adjacent
// duplicates and skipping zero snapshots. The cursor points at the last
// element.
func New(initial ...snapshot.Snapshot) *History {
	h := &History{cursor: -1}
	h.snaps = appendDistinct(nil, initial...)
	h.cursor = len(h.snaps) - 1
	return h
}

// Record appends s iff History is empty or s differs from the last element.
// Zero snapshots are ignored. Returns whether s was appended.
//
// The cursor is left where it is, except that the first recorded snapshot
// activates it at 0.
func (h *History) Record(s snapshot.Snapshot) bool {
	if s.IsZero() {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.snaps); n > 0 && h.snaps[n-1].Equal(s) {
		return false
	}
	h.snaps = append(h.snaps, s)
	if h.cursor < 0 {
		h.cursor = 0
	}
	return true
}

// MergeLoaded prepends prior (oldest first) followed by head to the current
// History, preserving relative order. Adjacent duplicates at the seams are
// collapsed. The cursor moves to the new last element.
func (h *History) MergeLoaded(prior []snapshot.Snapshot, head snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := make([]snapshot.Snapshot, 0, len(prior)+1+len(h.snaps))
	merged = appendDistinct(merged, prior...)
	merged = appendDistinct(merged, head)
	merged = appendDistinct(merged, h.snaps...)

	h.snaps = merged
	h.cursor = len(h.snaps) - 1
}

// Reset replaces the whole History, as when a different document is opened.
func (h *History) Reset(initial ...snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snaps = appendDistinct(nil, initial...)
	h.cursor = len(h.snaps) - 1
}

// SnapshotAt returns the snapshot at index or a *RangeError.
func (h *History) SnapshotAt(index int) (snapshot.Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if index < 0 || index >= len(h.snaps) {
		return snapshot.Snapshot{}, &RangeError{Index: index, Len: len(h.snaps)}
	}
	return h.snaps[index], nil
}

// SplitForSave returns the last snapshot as head and all earlier snapshots,
// oldest first, as past. Fails with ErrEmptyHistory when there is nothing to
// save.
func (h *History) SplitForSave() (head snapshot.Snapshot, past []snapshot.Snapshot, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.snaps)
	if n == 0 {
		return snapshot.Snapshot{}, nil, ErrEmptyHistory
	}
	past = make([]snapshot.Snapshot, n-1)
	copy(past, h.snaps[:n-1])
	return h.snaps[n-1], past, nil
}

// Len returns the number of snapshots.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.snaps)
}

// Last returns the most recent snapshot and false when History is empty.
func (h *History) Last() (snapshot.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.snaps) == 0 {
		return snapshot.Snapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

// Cursor returns the replay cursor, or -1 when History is empty.
func (h *History) Cursor() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cursor
}

// SetCursor moves the cursor. index must be in [0, Len-1].
func (h *History) SetCursor(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.snaps) {
		return &RangeError{Index: index, Len: len(h.snaps)}
	}
	h.cursor = index
	return nil
}

// Current returns the snapshot under the cursor.
func (h *History) Current() (snapshot.Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.snaps) == 0 {
		return snapshot.Snapshot{}, ErrEmptyHistory
	}
	return h.snaps[h.cursor], nil
}

// Snapshots returns a copy of the log, oldest first.
func (h *History) Snapshots() []snapshot.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]snapshot.Snapshot, len(h.snaps))
	copy(out, h.snaps)
	return out
}

// appendDistinct appends each non-zero snapshot that differs from the
// current tail of dst.
func appendDistinct(dst []snapshot.Snapshot, snaps ...snapshot.Snapshot) []snapshot.Snapshot {
	for _, s := range snaps {
		if s.IsZero() {
			continue
		}
		if n := len(dst); n > 0 && dst[n-1].Equal(s) {
			continue
		}
		dst = append(dst, s)
	}
	return dst
}
