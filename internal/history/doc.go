// Package history implements the snapshot history engine: an append-only,
// de-duplicated log of content snapshots plus the replay cursor.
//
// INVARIANTS:
//   - No two adjacent snapshots are Equal
//   - 0 <= cursor <= Len()-1 whenever Len() > 0; cursor is -1 when empty
//   - Record is the only mutation during live editing
//   - Out-of-range access fails with *RangeError, it never clamps
package history
