// Package store is the SQLite autosave journal for open documents.
//
// Every snapshot the session records is appended here before the user saves,
// so an interrupted session can be recovered into a new .mds file.
//
// # Tables
//
//   - documents: one row per document path, with the history length at the
//     last successful save
//   - snapshots: (document_id, seq) keyed rows holding canonical snapshot
//     text and its content hash
//
// # Rules
//
// Appends are idempotent: writing the same snapshot at the same seq twice is a
// no-op, while a different snapshot at an occupied seq is a *ConflictError.
// Reads order by seq ASC; seq is the snapshot's index in the history.
//
// The database runs in WAL mode with synchronous=FULL. Schema upgrades are
// tracked in user_version and applied by Open.
package store
