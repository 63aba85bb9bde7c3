// Package snapshot provides the immutable document content value recorded by
// the history engine.
//
// A Snapshot is the canonical JSON text of a content value. Canonical form
// makes structural equality a byte comparison:
//   - Object keys sorted by UTF-16 code units
//   - Strings NFC normalized, no HTML escaping
//   - Numbers kept verbatim (no float round trip)
//   - No insignificant whitespace
//
// The package imports nothing internal. Every other package treats a
// Snapshot as an opaque comparable value; only content.go knows the
// Draft-style raw content shape (blocks + entityMap) the CLI edits.
package snapshot
