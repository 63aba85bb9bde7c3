// Package session runs one open document.
//
// A Session owns the document's History and replay Machine and applies
// every change on a single event-loop goroutine (Run). Loading a .mds file
// shows its head immediately and hands the raw past to the correlation
// broker; the parsed past comes back as a broker result, which the loop
// merges in front of whatever was edited in the meantime. Results for loads
// that a newer load superseded are ignored.
//
// Edits, loads and merges are also written to an optional Journal so an
// unsaved session can be recovered.
package session
