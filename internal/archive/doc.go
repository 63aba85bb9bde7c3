// Package archive implements the .mds container format.
//
// An .mds file is a zip archive with exactly three entries:
//
//	VERSION         plain text format version ("0.1.0")
//	snapshots.json  JSON array of past snapshots, oldest first
//	head.json       JSON value of the most recent snapshot
//
// Head is stored apart from the past so a loader can show the document
// immediately and hand snapshots.json, unparsed, to a parse worker. Load never
// decodes snapshots.json; Document.RawSnapshots carries it as an opaque blob.
//
// Concatenating the past with [head] reconstructs the full history in order.
package archive
