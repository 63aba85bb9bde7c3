package testutil

import (
	"os"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/snapshot"
)

// Entry is one file inside a hand-built container.
type Entry struct {
	Name string
	Data string
}

// WriteZip writes entries to path as a zip container, in order.
func WriteZip(t testing.TB, path string, entries ...Entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.Data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// BrokenPast is a snapshots.json payload no worker can parse.
const BrokenPast = `[{"blocks":`

// WriteBrokenPast writes a container whose head is readable and whose past
// is not.
func WriteBrokenPast(t testing.TB, path string, head snapshot.Snapshot) {
	t.Helper()
	WriteZip(t, path,
		Entry{archive.EntryVersion, archive.FormatVersion},
		Entry{archive.EntrySnapshots, BrokenPast},
		Entry{archive.EntryHead, head.String()},
	)
}
