package archive

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/roach88/midst/internal/snapshot"
)

// Entry names inside an .mds container.
const (
	EntryVersion   = "VERSION"
	EntrySnapshots = "snapshots.json"
	EntryHead      = "head.json"
)

// Extension is the required file extension for saved documents.
const Extension = ".mds"

// DefaultName is the document name used when none is given.
const DefaultName = "Untitled"

// DefaultMaxEntrySize bounds the decompressed size of a single entry.
const DefaultMaxEntrySize int64 = 256 << 20

// entryTime is stamped on every entry so identical input yields identical bytes.
var entryTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Document is a loaded .mds container.
type Document struct {
	// Version is the VERSION entry, accepted by the codec's policy.
	Version string

	// Head is the most recent snapshot, parsed eagerly.
	Head snapshot.Snapshot

	// RawSnapshots is snapshots.json exactly as stored. It is intentionally
	// not parsed; hand it to a parse worker.
	RawSnapshots []byte
}

// Codec reads and writes .mds containers.
// A zero Codec is usable and applies the defaults.
type Codec struct {
	policy       VersionPolicy
	maxEntrySize int64
	logger       *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithVersionPolicy sets the policy Load applies to the VERSION entry.
func WithVersionPolicy(p VersionPolicy) Option {
	return func(c *Codec) {
		c.policy = p
	}
}

// WithMaxEntrySize bounds the decompressed size of each entry on Load.
func WithMaxEntrySize(n int64) Option {
	return func(c *Codec) {
		c.maxEntrySize = n
	}
}

// WithLogger sets the logger used for policy warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = l
	}
}

// New creates a Codec with the given options.
func New(opts ...Option) *Codec {
	c := &Codec{
		policy:       DefaultVersionPolicy,
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the version policy in effect.
func (c *Codec) Policy() VersionPolicy {
	if c.policy == "" {
		return DefaultVersionPolicy
	}
	return c.policy
}

func (c *Codec) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Save produces a container holding head and past. past may be empty.
// Output is deterministic for equal input.
func (c *Codec) Save(head snapshot.Snapshot, past []snapshot.Snapshot) ([]byte, error) {
	if head.IsZero() {
		return nil, ErrNoHead
	}

	pastJSON, err := snapshot.MarshalArray(past)
	if err != nil {
		return nil, fmt.Errorf("save archive: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{EntryVersion, []byte(FormatVersion)},
		{EntrySnapshots, pastJSON},
		{EntryHead, head.Bytes()},
	}
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: entryTime,
		})
		if err != nil {
			return nil, fmt.Errorf("save archive: create %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("save archive: write %s: %w", e.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("save archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads a container. Any missing entry, an unrecognized version or an
// unparsable head yields a *FormatError and no Document.
func (c *Codec) Load(data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &FormatError{Code: ErrCodeBadArchive, Message: "not a readable archive", Err: err}
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	contents := make(map[string][]byte, 3)
	for _, name := range []string{EntryVersion, EntrySnapshots, EntryHead} {
		f, ok := files[name]
		if !ok {
			return nil, &FormatError{Code: ErrCodeMissingEntry, Entry: name, Message: "required entry missing"}
		}
		b, err := c.readEntry(f)
		if err != nil {
			return nil, err
		}
		contents[name] = b
	}

	version, err := checkVersion(c.Policy(), string(contents[EntryVersion]), c.log())
	if err != nil {
		return nil, err
	}

	head, err := snapshot.Parse(contents[EntryHead])
	if err != nil {
		return nil, &FormatError{Code: ErrCodeBadHead, Entry: EntryHead, Message: "head is not a valid snapshot", Err: err}
	}

	return &Document{
		Version:      version,
		Head:         head,
		RawSnapshots: contents[EntrySnapshots],
	}, nil
}

func (c *Codec) readEntry(f *zip.File) ([]byte, error) {
	limit := c.maxEntrySize
	if limit <= 0 {
		limit = DefaultMaxEntrySize
	}

	rc, err := f.Open()
	if err != nil {
		return nil, &FormatError{Code: ErrCodeBadArchive, Entry: f.Name, Message: "cannot open entry", Err: err}
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &FormatError{Code: ErrCodeBadArchive, Entry: f.Name, Message: "cannot read entry", Err: err}
	}
	if int64(len(b)) > limit {
		return nil, &FormatError{
			Code:    ErrCodeEntryTooLarge,
			Entry:   f.Name,
			Message: fmt.Sprintf("entry exceeds %d bytes", limit),
		}
	}
	return b, nil
}

// SaveFile writes a container to path, which must end in .mds. The file is
// written to a temporary sibling and renamed into place.
func (c *Codec) SaveFile(path string, head snapshot.Snapshot, past []snapshot.Snapshot) error {
	if !HasExtension(path) {
		return fmt.Errorf("save %s: %w", path, ErrExtension)
	}

	data, err := c.Save(head, past)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".midst-*"+Extension)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// LoadFile reads the container at path, which must end in .mds.
func (c *Codec) LoadFile(path string) (*Document, error) {
	if !HasExtension(path) {
		return nil, fmt.Errorf("load %s: %w", path, ErrExtension)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	doc, err := c.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return doc, nil
}

// HasExtension reports whether path names an .mds file.
func HasExtension(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// FileName returns the file name for a document name, defaulting to
// "Untitled.mds". A name already ending in .mds is returned unchanged.
func FileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if HasExtension(name) {
		return name
	}
	return name + Extension
}
