package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrEmpty is returned when parsing an empty or whitespace-only payload.
var ErrEmpty = errors.New("snapshot: empty content")

// Snapshot is an immutable point-in-time document content value.
//
// Identity is structural: two Snapshots built from JSON that differs only in
// key order, whitespace or Unicode normalization are Equal. The zero value
// carries no content and is never recorded in a history.
//
// Snapshot is a value type; the canonical text is a Go string so copies share
// it without any way to mutate it.
type Snapshot struct {
	canonical string
}

// Parse decodes a single JSON value and returns its canonical Snapshot.
// Trailing data after the value is an error.
func Parse(data []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, ErrEmpty
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Snapshot{}, fmt.Errorf("parse snapshot: trailing data after value")
	}
	if v == nil {
		return Snapshot{}, ErrEmpty
	}

	return FromValue(v)
}

// MustParse is like Parse but panics on error.
// Use only in tests or with literal input known to be valid.
func MustParse(data string) Snapshot {
	s, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return s
}

// FromValue canonicalizes an already-decoded JSON value (maps, slices,
// strings, bools, json.Number, int, int64, nil).
func FromValue(v any) (Snapshot, error) {
	out, err := canonicalize(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	return Snapshot{canonical: string(out)}, nil
}

// ParseArray decodes a JSON array of snapshot values, preserving order.
// An empty array yields an empty, non-nil slice.
func ParseArray(data []byte) ([]Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse snapshot array: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse snapshot array: expected array, got null")
	}

	out := make([]Snapshot, 0, len(raw))
	for i, elem := range raw {
		s, err := Parse(elem)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot array: [%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// MarshalArray encodes snapshots as a JSON array of their canonical texts.
// A nil or empty slice encodes as "[]".
func MarshalArray(snaps []Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, s := range snaps {
		if s.IsZero() {
			return nil, fmt.Errorf("marshal snapshot array: [%d]: %w", i, ErrEmpty)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(s.canonical)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Equal reports structural equality.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.canonical == other.canonical
}

// IsZero reports whether s carries no content.
func (s Snapshot) IsZero() bool {
	return s.canonical == ""
}

// Bytes returns a copy of the canonical JSON text.
func (s Snapshot) Bytes() []byte {
	return []byte(s.canonical)
}

// String returns the canonical JSON text.
func (s Snapshot) String() string {
	return s.canonical
}

// Value decodes the canonical text into a generic JSON value.
// Numbers decode as json.Number.
func (s Snapshot) Value() (any, error) {
	if s.IsZero() {
		return nil, ErrEmpty
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s.canonical)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler. The zero Snapshot encodes as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return []byte(s.canonical), nil
}

// UnmarshalJSON implements json.Unmarshaler. null decodes to the zero Snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = Snapshot{}
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
