package config

import (
	"errors"
	"strings"
)

// ErrReadBytesNotSupported is returned when ReadBytes is called on a map provider.
var ErrReadBytesNotSupported = errors.New("config: ReadBytes not supported by map provider, use Read() instead")

// mapProvider is a koanf provider over an in-memory map of dotted keys.
type mapProvider map[string]any

// ReadBytes returns an error as map provider doesn't support byte serialization.
func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, ErrReadBytesNotSupported
}

// Read returns the configuration map, expanding dotted keys into nested maps
// the way koanf expects.
func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range m {
		insert(out, strings.Split(key, "."), v)
	}
	return out, nil
}

func insert(dst map[string]any, path []string, v any) {
	if len(path) == 1 {
		dst[path[0]] = v
		return
	}
	child, ok := dst[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		dst[path[0]] = child
	}
	insert(child, path[1:], v)
}
