package testutil

import (
	"io"
	"log/slog"
)

// QuietLogger returns a logger that drops everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
