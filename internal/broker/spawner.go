package broker

import (
	"context"

	"github.com/roach88/midst/internal/worker"
)

// Worker is a handle on an isolated parse worker.
// The pool calls Parse for one job at a time per handle.
type Worker interface {
	// Parse runs one job. It returns an error, and no response, when the
	// payload is malformed or the worker itself failed.
	Parse(ctx context.Context, req worker.Request) (worker.Response, error)

	// Close tears the handle down. Close after a failed Parse must succeed
	// or return promptly.
	Close() error
}

// Spawner creates worker handles.
type Spawner interface {
	Spawn(ctx context.Context) (Worker, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Worker, error)

// Spawn calls f(ctx).
func (f SpawnerFunc) Spawn(ctx context.Context) (Worker, error) {
	return f(ctx)
}

// InProcessSpawner runs parse workers as goroutines in this process.
type InProcessSpawner struct {
	// Options configure each worker, e.g. worker.WithValidator.
	Options []worker.Option
}

// Spawn returns a handle around a fresh worker.Worker.
func (s InProcessSpawner) Spawn(ctx context.Context) (Worker, error) {
	return inProcessWorker{w: worker.New(s.Options...)}, nil
}

type inProcessWorker struct {
	w *worker.Worker
}

func (p inProcessWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	return p.w.Run(ctx, req)
}

func (p inProcessWorker) Close() error {
	return nil
}
