package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/midst/internal/queue"
	"github.com/roach88/midst/internal/snapshot"
	"github.com/roach88/midst/internal/worker"
)

// DefaultPoolSize is the number of parse workers when none is configured.
const DefaultPoolSize = 2

// DefaultResultBuffer is the capacity of the Results channel.
const DefaultResultBuffer = 16

// Result is the tagged outcome of one job. Err is nil on success; on
// failure it is a *JobError and Snapshots is nil.
type Result struct {
	CorrelationID string
	Snapshots     []snapshot.Snapshot
	Err           error
}

// OK reports whether the job succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// jobState tracks where a job is in its lifetime.
type jobState int

const (
	jobQueued jobState = iota + 1
	jobRunning
)

// job is one entry of the job table.
type job struct {
	id           string
	payload      []byte
	state        jobState
	slot         int // -1 while queued
	dispatchedAt time.Time
}

// Broker routes parse jobs to a bounded worker pool and results back to the
// requester.
//
// Thread-safety model:
//   - Dispatch, Deliver, Has, Outstanding: safe from any goroutine
//   - Results: read from one goroutine (the requester's event loop)
//   - Close: call once; concurrent Dispatch calls fail with ErrClosed
type Broker struct {
	spawner  Spawner
	poolSize int
	logger   *slog.Logger
	metrics  *Metrics
	handler  func(Result)

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool

	queue   *queue.Queue[*job]
	results chan Result
	closing chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Broker.
type Option func(*Broker)

// WithPoolSize sets the number of concurrent workers (minimum 1).
func WithPoolSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithMetrics records broker activity in m.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithResultHandler delivers results by calling h from the worker goroutine
// instead of through the Results channel. h must not block.
func WithResultHandler(h func(Result)) Option {
	return func(b *Broker) {
		b.handler = h
	}
}

// WithResultBuffer sets the capacity of the Results channel. Workers block
// delivering when the channel is full, until Close starts.
func WithResultBuffer(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.results = make(chan Result, n)
		}
	}
}

// New creates a Broker and starts its worker pool.
// Call Close to stop the pool and release worker handles.
func New(spawner Spawner, opts ...Option) *Broker {
	b := &Broker{
		spawner:  spawner,
		poolSize: DefaultPoolSize,
		jobs:     make(map[string]*job),
		queue:    queue.New[*job](),
		results:  make(chan Result, DefaultResultBuffer),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.group = &errgroup.Group{}
	for slot := 0; slot < b.poolSize; slot++ {
		slot := slot
		b.group.Go(func() error {
			b.runSlot(slot)
			return nil
		})
	}

	b.logger.Debug("broker started", "pool_size", b.poolSize)
	return b
}

// Results returns the channel on which results are delivered. It is closed
// by Close after the last result. Unused when a result handler is set.
func (b *Broker) Results() <-chan Result {
	return b.results
}

// PoolSize returns the number of worker slots.
func (b *Broker) PoolSize() int {
	return b.poolSize
}

// Dispatch records a job for correlationID and queues it for a worker.
// It never waits for the parse; the outcome arrives later as a Result.
func (b *Broker) Dispatch(ctx context.Context, correlationID string, rawPayload []byte) error {
	if correlationID == "" {
		return ErrEmptyCorrelationID
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch %s: %w", correlationID, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, exists := b.jobs[correlationID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", correlationID, ErrDuplicateJob)
	}
	j := &job{
		id:           correlationID,
		payload:      rawPayload,
		state:        jobQueued,
		slot:         -1,
		dispatchedAt: time.Now(),
	}
	b.jobs[correlationID] = j
	b.mu.Unlock()

	if !b.queue.Enqueue(j) {
		// Close raced with us after the table insert.
		b.mu.Lock()
		delete(b.jobs, correlationID)
		b.mu.Unlock()
		return ErrClosed
	}

	b.metrics.dispatched(b.queue.Len())
	b.logger.Debug("job dispatched", "correlation_id", correlationID, "bytes", len(rawPayload))
	return nil
}

// Has reports whether correlationID has an outstanding job.
func (b *Broker) Has(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[correlationID]
	return ok
}

// Outstanding returns the number of jobs in the table.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// Counts returns how many outstanding jobs are waiting in the queue and how
// many are running on a worker.
func (b *Broker) Counts() (queued, running int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		switch j.state {
		case jobQueued:
			queued++
		case jobRunning:
			running++
		}
	}
	return queued, running
}

// Deliver routes res to the requester if res.CorrelationID has an
// outstanding job, removing the job from the table. A result for an unknown
// id is dropped and Deliver returns false; duplicate and late deliveries are
// harmless.
//
// Once Close has started, a result the requester is not ready to take is
// dropped and counted instead of blocking shutdown.
func (b *Broker) Deliver(res Result) bool {
	b.mu.Lock()
	_, ok := b.jobs[res.CorrelationID]
	if ok {
		delete(b.jobs, res.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.metrics.dropped()
		b.logger.Debug("dropping result for unknown correlation id", "correlation_id", res.CorrelationID)
		return false
	}

	b.metrics.completed(res.OK())
	if b.handler != nil {
		b.handler(res)
		return true
	}
	b.send(res)
	return true
}

// send puts res on the Results channel, waiting for room until Close starts.
func (b *Broker) send(res Result) {
	select {
	case b.results <- res:
		return
	default:
	}

	select {
	case b.results <- res:
	case <-b.closing:
		// A reader already waiting still gets it.
		select {
		case b.results <- res:
		default:
			b.metrics.dropped()
			b.logger.Warn("dropping result during close: no reader",
				"correlation_id", res.CorrelationID,
				"ok", res.OK(),
			)
		}
	}
}

// fail reports a worker error for a job: logged, not retried, and delivered
// to the requester as a failure result so the job table entry is always
// cleaned up.
func (b *Broker) fail(id string, stage Stage, err error) {
	b.logger.Error("parse job failed",
		"correlation_id", id,
		"stage", string(stage),
		"error", err,
	)
	b.Deliver(Result{
		CorrelationID: id,
		Err:           &JobError{CorrelationID: id, Stage: stage, Err: err},
	})
}

// runSlot is one pool goroutine. It keeps a worker handle across jobs and
// replaces it after a failure.
func (b *Broker) runSlot(slot int) {
	var w Worker
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				b.logger.Warn("closing worker", "slot", slot, "error", err)
			}
		}
	}()

	for {
		j, ok := b.queue.TryDequeue()
		if ok {
			w = b.runJob(slot, w, j)
			continue
		}

		select {
		case <-b.ctx.Done():
			return
		case <-b.queue.Wait():
			// The signal channel closes with the queue; exit once it is empty.
			if b.queue.Closed() && b.queue.Len() == 0 {
				return
			}
		}
	}
}

// runJob executes j on the slot's worker handle, spawning one if needed.
// It returns the handle to keep for the next job (nil after a failure).
func (b *Broker) runJob(slot int, w Worker, j *job) Worker {
	b.mu.Lock()
	j.state = jobRunning
	j.slot = slot
	b.mu.Unlock()
	b.metrics.started(b.queue.Len())

	start := time.Now()
	defer func() {
		b.metrics.finished(time.Since(start).Seconds())
	}()

	if w == nil {
		spawned, err := b.spawner.Spawn(b.ctx)
		if err != nil {
			b.fail(j.id, StageSpawn, err)
			return nil
		}
		b.metrics.spawned()
		w = spawned
	}

	resp, err := w.Parse(b.ctx, worker.Request{CorrelationID: j.id, RawSnapshotsJSON: j.payload})
	if err != nil {
		b.teardown(slot, w)
		b.fail(j.id, StageParse, err)
		return nil
	}

	if resp.CorrelationID != j.id {
		// Never route a mismatched answer: it could belong to another job.
		b.teardown(slot, w)
		b.fail(j.id, StageProtocol, fmt.Errorf("worker answered for %q", resp.CorrelationID))
		return nil
	}

	b.logger.Debug("job finished",
		"correlation_id", j.id,
		"slot", j.slot,
		"snapshots", len(resp.Snapshots),
		"queued_for", start.Sub(j.dispatchedAt),
	)
	b.Deliver(Result{CorrelationID: resp.CorrelationID, Snapshots: resp.Snapshots})
	return w
}

func (b *Broker) teardown(slot int, w Worker) {
	if err := w.Close(); err != nil {
		b.logger.Warn("tearing down failed worker", "slot", slot, "error", err)
	}
}

// Close stops accepting jobs, fails every still-queued job with ErrClosed,
// waits for running jobs to finish, releases worker handles and closes the
// Results channel. Close is idempotent and never waits on a reader of
// Results: failures nobody can take are dropped.
func (b *Broker) Close() error {
	return b.CloseContext(context.Background())
}

// CloseContext is Close with a deadline: when ctx ends before running jobs
// finish, their workers are cancelled and those jobs fail.
func (b *Broker) CloseContext(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.closing)

		for _, j := range b.queue.Drain() {
			b.Deliver(Result{
				CorrelationID: j.id,
				Err:           &JobError{CorrelationID: j.id, Stage: StageClosed, Err: ErrClosed},
			})
		}
		b.queue.Close()

		done := make(chan struct{})
		go func() {
			_ = b.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			b.cancel()
			<-done
			b.closeErr = ctx.Err()
		}
		b.cancel()

		if b.handler == nil {
			close(b.results)
		}
		b.logger.Debug("broker stopped")
	})
	return b.closeErr
}
