package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/midst/internal/snapshot"
	"github.com/roach88/midst/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedWorker parses with a real worker.Worker after the job's gate opens.
// Jobs without a gate run immediately.
type gatedWorker struct {
	pool   *gatedPool
	closed atomic.Bool
}

func (w *gatedWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	w.pool.enter()
	defer w.pool.exit()

	if gate := w.pool.gate(req.CorrelationID); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return worker.Response{}, ctx.Err()
		}
	}
	return worker.New().Run(ctx, req)
}

func (w *gatedWorker) Close() error {
	w.closed.Store(true)
	return nil
}

// gatedPool is a Spawner whose workers block per correlation id and track
// how many parses run at once.
type gatedPool struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	running int
	maxSeen int
	spawned int
}

func newGatedPool(gated ...string) *gatedPool {
	p := &gatedPool{gates: make(map[string]chan struct{})}
	for _, id := range gated {
		p.gates[id] = make(chan struct{})
	}
	return p
}

func (p *gatedPool) Spawn(ctx context.Context) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawned++
	return &gatedWorker{pool: p}, nil
}

func (p *gatedPool) gate(id string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gates[id]
}

func (p *gatedPool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.gates[id])
}

func (p *gatedPool) enter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running++
	if p.running > p.maxSeen {
		p.maxSeen = p.running
	}
}

func (p *gatedPool) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
}

func (p *gatedPool) stats() (running, maxSeen, spawned int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.maxSeen, p.spawned
}

func receive(t *testing.T, b *Broker) Result {
	t.Helper()
	select {
	case res, ok := <-b.Results():
		require.True(t, ok, "results channel closed early")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

func TestBroker_DeliversParsedSnapshots(t *testing.T) {
	b := New(InProcessSpawner{}, WithLogger(quietLogger()))
	defer b.Close()

	require.NoError(t, b.Dispatch(context.Background(), "job-1", []byte(`[{"text":"A"},{"text":"B"}]`)))

	res := receive(t, b)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, "job-1", res.CorrelationID)
	require.Len(t, res.Snapshots, 2)
	assert.True(t, res.Snapshots[0].Equal(snapshot.MustParse(`{"text":"A"}`)))
	assert.Equal(t, 0, b.Outstanding())
	assert.False(t, b.Has("job-1"))
}

func TestBroker_OutOfOrderResultsRouteByCorrelationID(t *testing.T) {
	pool := newGatedPool("first")
	b := New(pool, WithPoolSize(2), WithLogger(quietLogger()))
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "first", []byte(`[{"n":1}]`)))
	require.NoError(t, b.Dispatch(ctx, "second", []byte(`[{"n":2},{"n":3}]`)))

	got := receive(t, b)
	assert.Equal(t, "second", got.CorrelationID, "ungated job finishes first")
	require.Len(t, got.Snapshots, 2)
	assert.Equal(t, `{"n":2}`, got.Snapshots[0].String())
	assert.True(t, b.Has("first"))

	pool.release("first")
	got = receive(t, b)
	assert.Equal(t, "first", got.CorrelationID)
	require.Len(t, got.Snapshots, 1)
	assert.Equal(t, `{"n":1}`, got.Snapshots[0].String())
	assert.Equal(t, 0, b.Outstanding())
}

func TestBroker_DuplicateOutstandingID(t *testing.T) {
	pool := newGatedPool("x")
	b := New(pool, WithPoolSize(1), WithLogger(quietLogger()))
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "x", []byte(`[]`)))

	err := b.Dispatch(ctx, "x", []byte(`[]`))
	require.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, 1, b.Outstanding())

	pool.release("x")
	res := receive(t, b)
	assert.True(t, res.OK())

	// The id is free again once its result was delivered.
	require.NoError(t, b.Dispatch(ctx, "x", []byte(`[]`)))
	assert.True(t, receive(t, b).OK())
}

func TestBroker_DispatchValidation(t *testing.T) {
	b := New(InProcessSpawner{}, WithLogger(quietLogger()))
	defer b.Close()

	assert.ErrorIs(t, b.Dispatch(context.Background(), "", []byte(`[]`)), ErrEmptyCorrelationID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Dispatch(ctx, "c", []byte(`[]`)), context.Canceled)
	assert.Equal(t, 0, b.Outstanding())
}

func TestBroker_UnknownResultDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	b := New(InProcessSpawner{}, WithMetrics(m), WithLogger(quietLogger()))
	defer b.Close()

	delivered := b.Deliver(Result{CorrelationID: "ghost", Snapshots: []snapshot.Snapshot{snapshot.MustParse(`1`)}})
	assert.False(t, delivered)
	assert.Equal(t, 0, b.Outstanding())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResultsDropped))

	select {
	case res := <-b.Results():
		t.Fatalf("unexpected result delivered: %+v", res)
	default:
	}
}

func TestBroker_MalformedPayloadDeliversFailure(t *testing.T) {
	b := New(InProcessSpawner{}, WithLogger(quietLogger()))
	defer b.Close()

	require.NoError(t, b.Dispatch(context.Background(), "bad", []byte(`[{"text":`)))

	res := receive(t, b)
	assert.False(t, res.OK())
	assert.Equal(t, "bad", res.CorrelationID)
	assert.Nil(t, res.Snapshots)

	var je *JobError
	require.ErrorAs(t, res.Err, &je)
	assert.Equal(t, StageParse, je.Stage)
	assert.Equal(t, "bad", je.CorrelationID)

	var pe *worker.ParseError
	assert.ErrorAs(t, res.Err, &pe, "worker cause should be preserved")

	assert.Equal(t, 0, b.Outstanding(), "failed job must leave the table")
	assert.False(t, b.Has("bad"))
}

func TestBroker_FailedHandleIsReplaced(t *testing.T) {
	var spawned atomic.Int32
	var handles []*gatedWorker
	var mu sync.Mutex
	pool := newGatedPool()
	spawner := SpawnerFunc(func(ctx context.Context) (Worker, error) {
		spawned.Add(1)
		w := &gatedWorker{pool: pool}
		mu.Lock()
		handles = append(handles, w)
		mu.Unlock()
		return w, nil
	})

	b := New(spawner, WithPoolSize(1), WithLogger(quietLogger()))

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "ok-1", []byte(`[]`)))
	assert.True(t, receive(t, b).OK())
	require.NoError(t, b.Dispatch(ctx, "ok-2", []byte(`[]`)))
	assert.True(t, receive(t, b).OK())
	assert.Equal(t, int32(1), spawned.Load(), "healthy handle is reused")

	require.NoError(t, b.Dispatch(ctx, "broken", []byte(`nope`)))
	assert.False(t, receive(t, b).OK())

	mu.Lock()
	assert.True(t, handles[0].closed.Load(), "failed handle is torn down")
	mu.Unlock()

	require.NoError(t, b.Dispatch(ctx, "ok-3", []byte(`[]`)))
	assert.True(t, receive(t, b).OK())
	assert.Equal(t, int32(2), spawned.Load(), "a fresh handle replaces the failed one")

	require.NoError(t, b.Close())
}

func TestBroker_SpawnFailure(t *testing.T) {
	boom := errors.New("no workers today")
	b := New(SpawnerFunc(func(ctx context.Context) (Worker, error) {
		return nil, boom
	}), WithLogger(quietLogger()))
	defer b.Close()

	require.NoError(t, b.Dispatch(context.Background(), "s", []byte(`[]`)))

	res := receive(t, b)
	var je *JobError
	require.ErrorAs(t, res.Err, &je)
	assert.Equal(t, StageSpawn, je.Stage)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 0, b.Outstanding())
}

type liarWorker struct{ closed bool }

func (w *liarWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	return worker.Response{CorrelationID: "someone-else"}, nil
}

func (w *liarWorker) Close() error {
	w.closed = true
	return nil
}

func TestBroker_MismatchedAnswerIsProtocolFailure(t *testing.T) {
	liar := &liarWorker{}
	b := New(SpawnerFunc(func(ctx context.Context) (Worker, error) {
		return liar, nil
	}), WithPoolSize(1), WithLogger(quietLogger()))

	require.NoError(t, b.Dispatch(context.Background(), "mine", []byte(`[]`)))

	res := receive(t, b)
	assert.Equal(t, "mine", res.CorrelationID)
	var je *JobError
	require.ErrorAs(t, res.Err, &je)
	assert.Equal(t, StageProtocol, je.Stage)

	require.NoError(t, b.Close())
	assert.True(t, liar.closed)
}

func TestBroker_PoolBoundsConcurrency(t *testing.T) {
	ids := []string{"j1", "j2", "j3", "j4", "j5"}
	pool := newGatedPool(ids...)
	b := New(pool, WithPoolSize(2), WithLogger(quietLogger()))
	defer b.Close()

	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, b.Dispatch(ctx, id, []byte(`[]`)))
	}

	require.Eventually(t, func() bool {
		running, _, _ := pool.stats()
		return running == 2
	}, 2*time.Second, 5*time.Millisecond)

	queued, running := b.Counts()
	assert.Equal(t, 3, queued)
	assert.Equal(t, 2, running)
	assert.Equal(t, 5, b.Outstanding())

	for _, id := range ids {
		pool.release(id)
	}

	seen := make(map[string]bool)
	for range ids {
		res := receive(t, b)
		assert.True(t, res.OK())
		seen[res.CorrelationID] = true
	}
	assert.Len(t, seen, len(ids))

	_, maxSeen, spawned := pool.stats()
	assert.LessOrEqual(t, maxSeen, 2, "never more than PoolSize parses at once")
	assert.LessOrEqual(t, spawned, 2)
	assert.Equal(t, 0, b.Outstanding())
}

func TestBroker_CloseFailsQueuedJobs(t *testing.T) {
	pool := newGatedPool("running")
	b := New(pool, WithPoolSize(1), WithLogger(quietLogger()))

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "running", []byte(`[]`)))
	require.Eventually(t, func() bool {
		running, _, _ := pool.stats()
		return running == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Dispatch(ctx, "queued-1", []byte(`[]`)))
	require.NoError(t, b.Dispatch(ctx, "queued-2", []byte(`[]`)))

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()

	for _, want := range []string{"queued-1", "queued-2"} {
		res := receive(t, b)
		assert.Equal(t, want, res.CorrelationID)
		var je *JobError
		require.ErrorAs(t, res.Err, &je)
		assert.Equal(t, StageClosed, je.Stage)
		assert.ErrorIs(t, res.Err, ErrClosed)
	}

	assert.ErrorIs(t, b.Dispatch(ctx, "late", []byte(`[]`)), ErrClosed)

	pool.release("running")
	res := receive(t, b)
	assert.Equal(t, "running", res.CorrelationID)
	assert.True(t, res.OK(), "running job completes during close")

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	_, open := <-b.Results()
	assert.False(t, open, "results channel closed after the last result")
	assert.NoError(t, b.Close(), "close is idempotent")
}

func TestBroker_CloseContextCancelsRunningJobs(t *testing.T) {
	pool := newGatedPool("stuck")
	b := New(pool, WithPoolSize(1), WithLogger(quietLogger()))

	require.NoError(t, b.Dispatch(context.Background(), "stuck", []byte(`[]`)))
	require.Eventually(t, func() bool {
		running, _, _ := pool.stats()
		return running == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.CloseContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res, ok := <-b.Results()
	require.True(t, ok)
	assert.Equal(t, "stuck", res.CorrelationID)
	assert.False(t, res.OK())
	assert.Equal(t, 0, b.Outstanding())
}

func closeWithin(t *testing.T, d time.Duration, close func() error) error {
	t.Helper()
	closed := make(chan error, 1)
	go func() { closed <- close() }()
	select {
	case err := <-closed:
		return err
	case <-time.After(d):
		t.Fatalf("close still blocked after %v", d)
		return nil
	}
}

func TestBroker_CloseWithoutReaderUnbuffered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	b := New(InProcessSpawner{}, WithPoolSize(1), WithResultBuffer(0), WithMetrics(m), WithLogger(quietLogger()))
	require.NoError(t, b.Dispatch(context.Background(), "a", []byte(`[]`)))

	// Let the worker finish and block on the unbuffered channel.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobsCompleted.WithLabelValues(OutcomeSuccess)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, closeWithin(t, 2*time.Second, func() error { return b.CloseContext(ctx) }))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResultsDropped))
	assert.Equal(t, 0, b.Outstanding())
	_, open := <-b.Results()
	assert.False(t, open)
}

func TestBroker_CloseWithoutReaderFullBuffer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	pool := newGatedPool("running")
	b := New(pool, WithPoolSize(1), WithMetrics(m), WithLogger(quietLogger()))

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "running", []byte(`[]`)))
	require.Eventually(t, func() bool {
		running, _, _ := pool.stats()
		return running == 1
	}, 2*time.Second, 5*time.Millisecond)

	queued := DefaultResultBuffer + 1
	for i := 0; i < queued; i++ {
		require.NoError(t, b.Dispatch(ctx, fmt.Sprintf("queued-%d", i), []byte(`[]`)))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		pool.release("running")
	}()
	require.NoError(t, closeWithin(t, 2*time.Second, b.Close))

	// The buffer took the first failures; the rest and the running job's
	// result had nowhere to go.
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ResultsDropped))
	assert.Equal(t, float64(queued+1), testutil.ToFloat64(m.JobsCompleted.WithLabelValues(OutcomeFailure))+
		testutil.ToFloat64(m.JobsCompleted.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 0, b.Outstanding())

	got := 0
	for range b.Results() {
		got++
	}
	assert.Equal(t, DefaultResultBuffer, got)
}

func TestBroker_ResultHandler(t *testing.T) {
	var mu sync.Mutex
	var got []Result
	done := make(chan struct{})

	b := New(InProcessSpawner{}, WithLogger(quietLogger()), WithResultHandler(func(r Result) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		close(done)
	}))

	require.NoError(t, b.Dispatch(context.Background(), "h", []byte(`[1]`)))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "h", got[0].CorrelationID)
}

func TestBroker_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	b := New(InProcessSpawner{}, WithPoolSize(1), WithMetrics(m), WithLogger(quietLogger()))

	ctx := context.Background()
	require.NoError(t, b.Dispatch(ctx, "good", []byte(`[{"a":1}]`)))
	receive(t, b)
	require.NoError(t, b.Dispatch(ctx, "bad", []byte(`{`)))
	receive(t, b)
	require.NoError(t, b.Close())

	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsDispatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsCompleted.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsCompleted.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.JobsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkersSpawned), "one handle served both jobs")

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration is reported")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.dispatched(1)
		m.started(0)
		m.finished(0.1)
		m.completed(true)
		m.dropped()
		m.spawned()
	})
}
