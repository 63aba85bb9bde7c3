package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/snapshot"
	"github.com/roach88/midst/internal/store"
	"github.com/roach88/midst/internal/testutil"
	"github.com/roach88/midst/internal/worker"
)

func snap(text string) snapshot.Snapshot {
	return snapshot.MustParse(fmt.Sprintf(`{"text":%q}`, text))
}

func texts(snaps []snapshot.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.String()
	}
	return out
}

func want(ts ...string) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = snap(t).String()
	}
	return out
}

// gates holds parse requests until their correlation id is released.
type gates struct {
	mu    sync.Mutex
	held  map[string]chan struct{}
	fails map[string]bool
}

func newGates() *gates {
	return &gates{held: make(map[string]chan struct{}), fails: make(map[string]bool)}
}

func (g *gates) hold(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held[id] = make(chan struct{})
}

func (g *gates) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.held[id]; ok {
		close(ch)
		delete(g.held, id)
	}
}

func (g *gates) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[id]
}

func (g *gates) Spawn(ctx context.Context) (broker.Worker, error) {
	return gatedWorker{g: g}, nil
}

type gatedWorker struct {
	g *gates
}

func (w gatedWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	if ch := w.g.gate(req.CorrelationID); ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return worker.Response{}, ctx.Err()
		}
	}
	return worker.New().Run(ctx, req)
}

func (gatedWorker) Close() error { return nil }

type harness struct {
	s     *Session
	b     *broker.Broker
	sched *replay.ManualScheduler
	loads chan LoadOutcome
	shown []snapshot.Snapshot
	mu    sync.Mutex
}

func (h *harness) lastShown() snapshot.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.shown) == 0 {
		return snapshot.Snapshot{}
	}
	return h.shown[len(h.shown)-1]
}

func startSession(t *testing.T, spawner broker.Spawner, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		sched: replay.NewManualScheduler(),
		loads: make(chan LoadOutcome, 8),
	}
	h.b = broker.New(spawner, broker.WithLogger(testutil.QuietLogger()), broker.WithPoolSize(2))

	base := []Option{
		WithLogger(testutil.QuietLogger()),
		WithIDGenerator(broker.NewFixedGenerator("load-1", "load-2", "load-3")),
		WithReplayOptions(
			replay.WithScheduler(h.sched),
			replay.WithViewer(replay.ViewerFunc(func(s snapshot.Snapshot) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.shown = append(h.shown, s)
			})),
		),
		OnLoad(func(o LoadOutcome) { h.loads <- o }),
	}
	h.s = New(h.b, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
		h.b.Close()
	})
	return h
}

func writeDoc(t *testing.T, head string, past ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.mds")
	snaps := make([]snapshot.Snapshot, len(past))
	for i, p := range past {
		snaps[i] = snap(p)
	}
	require.NoError(t, archive.New().SaveFile(path, snap(head), snaps))
	return path
}

func waitOutcome(t *testing.T, h *harness) LoadOutcome {
	t.Helper()
	select {
	case o := <-h.loads:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no load outcome")
		return LoadOutcome{}
	}
}

func TestSession_EditAndSave(t *testing.T) {
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{})
	path := filepath.Join(t.TempDir(), "notes.mds")

	require.NoError(t, h.s.Create(ctx, path))

	for _, tc := range []struct {
		text string
		want bool
	}{{"a", true}, {"b", true}, {"b", false}, {"c", true}} {
		got, err := h.s.Edit(ctx, snap(tc.text))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "edit %q", tc.text)
	}

	require.NoError(t, h.s.Save(ctx, ""))

	doc, err := archive.New().LoadFile(path)
	require.NoError(t, err)
	assert.True(t, doc.Head.Equal(snap("c")))
	past, err := snapshot.ParseArray(doc.RawSnapshots)
	require.NoError(t, err)
	assert.Equal(t, want("a", "b"), texts(past))
}

func TestSession_CreateRejectsExtension(t *testing.T) {
	h := startSession(t, broker.InProcessSpawner{})
	err := h.s.Create(context.Background(), "notes.txt")
	assert.ErrorIs(t, err, archive.ErrExtension)
	assert.True(t, IsFormatError(err))
}

func TestSession_EditRejectsZero(t *testing.T) {
	h := startSession(t, broker.InProcessSpawner{})
	_, err := h.s.Edit(context.Background(), snapshot.Snapshot{})
	assert.ErrorIs(t, err, snapshot.ErrEmpty)
}

func TestSession_SaveEmpty(t *testing.T) {
	h := startSession(t, broker.InProcessSpawner{})
	path := filepath.Join(t.TempDir(), "empty.mds")

	err := h.s.Save(context.Background(), path)
	assert.ErrorIs(t, err, history.ErrEmptyHistory)
	assert.NoFileExists(t, path)
}

func TestSession_LoadShowsHeadThenMerges(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)
	path := writeDoc(t, "c", "a", "b")

	p, err := h.s.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "load-1", p.ID)

	// Head is visible before the past arrives.
	assert.Equal(t, want("c"), texts(h.s.Snapshots()))
	assert.True(t, h.lastShown().Equal(snap("c")))

	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.LoadPending)
	assert.Equal(t, path, st.Path)

	g.release("load-1")
	require.NoError(t, p.Wait(ctx))

	o := waitOutcome(t, h)
	assert.NoError(t, o.Err)
	assert.Equal(t, 3, o.Snapshots)
	assert.Equal(t, want("a", "b", "c"), texts(h.s.Snapshots()))

	st, err = h.s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.LoadPending)
	assert.Equal(t, 2, st.Cursor)
	assert.True(t, st.CanReplay)
}

func TestSession_EditsDuringLoadFollowHead(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)
	path := writeDoc(t, "c", "a", "b")

	p, err := h.s.Load(ctx, path)
	require.NoError(t, err)

	_, err = h.s.Edit(ctx, snap("d"))
	require.NoError(t, err)
	_, err = h.s.Edit(ctx, snap("e"))
	require.NoError(t, err)

	g.release("load-1")
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, want("a", "b", "c", "d", "e"), texts(h.s.Snapshots()))
}

func TestSession_SaveWhileLoadPending(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)
	path := writeDoc(t, "b", "a")

	p, err := h.s.Load(ctx, path)
	require.NoError(t, err)

	err = h.s.Save(ctx, "")
	assert.ErrorIs(t, err, ErrLoadPending)

	g.release("load-1")
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, h.s.Save(ctx, ""))

	doc, err := archive.New().LoadFile(path)
	require.NoError(t, err)
	past, err := snapshot.ParseArray(doc.RawSnapshots)
	require.NoError(t, err)
	assert.Equal(t, want("a"), texts(past), "saving after the merge keeps the past")
}

func TestSession_SupersededLoadIsIgnored(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)
	first := writeDoc(t, "old-head", "old-1", "old-2")
	second := writeDoc(t, "new-head", "new-1")

	p1, err := h.s.Load(ctx, first)
	require.NoError(t, err)
	p2, err := h.s.Load(ctx, second)
	require.NoError(t, err)

	assert.ErrorIs(t, p1.Wait(ctx), ErrSuperseded)
	require.NoError(t, p2.Wait(ctx))
	o := waitOutcome(t, h)
	assert.Equal(t, "load-2", o.ID)

	// The late result for the first document must not touch the second.
	g.release("load-1")
	require.Eventually(t, func() bool { return !h.b.Has("load-1") }, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool { return len(h.s.Snapshots()) != 2 }, 100*time.Millisecond, 5*time.Millisecond)

	assert.Equal(t, want("new-1", "new-head"), texts(h.s.Snapshots()))
	select {
	case o := <-h.loads:
		t.Fatalf("unexpected outcome for stale load: %+v", o)
	default:
	}
}

func TestSession_CreateSupersedesLoad(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)

	p, err := h.s.Load(ctx, writeDoc(t, "b", "a"))
	require.NoError(t, err)
	require.NoError(t, h.s.Create(ctx, filepath.Join(t.TempDir(), "fresh.mds")))
	assert.ErrorIs(t, p.Wait(ctx), ErrSuperseded)

	g.release("load-1")
	require.Eventually(t, func() bool { return !h.b.Has("load-1") }, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool { return len(h.s.Snapshots()) != 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSession_FailedParseKeepsHead(t *testing.T) {
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{})

	// Hand-build a container whose past is not a JSON array.
	path := filepath.Join(t.TempDir(), "broken.mds")
	testutil.WriteBrokenPast(t, path, snap("head"))

	p, err := h.s.Load(ctx, path)
	require.NoError(t, err)

	err = p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))

	o := waitOutcome(t, h)
	assert.Error(t, o.Err)
	assert.Equal(t, want("head"), texts(h.s.Snapshots()))

	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.LoadPending)

	// The session stays usable.
	_, err = h.s.Edit(ctx, snap("next"))
	require.NoError(t, err)
	assert.Equal(t, want("head", "next"), texts(h.s.Snapshots()))

	// Saving over the original would lose its past.
	st, err = h.s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Partial)
	assert.ErrorIs(t, h.s.Save(ctx, ""), ErrPartialHistory)
	assert.ErrorIs(t, h.s.Save(ctx, path), ErrPartialHistory)

	doc, err := archive.New().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testutil.BrokenPast, string(doc.RawSnapshots), "original left untouched")

	// Save-as is allowed and makes the new file the document.
	repaired := filepath.Join(t.TempDir(), "repaired.mds")
	require.NoError(t, h.s.Save(ctx, repaired))
	st, err = h.s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Partial)
	assert.Equal(t, repaired, st.Path)
	require.NoError(t, h.s.Save(ctx, ""))
}

func TestSession_LoadAfterPartialClearsFlag(t *testing.T) {
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{})

	broken := filepath.Join(t.TempDir(), "broken.mds")
	testutil.WriteBrokenPast(t, broken, snap("head"))
	require.Error(t, h.s.LoadAndWait(ctx, broken))

	good := writeDoc(t, "b", "a")
	require.NoError(t, h.s.LoadAndWait(ctx, good))
	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Partial)
	require.NoError(t, h.s.Save(ctx, ""))
}

func TestSession_MergeDuringReplay(t *testing.T) {
	ctx := context.Background()
	g := newGates()
	g.hold("load-1")
	h := startSession(t, g)

	p, err := h.s.Load(ctx, writeDoc(t, "c", "a", "b"))
	require.NoError(t, err)
	require.NoError(t, h.s.EnterReplay(ctx))
	require.Equal(t, 1, h.sched.Pending())

	g.release("load-1")
	require.NoError(t, p.Wait(ctx))

	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, replay.Replaying, st.Mode)
	assert.Equal(t, 2, st.Cursor)
	assert.Equal(t, 3, st.Len)
	assert.Equal(t, 1, h.sched.Pending(), "frame re-armed once after the merge")

	h.sched.FireAll(10)
	assert.Equal(t, replay.Scrubbing, h.s.Mode())
	assert.Equal(t, want("a", "b", "c"), texts(h.s.Snapshots()))
}

func TestSession_LoadMissingFile(t *testing.T) {
	h := startSession(t, broker.InProcessSpawner{})
	_, err := h.s.Load(context.Background(), filepath.Join(t.TempDir(), "missing.mds"))
	require.Error(t, err)
	assert.False(t, h.b.Has("load-1"), "nothing dispatched")
}

func TestSession_EditDuringReplay(t *testing.T) {
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{})
	require.NoError(t, h.s.Create(ctx, filepath.Join(t.TempDir(), "r.mds")))
	for _, s := range []string{"a", "b", "c"} {
		_, err := h.s.Edit(ctx, snap(s))
		require.NoError(t, err)
	}

	require.NoError(t, h.s.EnterReplay(ctx))
	assert.Equal(t, replay.Replaying, h.s.Mode())
	require.NoError(t, h.s.Scrub(ctx, 0))
	assert.Equal(t, replay.Scrubbing, h.s.Mode())
	require.NoError(t, h.s.Play(ctx))
	assert.Equal(t, 1, h.sched.Pending())

	_, err := h.s.Edit(ctx, snap("d"))
	require.NoError(t, err)
	assert.Equal(t, replay.Editing, h.s.Mode())
	assert.True(t, h.lastShown().Equal(snap("c")), "interact shows the latest snapshot before the edit lands")

	// The cancelled frame must not move anything.
	h.sched.FireAll(10)
	assert.Equal(t, replay.Editing, h.s.Mode())
	assert.Equal(t, want("a", "b", "c", "d"), texts(h.s.Snapshots()))
}

func TestSession_ReplayTransitions(t *testing.T) {
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{})

	assert.ErrorIs(t, h.s.EnterReplay(ctx), history.ErrEmptyHistory)
	assert.True(t, replay.IsTransitionError(h.s.Play(ctx)))
	assert.True(t, replay.IsTransitionError(h.s.Scrub(ctx, 0.5)))
	assert.ErrorIs(t, h.s.Scrub(ctx, 2), replay.ErrInvalidPosition)
	require.NoError(t, h.s.Interact(ctx))
}

func TestSession_Journal(t *testing.T) {
	ctx := context.Background()
	j, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	g := newGates()
	g.hold("load-1")
	h := startSession(t, g, WithJournal(j))
	path := writeDoc(t, "c", "a", "b")

	p, err := h.s.Load(ctx, path)
	require.NoError(t, err)
	_, err = h.s.Edit(ctx, snap("d"))
	require.NoError(t, err)

	doc, err := j.LookupDocument(ctx, path)
	require.NoError(t, err)
	journaled, err := j.ReadSnapshots(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, want("c", "d"), texts(journaled))

	g.release("load-1")
	require.NoError(t, p.Wait(ctx))

	doc, err = j.LookupDocument(ctx, path)
	require.NoError(t, err)
	journaled, err = j.ReadSnapshots(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, want("a", "b", "c", "d"), texts(journaled))
	assert.Equal(t, 3, doc.SavedLen)
	assert.True(t, doc.Unsaved())

	require.NoError(t, h.s.Save(ctx, ""))
	doc, err = j.LookupDocument(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, doc.SavedLen)
	assert.False(t, doc.Unsaved())
}

// crashedSession journals an unsaved edit of path and stops without saving.
func crashedSession(t *testing.T, j *store.Store, path string) {
	t.Helper()
	ctx := context.Background()
	h := startSession(t, broker.InProcessSpawner{}, WithJournal(j))
	require.NoError(t, h.s.LoadAndWait(ctx, path))
	_, err := h.s.Edit(ctx, snap("unsaved-work"))
	require.NoError(t, err)
	h.s.Stop()
}

func TestSession_ReopenKeepsUnsavedJournal(t *testing.T) {
	ctx := context.Background()
	j, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	path := writeDoc(t, "b", "a")
	crashedSession(t, j, path)

	doc, err := j.LookupDocument(ctx, path)
	require.NoError(t, err)
	require.True(t, doc.Unsaved())
	before, err := j.ReadSnapshots(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, want("a", "b", "unsaved-work"), texts(before))

	h := startSession(t, broker.InProcessSpawner{}, WithJournal(j))
	_, err = h.s.Load(ctx, path)
	assert.ErrorIs(t, err, ErrUnsavedJournal)
	assert.ErrorIs(t, h.s.Create(ctx, path), ErrUnsavedJournal)
	assert.False(t, h.b.Has("load-1"), "nothing dispatched")
	assert.Empty(t, h.s.Snapshots())

	// Saving another document over it is refused as well.
	require.NoError(t, h.s.Create(ctx, filepath.Join(t.TempDir(), "other.mds")))
	_, err = h.s.Edit(ctx, snap("other"))
	require.NoError(t, err)
	assert.ErrorIs(t, h.s.Save(ctx, path), ErrUnsavedJournal)

	doc, err = j.LookupDocument(ctx, path)
	require.NoError(t, err)
	after, err := j.ReadSnapshots(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, texts(before), texts(after), "journal untouched")
	assert.True(t, doc.Unsaved())

	// Once discarded, the document opens normally.
	require.NoError(t, j.DeleteDocument(ctx, doc.ID))
	require.NoError(t, h.s.LoadAndWait(ctx, path))
	assert.Equal(t, want("a", "b"), texts(h.s.Snapshots()))
}

func TestSession_ReopenAfterSave(t *testing.T) {
	ctx := context.Background()
	j, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	path := writeDoc(t, "b", "a")
	first := startSession(t, broker.InProcessSpawner{}, WithJournal(j))
	require.NoError(t, first.s.LoadAndWait(ctx, path))
	_, err = first.s.Edit(ctx, snap("c"))
	require.NoError(t, err)
	require.NoError(t, first.s.Save(ctx, ""))
	first.s.Stop()

	h := startSession(t, broker.InProcessSpawner{}, WithJournal(j))
	require.NoError(t, h.s.LoadAndWait(ctx, path))
	assert.Equal(t, want("a", "b", "c"), texts(h.s.Snapshots()))
}

func TestSession_SaveAsMovesJournal(t *testing.T) {
	ctx := context.Background()
	j, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	h := startSession(t, broker.InProcessSpawner{}, WithJournal(j))
	dir := t.TempDir()
	require.NoError(t, h.s.Create(ctx, filepath.Join(dir, "draft.mds")))
	_, err = h.s.Edit(ctx, snap("a"))
	require.NoError(t, err)

	target := filepath.Join(dir, "final.mds")
	require.NoError(t, h.s.Save(ctx, target))

	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, target, st.Path)

	doc, err := j.LookupDocument(ctx, target)
	require.NoError(t, err)
	journaled, err := j.ReadSnapshots(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, want("a"), texts(journaled))
	assert.False(t, doc.Unsaved())
}

func TestSession_StoppedRejects(t *testing.T) {
	b := broker.New(broker.InProcessSpawner{}, broker.WithLogger(testutil.QuietLogger()))
	t.Cleanup(func() { b.Close() })
	s := New(b, WithLogger(testutil.QuietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	_, err := s.Edit(context.Background(), snap("a"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSession_Stop(t *testing.T) {
	b := broker.New(broker.InProcessSpawner{}, broker.WithLogger(testutil.QuietLogger()))
	t.Cleanup(func() { b.Close() })
	s := New(b, WithLogger(testutil.QuietLogger()))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	_, err := s.Edit(context.Background(), snap("a"))
	require.NoError(t, err)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
