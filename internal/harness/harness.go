package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/session"
	"github.com/roach88/midst/internal/snapshot"
	"github.com/roach88/midst/internal/store"
	"github.com/roach88/midst/internal/worker"
)

// Outcomes recorded for steps.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
)

// stepTimeout bounds every blocking wait in a scenario.
const stepTimeout = 10 * time.Second

// Harness executes one scenario.
type Harness struct {
	dir     string
	session *session.Session
	broker  *broker.Broker
	journal *store.Store
	sched   *replay.ManualScheduler
	gates   *gates
	logger  *slog.Logger

	mu     sync.Mutex
	result *Result
	seq    int

	loads    int
	holdNext bool
	held     []*session.Pending
	last     *session.Pending
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh directory with an in-memory journal.
// Execution flow:
// 1. Write document fixtures
// 2. Start a broker and a session
// 3. Execute flow steps, checking expectations
// 4. Check principles and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "midst-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writeDocuments(dir, scenario.Documents); err != nil {
		return nil, err
	}

	journal, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}
	defer journal.Close()

	h := &Harness{
		dir:     dir,
		journal: journal,
		sched:   replay.NewManualScheduler(),
		gates:   newGates(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		result:  NewResult(),
	}

	h.broker = broker.New(h.gates, broker.WithLogger(h.logger))
	defer h.broker.Close()

	h.session = session.New(h.broker,
		session.WithLogger(h.logger),
		session.WithJournal(journal),
		session.WithIDGenerator(broker.NewFixedGenerator(loadIDs(scenario.Flow)...)),
		session.WithReplayOptions(
			replay.WithScheduler(h.sched),
			replay.WithViewer(replay.ViewerFunc(h.display)),
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()
	defer func() {
		h.gates.releaseAll()
		cancel()
		<-done
	}()

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Op, err)
		}
	}

	for _, s := range h.session.Snapshots() {
		h.result.History = append(h.result.History, s.Text())
	}

	for _, msg := range CheckPrinciples(h.result) {
		h.result.AddError(msg)
	}

	actx := &AssertionContext{Ctx: ctx, Journal: journal, Dir: dir}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// execute runs one step and records it.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	outcome, err := h.apply(stepCtx, step)
	if err != nil {
		return err
	}

	st, err := h.session.Status(stepCtx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	h.mu.Lock()
	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Type:    EventStep,
		Seq:     h.seq,
		Op:      step.Op,
		Args:    stepArgs(step),
		Outcome: outcome,
		Mode:    st.Mode.String(),
		Cursor:  st.Cursor,
		Len:     st.Len,
	})
	h.mu.Unlock()

	if step.Expect != "" && step.Expect != outcome {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected outcome %q, got %q", index, step.Op, step.Expect, outcome))
	}

	h.logger.Info("flow step completed", "step", index, "op", step.Op, "outcome", outcome)
	return nil
}

// apply performs step and returns its outcome. A non-nil error aborts the
// scenario; session errors are outcomes.
func (h *Harness) apply(ctx context.Context, step Step) (string, error) {
	s := h.session
	switch step.Op {
	case OpCreate:
		return OutcomeOf(s.Create(ctx, h.path(step.Path))), nil

	case OpEdit:
		appended, err := s.Edit(ctx, snapshot.FromText(step.Text))
		if err == nil && !appended {
			return OutcomeDuplicate, nil
		}
		return OutcomeOf(err), nil

	case OpLoad:
		return h.load(ctx, step), nil

	case OpAwait:
		if h.last == nil {
			return "", errors.New("await without a load")
		}
		return OutcomeOf(h.last.Wait(ctx)), nil

	case OpSave:
		path := ""
		if step.Path != "" {
			path = h.path(step.Path)
		}
		return OutcomeOf(s.Save(ctx, path)), nil

	case OpHold:
		h.holdNext = true
		return OutcomeOK, nil

	case OpRelease:
		return OutcomeOK, h.release(ctx)

	case OpEnterReplay:
		return OutcomeOf(s.EnterReplay(ctx)), nil

	case OpInteract:
		return OutcomeOf(s.Interact(ctx)), nil

	case OpScrub:
		return OutcomeOf(s.Scrub(ctx, *step.Position)), nil

	case OpPlay:
		return OutcomeOf(s.Play(ctx)), nil

	case OpTick:
		count := step.Count
		if count == 0 {
			count = 1
		}
		h.sched.FireAll(count)
		return OutcomeOK, nil

	default:
		return "", fmt.Errorf("unknown op %q", step.Op)
	}
}

// load starts a load. Unless a hold preceded it, it waits for the parse so
// the merge lands before the next step.
func (h *Harness) load(ctx context.Context, step Step) string {
	h.loads++
	id := loadID(h.loads)
	held := h.holdNext
	h.holdNext = false
	if held {
		h.gates.hold(id)
	}

	p, err := h.session.Load(ctx, h.path(step.Path))
	if err != nil {
		// Files that fail to open never reach the id generator.
		h.loads--
		h.gates.release(id)
		return OutcomeOf(err)
	}
	h.last = p
	if held {
		h.held = append(h.held, p)
		return OutcomeOK
	}
	return OutcomeOf(p.Wait(ctx))
}

// release lets every held parse finish and waits until each has been
// merged, failed or dropped as stale.
func (h *Harness) release(ctx context.Context) error {
	held := h.held
	h.held = nil
	h.gates.releaseAll()

	for _, p := range held {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for load %s: %w", p.ID, ctx.Err())
		}
		for h.broker.Has(p.ID) {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return fmt.Errorf("waiting for job %s: %w", p.ID, ctx.Err())
			}
		}
	}
	return nil
}

func (h *Harness) display(s snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Type: EventDisplay,
		Seq:  h.seq,
		Text: s.Text(),
	})
}

func (h *Harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

// OutcomeOf names the kind of a session error.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, history.ErrEmptyHistory):
		return "empty_history"
	case replay.IsTransitionError(err):
		return "transition"
	case errors.Is(err, replay.ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, session.ErrLoadPending):
		return "load_pending"
	case errors.Is(err, session.ErrSuperseded):
		return "superseded"
	case errors.Is(err, session.ErrStopped):
		return "stopped"
	case errors.Is(err, session.ErrPartialHistory):
		return "partial_history"
	case errors.Is(err, session.ErrUnsavedJournal):
		return "unsaved_journal"
	case session.IsLoadFailure(err):
		return "load_failed"
	case errors.Is(err, archive.ErrExtension):
		return "extension"
	case archive.IsFormatError(err):
		return "format"
	case errors.Is(err, snapshot.ErrEmpty):
		return "empty_snapshot"
	case errors.Is(err, os.ErrNotExist):
		return "not_found"
	default:
		return "error"
	}
}

func stepArgs(step Step) map[string]any {
	args := map[string]any{}
	if step.Path != "" {
		args["path"] = step.Path
	}
	if step.Text != "" {
		args["text"] = step.Text
	}
	if step.Position != nil {
		args["position"] = strconv.FormatFloat(*step.Position, 'f', -1, 64)
	}
	if step.Count != 0 {
		args["count"] = step.Count
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func loadID(n int) string {
	return "load-" + strconv.Itoa(n)
}

// loadIDs returns one correlation id per load step, in order.
func loadIDs(flow []Step) []string {
	var ids []string
	for _, step := range flow {
		if step.Op == OpLoad {
			ids = append(ids, loadID(len(ids)+1))
		}
	}
	return ids
}

// writeDocuments writes the fixtures into dir in name order.
func writeDocuments(dir string, docs map[string]Document) error {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	codec := archive.New()
	for _, name := range names {
		doc := docs[name]
		path := filepath.Join(dir, name)
		past := make([]snapshot.Snapshot, len(doc.Past))
		for i, text := range doc.Past {
			past[i] = snapshot.FromText(text)
		}

		if doc.RawPast == "" && doc.Version == "" {
			if err := codec.SaveFile(path, snapshot.FromText(doc.Head), past); err != nil {
				return fmt.Errorf("write document %s: %w", name, err)
			}
			continue
		}
		if err := writeRaw(path, doc, past); err != nil {
			return fmt.Errorf("write document %s: %w", name, err)
		}
	}
	return nil
}

// writeRaw writes a container entry by entry so fixtures can carry content
// the codec would never produce.
func writeRaw(path string, doc Document, past []snapshot.Snapshot) error {
	version := doc.Version
	if version == "" {
		version = archive.FormatVersion
	}
	raw := []byte(doc.RawPast)
	if doc.RawPast == "" {
		var err error
		if raw, err = snapshot.MarshalArray(past); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []struct {
		name string
		data []byte
	}{
		{archive.EntryVersion, []byte(version)},
		{archive.EntrySnapshots, raw},
		{archive.EntryHead, snapshot.FromText(doc.Head).Bytes()},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return err
		}
		if _, err := w.Write(e.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// gates is a Spawner whose workers hold a parse until its correlation id
// is released.
type gates struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newGates() *gates {
	return &gates{held: make(map[string]chan struct{})}
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

func (g *gates) releaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ch := range g.held {
		close(ch)
		delete(g.held, id)
	}
}

func (g *gates) gate(id string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[id]
}

// Spawn implements broker.Spawner.
func (g *gates) Spawn(ctx context.Context) (broker.Worker, error) {
	return gatedWorker{g: g, w: worker.New()}, nil
}

type gatedWorker struct {
	g *gates
	w *worker.Worker
}

func (w gatedWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	if ch := w.g.gate(req.CorrelationID); ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return worker.Response{}, ctx.Err()
		}
	}
	return w.w.Run(ctx, req)
}

func (gatedWorker) Close() error { return nil }
