package replay

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/snapshot"
)

// DefaultInterval is the time between replay frames.
const DefaultInterval = 100 * time.Millisecond

// MinReplayLength is the history length at which replay is offered.
const MinReplayLength = 3

// Mode is the machine's current mode.
type Mode int

const (
	Editing Mode = iota
	Replaying
	Scrubbing
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	switch m {
	case Editing:
		return "editing"
	case Replaying:
		return "replaying"
	case Scrubbing:
		return "scrubbing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Viewer shows snapshots.
type Viewer interface {
	Display(s snapshot.Snapshot)
}

// ViewerFunc adapts a function to the Viewer interface.
type ViewerFunc func(s snapshot.Snapshot)

// Display calls f(s).
func (f ViewerFunc) Display(s snapshot.Snapshot) {
	f(s)
}

// Status is a point-in-time view of the machine.
type Status struct {
	Mode   Mode
	Cursor int
	Len    int
}

// Machine is the replay state machine over one History.
//
// Thread-safety: all methods are safe for concurrent use. Timer fires
// arrive on scheduler goroutines and take the same lock as user operations.
type Machine struct {
	hist     *history.History
	viewer   Viewer
	sched    Scheduler
	interval time.Duration
	logger   *slog.Logger
	onMode   func(from, to Mode)

	mu    sync.Mutex
	mode  Mode
	timer Timer
	gen   uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithInterval sets the frame interval. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithScheduler sets the scheduler that arms frame timers.
func WithScheduler(s Scheduler) Option {
	return func(m *Machine) {
		m.sched = s
	}
}

// WithViewer sets the viewer that receives displayed snapshots.
func WithViewer(v Viewer) Option {
	return func(m *Machine) {
		m.viewer = v
	}
}

// WithLogger sets the machine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// OnModeChange registers a hook called after every transition.
func OnModeChange(f func(from, to Mode)) Option {
	return func(m *Machine) {
		m.onMode = f
	}
}

// New creates a Machine in Editing mode over h.
func New(h *history.History, opts ...Option) *Machine {
	m := &Machine{
		hist:     h,
		sched:    RealScheduler{},
		interval: DefaultInterval,
		mode:     Editing,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Interval returns the frame interval.
func (m *Machine) Interval() time.Duration {
	return m.interval
}

// Status returns the mode, cursor and history length together.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Mode: m.mode, Cursor: m.hist.Cursor(), Len: m.hist.Len()}
}

// CanReplay reports whether replay should be offered to the user. The
// transition itself only needs a non-empty history.
func (m *Machine) CanReplay() bool {
	return m.hist.Len() >= MinReplayLength
}

// EnterReplay moves from Editing to Replaying with the cursor on the last
// snapshot and starts the frame timer.
func (m *Machine) EnterReplay() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != Editing {
		return &TransitionError{Op: "enter replay", Mode: m.mode}
	}
	n := m.hist.Len()
	if n == 0 {
		return fmt.Errorf("enter replay: %w", history.ErrEmptyHistory)
	}

	if err := m.showLocked(n - 1); err != nil {
		return err
	}
	m.setModeLocked(Replaying)
	m.armLocked()
	return nil
}

// Interact returns to Editing, as when the user focuses the document.
// The editor shows the most recent snapshot. It is a no-op while Editing.
func (m *Machine) Interact() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == Editing {
		return
	}
	m.stopLocked()
	m.setModeLocked(Editing)

	if n := m.hist.Len(); n > 0 {
		if err := m.showLocked(n - 1); err != nil {
			m.logger.Warn("showing latest snapshot", "error", err)
		}
	}
}

// Refresh shows the snapshot under the cursor again, as after the history
// was replaced underneath the machine.
func (m *Machine) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cursor := m.hist.Cursor()
	if cursor < 0 {
		return
	}
	if err := m.showLocked(cursor); err != nil {
		m.logger.Warn("refreshing view", "error", err)
	}
}

// Rebase applies change to the history under the machine's lock, as when a
// loaded past is merged in. A pending frame is cancelled first so it never
// sees the history mid-change; Replaying re-arms from the new cursor.
func (m *Machine) Rebase(change func(h *history.History)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	change(m.hist)

	n := m.hist.Len()
	if n == 0 {
		m.setModeLocked(Editing)
		return
	}
	cursor := m.hist.Cursor()
	if cursor < 0 || cursor > n-1 {
		cursor = n - 1
	}
	if err := m.showLocked(cursor); err != nil {
		m.logger.Warn("showing rebased history", "error", err)
	}
	if m.mode == Replaying {
		m.armLocked()
	}
}

// Scrub moves the cursor to round((len-1)*position) and enters Scrubbing.
// Valid while Replaying or Scrubbing.
func (m *Machine) Scrub(position float64) error {
	if math.IsNaN(position) || position < 0 || position > 1 {
		return fmt.Errorf("scrub %v: %w", position, ErrInvalidPosition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == Editing {
		return &TransitionError{Op: "scrub", Mode: m.mode}
	}

	// Cancel first: no frame may land after the user took over.
	m.stopLocked()

	n := m.hist.Len()
	if n == 0 {
		m.setModeLocked(Editing)
		return fmt.Errorf("scrub: %w", history.ErrEmptyHistory)
	}

	idx := ScrubIndex(n, position)
	if err := m.showLocked(idx); err != nil {
		return err
	}
	m.setModeLocked(Scrubbing)
	return nil
}

// Play resumes replay from Scrubbing at the current cursor. At the last
// snapshot it rewinds to the first.
func (m *Machine) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != Scrubbing {
		return &TransitionError{Op: "play", Mode: m.mode}
	}
	n := m.hist.Len()
	if n == 0 {
		m.setModeLocked(Editing)
		return fmt.Errorf("play: %w", history.ErrEmptyHistory)
	}

	idx := m.hist.Cursor()
	if idx < 0 || idx >= n-1 {
		idx = 0
	}
	if err := m.showLocked(idx); err != nil {
		return err
	}
	m.setModeLocked(Replaying)
	m.armLocked()
	return nil
}

// ScrubIndex maps a position in [0, 1] onto [0, n-1], rounding half away
// from zero.
func ScrubIndex(n int, position float64) int {
	if n <= 0 {
		return -1
	}
	idx := int(math.Round(float64(n-1) * position))
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

// fire is the frame timer callback for generation gen.
func (m *Machine) fire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.mode != Replaying {
		m.logger.Debug("ignoring stale replay frame", "gen", gen, "current", m.gen, "mode", m.mode.String())
		return
	}
	m.timer = nil

	n := m.hist.Len()
	cursor := m.hist.Cursor()
	if n == 0 {
		m.setModeLocked(Editing)
		return
	}
	if cursor >= n-1 {
		m.setModeLocked(Scrubbing)
		return
	}

	if err := m.showLocked(cursor + 1); err != nil {
		m.logger.Error("advancing replay", "error", err)
		m.setModeLocked(Scrubbing)
		return
	}
	m.armLocked()
}

// armLocked starts the next frame timer under a fresh generation.
func (m *Machine) armLocked() {
	m.gen++
	gen := m.gen
	m.timer = m.sched.AfterFunc(m.interval, func() { m.fire(gen) })
}

// stopLocked cancels any pending frame and invalidates its generation.
func (m *Machine) stopLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) showLocked(idx int) error {
	if err := m.hist.SetCursor(idx); err != nil {
		return err
	}
	s, err := m.hist.SnapshotAt(idx)
	if err != nil {
		return err
	}
	if m.viewer != nil {
		m.viewer.Display(s)
	}
	return nil
}

func (m *Machine) setModeLocked(to Mode) {
	from := m.mode
	if from == to {
		return
	}
	m.mode = to
	m.logger.Debug("replay mode changed", "from", from.String(), "to", to.String())
	if m.onMode != nil {
		m.onMode(from, to)
	}
}
