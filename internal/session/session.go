package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/queue"
	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/snapshot"
	"github.com/roach88/midst/internal/store"
)

// Journal is the autosave sink. *store.Store implements it.
type Journal interface {
	EnsureDocument(ctx context.Context, path string) (int64, error)
	AppendSnapshot(ctx context.Context, documentID, seq int64, snap snapshot.Snapshot) (bool, error)
	ReplaceSnapshots(ctx context.Context, documentID int64, snaps []snapshot.Snapshot) error
	MarkSaved(ctx context.Context, documentID int64, n int) error
	LookupDocument(ctx context.Context, path string) (store.Document, error)
}

var _ Journal = (*store.Store)(nil)

// Session is one open document: its history, replay machine and the load
// and save paths around them.
//
// CRITICAL: every History mutation happens on the Run goroutine. Public
// methods submit an event and wait for the loop to apply it.
//
// Thread-safety model:
//   - Edit, Create, Load, Save and the replay methods: safe from any
//     goroutine while Run is active
//   - Run: must be called from exactly one goroutine
//   - Status, Snapshots: safe from any goroutine
type Session struct {
	hist    *history.History
	machine *replay.Machine
	broker  *broker.Broker
	codec   *archive.Codec
	journal Journal
	ids     broker.IDGenerator
	logger  *slog.Logger

	replayOpts []replay.Option
	onLoad     func(LoadOutcome)

	events *queue.Queue[event]

	// Loop-owned state.
	path    string
	docID   int64
	partial bool
	pending *Pending
	loads   map[string]*Pending
}

// Option configures a Session.
type Option func(*Session)

// WithCodec sets the archive codec. Defaults to archive.New().
func WithCodec(c *archive.Codec) Option {
	return func(s *Session) {
		s.codec = c
	}
}

// WithJournal enables autosave into j.
func WithJournal(j Journal) Option {
	return func(s *Session) {
		s.journal = j
	}
}

// WithIDGenerator sets the correlation id generator for loads.
func WithIDGenerator(g broker.IDGenerator) Option {
	return func(s *Session) {
		s.ids = g
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithReplayOptions configures the replay machine (interval, scheduler,
// viewer, mode hook).
func WithReplayOptions(opts ...replay.Option) Option {
	return func(s *Session) {
		s.replayOpts = append(s.replayOpts, opts...)
	}
}

// OnLoad registers a hook called on the Run goroutine when a load finishes,
// successfully or not.
func OnLoad(f func(LoadOutcome)) Option {
	return func(s *Session) {
		s.onLoad = f
	}
}

// New creates a Session that parses loaded pasts on b. The caller owns b and
// closes it after Run returns.
func New(b *broker.Broker, opts ...Option) *Session {
	s := &Session{
		hist:   history.New(),
		broker: b,
		ids:    broker.UUIDv7Generator{},
		events: queue.New[event](),
		loads:  make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.codec == nil {
		s.codec = archive.New(archive.WithLogger(s.logger))
	}
	s.machine = replay.New(s.hist, append([]replay.Option{replay.WithLogger(s.logger)}, s.replayOpts...)...)
	return s
}

// Run is the single-writer event loop. It blocks until ctx is cancelled or
// Stop is called. Loads still pending when Run returns fail with ErrStopped.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Debug("session starting")
	defer s.failPending(ErrStopped)

	results := s.broker.Results()
	for {
		ev, ok := s.events.TryDequeue()
		if ok {
			s.process(ev)
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("session stopping: context cancelled")
			s.events.Close()
			s.rejectQueued()
			return ctx.Err()

		case res, open := <-results:
			if !open {
				results = nil
				continue
			}
			s.handleResult(ctx, res)

		case <-s.events.Wait():
			if s.events.Closed() && s.events.Len() == 0 {
				s.logger.Debug("session stopping: stopped")
				return nil
			}
		}
	}
}

// Stop closes the event queue; Run returns once queued events are applied.
func (s *Session) Stop() {
	s.events.Close()
}

// Status describes the session.
type Status struct {
	Path        string
	Mode        replay.Mode
	Cursor      int
	Len         int
	LoadPending bool
	CanReplay   bool
	// Partial is set when the document's past failed to load.
	Partial bool
}

// Status returns the current mode, cursor and history length. Path and
// LoadPending are read through the loop.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func(ctx context.Context) error {
		ms := s.machine.Status()
		st = Status{
			Path:        s.path,
			Mode:        ms.Mode,
			Cursor:      ms.Cursor,
			Len:         ms.Len,
			LoadPending: s.pending != nil,
			CanReplay:   s.machine.CanReplay(),
			Partial:     s.partial,
		}
		return nil
	})
	return st, err
}

// Snapshots returns a copy of the history, oldest first.
func (s *Session) Snapshots() []snapshot.Snapshot {
	return s.hist.Snapshots()
}

// Current returns the snapshot under the replay cursor.
func (s *Session) Current() (snapshot.Snapshot, error) {
	return s.hist.Current()
}

// Create starts an empty document that will be saved at path.
func (s *Session) Create(ctx context.Context, path string) error {
	if !archive.HasExtension(path) {
		return fmt.Errorf("create %s: %w", path, archive.ErrExtension)
	}
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.checkJournal(ctx, path); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		s.machine.Interact()
		s.supersede()
		s.hist.Reset()
		s.partial = false
		s.attach(ctx, path)
		return nil
	})
}

// Edit records a snapshot from the editor. Editing leaves replay. Returns
// whether the snapshot was new.
func (s *Session) Edit(ctx context.Context, snap snapshot.Snapshot) (bool, error) {
	if snap.IsZero() {
		return false, fmt.Errorf("edit: %w", snapshot.ErrEmpty)
	}
	var appended bool
	err := s.do(ctx, func(ctx context.Context) error {
		s.machine.Interact()
		appended = s.hist.Record(snap)
		if appended {
			s.journalAppend(ctx, snap)
		}
		return nil
	})
	return appended, err
}

// Save writes the history to path, or to the document's own path when path
// is empty. An empty history fails with history.ErrEmptyHistory before
// anything is written. After a failed load only a save under another path
// is accepted (ErrPartialHistory).
func (s *Session) Save(ctx context.Context, path string) error {
	return s.do(ctx, func(ctx context.Context) error {
		if path == "" {
			path = s.path
		}
		if path == "" {
			path = archive.FileName("")
		}
		if s.pending != nil {
			return fmt.Errorf("save %s: %w", path, ErrLoadPending)
		}
		if s.partial && path == s.path {
			return fmt.Errorf("save %s: %w", path, ErrPartialHistory)
		}
		if path != s.path {
			if err := s.checkJournal(ctx, path); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
		}

		head, past, err := s.hist.SplitForSave()
		if err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		if err := s.codec.SaveFile(path, head, past); err != nil {
			return err
		}
		s.logger.Info("document saved", "path", path, "snapshots", len(past)+1)

		if path != s.path {
			s.attach(ctx, path)
			s.partial = false
			s.journalReplace(ctx)
		}
		s.journalMarkSaved(ctx, len(past)+1)
		return nil
	})
}

// EnterReplay starts replay from the latest snapshot.
func (s *Session) EnterReplay(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.machine.EnterReplay()
	})
}

// Interact returns to editing.
func (s *Session) Interact(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.machine.Interact()
		return nil
	})
}

// Scrub jumps to a normalized position in the history.
func (s *Session) Scrub(ctx context.Context, position float64) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.machine.Scrub(position)
	})
}

// Play resumes replay from the scrub position.
func (s *Session) Play(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.machine.Play()
	})
}

// Mode returns the replay mode.
func (s *Session) Mode() replay.Mode {
	return s.machine.Mode()
}

// attach points the session at path and registers it with the journal.
// Called only from the Run goroutine.
func (s *Session) attach(ctx context.Context, path string) {
	s.path = path
	s.docID = 0
	if s.journal == nil {
		return
	}
	id, err := s.journal.EnsureDocument(ctx, path)
	if err != nil {
		s.logger.Warn("journal unavailable for document", "path", path, "error", err)
		return
	}
	s.docID = id
}

// checkJournal refuses path when the journal holds snapshots of it beyond
// the last save. Journal read failures are logged and do not block.
// Called only from the Run goroutine.
func (s *Session) checkJournal(ctx context.Context, path string) error {
	if s.journal == nil {
		return nil
	}
	doc, err := s.journal.LookupDocument(ctx, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		s.logger.Warn("journal lookup failed", "path", path, "error", err)
		return nil
	case doc.Unsaved():
		s.logger.Warn("journal holds unsaved snapshots",
			"path", path,
			"snapshots", doc.Snapshots,
			"saved", doc.SavedLen,
		)
		return fmt.Errorf("%d journaled, %d saved: %w", doc.Snapshots, doc.SavedLen, ErrUnsavedJournal)
	}
	return nil
}

func (s *Session) journalAppend(ctx context.Context, snap snapshot.Snapshot) {
	if s.journal == nil || s.docID == 0 {
		return
	}
	seq := int64(s.hist.Len() - 1)
	if _, err := s.journal.AppendSnapshot(ctx, s.docID, seq, snap); err != nil {
		s.logger.Warn("journal append failed", "path", s.path, "seq", seq, "error", err)
	}
}

func (s *Session) journalReplace(ctx context.Context) {
	if s.journal == nil || s.docID == 0 {
		return
	}
	if err := s.journal.ReplaceSnapshots(ctx, s.docID, s.hist.Snapshots()); err != nil {
		s.logger.Warn("journal rewrite failed", "path", s.path, "error", err)
	}
}

func (s *Session) journalMarkSaved(ctx context.Context, n int) {
	if s.journal == nil || s.docID == 0 {
		return
	}
	if err := s.journal.MarkSaved(ctx, s.docID, n); err != nil {
		s.logger.Warn("journal mark saved failed", "path", s.path, "error", err)
	}
}

// IsLoadFailure reports whether err came from a failed parse of a loaded
// document's past.
func IsLoadFailure(err error) bool {
	return broker.IsJobError(err)
}

// IsFormatError reports whether err is an archive format problem.
func IsFormatError(err error) bool {
	return archive.IsFormatError(err) || errors.Is(err, archive.ErrExtension)
}
