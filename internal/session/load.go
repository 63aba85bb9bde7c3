package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/snapshot"
)

// Pending is a load whose past snapshots are still being parsed. The head
// is already in the history when Load returns.
type Pending struct {
	ID   string
	Path string

	head snapshot.Snapshot
	once sync.Once
	done chan struct{}
	err  error
}

func newPending(id, path string, head snapshot.Snapshot) *Pending {
	return &Pending{ID: id, Path: path, head: head, done: make(chan struct{})}
}

// Done is closed once the load finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the load's outcome once Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the load finished or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// LoadOutcome is reported to the OnLoad hook.
type LoadOutcome struct {
	ID        string
	Path      string
	Snapshots int
	Err       error
}

// Load opens the .mds file at path. The head is shown at once; the past is
// parsed on the broker and merged in front of the history when it arrives.
// Edits made meanwhile stay after the head. A later Load or Create
// supersedes this one. Load fails with ErrUnsavedJournal while the journal
// holds snapshots of path that were never saved.
func (s *Session) Load(ctx context.Context, path string) (*Pending, error) {
	doc, err := s.codec.LoadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Pending
	err = s.do(ctx, func(ctx context.Context) error {
		if err := s.checkJournal(ctx, path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		id := s.ids.Generate()
		if err := s.broker.Dispatch(ctx, id, doc.RawSnapshots); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		s.machine.Interact()
		s.supersede()
		s.hist.Reset(doc.Head)
		s.partial = false
		s.machine.Refresh()
		s.attach(ctx, path)
		s.journalReplace(ctx)
		s.journalMarkSaved(ctx, 1)

		p = newPending(id, path, doc.Head)
		s.pending = p
		s.loads[id] = p

		s.logger.Info("document loading",
			"path", path,
			"correlation_id", id,
			"version", doc.Version,
			"past_bytes", len(doc.RawSnapshots),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadAndWait loads path and waits for its past to be merged.
func (s *Session) LoadAndWait(ctx context.Context, path string) error {
	p, err := s.Load(ctx, path)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// supersede abandons the current load. Its id stays known so the late
// result is recognized as stale.
// CRITICAL: Called only from Run() goroutine.
func (s *Session) supersede() {
	if s.pending == nil {
		return
	}
	s.logger.Info("load superseded", "path", s.pending.Path, "correlation_id", s.pending.ID)
	s.pending.finish(ErrSuperseded)
	s.pending = nil
}

// handleResult merges a parsed past into the history.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (s *Session) handleResult(ctx context.Context, res broker.Result) {
	p, ok := s.loads[res.CorrelationID]
	if !ok {
		s.logger.Debug("ignoring result for unknown load", "correlation_id", res.CorrelationID)
		return
	}
	delete(s.loads, res.CorrelationID)

	if p != s.pending {
		s.logger.Info("ignoring stale parse result", "path", p.Path, "correlation_id", p.ID)
		return
	}
	s.pending = nil

	if !res.OK() {
		err := fmt.Errorf("load %s: %w", p.Path, res.Err)
		s.logger.Error("loading past snapshots failed",
			"path", p.Path,
			"correlation_id", p.ID,
			"error", res.Err,
		)
		s.partial = true
		p.finish(err)
		s.reportLoad(LoadOutcome{ID: p.ID, Path: p.Path, Snapshots: s.hist.Len(), Err: err})
		return
	}

	// Edits made since the load sit after the head and are unsaved.
	edits := s.hist.Len() - 1
	s.machine.Rebase(func(h *history.History) {
		h.MergeLoaded(res.Snapshots, p.head)
	})
	s.journalReplace(ctx)
	s.journalMarkSaved(ctx, s.hist.Len()-edits)

	s.logger.Info("document loaded",
		"path", p.Path,
		"correlation_id", p.ID,
		"snapshots", s.hist.Len(),
	)
	p.finish(nil)
	s.reportLoad(LoadOutcome{ID: p.ID, Path: p.Path, Snapshots: s.hist.Len()})
}

func (s *Session) reportLoad(o LoadOutcome) {
	if s.onLoad != nil {
		s.onLoad(o)
	}
}

// failPending completes every known load with err.
func (s *Session) failPending(err error) {
	for id, p := range s.loads {
		p.finish(err)
		delete(s.loads, id)
	}
	s.pending = nil
}

// Path returns the document path, or the default file name for a document
// that was never saved.
func (s *Session) Path(ctx context.Context) (string, error) {
	var path string
	err := s.do(ctx, func(ctx context.Context) error {
		path = s.path
		return nil
	})
	if path == "" && err == nil {
		path = archive.FileName("")
	}
	return path, err
}
