package session

import (
	"context"
)

// event is one unit of loop work: fn runs on the Run goroutine and its
// error is sent on reply.
type event struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// do submits fn to the loop and waits for it to run.
// Must not be called from the Run goroutine.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	ev := event{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	if !s.events.Enqueue(ev) {
		return ErrStopped
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs one event.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (s *Session) process(ev event) {
	if err := ev.ctx.Err(); err != nil {
		ev.reply <- err
		return
	}
	ev.reply <- ev.fn(ev.ctx)
}

// rejectQueued answers every event left in the closed queue.
func (s *Session) rejectQueued() {
	for _, ev := range s.events.Drain() {
		ev.reply <- ErrStopped
	}
}
