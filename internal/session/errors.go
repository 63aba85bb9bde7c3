package session

import "errors"

var (
	// ErrStopped is returned for operations submitted after the event loop
	// stopped, and by loads that were still pending when it stopped.
	ErrStopped = errors.New("session: stopped")

	// ErrLoadPending is returned by Save while a loaded document's past is
	// still being parsed; saving then would drop it.
	ErrLoadPending = errors.New("session: load still pending")

	// ErrSuperseded completes a load that a newer load or Create replaced
	// before its past arrived.
	ErrSuperseded = errors.New("session: load superseded")

	// ErrUnsavedJournal is returned when a document is opened, created or
	// saved over while the journal still holds snapshots of it that were
	// never saved. Recover or discard them first.
	ErrUnsavedJournal = errors.New("session: journal holds unsaved snapshots")

	// ErrPartialHistory is returned by Save to the document's own path after
	// its past failed to load. Saving there would drop the past for good;
	// saving under another path is allowed.
	ErrPartialHistory = errors.New("session: past not loaded")
)
