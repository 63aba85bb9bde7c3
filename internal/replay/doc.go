// Package replay drives the editing, replaying and scrubbing modes over a
// snapshot history.
//
// # Modes
//
// A Machine starts in Editing and never terminates:
//
//	Editing   --EnterReplay-->  Replaying
//	Replaying --Interact----->  Editing
//	Replaying --Scrub-------->  Scrubbing
//	Replaying --last frame--->  Scrubbing
//	Scrubbing --Scrub-------->  Scrubbing
//	Scrubbing --Play--------->  Replaying
//	Scrubbing --Interact----->  Editing
//
// # Frame scheduler
//
// While Replaying, a timer advances the cursor one frame per interval. Every
// transition out of Replaying stops the pending timer before it changes any
// state, and every armed timer carries the generation it was armed under: a
// fire whose generation is no longer current is ignored. Stop alone cannot
// win against a timer goroutine that has already started, so the generation
// check is what keeps a stale fire from moving the cursor.
//
// # Observers
//
// The Viewer receives every snapshot the machine puts on screen and the
// OnModeChange hook receives every transition. Both are called with the
// machine's lock held, in transition order, and must not call back into the
// Machine.
package replay
