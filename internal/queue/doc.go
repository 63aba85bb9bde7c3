// Package queue provides the unbounded, signal-driven FIFO that the broker's
// worker pool and the session's event loop drain.
package queue
