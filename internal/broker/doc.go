// Package broker implements the correlation broker: it accepts parse jobs
// keyed by a caller-minted correlation id, runs them on a bounded pool of
// parse workers, and routes each tagged result back to the requester.
//
// ARCHITECTURE:
//
// Job table:
// The broker owns a map from correlation id to job. Dispatch inserts, result
// routing removes. An id may have at most one outstanding job. A result for
// an id that is not in the table (duplicate or late delivery) is dropped
// without effect.
//
// Pool:
// PoolSize slot goroutines pull jobs from an unbounded FIFO queue, so
// Dispatch never blocks and at most PoolSize parses run at once. Each slot
// holds one worker handle obtained from a Spawner and reuses it across jobs.
// A handle that fails is closed and replaced on the slot's next job.
//
// Tagged results:
// Every job ends in exactly one Result, success or failure, delivered
// through the same path. A worker failure is logged, not retried, and the
// requester always learns that the job failed.
//
// Ordering:
// Results are delivered in completion order, which need not match dispatch
// order. Requesters must match on CorrelationID.
package broker
