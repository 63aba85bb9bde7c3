// Package worker implements the parse worker: the isolated, stateless step
// that turns a raw snapshots payload into Snapshot values.
//
// A worker receives a correlation id with the payload and must echo that id,
// unchanged, on its response so the broker can route the result. A malformed
// payload produces an error and no response.
//
// Workers run either in-process (Worker.Run called from a pool goroutine) or
// in a child process driven by Serve, which speaks the message protocol in
// message.go over stdin/stdout.
package worker
