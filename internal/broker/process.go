package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/roach88/midst/internal/worker"
)

// ErrWorkerExited is returned when a worker process closes its output
// before answering.
var ErrWorkerExited = errors.New("broker: worker process exited")

// RemoteError carries the error text a worker process reported in a
// parse-failed message.
type RemoteError struct {
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return "worker: " + e.Message
}

// ProcessSpawner runs each parse worker as a child process that speaks the
// worker message protocol on stdin/stdout (see worker.Serve).
type ProcessSpawner struct {
	// Path is the executable. Defaults to the running executable.
	Path string

	// Args are passed to the executable, e.g. {"parse-worker"}.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// Stderr receives the child's diagnostics. Defaults to os.Stderr.
	Stderr io.Writer

	// ExitTimeout bounds how long Close waits before killing the child.
	// Defaults to 2s.
	ExitTimeout time.Duration
}

// Spawn starts a child process.
func (s ProcessSpawner) Spawn(ctx context.Context) (Worker, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("spawn worker: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	timeout := s.ExitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)
	return &processWorker{
		cmd:     cmd,
		stdin:   stdin,
		enc:     enc,
		dec:     json.NewDecoder(stdout),
		timeout: timeout,
	}, nil
}

type processWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	dec     *json.Decoder
	timeout time.Duration
}

type decoded struct {
	msg worker.Message
	err error
}

// Parse sends one request and waits for the matching answer. If ctx ends
// first the child is killed; the handle is unusable afterwards.
func (p *processWorker) Parse(ctx context.Context, req worker.Request) (worker.Response, error) {
	if err := p.enc.Encode(worker.RequestMessage(req)); err != nil {
		return worker.Response{}, fmt.Errorf("send request: %w", err)
	}

	done := make(chan decoded, 1)
	go func() {
		var msg worker.Message
		err := p.dec.Decode(&msg)
		done <- decoded{msg: msg, err: err}
	}()

	var d decoded
	select {
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return worker.Response{}, ctx.Err()
	case d = <-done:
	}

	if d.err != nil {
		if errors.Is(d.err, io.EOF) {
			return worker.Response{}, ErrWorkerExited
		}
		return worker.Response{}, fmt.Errorf("read response: %w", d.err)
	}

	switch d.msg.Kind {
	case worker.KindParseResponse:
		return worker.Response{CorrelationID: d.msg.CorrelationID, Snapshots: d.msg.Snapshots}, nil
	case worker.KindParseFailed:
		return worker.Response{}, &RemoteError{Message: d.msg.Error}
	default:
		return worker.Response{}, fmt.Errorf("unexpected message kind %q", d.msg.Kind)
	}
}

// Close ends the child's input and waits for it to exit, killing it after
// the exit timeout.
func (p *processWorker) Close() error {
	_ = p.stdin.Close()

	exited := make(chan error, 1)
	go func() {
		exited <- p.cmd.Wait()
	}()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed after a cancelled Parse, or crashed; nothing left to clean up.
			return nil
		}
		return err
	case <-time.After(p.timeout):
		_ = p.cmd.Process.Kill()
		<-exited
		return fmt.Errorf("worker process did not exit within %s", p.timeout)
	}
}
