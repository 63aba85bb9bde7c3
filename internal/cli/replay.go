package cli

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/session"
	"github.com/roach88/midst/internal/snapshot"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Interval time.Duration
	From     float64
	keys     flagKeys
}

// ReplayFrame is one snapshot shown during replay.
type ReplayFrame struct {
	Hash string `json:"hash"`
	Text string `json:"text"`
}

// ReplayResult is the JSON payload of the replay command.
type ReplayResult struct {
	Path     string        `json:"path"`
	From     float64       `json:"from"`
	Frames   []ReplayFrame `json:"frames"`
	Complete bool          `json:"complete"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <file.mds>",
		Short: "Play a document's history back frame by frame",
		Long: `Play a document's history from a position to the head, showing one
snapshot per interval. Replay stops at the head; interrupting it stops
early.

Examples:
  midst replay notes.mds
  midst replay notes.mds --from 0.5 --interval 250ms`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between frames (default from config)")
	cmd.Flags().Float64Var(&opts.From, "from", 0, "start position in [0, 1]")
	opts.keys = addRuntimeFlags(cmd, false)
	opts.keys["interval"] = "replay.interval"

	return cmd
}

// frameRecorder collects or prints frames once playback has started.
type frameRecorder struct {
	out     *OutputFormatter
	playing atomic.Bool

	mu     sync.Mutex
	frames []ReplayFrame

	once sync.Once
	done chan struct{}
}

func (r *frameRecorder) Display(s snapshot.Snapshot) {
	if !r.playing.Load() {
		return
	}
	frame := ReplayFrame{Hash: s.Hash(), Text: s.Text()}

	r.mu.Lock()
	r.frames = append(r.frames, frame)
	n := len(r.frames)
	r.mu.Unlock()

	if r.out.Format != "json" {
		fmt.Fprintf(r.out.Writer, "--- frame %d %s ---\n%s\n", n, shortHash(s), frame.Text)
	}
}

// modeChanged ends playback when the machine leaves Replaying.
func (r *frameRecorder) modeChanged(from, to replay.Mode) {
	if !r.playing.Load() || from != replay.Replaying {
		return
	}
	r.once.Do(func() { close(r.done) })
}

func (r *frameRecorder) snapshot() []ReplayFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReplayFrame(nil), r.frames...)
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	rec := &frameRecorder{out: out, done: make(chan struct{})}
	rt, err := openRuntime(ctx, opts.RootOptions, cmd, runtimeOptions{
		keys:     opts.keys,
		readOnly: true,
		session: []session.Option{session.WithReplayOptions(
			replay.WithViewer(rec),
			replay.OnModeChange(rec.modeChanged),
		)},
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.session.LoadAndWait(ctx, path); err != nil {
		return out.fail(fmt.Sprintf("failed to load %s", path), err)
	}
	if err := rt.session.EnterReplay(ctx); err != nil {
		return out.fail("failed to enter replay", err)
	}
	if err := rt.session.Scrub(ctx, opts.From); err != nil {
		return out.fail("failed to seek", err)
	}

	rec.playing.Store(true)
	if err := rt.session.Play(ctx); err != nil {
		return out.fail("failed to play", err)
	}

	result := ReplayResult{Path: path, From: opts.From}
	select {
	case <-rec.done:
		result.Complete = true
	case <-ctx.Done():
		out.VerboseLog("replay interrupted")
	}
	rec.playing.Store(false)
	result.Frames = rec.snapshot()

	return out.Result(result, func(w io.Writer) {
		if !result.Complete {
			fmt.Fprintln(w, "(interrupted)")
		}
	})
}
