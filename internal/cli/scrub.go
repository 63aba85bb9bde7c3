package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

// ScrubOptions holds flags for the scrub command.
type ScrubOptions struct {
	*RootOptions
	keys flagKeys
}

// ScrubResult is the snapshot under the scrub position.
type ScrubResult struct {
	Path     string  `json:"path"`
	Position float64 `json:"position"`
	Cursor   int     `json:"cursor"`
	Len      int     `json:"len"`
	Hash     string  `json:"hash"`
	Text     string  `json:"text"`
}

// NewScrubCommand creates the scrub command.
func NewScrubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScrubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scrub <file.mds> <position>",
		Short: "Show the snapshot at a point in a document's history",
		Long: `Show the snapshot at a normalized position in a document's history.
Position 0 is the first snapshot and 1 is the head; positions in between
round to the nearest snapshot.

Examples:
  midst scrub notes.mds 0
  midst scrub notes.mds 0.5 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrub(opts, cmd, args[0], args[1])
		},
	}
	opts.keys = addRuntimeFlags(cmd, false)

	return cmd
}

func runScrub(opts *ScrubOptions, cmd *cobra.Command, path, rawPosition string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	position, err := strconv.ParseFloat(rawPosition, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid position %q", rawPosition), err)
	}

	rt, err := openRuntime(ctx, opts.RootOptions, cmd, runtimeOptions{keys: opts.keys, readOnly: true})
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
	if err := rt.session.Scrub(ctx, position); err != nil {
		return out.fail("failed to scrub", err)
	}

	st, err := rt.session.Status(ctx)
	if err != nil {
		return out.fail("failed to read status", err)
	}
	cur, err := rt.session.Current()
	if err != nil {
		return out.fail("failed to read snapshot", err)
	}

	result := ScrubResult{
		Path:     path,
		Position: position,
		Cursor:   st.Cursor,
		Len:      st.Len,
		Hash:     cur.Hash(),
		Text:     cur.Text(),
	}
	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "[%d/%d] %s\n%s\n", result.Cursor+1, result.Len, shortHash(cur), result.Text)
	})
}
