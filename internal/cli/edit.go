package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/midst/internal/session"
	"github.com/roach88/midst/internal/snapshot"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Texts  []string
	Stdin  bool
	SaveAs string

	keys flagKeys
}

// EditResult is the JSON payload of the edit command.
type EditResult struct {
	Path      string `json:"path"`
	Loaded    bool   `json:"loaded"`
	Appended  int    `json:"appended"`
	Snapshots int    `json:"snapshots"`
	Head      string `json:"head"`
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <file.mds>",
		Short: "Record snapshots into a document and save it",
		Long: `Open a document, record each --text as a new snapshot and save.

A missing file is created. An existing file's past is parsed before the
new snapshots are recorded; a file whose past cannot be parsed is left
untouched.

Examples:
  midst edit notes.mds --text "first draft" --text "second draft"
  echo "from a pipe" | midst edit notes.mds --stdin
  midst edit notes.mds --text "fork" --save-as fork.mds`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Texts, "text", "t", nil, "snapshot text (repeatable)")
	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read one more snapshot from stdin")
	cmd.Flags().StringVar(&opts.SaveAs, "save-as", "", "save to this path instead")
	opts.keys = addRuntimeFlags(cmd, true)

	return cmd
}

func runEdit(opts *EditOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	texts := opts.Texts
	if opts.Stdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		texts = append(texts, string(data))
	}

	rt, err := openRuntime(ctx, opts.RootOptions, cmd, runtimeOptions{keys: opts.keys})
	if err != nil {
		return err
	}
	defer rt.Close()

	result := EditResult{Path: path}
	switch _, statErr := os.Stat(path); {
	case statErr == nil:
		if err := rt.session.LoadAndWait(ctx, path); err != nil {
			return out.fail(openFailure("open", path, err), err)
		}
		result.Loaded = true
	case errors.Is(statErr, os.ErrNotExist):
		if err := rt.session.Create(ctx, path); err != nil {
			return out.fail(openFailure("create", path, err), err)
		}
	default:
		return out.fail(fmt.Sprintf("failed to open %s", path), statErr)
	}

	for _, text := range texts {
		appended, err := rt.session.Edit(ctx, snapshot.FromText(text))
		if err != nil {
			return out.fail("failed to record snapshot", err)
		}
		if appended {
			result.Appended++
		}
	}
	out.VerboseLog("recorded %d new snapshots", result.Appended)

	if err := rt.session.Save(ctx, opts.SaveAs); err != nil {
		return out.fail("failed to save", err)
	}
	if opts.SaveAs != "" {
		result.Path = opts.SaveAs
	}

	snaps := rt.session.Snapshots()
	result.Snapshots = len(snaps)
	result.Head = snaps[len(snaps)-1].Hash()

	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Saved %s: %d snapshots (%d new)\n", result.Path, result.Snapshots, result.Appended)
	})
}

// openFailure describes why path could not be opened, pointing at recover
// when the journal holds unsaved work for it.
func openFailure(op, path string, err error) string {
	if errors.Is(err, session.ErrUnsavedJournal) {
		return fmt.Sprintf("%s has unsaved snapshots in the journal; run 'midst recover %s' (or add --discard) first", path, path)
	}
	return fmt.Sprintf("failed to %s %s", op, path)
}
