package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	keys flagKeys
}

// InspectResult describes one .mds file.
type InspectResult struct {
	Path      string `json:"path"`
	Version   string `json:"version"`
	Head      string `json:"head"`
	Text      string `json:"text"`
	Snapshots int    `json:"snapshots"`
	PastError string `json:"past_error,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <file.mds>",
		Short: "Show a document's version, head and history length",
		Long: `Read a .mds file and report its format version, its head snapshot and
how many snapshots its history holds once the past is parsed.

Exit codes:
  0 - File and past are readable
  1 - The head is readable but the past is not
  2 - Not a readable .mds file

Examples:
  midst inspect notes.mds
  midst inspect notes.mds --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd, args[0])
		},
	}
	opts.keys = addRuntimeFlags(cmd, false)

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	rt, err := openRuntime(ctx, opts.RootOptions, cmd, runtimeOptions{keys: opts.keys, readOnly: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	doc, err := rt.codec.LoadFile(path)
	if err != nil {
		return out.fail(fmt.Sprintf("failed to read %s", path), err)
	}
	result := InspectResult{
		Path:      path,
		Version:   doc.Version,
		Head:      doc.Head.Hash(),
		Text:      doc.Head.Text(),
		Snapshots: 1,
	}

	loadErr := rt.session.LoadAndWait(ctx, path)
	if loadErr != nil {
		result.PastError = loadErr.Error()
	} else {
		result.Snapshots = len(rt.session.Snapshots())
	}

	err = out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "File:      %s\n", result.Path)
		fmt.Fprintf(w, "Version:   %s\n", result.Version)
		fmt.Fprintf(w, "Head:      %s\n", result.Head)
		fmt.Fprintf(w, "Snapshots: %d\n", result.Snapshots)
		if result.PastError != "" {
			fmt.Fprintf(w, "Past:      unreadable (%s)\n", result.PastError)
		}
		fmt.Fprintf(w, "\n%s\n", result.Text)
	})
	if err != nil {
		return err
	}

	if loadErr != nil {
		return WrapExitError(ExitFailure, "past snapshots are unreadable", loadErr)
	}
	return nil
}
