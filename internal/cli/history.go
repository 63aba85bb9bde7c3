package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/midst/internal/snapshot"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Full bool
	keys flagKeys
}

// HistoryEntry is one snapshot in the history listing.
type HistoryEntry struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Title string `json:"title"`
	Text  string `json:"text,omitempty"`
}

// HistoryResult is the JSON payload of the history command.
type HistoryResult struct {
	Path      string         `json:"path"`
	Snapshots []HistoryEntry `json:"snapshots"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <file.mds>",
		Short: "List every snapshot in a document, oldest first",
		Long: `List the snapshots of a .mds file, oldest first. The last entry is the
head. Each line shows the index, a short content hash and the first line
of the snapshot's text.

Examples:
  midst history notes.mds
  midst history notes.mds --full --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Full, "full", false, "include the full text of every snapshot")
	opts.keys = addRuntimeFlags(cmd, false)

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	rt, err := openRuntime(ctx, opts.RootOptions, cmd, runtimeOptions{keys: opts.keys, readOnly: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.session.LoadAndWait(ctx, path); err != nil {
		return out.fail(fmt.Sprintf("failed to load %s", path), err)
	}

	snaps := rt.session.Snapshots()
	result := HistoryResult{Path: path, Snapshots: make([]HistoryEntry, 0, len(snaps))}
	for i, s := range snaps {
		entry := HistoryEntry{Index: i, Hash: shortHash(s), Title: title(s)}
		if opts.Full {
			entry.Text = s.Text()
		}
		result.Snapshots = append(result.Snapshots, entry)
	}

	return out.Result(result, func(w io.Writer) {
		for _, e := range result.Snapshots {
			fmt.Fprintf(w, "%4d  %s  %s\n", e.Index, e.Hash, e.Title)
			if opts.Full {
				fmt.Fprintf(w, "%s\n\n", e.Text)
			}
		}
	})
}

func shortHash(s snapshot.Snapshot) string {
	h := s.Hash()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// title is the first non-blank line of the snapshot's text.
func title(s snapshot.Snapshot) string {
	for line := range strings.Lines(s.Text()) {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return "(empty)"
}
