package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/store"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	All     bool
	To      string
	Discard bool
	keys    flagKeys
}

// JournalEntry describes one journaled document.
type JournalEntry struct {
	Path      string `json:"path"`
	Snapshots int    `json:"snapshots"`
	SavedLen  int    `json:"saved_len"`
	Unsaved   bool   `json:"unsaved"`
}

// RecoverResult is the JSON payload of a recovery.
type RecoverResult struct {
	Path      string `json:"path"`
	Written   string `json:"written,omitempty"`
	Snapshots int    `json:"snapshots"`
	Discarded bool   `json:"discarded,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover [file.mds]",
		Short: "List or restore documents from the autosave journal",
		Long: `Without arguments, list journaled documents with snapshots that were
never saved. With a path, write the journaled history of that document
back to it (or to --to) as a .mds file.

Examples:
  midst recover
  midst recover --all --format json
  midst recover notes.mds
  midst recover notes.mds --to notes-recovered.mds
  midst recover notes.mds --discard`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runRecoverList(opts, cmd)
			}
			return runRecover(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list saved documents too")
	cmd.Flags().StringVar(&opts.To, "to", "", "write the recovered document here")
	cmd.Flags().BoolVar(&opts.Discard, "discard", false, "drop the document from the journal instead")
	opts.keys = flagKeys{}
	addJournalFlags(cmd, opts.keys)

	return cmd
}

func openJournalStrict(opts *RecoverOptions, cmd *cobra.Command, out *OutputFormatter) (*store.Store, error) {
	cfg, err := loadConfig(opts.RootOptions, cmd, opts.keys)
	if err != nil {
		return nil, err
	}
	newLogger(opts.RootOptions, cmd.ErrOrStderr())
	if !cfg.Journal.Enabled {
		return nil, NewExitError(ExitCommandError, "journal is disabled")
	}
	st, err := store.Open(cfg.Journal.Path)
	if err != nil {
		if opts.Format == "json" {
			_ = out.Error(ErrCodeJournal, err.Error(), map[string]string{"path": cfg.Journal.Path})
		}
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

func runRecoverList(opts *RecoverOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	st, err := openJournalStrict(opts, cmd, out)
	if err != nil {
		return err
	}
	defer st.Close()

	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return out.fail("failed to list journal", err)
	}

	entries := []JournalEntry{}
	for _, d := range docs {
		if !opts.All && !d.Unsaved() {
			continue
		}
		entries = append(entries, JournalEntry{
			Path:      d.Path,
			Snapshots: d.Snapshots,
			SavedLen:  d.SavedLen,
			Unsaved:   d.Unsaved(),
		})
	}

	return out.Result(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Nothing to recover.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %d snapshots (%d saved)\n", e.Path, e.Snapshots, e.SavedLen)
		}
	})
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	st, err := openJournalStrict(opts, cmd, out)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := st.LookupDocument(ctx, path)
	if err != nil {
		return out.fail(fmt.Sprintf("no journal for %s", path), err)
	}
	result := RecoverResult{Path: path, Snapshots: doc.Snapshots}

	if opts.Discard {
		if err := st.DeleteDocument(ctx, doc.ID); err != nil {
			return out.fail("failed to discard", err)
		}
		result.Discarded = true
		return out.Result(result, func(w io.Writer) {
			fmt.Fprintf(w, "Discarded journal for %s\n", path)
		})
	}

	snaps, err := st.ReadSnapshots(ctx, doc.ID)
	if err != nil {
		return out.fail("failed to read journal", err)
	}
	if len(snaps) == 0 {
		return out.fail(fmt.Sprintf("no snapshots journaled for %s", path), store.ErrNotFound)
	}

	target := opts.To
	if target == "" {
		target = path
	}
	head := snaps[len(snaps)-1]
	if err := archive.New().SaveFile(target, head, snaps[:len(snaps)-1]); err != nil {
		return out.fail(fmt.Sprintf("failed to write %s", target), err)
	}
	result.Written = target

	if target == path {
		if err := st.MarkSaved(ctx, doc.ID, len(snaps)); err != nil {
			return out.fail("failed to update journal", err)
		}
	}

	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Recovered %s: %d snapshots written to %s\n", path, len(snaps), target)
	})
}
