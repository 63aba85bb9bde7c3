package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// Version is the midst release, set at build time with -ldflags.
var Version = "dev"

// RootOptions holds the flags every command shares.
type RootOptions struct {
	Verbose bool
	Format  string // "text" or "json"
	Config  string // optional YAML config file
}

// ValidFormats lists the values accepted by --format.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the midst command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	root := &cobra.Command{
		Use:     "midst",
		Short:   "midst keeps every version of a document",
		Version: Version,
		Long: `midst records every edit of a document as a snapshot, saves the whole
history in a .mds file and plays it back or scrubs through it.

Configuration comes from built-in defaults, then the --config YAML file,
then MIDST_* environment variables, then command flags.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.Config, "config", "c", "", "config file (YAML)")

	for _, newCmd := range []func(*RootOptions) *cobra.Command{
		NewEditCommand,
		NewInspectCommand,
		NewHistoryCommand,
		NewReplayCommand,
		NewScrubCommand,
		NewRecoverCommand,
		NewTestCommand,
		NewParseWorkerCommand,
	} {
		root.AddCommand(newCmd(opts))
	}
	return root
}
