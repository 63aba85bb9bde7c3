package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/midst/internal/worker"
)

// ParseWorkerOptions holds flags for the parse-worker command.
type ParseWorkerOptions struct {
	*RootOptions
	Validate bool
}

// NewParseWorkerCommand creates the hidden command that process-mode
// brokers spawn. It answers parse requests on stdin with one JSON message
// per line on stdout until stdin closes.
func NewParseWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParseWorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "parse-worker",
		Short:         "Serve parse requests on stdin and stdout",
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParseWorker(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Validate, "validate", false, "validate parsed snapshots against the raw content schema")

	return cmd
}

func runParseWorker(opts *ParseWorkerOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	var wopts []worker.Option
	if opts.Validate {
		v, err := worker.NewRawContentValidator()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build content validator", err)
		}
		wopts = append(wopts, worker.WithValidator(v))
	}

	err := worker.Serve(commandContext(cmd), cmd.InOrStdin(), cmd.OutOrStdout(), worker.New(wopts...), logger.With("component", "parse-worker"))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "parse worker failed", err)
	}
	return nil
}
