package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/vk/gridforge/internal/app"
)

// Exit codes returned through ExitError.
const (
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error()}
}

// Execute runs the command line args. Output of commands goes to outW, logs
// to errW. The returned error, if any, is an *ExitError.
func Execute(ctx context.Context, outW, errW io.Writer, args []string) error {
	root := NewRootCommand(outW, errW)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr
	case ctx.Err() != nil:
		return &ExitError{Code: ExitInterrupted, Message: "interrupted"}
	case errors.Is(err, app.ErrRunFailed):
		return &ExitError{Code: ExitFailure, Message: err.Error()}
	default:
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("error: %v", err)}
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	overrides  app.Overrides
}

// NewRootCommand builds the gridforge command tree.
func NewRootCommand(outW, errW io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "gridforge",
		Short: "Distributed DAG execution with content-addressed caching",
		Long: `gridforge runs DAGs of sandboxed program executions, locally or on a
cluster of workers, and never runs the same execution on the same inputs twice.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(outW)
	root.SetErr(errW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to the configuration file (default ./gridforge.hcl if present).")
	pf.StringVar(&g.overrides.StorePath, "store", "", "Directory of the file store and cache.")
	pf.IntVarP(&g.overrides.Workers, "workers", "j", 0, "Number of local worker slots.")
	pf.StringVar(&g.overrides.LogLevel, "log-level", "", "Logging level: debug, info, warn or error.")
	pf.StringVar(&g.overrides.LogFormat, "log-format", "", "Log output format: text or json.")

	root.AddCommand(
		newRunCommand(g, outW, errW),
		newServeCommand(g, outW, errW),
		newWorkerCommand(g, outW, errW),
		newCleanCommand(g, outW, errW),
	)
	return root
}

// newApp loads the configuration with the global flags applied on top.
func (g *globalFlags) newApp(cmd *cobra.Command, outW, errW io.Writer) (*app.App, error) {
	cfg, err := app.LoadConfig(cmd.Context(), g.configPath, g.overrides)
	if err != nil {
		return nil, usageError(err)
	}
	return app.NewApp(outW, errW, cfg), nil
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
