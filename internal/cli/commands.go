package cli

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/vk/gridforge/internal/app"
)

func newRunCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	var opts app.RunOptions
	cmd := &cobra.Command{
		Use:   "run <dag.hcl>",
		Short: "Run a DAG file and print a summary",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, outW, errW)
			if err != nil {
				return err
			}
			opts.DAGPath = args[0]
			_, err = a.Run(cmd.Context(), opts)
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.KeepGoing, "keep-going", "k", false, "Keep running independent work after a failure.")
	f.BoolVar(&opts.NoCache, "no-cache", false, "Do not serve executions from the cache.")
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "Report cache hits without running anything.")
	f.StringVarP(&opts.Remote, "remote", "r", "", "Run on the server at this address instead of locally.")
	f.StringVarP(&opts.OutputDir, "output-dir", "o", "", "Copy produced files into this directory.")
	return cmd
}

func newServeCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept workers and run submitted DAGs on them",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, outW, errW)
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&g.overrides.Listen, "listen", "l", "", "Address to listen on (default :27182).")
	return cmd
}

func newWorkerCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	var opts app.WorkerOptions
	cmd := &cobra.Command{
		Use:   "worker <server-addr>",
		Short: "Join a server and run jobs for it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, outW, errW)
			if err != nil {
				return err
			}
			opts.Server = args[0]
			return a.Worker(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "Worker name (default host name).")
	f.IntVar(&opts.Slots, "slots", 0, "Number of jobs to run at once (default --workers).")
	f.IntVar(&opts.HealthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	return cmd
}

func newCleanCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Empty the cache and evict unused blobs from the store",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, outW, errW)
			if err != nil {
				return err
			}
			_, err = a.Clean(cmd.Context())
			return err
		},
	}
}
