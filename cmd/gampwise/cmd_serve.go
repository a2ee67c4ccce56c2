package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"gampwise/internal/config"
	"gampwise/internal/consult"
	"gampwise/internal/logging"
	mcpserver "gampwise/internal/mcp"
	"gampwise/internal/stats"
)

func newServeCmd(a *app) *cobra.Command {
	var fl evaluateFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve reviewer consultations over MCP on stdio",
		Long: `Serve starts an MCP server on stdin/stdout. A reviewer's client lists the
pending consultations, resolves them and fetches the evaluation report.

With --manifest the evaluation starts immediately and every consultation it
raises waits for the reviewer through the server. Unanswered consultations
fall back to their conservative default at the configured timeout.

The server exits when its parent process goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg.Consultation.Channel = config.ChannelMCP
			mux := consult.NewMuxChannel()
			srv := mcpserver.NewServer(mux, version)
			defer srv.Shutdown()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			mcpserver.WatchParent(ctx, 2*time.Second, cancel)

			logger := logging.New("mcp")
			if fl.manifest != "" {
				ev, err := a.evaluationOptions(cmd, fl)
				if err != nil {
					return err
				}
				ev.channel = mux
				if _, err := srv.Start(ctx, fl.manifest, func(ctx context.Context) (stats.Report, error) {
					return evaluate(ctx, ev)
				}); err != nil {
					return err
				}
				logger.Info("evaluation session started", "manifest", fl.manifest, "folds", len(ev.assignments))
			}

			logger.Info("starting gampwise MCP server over stdio (parent watchdog active)")
			return srv.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.manifest, "manifest", "", "Corpus manifest to evaluate while serving")
	f.IntVar(&fl.folds, "folds", 0, "Number of folds; overrides config")
	f.Uint64Var(&fl.seed, "seed", 0, "Seed for fold assignment and bootstrap; overrides config")
	f.StringVar(&fl.foldsFile, "folds-file", "", "Read fold assignments from this file instead of partitioning")
	f.StringVar(&fl.db, "db", "", "SQLite database for run records; overrides config")
	f.IntVar(&fl.parallel, "parallel", 0, "Concurrent runs per fold; overrides config")
	f.IntVar(&fl.iterations, "iterations", 0, "Bootstrap iterations; overrides config")
	fl.format = "text"
	return cmd
}
