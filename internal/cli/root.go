// Package cli provides the command-line interface for kg.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/config"
	"github.com/raphaelgruber/kg/internal/metrics"
	"github.com/raphaelgruber/kg/internal/tracker"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgFile      string
	serverURL    string
	outputFormat string
	noStream     bool
	verbose      bool

	// Global config and clients
	cfg          config.Config
	logger       *slog.Logger
	closeLog     func() error
	stats        *metrics.Collector
	apiClient    *client.Client
	trackOptions tracker.Options
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kg",
	Short: "Submit and follow knowledge-graph jobs",
	Long: `kg submits long-running jobs (document ingestion, backup restore) to a
knowledge-graph server and follows them to completion.

Jobs that need approval show a cost estimate first. Progress is streamed
live when the server supports it and polled otherwise.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if noStream {
			cfg.Stream = false
		}
		if verbose && cfg.LogLevel > slog.LevelInfo {
			cfg.LogLevel = slog.LevelInfo
		}
		if err := validateOutput(outputFormat); err != nil {
			return err
		}

		logger, closeLog = config.SetupLogger(cfg)
		slog.SetDefault(logger)

		stats = metrics.NewCollector()
		apiClient = client.New(cfg.ServerURL,
			client.WithTimeout(cfg.ClientTimeout),
			client.WithLogger(logger),
			client.WithMetrics(stats),
			client.WithReconnect(cfg.MaxReconnects, 0, 0),
		)
		trackOptions = tracker.Options{
			DisableStream: !cfg.Stream,
			PollInterval:  cfg.PollInterval,
			FallbackAfter: cfg.FallbackAfter,
			Logger:        logger,
			Metrics:       stats,
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if verbose && stats != nil {
			printStats(os.Stderr, stats.Snapshot())
		}
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// An interrupt cancels the command's context; jobs keep running on the server.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.kg/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server GraphQL endpoint")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&noStream, "no-stream", false, "poll for progress instead of streaming")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(jobsCmd)
}
