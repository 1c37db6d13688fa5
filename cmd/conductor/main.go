package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	workspace string
	listen    string
	verbose   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - LLM orchestration platform",
	Long: `conductor routes natural-language queries across inference tiers,
generates and validates data-source adapter modules with bounded repair
loops, and admits installs only by content-addressed attestation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; absence is the normal case in production.
		_ = godotenv.Load()

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin server and delegation engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := a.startWatcher(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}

		logger.Info("conductor serving", zap.String("listen", listen), zap.String("workspace", workspace))
		errCh := make(chan error, 1)
		go func() { errCh <- a.srv.Run(listen) }()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err := <-errCh:
			return err
		}
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Run one query through the delegation engine",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		debug, _ := cmd.Flags().GetBool("debug")
		result, err := a.delegation.Query(cmd.Context(), args[0], debug)
		if err != nil {
			return err
		}
		fmt.Println(result.FinalAnswer)
		if debug && result.ExecutionGraph != nil {
			fmt.Printf("\nstrategy: %s, sub-tasks: %d, complexity: %.2f\n",
				result.ExecutionGraph.Strategy, len(result.ExecutionGraph.SubTasks), result.ExecutionGraph.ComplexityScore)
		}
		return nil
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().StringVar(&listen, "listen", ":8420", "admin server listen address")
	queryCmd.Flags().Bool("debug", false, "attach the execution graph to the output")

	rootCmd.AddCommand(serveCmd, queryCmd, modulesCmd, configCmd, versionsCmd, keysCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
