package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/config"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cd2sync",
	Short: "Replicate Canvas Data 2 tables into PostgreSQL",
	Long: `Keeps a PostgreSQL replica of the Canvas Data 2 namespace up to date. Dependent views
that block schema changes are dropped and restored around a single retry.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")

	flags.String("env", "dev", "Environment name, selects the /{env}/canvas_data_2 parameter path")
	flags.String("api-base-url", "https://api-gateway.instructure.com", "DAP API base URL")
	flags.String("namespace", "canvas", "DAP namespace")
	flags.StringSlice("skip-tables", nil, "Tables never synchronized")
	flags.String("region", "", "AWS region")

	flags.String("db-user-secret", "", "Secrets Manager secret holding the database user")
	flags.String("cluster-arn", "", "Aurora cluster ARN for the RDS Data API")
	flags.String("admin-secret-arn", "", "Admin secret ARN for the RDS Data API")
	flags.String("admin-database", "cd2", "Database used for administrative SQL")

	flags.Int("concurrency", 4, "Number of tables synchronized in parallel by run")
	flags.Bool("strict-restore", false, "Report failed when dependent views cannot be restored")
	flags.Bool("auto-init", true, "Initialize tables reported as needs_init during run")
	flags.Duration("timeout", 0, "Deadline of the whole invocation (0 = none)")
	flags.String("ledger", "./cd2sync.db", "Attempt ledger file (empty disables the ledger)")

	flags.String("metrics-addr", "", "Serve /metrics on this address during run")
	flags.String("pushgateway", "", "Pushgateway URL for single table commands")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("log-format", "json", "Log format (json/console)")

	rootCmd.AddCommand(tablesCmd, initCmd, syncCmd, runCmd, statusCmd, reportsCmd, prepareDBCmd)
}

// setup loads configuration and builds the logger of one command
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// commandContext is cancelled on SIGINT or SIGTERM and after cfg.Sync.Timeout
func commandContext(cfg *config.Config, log *zap.Logger) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if cfg.Sync.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), cfg.Sync.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
