package main

import (
	"fmt"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/app"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/bootstrap"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/secrets"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables to synchronize",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := commandContext(cfg, log)
		defer cancel()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		tables, err := a.Tables(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), newTableList(tables))
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize one table from a snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return singleStep(cmd, "init")
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize one table, recovering from dependent view locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return singleStep(cmd, "sync")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, syncCmd} {
		cmd.Flags().String("table", "", "Table name")
		cmd.Flags().String("event", "", `Event JSON file with a table_name field ("-" reads stdin)`)
	}
	statusCmd.Flags().Bool("failed", false, "List failed attempts and unrestored views instead of the latest attempts")
	statusCmd.Flags().String("since", "24h", "With --failed, a duration back from now or an RFC 3339 time")
	prepareDBCmd.Flags().String("stack-name", "", "CloudFormation stack containing the Aurora database")
	prepareDBCmd.MarkFlagRequired("stack-name")
}

// singleStep runs init or sync for the table of the invocation event and
// prints the event with its state
func singleStep(cmd *cobra.Command, op string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	table, _ := cmd.Flags().GetString("table")
	eventPath, _ := cmd.Flags().GetString("event")
	ev, err := readEvent(table, eventPath, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cfg, log)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	var result worker.Result
	if op == "init" {
		result, err = a.Init(ctx, ev.table())
	} else {
		result, err = a.Sync(ctx, ev.table())
	}

	if pushErr := a.PushMetrics("cd2sync_"+op, ev.table()); pushErr != nil {
		log.Warn("Failed to push metrics", zap.Error(pushErr))
	}

	if result.Outcome != "" {
		if writeErr := writeJSON(cmd.OutOrStdout(), ev.withState(result.Outcome)); writeErr != nil {
			return writeErr
		}
	}
	return err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synchronize every table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := commandContext(cfg, log)
		defer cancel()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		report, err := a.Run(ctx)
		if report != nil {
			if writeErr := writeJSON(cmd.OutOrStdout(), report); writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return err
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d tables failed: %v", len(failed), len(report.Results), failed)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest recorded attempt of every table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		a := app.NewWithOpener(cfg, nil, nil, nil, log)

		if failed, _ := cmd.Flags().GetBool("failed"); failed {
			value, _ := cmd.Flags().GetString("since")
			since, err := parseSince(value, time.Now())
			if err != nil {
				return err
			}
			records, err := a.Failures(since)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"since":    since.UTC(),
				"failures": records,
			})
		}

		records, err := a.Status()
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"tables": records})
	},
}

// parseSince accepts a duration back from now ("36h") or an RFC 3339 time
func parseSince(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since must not be negative: %s", value)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration or an RFC 3339 time", value)
	}
	return t, nil
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List archived run reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := commandContext(cfg, log)
		defer cancel()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		reports, err := a.Reports(ctx)
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", r.LastModified.UTC().Format("2006-01-02T15:04:05Z"), r.Size, r.Key)
		}
		return nil
	},
}

var prepareDBCmd = &cobra.Command{
	Use:   "prepare-db",
	Short: "Create database users and schemas from a CloudFormation stack",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := commandContext(cfg, log)
		defer cancel()

		awsCfg, err := secrets.LoadAWSConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return err
		}

		stackName, _ := cmd.Flags().GetString("stack-name")
		summary, err := bootstrap.NewFromConfig(awsCfg, log).Prepare(ctx, stackName)
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
		if n := summary.Failed(); n > 0 {
			return fmt.Errorf("%d of %d database users could not be prepared", n, len(summary.Users))
		}
		return nil
	},
}
