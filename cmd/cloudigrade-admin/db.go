package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/bootstrap"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/devseed"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/migrate"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

const defaultMigrationTimeout = 5 * time.Minute

// interruptible stops ctx on SIGINT or SIGTERM and bounds it by timeout.
func interruptible(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := interruptible(cmd.Context(), timeout)
			defer cancel()
			return a.withDB(ctx, func(ctx context.Context, db *sql.DB, _ *config.AppConfig, logger *slog.Logger) error {
				logger.Info("running database migrations")
				return bootstrap.RunMigrations(ctx, db, logger)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "Maximum time to wait for migrations")

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each has been applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := interruptible(cmd.Context(), timeout)
			defer cancel()
			return a.withDB(ctx, func(ctx context.Context, db *sql.DB, _ *config.AppConfig, _ *slog.Logger) error {
				migrations, err := migrate.Status(ctx, db)
				if err != nil {
					return err
				}
				return printMigrations(cmd, migrations)
			})
		},
	}
	cmd.AddCommand(status)
	return cmd
}

func printMigrations(cmd *cobra.Command, migrations []migrate.Migration) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "VERSION\tAPPLIED"); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := fmt.Fprintf(w, "%s\t%t\n", m.Version, m.Applied); err != nil {
			return err
		}
	}
	return w.Flush()
}

func newSeedCmd(a *app) *cobra.Command {
	var (
		opts    devseed.Options
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "db-seed",
		Short: "Run database migrations and seed development data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := interruptible(cmd.Context(), timeout)
			defer cancel()
			return a.withDB(ctx, func(ctx context.Context, db *sql.DB, _ *config.AppConfig, logger *slog.Logger) error {
				if err := bootstrap.RunMigrations(ctx, db, logger); err != nil {
					return err
				}
				services, err := devseed.NewServices(db, logger)
				if err != nil {
					return fmt.Errorf("build seed services: %w", err)
				}
				return devseed.Run(ctx, services, opts, logger)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AccountNumber, "account-number", devseed.DefaultAccountNumber, "Account number of the seeded user")
	cmd.Flags().StringVar(&opts.AWSAccountID, "aws-account-id", devseed.DefaultAWSAccountID, "AWS account ID of the seeded cloud account")
	cmd.Flags().IntVar(&opts.Days, "days", devseed.DefaultDays, "Days of instance activity to generate, ending today")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "Maximum time to wait for seeding")
	return cmd
}

type enqueueOptions struct {
	payload    string
	priority   int
	maxRetries int
	delay      time.Duration
}

// enqueueRequest validates the task name and payload and builds the job.
func enqueueRequest(registry *tasks.Registry, name string, opts enqueueOptions) (*model.CreateJobRequest, error) {
	task := model.JobType(name)
	if !task.Valid() {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	var payload any
	if opts.payload != "" {
		raw := json.RawMessage(opts.payload)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload for task %s is not valid JSON", name)
		}
		payload = raw
	}
	var enqueue []tasks.EnqueueOption
	if opts.priority != 0 {
		enqueue = append(enqueue, tasks.WithPriority(opts.priority))
	}
	if opts.maxRetries > 0 {
		enqueue = append(enqueue, tasks.WithMaxRetries(opts.maxRetries))
	}
	if opts.delay > 0 {
		enqueue = append(enqueue, tasks.WithDelay(time.Now(), opts.delay))
	}
	return registry.Request(task, payload, enqueue...)
}

func newEnqueueCmd(a *app) *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue TASK",
		Short: "Queue one task for the workers",
		Example: "  cloudigrade-admin enqueue calculate_max_concurrent_usage \\\n" +
			"    --payload '{\"date\":\"2024-01-02\",\"user_id\":1}'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := tasks.NewRegistry()
			if err != nil {
				return err
			}
			req, err := enqueueRequest(registry, args[0], opts)
			if err != nil {
				return err
			}
			return a.withDB(cmd.Context(), func(ctx context.Context, db *sql.DB, _ *config.AppConfig, logger *slog.Logger) error {
				job, err := data.NewStore(db, nil, logger).Jobs.Create(ctx, req)
				if err != nil {
					return fmt.Errorf("enqueue %s: %w", args[0], err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "queued %s as job %s\n", job.Type, job.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON payload; empty sends {}")
	cmd.Flags().IntVar(&opts.priority, "priority", 0, "Job priority")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Maximum retries; zero keeps the default")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "Delay before the job becomes runnable")
	return cmd
}
