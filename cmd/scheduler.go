package cmd

import (
	"context"
	"fmt"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), status, func() error {
				printStatus(out, opts.colors(out), status)
				return nil
			})
		},
	}
}

func newSchedulerCommand(opts *rootOptions) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the backup scheduler",
		Long: `Start or stop periodic due checks on a running orchestrator, or run one
check immediately.

Examples:
  # Pause automatic backups
  backup-orchestrator scheduler stop

  # Run a due check now
  backup-orchestrator scheduler check

  # Run one check in this process without a server, e.g. from cron
  backup-orchestrator scheduler check --local`,
	}

	action := func(use, short string, call func(ctx context.Context, opts *rootOptions) (string, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				result, err := call(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scheduler %s\n", opts.colors(out).Status(result))
				return nil
			},
		}
	}

	schedulerCmd.AddCommand(
		action("start", "Enable periodic due checks", func(ctx context.Context, opts *rootOptions) (string, error) {
			client, err := opts.client()
			if err != nil {
				return "", err
			}
			return client.StartScheduler(ctx)
		}),
		action("stop", "Disable periodic due checks", func(ctx context.Context, opts *rootOptions) (string, error) {
			client, err := opts.client()
			if err != nil {
				return "", err
			}
			return client.StopScheduler(ctx)
		}),
		newCheckCommand(opts),
	)
	return schedulerCmd
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one due check immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			var (
				report *backup.TickReport
				err    error
			)
			if local {
				report, err = runLocal(ctx, opts, func(ctx context.Context, app *application.Application) (*backup.TickReport, error) {
					return app.Scheduler().ForceCheck(ctx)
				})
			} else {
				var client *api.Client
				if client, err = opts.client(); err == nil {
					report, err = client.ForceCheck(ctx)
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := render(out, opts.outputFormat(), report, func() error {
				printTickReport(out, opts.colors(out), report)
				return nil
			}); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d tenant backups failed", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the check in this process instead of on the server")
	return cmd
}

// runLocal builds the orchestrator in-process, runs fn and releases it
func runLocal[T any](ctx context.Context, opts *rootOptions, fn func(context.Context, *application.Application) (T, error)) (T, error) {
	var zero T
	cfg, err := opts.loadConfig(true)
	if err != nil {
		return zero, fmt.Errorf("configuration error: %w", err)
	}
	cfg.API.Enabled = false

	app, err := application.New(ctx, cfg, application.Options{})
	if err != nil {
		return zero, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	defer app.Close()
	return fn(ctx, app)
}
