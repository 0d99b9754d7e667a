package cmd

import (
	"context"
	"fmt"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"

	"github.com/spf13/cobra"
)

func newBackupCommand(opts *rootOptions) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run and inspect tenant backups",
		Long: `Run a backup for one tenant, list backup records, show one record with
its validation result, re-validate a snapshot on disk or report a tenant's
retained snapshots.

Examples:
  # Back up a tenant now, regardless of its schedule
  backup-orchestrator backup run acme

  # List the last 20 records for a tenant
  backup-orchestrator backup list --tenant acme --limit 20

  # Re-check a snapshot file
  backup-orchestrator backup validate 3f0c9a52-...`,
	}

	backupCmd.AddCommand(
		newBackupRunCommand(opts),
		newBackupListCommand(opts),
		newBackupShowCommand(opts),
		newBackupValidateCommand(opts),
		newBackupStatsCommand(opts),
	)
	return backupCmd
}

func newBackupRunCommand(opts *rootOptions) *cobra.Command {
	var (
		tenantID string
		local    bool
	)
	cmd := &cobra.Command{
		Use:   "run [tenant]",
		Short: "Back up one tenant now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				tenantID = args[0]
			}
			if tenantID == "" {
				return fmt.Errorf("a tenant is required: pass it as an argument or with --tenant")
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			var (
				record *backup.BackupRecord
				err    error
			)
			if local {
				record, err = runLocal(ctx, opts, func(ctx context.Context, app *application.Application) (*backup.BackupRecord, error) {
					return app.Scheduler().RunTenant(ctx, tenantID)
				})
			} else {
				var client *api.Client
				if client, err = opts.client(); err == nil {
					record, err = client.RunTenant(ctx, tenantID)
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := render(out, opts.outputFormat(), record, func() error {
				printRecord(out, opts.colors(out), &api.RecordResponse{Record: record})
				return nil
			}); err != nil {
				return err
			}
			if record.Status != backup.BackupStatusSucceeded {
				return fmt.Errorf("backup for tenant %s %s", tenantID, record.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to back up")
	cmd.Flags().BoolVar(&local, "local", false, "run the backup in this process instead of on the server")
	return cmd
}

func newBackupListCommand(opts *rootOptions) *cobra.Command {
	var (
		tenantID string
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := backup.RecordFilter{TenantID: tenantID, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, backup.BackupStatus(s))
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			records, err := client.ListRecords(ctx, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), records, func() error {
				return printRecords(out, opts.colors(out), records)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only records for this tenant")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only records in these states (succeeded, failed, retrying, exhausted, running)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}

func newBackupShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show one backup record and its validation result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			resp, err := client.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), resp, func() error {
				printRecord(out, opts.colors(out), resp)
				return nil
			})
		},
	}
}

func newBackupValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <record-id>",
		Short: "Re-check a snapshot file against its record",
		Long: `Decompress and decode the snapshot of a succeeded backup, compare its
checksum and row counts with the record and report the result. The result
stored when the backup ran is not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			result, err := client.ValidateRecord(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := render(out, opts.outputFormat(), result, func() error {
				printValidation(out, opts.colors(out), result)
				return nil
			}); err != nil {
				return err
			}
			if !result.IsValid() {
				return fmt.Errorf("snapshot for record %s is %s", args[0], result.Status)
			}
			return nil
		},
	}
}

func newBackupStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <tenant>",
		Short: "Report a tenant's retained snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			stats, err := client.TenantStats(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), stats, func() error {
				printStats(out, stats)
				return nil
			})
		},
	}
}

func newRetriesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retries",
		Short: "List failed backups waiting for a retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			entries, err := client.Retries(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), entries, func() error {
				return printRetries(out, opts.colors(out), entries)
			})
		},
	}
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			entries, err := client.Logs(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, opts.outputFormat(), entries, func() error {
				return printLogs(out, opts.colors(out), entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	return cmd
}
