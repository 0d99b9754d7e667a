package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// render writes v in a structured format, or calls table for table output
func render(out io.Writer, format display.OutputFormat, v interface{}, table func() error) error {
	if format.IsStructured() {
		return display.WriteStructured(out, format, v)
	}
	return table()
}

func printStatus(out io.Writer, colors *display.Colors, status *backup.SchedulerStatus) {
	state := "inactive"
	if status.Active {
		state = "active"
	}
	fmt.Fprintf(out, "Scheduler:       %s\n", colors.Status(state))
	fmt.Fprintf(out, "Check schedule:  %s (%s)\n", status.CheckSchedule, status.Timezone)
	fmt.Fprintf(out, "Next check:      %s\n", formatTime(status.NextExecution))
	fmt.Fprintf(out, "Last check:      %s\n", formatTime(status.LastTickAt))
	fmt.Fprintf(out, "Last cleanup:    %s\n", formatTime(status.LastSweepAt))
	if status.TickInProgress {
		fmt.Fprintf(out, "Check running:   %s\n", colors.Sprint(display.RoleWarning, "yes"))
	}
	running := "none"
	if len(status.Running) > 0 {
		running = strings.Join(status.Running, ", ")
	}
	fmt.Fprintf(out, "Running backups: %s\n", running)
}

func printTickReport(out io.Writer, colors *display.Colors, report *backup.TickReport) {
	fmt.Fprintf(out, "Check finished in %s\n", report.Duration.Round(time.Millisecond))
	list := func(label string, role display.Role, tenants []string) {
		if len(tenants) == 0 {
			return
		}
		fmt.Fprintf(out, "  %-10s %s\n", label+":", colors.Sprint(role, strings.Join(tenants, ", ")))
	}
	if len(report.Due) == 0 {
		fmt.Fprintln(out, "  No tenants were due")
	}
	list("Due", display.RoleInfo, report.Due)
	list("Succeeded", display.RoleSuccess, report.Succeeded)
	list("Failed", display.RoleError, report.Failed)
	list("Skipped", display.RoleWarning, report.Skipped)
	if report.RetriesRun > 0 {
		fmt.Fprintf(out, "  Retries:   %d\n", report.RetriesRun)
	}
	if report.Swept {
		fmt.Fprintln(out, "  Retention sweep ran")
	}
}

func printRecords(out io.Writer, colors *display.Colors, records []*backup.BackupRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "No backup records found")
		return nil
	}
	table := display.NewTable(colors, "ID", "TENANT", "STARTED", "STATUS", "TRIGGER", "ATTEMPT", "SIZE", "ERROR")
	table.SetStyle(3, colors.Status)
	table.SetAlignment(5, display.AlignRight)
	table.SetAlignment(6, display.AlignRight)
	for _, r := range records {
		size := "-"
		if r.SizeBytes > 0 {
			size = display.Bytes(r.SizeBytes)
		}
		started := r.StartedAt
		table.AddRow(r.ID, r.TenantID, formatTime(&started), string(r.Status), string(r.Trigger),
			strconv.Itoa(r.Attempt), size, orDash(r.LastError))
	}
	return table.Render(out)
}

func printRecord(out io.Writer, colors *display.Colors, resp *api.RecordResponse) {
	r := resp.Record
	started := r.StartedAt
	fmt.Fprintf(out, "Record:      %s\n", r.ID)
	fmt.Fprintf(out, "Tenant:      %s\n", r.TenantID)
	fmt.Fprintf(out, "Status:      %s\n", colors.Status(string(r.Status)))
	fmt.Fprintf(out, "Trigger:     %s (attempt %d)\n", r.Trigger, r.Attempt)
	fmt.Fprintf(out, "Started:     %s\n", formatTime(&started))
	fmt.Fprintf(out, "Finished:    %s\n", formatTime(r.FinishedAt))
	fmt.Fprintf(out, "File:        %s\n", orDash(r.FilePath))
	if r.SizeBytes > 0 {
		fmt.Fprintf(out, "Size:        %s\n", display.Bytes(r.SizeBytes))
	}
	fmt.Fprintf(out, "Checksum:    %s\n", orDash(r.Checksum))
	fmt.Fprintf(out, "Rows:        %d\n", r.ExpectedRows)
	if r.MirrorURI != "" {
		fmt.Fprintf(out, "Mirror:      %s\n", r.MirrorURI)
	}
	if r.LastError != "" {
		fmt.Fprintf(out, "Error:       %s\n", colors.Sprint(display.RoleError, r.LastError))
	}
	if resp.Validation != nil {
		fmt.Fprintln(out)
		printValidation(out, colors, resp.Validation)
	}
}

func printValidation(out io.Writer, colors *display.Colors, v *backup.ValidationResult) {
	fmt.Fprintf(out, "Validation:  %s\n", colors.Status(string(v.Status)))
	fmt.Fprintf(out, "Checksum:    %t\n", v.ChecksumMatches)
	fmt.Fprintf(out, "Tables:      %d\n", v.TableCount)
	fmt.Fprintf(out, "Rows:        %d of %d expected\n", v.ActualRowCount, v.ExpectedRowCount)
	checked := v.CheckedAt
	fmt.Fprintf(out, "Checked:     %s\n", formatTime(&checked))
	for _, e := range v.Errors {
		fmt.Fprintf(out, "  %s %s\n", colors.Sprint(display.RoleError, "error:"), e)
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(out, "  %s %s\n", colors.Sprint(display.RoleWarning, "warning:"), w)
	}
}

func printStats(out io.Writer, stats *backup.StorageStats) {
	fmt.Fprintf(out, "Tenant:     %s\n", stats.TenantID)
	fmt.Fprintf(out, "Snapshots:  %d\n", stats.FileCount)
	fmt.Fprintf(out, "Total size: %s\n", display.Bytes(stats.TotalBytes))
	fmt.Fprintf(out, "Oldest:     %s\n", formatTime(stats.Oldest))
	fmt.Fprintf(out, "Newest:     %s\n", formatTime(stats.Newest))
}

func printRetries(out io.Writer, colors *display.Colors, entries []*backup.RetryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No pending retries")
		return nil
	}
	table := display.NewTable(colors, "RECORD", "TENANT", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR")
	table.SetAlignment(2, display.AlignRight)
	table.SetStyle(4, func(s string) string { return colors.Sprint(display.RoleError, s) })
	for _, e := range entries {
		next := e.NextAttemptAt
		table.AddRow(e.BackupRecordID, e.TenantID, strconv.Itoa(e.AttemptCount), formatTime(&next), orDash(e.LastError))
	}
	return table.Render(out)
}

func levelRole(level backup.LogLevel) display.Role {
	switch level {
	case backup.LogLevelError:
		return display.RoleError
	case backup.LogLevelWarn:
		return display.RoleWarning
	case backup.LogLevelDebug:
		return display.RoleMuted
	default:
		return display.RoleInfo
	}
}

func printLogs(out io.Writer, colors *display.Colors, entries []*backup.LogEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries")
		return nil
	}
	table := display.NewTable(colors, "TIME", "LEVEL", "CATEGORY", "TENANT", "MESSAGE")
	table.SetStyle(1, func(s string) string { return colors.Sprint(levelRole(backup.LogLevel(s)), s) })
	// oldest first reads naturally in a terminal
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		ts := e.Timestamp
		table.AddRow(formatTime(&ts), string(e.Level), e.Category, orDash(e.TenantID), e.Message)
	}
	return table.Render(out)
}
