package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// rootOptions carries the persistent flags shared by every command
type rootOptions struct {
	configFile string
	format     string
	noColor    bool
	timeout    time.Duration
	viper      *viper.Viper
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree with its own viper instance
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "backup-orchestrator",
		Short: "Automatic per-tenant backup orchestration",
		Long: `backup-orchestrator checks every tenant's backup schedule, writes compressed
snapshots of tenant data, validates each snapshot, retries failures with
exponential backoff, enforces retention limits and notifies operators.

Run "backup-orchestrator serve" to start the scheduler and management API.
The other commands talk to a running orchestrator over its management API.

Examples:
  # Start the orchestrator
  backup-orchestrator serve --config backup-orchestrator.yaml

  # Show scheduler state
  backup-orchestrator status

  # Back up one tenant now
  backup-orchestrator backup run acme

  # Recent failed backups as JSON
  backup-orchestrator backup list --status failed --format json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := display.ParseFormat(opts.format); err != nil {
				return err
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is ./backup-orchestrator.yaml)")
	flags.String("api-address", "", "management API address (overrides api.address)")
	flags.String("log-level", "", "log level: quiet, normal, verbose, debug")
	flags.String("log-format", "", "log format: text or json")
	flags.StringVar(&opts.format, "format", "table", "output format: table, json, yaml")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Minute, "management API request timeout")

	opts.viper.BindPFlag("api.address", flags.Lookup("api-address"))
	opts.viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	opts.viper.BindPFlag("logging.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newServeCommand(opts),
		newStatusCommand(opts),
		newSchedulerCommand(opts),
		newBackupCommand(opts),
		newRetriesCommand(opts),
		newLogsCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// loadConfig reads the configuration. Client commands skip validation since
// they only need the API address.
func (o *rootOptions) loadConfig(validate bool) (*config.Config, error) {
	loader := config.NewLoader(o.viper)
	if validate {
		return loader.Load(o.configFile)
	}
	return loader.LoadUnvalidated(o.configFile)
}

// client builds a management API client from the configured address
func (o *rootOptions) client() (*api.Client, error) {
	cfg, err := o.loadConfig(false)
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.API.Address, o.timeout), nil
}

func (o *rootOptions) outputFormat() display.OutputFormat {
	format, _ := display.ParseFormat(o.format)
	return format
}

func (o *rootOptions) colors(out io.Writer) *display.Colors {
	return display.NewColors(out, display.DarkTheme(), o.noColor)
}

// context returns the command context bounded by the request timeout
func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup-orchestrator version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
