package cmd

import (
	"fmt"
	"os"

	"backup-orchestrator/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration",
		Long: `Inspect and generate configuration.

Examples:
  # Write a starter configuration file
  backup-orchestrator config init backup-orchestrator.yaml

  # Print the effective configuration with secrets masked
  backup-orchestrator config show --config backup-orchestrator.yaml

  # Check a configuration file without starting anything
  backup-orchestrator config validate --config backup-orchestrator.yaml`,
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write a starter configuration file",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 0 {
					fmt.Fprint(cmd.OutOrStdout(), config.Template())
					return nil
				}
				if err := config.WriteTemplate(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig(false)
				if err != nil {
					return err
				}
				data, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := opts.loadConfig(true); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, opts.colors(out).Status("valid"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "env",
			Short: "List the environment variables that override configuration",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				for _, name := range config.EnvironmentVariables() {
					marker := " "
					if _, set := os.LookupEnv(name); set {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %s\n", marker, name)
				}
				fmt.Fprintf(out, "\nFlag-level keys also read %[1]s_* (e.g. %[1]s_API_ADDRESS). * marks variables set now.\n", config.EnvPrefix)
			},
		},
	)
	return configCmd
}
