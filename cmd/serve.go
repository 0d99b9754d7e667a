package cmd

import (
	"fmt"

	"backup-orchestrator/internal/application"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and management API",
		Long: `Start the orchestrator. Records left running by a previous process are
marked failed and queued for retry, the scheduler begins its periodic due
checks and the management API starts listening. SIGINT or SIGTERM stops the
scheduler, waits for in-flight backups and shuts down cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			app, err := application.New(cmd.Context(), cfg, application.Options{})
			if err != nil {
				return fmt.Errorf("failed to initialize orchestrator: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
