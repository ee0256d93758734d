package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Upload every granted unit once and tear the feature down",
		Long: `Open a feature, seal its granted units and try to upload each of them
once. Units are deleted whatever the outcome, so the feature directory
holds no granted events afterwards.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Intake.Endpoint = endpoint
			}

			p, err := openPipeline(cfg, newLogger(cmd.ErrOrStderr(), cfg.LogLevel))
			if err != nil {
				return err
			}
			if err := p.tearDown(); err != nil {
				return err
			}
			stats := p.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "flushed %d units\n", stats.Upload.Flushed)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "intake URL (overrides the configuration)")
	return cmd
}
