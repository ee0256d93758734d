package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unijord/eventpipe/pkg/consent"
)

// NewConsentCommand creates the consent command.
func NewConsentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent <pending|granted|denied>",
		Short: "Change the tracking consent of stored events",
		Long: `Apply a consent change to the units stored for a feature. Pending
units move to the granted area or are deleted when consent is denied.
The feature must not be running in another process.`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     []string{"pending", "granted", "denied"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := consent.ParseValue(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			fc := cfg.FeatureConfig()
			sc := fc.Store
			sc.Logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			// opening with Pending keeps leftover pending units in place
			// until SetConsent decides where they go.
			sc.InitialConsent = consent.Pending

			store, err := consent.Open(sc)
			if err != nil {
				return err
			}
			if err := store.SetConsent(v); err != nil {
				_ = store.Close()
				return err
			}
			granted, pending := store.Size(consent.Granted), store.Size(consent.Pending)
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "consent set to %s (granted %d bytes, pending %d bytes)\n",
				v, granted, pending)
			return nil
		},
	}
	return cmd
}
