// Package cli implements the eventpipe command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/unijord/eventpipe/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Directory  string
	Feature    string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the eventpipe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventpipe",
		Short: "Durable, consent-aware event buffering and upload",
		Long: `eventpipe persists events on local disk, keeps them apart by tracking
consent and uploads granted events in batches to an HTTP intake.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Directory, "dir", "", "data directory (overrides the configuration)")
	cmd.PersistentFlags().StringVar(&opts.Feature, "feature", "", "feature name (overrides the configuration)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewConsentCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))

	return cmd
}

// loadConfig returns the configuration file, or the defaults when none is
// given, with the global overrides applied.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.Directory != "" {
		cfg.Directory = opts.Directory
	}
	if opts.Feature != "" {
		cfg.Feature = opts.Feature
	}
	if opts.Verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
