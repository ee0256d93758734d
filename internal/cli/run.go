package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unijord/eventpipe/pkg/consent"
)

// RunOptions holds flags of the run command.
type RunOptions struct {
	Endpoint string
	Consent  string
	// MaxLineSize bounds one event read from the input.
	MaxLineSize int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Persist events read from stdin and upload them",
		Long: `Read one event per line from standard input, persist it and upload
granted events in the background. On end of input or on SIGINT/SIGTERM
the pipeline is flushed: every granted event is sent once and the
process exits.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, rootOpts, opts, cmd.InOrStdin(), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "intake URL (overrides the configuration)")
	cmd.Flags().StringVar(&opts.Consent, "consent", "", "tracking consent: pending, granted or denied")
	cmd.Flags().IntVar(&opts.MaxLineSize, "max-line-size", 1024*1024, "maximum size of one input line")

	return cmd
}

func runPipeline(ctx context.Context, rootOpts *RootOptions, opts *RunOptions, in io.Reader, cmd *cobra.Command) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if opts.Endpoint != "" {
		cfg.Intake.Endpoint = opts.Endpoint
	}
	if opts.Consent != "" {
		v, err := consent.ParseValue(opts.Consent)
		if err != nil {
			return err
		}
		cfg.Consent = v
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	p, err := openPipeline(cfg, logger)
	if err != nil {
		return err
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), opts.MaxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	submitted := 0
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if len(line) == 0 {
				continue
			}
			p.Submit(line)
			submitted++
		case <-ctx.Done():
			logger.Info("signal received, flushing")
			break loop
		}
	}

	var inputErr error
	select {
	case inputErr = <-scanErr:
	default:
	}

	if err := p.tearDown(); err != nil {
		return err
	}
	stats := p.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "submitted %d events (written %d, dropped %d, failed %d), delivered %d batches, flushed %d\n",
		submitted,
		stats.Writer.Written,
		stats.Writer.Dropped+stats.Writer.Oversized,
		stats.Writer.Failed,
		stats.Upload.Delivered,
		stats.Upload.Flushed)
	return inputErr
}
