package cli

import (
	"errors"
	"log/slog"

	"github.com/unijord/eventpipe/pkg/config"
	"github.com/unijord/eventpipe/pkg/device"
	"github.com/unijord/eventpipe/pkg/feature"
	"github.com/unijord/eventpipe/pkg/transport"
)

// pipeline is a feature together with the uploader it owns.
type pipeline struct {
	*feature.Feature
	uploader *transport.HTTPUploader
}

func openPipeline(cfg config.Config, logger *slog.Logger) (*pipeline, error) {
	tc := cfg.TransportConfig()
	tc.Logger = logger
	uploader, err := transport.NewHTTPUploader(tc)
	if err != nil {
		return nil, err
	}

	opts := []feature.Option{feature.WithLogger(logger)}
	if cfg.Upload.SysfsBattery {
		battery := device.NewSysfsBattery()
		battery.Logger = logger
		opts = append(opts, feature.WithBatteryStatusProvider(battery))
	}

	f, err := feature.New(cfg.FeatureConfig(), uploader, opts...)
	if err != nil {
		_ = uploader.Close()
		return nil, err
	}
	return &pipeline{Feature: f, uploader: uploader}, nil
}

// tearDown flushes and closes the feature, then the uploader.
func (p *pipeline) tearDown() error {
	return errors.Join(p.FlushAndTearDown(), p.uploader.Close())
}
