// Package feature wires the storage, write queue and upload worker of one
// event pipeline and exposes its lifecycle.
package feature

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/envelope"
	"github.com/unijord/eventpipe/pkg/upload"
	"github.com/unijord/eventpipe/pkg/writer"
)

var ErrTornDown = errors.New("feature has been torn down")

// Config configures every component of a Feature.
type Config struct {
	// Name of the feature; its units live under Directory/Name.
	Name      string
	Directory string

	Store  consent.Config
	Writer writer.Config
	Reader upload.ReaderConfig
	Worker upload.WorkerConfig
}

// DefaultConfig returns the default configuration of feature name stored
// under directory.
func DefaultConfig(directory, name string) Config {
	return Config{
		Name:      name,
		Directory: directory,
		Store:     consent.DefaultConfig(filepath.Join(directory, name)),
		Writer:    writer.DefaultConfig(),
		Reader:    upload.DefaultReaderConfig(),
		Worker:    upload.DefaultWorkerConfig(),
	}
}

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	battery upload.BatteryStatusProvider
}

// Option customizes a Feature.
type Option func(*options)

// WithClock drives every component from clk.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBatteryStatusProvider sets the source of power signals polled before
// each upload.
func WithBatteryStatusProvider(p upload.BatteryStatusProvider) Option {
	return func(o *options) {
		o.battery = p
	}
}

// Stats is a snapshot of the counters of a Feature.
type Stats struct {
	Consent consent.Value
	Writer  writer.Stats
	Upload  upload.WorkerStats
	// bytes on disk per area.
	PendingBytes int64
	GrantedBytes int64
	DeniedBytes  int64
}

// Feature is one event pipeline: events submitted to it are persisted in
// the area of the current consent and granted data is uploaded in the
// background.
type Feature struct {
	name   string
	store  *consent.Store
	writer *writer.Writer
	reader *upload.Reader
	worker *upload.Worker
	codec  *envelope.Codec
	clock  clock.Clock
	logger *slog.Logger

	tornDown     atomic.Bool
	teardownOnce sync.Once
	teardownErr  error
}

// New opens the storage of the feature, recovering data left by a previous
// process, and starts its upload worker.
func New(config Config, uploader upload.Uploader, opts ...Option) (*Feature, error) {
	if config.Name == "" {
		return nil, errors.New("feature name is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	o := options{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("feature", config.Name)

	if config.Store.Root == "" {
		config.Store.Root = filepath.Join(config.Directory, config.Name)
	}
	config.Store.Clock = o.clock
	config.Store.Logger = logger
	store, err := consent.Open(config.Store)
	if err != nil {
		return nil, fmt.Errorf("open storage of feature %s: %w", config.Name, err)
	}

	config.Writer.Logger = logger
	config.Reader.Clock = o.clock
	config.Reader.Logger = logger
	config.Worker.Clock = o.clock
	config.Worker.Logger = logger
	if o.battery != nil {
		config.Worker.Battery = o.battery
	}

	reader := upload.NewReader(store, config.Reader)
	f := &Feature{
		name:   config.Name,
		store:  store,
		writer: writer.New(store, config.Writer),
		reader: reader,
		worker: upload.NewWorker(reader, uploader, store, config.Worker),
		codec:  envelope.NewCodec(),
		clock:  o.clock,
		logger: logger.With("component", "feature"),
	}
	f.worker.Start()
	return f, nil
}

// Name returns the feature name.
func (f *Feature) Name() string { return f.name }

// Submit persists data asynchronously under the consent in effect when the
// event reaches the write goroutine. Consent changes requested before the
// call apply to it. It never blocks on I/O.
func (f *Feature) Submit(data []byte) {
	f.SubmitWithMetadata(data, nil)
}

// SubmitWithMetadata is Submit with metadata stored next to the event.
// Metadata is never uploaded.
func (f *Feature) SubmitWithMetadata(data, metadata []byte) {
	if f.tornDown.Load() {
		f.logger.Warn("event submitted after teardown, dropping", "size", len(data))
		return
	}
	f.writer.Write(f.codec.Encode(data, metadata, f.clock.Now()))
}

// SetConsent changes the tracking consent. It runs behind every event
// submitted before it, so those events land in the area of the previous
// consent and follow its migration. Events queued after it land in the new
// area.
func (f *Feature) SetConsent(v consent.Value) error {
	if !v.Valid() {
		return fmt.Errorf("%w: %d", consent.ErrInvalidValue, uint8(v))
	}
	if f.tornDown.Load() {
		f.logger.Warn("consent change after teardown, ignoring", "consent", v.String())
		return ErrTornDown
	}
	var err error
	if doErr := f.writer.Do(func() { err = f.store.SetConsent(v) }); doErr != nil {
		return doErr
	}
	return err
}

// Consent returns the current consent.
func (f *Feature) Consent() consent.Value {
	return f.store.Current()
}

// Flush blocks until every submitted event is persisted.
func (f *Feature) Flush() error {
	if f.tornDown.Load() {
		return ErrTornDown
	}
	return f.writer.Flush()
}

// FlushAndTearDown stops the upload worker, persists every submitted
// event, sends every granted unit once regardless of upload conditions and
// closes the storage. Units are deleted whatever the outcome of their last
// attempt. The feature cannot be used afterwards.
func (f *Feature) FlushAndTearDown() error {
	f.teardownOnce.Do(func() {
		f.tornDown.Store(true)
		f.worker.Cancel()

		var errs []error
		if err := f.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
		if _, _, err := f.store.SealCurrentUnit(consent.Granted); err != nil {
			errs = append(errs, fmt.Errorf("seal granted unit: %w", err))
		}

		sent := f.worker.Flush()
		f.logger.Info("feature torn down", "units_flushed", sent)

		if err := f.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		f.teardownErr = errors.Join(errs...)
	})
	return f.teardownErr
}

// Close stops the feature without uploading. Persisted data stays on disk
// for the next process.
func (f *Feature) Close() error {
	var err error
	f.teardownOnce.Do(func() {
		f.tornDown.Store(true)
		f.worker.Cancel()
		err = errors.Join(f.writer.Close(), f.store.Close())
		f.teardownErr = err
	})
	return err
}

// Stats returns a snapshot of the counters.
func (f *Feature) Stats() Stats {
	return Stats{
		Consent:      f.store.Current(),
		Writer:       f.writer.Stats(),
		Upload:       f.worker.Stats(),
		PendingBytes: f.store.Size(consent.Pending),
		GrantedBytes: f.store.Size(consent.Granted),
		DeniedBytes:  f.store.Size(consent.Denied),
	}
}
