// Package config loads the process configuration of an eventpipe from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/feature"
	"github.com/unijord/eventpipe/pkg/transport"
	"github.com/unijord/eventpipe/pkg/upload"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration of one pipeline.
type Config struct {
	// Directory holds the data of every feature. Defaults to
	// $XDG_STATE_HOME/eventpipe or ~/.local/state/eventpipe.
	Directory string `yaml:"directory"`

	// Feature names the pipeline; its units live under Directory/Feature.
	Feature string `yaml:"feature"`

	// Consent is the tracking consent at startup: pending, granted or denied.
	Consent consent.Value `yaml:"consent"`

	LogLevel slog.Level `yaml:"log_level"`

	Storage StorageConfig `yaml:"storage"`
	Writer  WriterConfig  `yaml:"writer"`
	Upload  UploadConfig  `yaml:"upload"`
	Intake  IntakeConfig  `yaml:"intake"`
}

// StorageConfig controls units and retention.
type StorageConfig struct {
	MaxUnitSize        int64         `yaml:"max_unit_size"`
	MaxRecordsPerUnit  int64         `yaml:"max_records_per_unit"`
	MaxUnitAgeForWrite time.Duration `yaml:"max_unit_age_for_write"`
	MinUnitAgeForRead  time.Duration `yaml:"min_unit_age_for_read"`
	MaxAreaSize        int64         `yaml:"max_area_size"`
	// MaxUnitAge drops undelivered units older than this. 0 disables it.
	MaxUnitAge      time.Duration `yaml:"max_unit_age"`
	MSyncEveryWrite bool          `yaml:"msync_every_write"`
	BytesPerSync    int64         `yaml:"bytes_per_sync"`
	MinFreeBytes    uint64        `yaml:"min_free_bytes"`
}

// WriterConfig controls the write queue.
type WriterConfig struct {
	QueueSize     int `yaml:"queue_size"`
	MaxRecordSize int `yaml:"max_record_size"`
}

// UploadConfig controls scheduling of uploads.
type UploadConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	ChangeRate   float64       `yaml:"change_rate"`
	Jitter       float64       `yaml:"jitter"`
	Timeout      time.Duration `yaml:"timeout"`

	MinBatteryLevel float64 `yaml:"min_battery_level"`
	// SysfsBattery polls /sys/class/power_supply before each upload.
	SysfsBattery bool `yaml:"sysfs_battery"`
}

// IntakeConfig describes the HTTP endpoint receiving batches.
type IntakeConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	ContentType  string `yaml:"content_type"`
	UserAgent    string `yaml:"user_agent"`
	// Framing is "json_array" or "ndjson".
	Framing  string `yaml:"framing"`
	Compress bool   `yaml:"compress"`
}

// Default returns the default configuration.
func Default() Config {
	store := consent.DefaultConfig("")
	w := upload.DefaultWorkerConfig()
	return Config{
		Directory: defaultDirectory(),
		Feature:   "events",
		Consent:   consent.Pending,
		LogLevel:  slog.LevelInfo,
		Storage: StorageConfig{
			MaxUnitSize:        store.MaxUnitSize,
			MaxRecordsPerUnit:  store.MaxRecordsPerUnit,
			MaxUnitAgeForWrite: store.MaxUnitAgeForWrite,
			MinUnitAgeForRead:  upload.DefaultReaderConfig().MinUnitAgeForRead,
			MaxAreaSize:        store.MaxAreaSize,
			MaxUnitAge:         store.MaxUnitAge,
			MSyncEveryWrite:    store.MSyncEveryWrite,
			MinFreeBytes:       64 * 1024 * 1024,
		},
		Writer: WriterConfig{
			QueueSize:     1024,
			MaxRecordSize: 512 * 1024,
		},
		Upload: UploadConfig{
			InitialDelay:    w.Delay.Initial,
			MinDelay:        w.Delay.Min,
			MaxDelay:        w.Delay.Max,
			ChangeRate:      w.Delay.ChangeRate,
			Jitter:          w.Delay.Jitter,
			Timeout:         w.UploadTimeout,
			MinBatteryLevel: w.Conditions.MinBatteryLevel,
			SysfsBattery:    true,
		},
		Intake: IntakeConfig{
			APIKeyHeader: "X-Api-Key",
			ContentType:  "application/json",
			UserAgent:    "eventpipe",
			Framing:      "json_array",
			Compress:     true,
		},
	}
}

func defaultDirectory() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "eventpipe")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "eventpipe")
	}
	return filepath.Join(os.TempDir(), "eventpipe")
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Directory == "" {
		invalid("directory is required")
	}
	if c.Feature == "" || filepath.Base(c.Feature) != c.Feature || c.Feature == "." || c.Feature == ".." {
		invalid("feature %q must be a plain directory name", c.Feature)
	}
	if !c.Consent.Valid() {
		invalid("unknown consent %d", uint8(c.Consent))
	}

	s := c.Storage
	if s.MaxUnitSize < 1024 {
		invalid("storage.max_unit_size must be at least 1024, got %d", s.MaxUnitSize)
	}
	if s.MaxRecordsPerUnit < 0 {
		invalid("storage.max_records_per_unit must not be negative")
	}
	if s.MaxAreaSize != 0 && s.MaxAreaSize < s.MaxUnitSize {
		invalid("storage.max_area_size (%d) is smaller than storage.max_unit_size (%d)", s.MaxAreaSize, s.MaxUnitSize)
	}
	if s.MinUnitAgeForRead < 0 || s.MaxUnitAgeForWrite < 0 || s.MaxUnitAge < 0 {
		invalid("storage ages must not be negative")
	}

	if c.Writer.MaxRecordSize <= 0 || int64(c.Writer.MaxRecordSize) >= s.MaxUnitSize {
		invalid("writer.max_record_size must be positive and below storage.max_unit_size")
	}

	u := c.Upload
	if u.MinDelay <= 0 || u.MaxDelay < u.MinDelay {
		invalid("upload delays need 0 < min_delay <= max_delay, got %s and %s", u.MinDelay, u.MaxDelay)
	}
	if u.ChangeRate <= 1 {
		invalid("upload.change_rate must be greater than 1, got %g", u.ChangeRate)
	}
	if u.Jitter < 0 || u.Jitter >= 1 {
		invalid("upload.jitter must be in [0, 1), got %g", u.Jitter)
	}
	if u.MinBatteryLevel < 0 || u.MinBatteryLevel > 1 {
		invalid("upload.min_battery_level must be in [0, 1], got %g", u.MinBatteryLevel)
	}

	if _, err := c.framing(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) framing() (transport.Framing, error) {
	switch c.Intake.Framing {
	case "", "json_array":
		return transport.JSONArray, nil
	case "ndjson":
		return transport.NDJSON, nil
	}
	return transport.Framing{}, fmt.Errorf("%w: unknown intake.framing %q (supported: json_array, ndjson)", ErrInvalid, c.Intake.Framing)
}

// FeatureConfig returns the pipeline configuration.
func (c *Config) FeatureConfig() feature.Config {
	fc := feature.DefaultConfig(c.Directory, c.Feature)

	fc.Store.InitialConsent = c.Consent
	fc.Store.MaxUnitSize = c.Storage.MaxUnitSize
	fc.Store.MaxRecordsPerUnit = c.Storage.MaxRecordsPerUnit
	fc.Store.MaxUnitAgeForWrite = c.Storage.MaxUnitAgeForWrite
	fc.Store.MaxAreaSize = c.Storage.MaxAreaSize
	fc.Store.MaxUnitAge = c.Storage.MaxUnitAge
	fc.Store.MSyncEveryWrite = c.Storage.MSyncEveryWrite
	fc.Store.BytesPerSync = c.Storage.BytesPerSync
	fc.Store.MinFreeBytes = c.Storage.MinFreeBytes

	fc.Writer.QueueSize = c.Writer.QueueSize
	fc.Writer.MaxRecordSize = c.Writer.MaxRecordSize

	fc.Reader.MinUnitAgeForRead = c.Storage.MinUnitAgeForRead

	fc.Worker.Delay = upload.DelayConfig{
		Initial:    c.Upload.InitialDelay,
		Min:        c.Upload.MinDelay,
		Max:        c.Upload.MaxDelay,
		ChangeRate: c.Upload.ChangeRate,
		Jitter:     c.Upload.Jitter,
	}
	fc.Worker.Conditions = upload.Conditions{MinBatteryLevel: c.Upload.MinBatteryLevel}
	fc.Worker.UploadTimeout = c.Upload.Timeout
	return fc
}

// TransportConfig returns the HTTP uploader configuration.
func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig(c.Intake.Endpoint)
	tc.APIKey = c.Intake.APIKey
	if c.Intake.APIKeyHeader != "" {
		tc.APIKeyHeader = c.Intake.APIKeyHeader
	}
	if c.Intake.ContentType != "" {
		tc.ContentType = c.Intake.ContentType
	}
	tc.UserAgent = c.Intake.UserAgent
	tc.Compress = c.Intake.Compress
	tc.Timeout = c.Upload.Timeout
	if framing, err := c.framing(); err == nil {
		tc.Framing = framing
	}
	return tc
}
