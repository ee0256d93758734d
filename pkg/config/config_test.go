package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, consent.Pending, cfg.Consent)
	assert.Equal(t, int64(4*1024*1024), cfg.Storage.MaxUnitSize)
	assert.Equal(t, int64(500), cfg.Storage.MaxRecordsPerUnit)
	assert.Equal(t, 5*time.Second, cfg.Upload.InitialDelay)
	assert.Equal(t, 0.1, cfg.Upload.MinBatteryLevel)
	assert.Zero(t, cfg.Storage.MaxUnitAge)
}

func TestLoad_Full(t *testing.T) {
	cfg, err := Load("testdata/full.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/eventpipe", cfg.Directory)
	assert.Equal(t, "rum", cfg.Feature)
	assert.Equal(t, consent.Granted, cfg.Consent)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Storage.MaxUnitAgeForWrite)
	assert.Equal(t, 18*time.Hour, cfg.Storage.MaxUnitAge)
	assert.False(t, cfg.Storage.MSyncEveryWrite)
	assert.Equal(t, time.Minute, cfg.Upload.MaxDelay)
	assert.False(t, cfg.Upload.SysfsBattery)

	fc := cfg.FeatureConfig()
	assert.Equal(t, "rum", fc.Name)
	assert.Equal(t, filepath.Join("/var/lib/eventpipe", "rum"), fc.Store.Root)
	assert.Equal(t, consent.Granted, fc.Store.InitialConsent)
	assert.Equal(t, int64(100), fc.Store.MaxRecordsPerUnit)
	assert.Equal(t, 3*time.Second, fc.Reader.MinUnitAgeForRead)
	assert.Equal(t, 10*time.Second, fc.Worker.Delay.Initial)
	assert.Equal(t, 2.0, fc.Worker.Delay.ChangeRate)
	assert.Equal(t, 0.2, fc.Worker.Conditions.MinBatteryLevel)
	assert.Equal(t, 256, fc.Writer.QueueSize)

	tc := cfg.TransportConfig()
	assert.Equal(t, "https://intake.example.com/api/v2/rum", tc.Endpoint)
	assert.Equal(t, "DD-API-KEY", tc.APIKeyHeader)
	assert.Equal(t, transport.NDJSON, tc.Framing)
	assert.Equal(t, "text/plain", tc.ContentType)
	assert.False(t, tc.Compress)
	assert.Equal(t, 15*time.Second, tc.Timeout)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "feature: logs\nintake:\n  endpoint: http://localhost:8080\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "logs", cfg.Feature)
	assert.Equal(t, Default().Storage, cfg.Storage)
	assert.Equal(t, Default().Upload, cfg.Upload)
	assert.True(t, cfg.Intake.Compress)
	assert.Equal(t, transport.JSONArray, cfg.TransportConfig().Framing)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [not a map"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "consent: maybe\n"))
	assert.ErrorIs(t, err, consent.ErrInvalidValue)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty directory", func(c *Config) { c.Directory = "" }},
		{"feature with separator", func(c *Config) { c.Feature = "a/b" }},
		{"feature dot dot", func(c *Config) { c.Feature = ".." }},
		{"tiny units", func(c *Config) { c.Storage.MaxUnitSize = 10 }},
		{"area smaller than unit", func(c *Config) { c.Storage.MaxAreaSize = 1024 }},
		{"record larger than unit", func(c *Config) { c.Writer.MaxRecordSize = int(c.Storage.MaxUnitSize) }},
		{"inverted delays", func(c *Config) { c.Upload.MinDelay, c.Upload.MaxDelay = time.Minute, time.Second }},
		{"change rate", func(c *Config) { c.Upload.ChangeRate = 1 }},
		{"jitter", func(c *Config) { c.Upload.Jitter = 1.5 }},
		{"battery level", func(c *Config) { c.Upload.MinBatteryLevel = 2 }},
		{"framing", func(c *Config) { c.Intake.Framing = "xml" }},
		{"consent", func(c *Config) { c.Consent = consent.Value(7) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
