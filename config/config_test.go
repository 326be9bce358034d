package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NilReaderReturnsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "7s", cfg.Engine.UndoWindow)
	assert.Equal(t, "30s", cfg.Engine.CommitTimeout)
	assert.Equal(t, 5, cfg.Engine.Queue.MaxAttempts)
	assert.Equal(t, "24h", cfg.Engine.Queue.MaxAge)
	assert.Equal(t, "snappy", cfg.Engine.Queue.Compression)
	assert.Equal(t, "250ms", cfg.Engine.Connectivity.Debounce)
	assert.Equal(t, "clubs", cfg.Remote.Collection)
	assert.True(t, cfg.Engine.Connectivity.InitialOnline)
}

func TestLoad_EmptyDataReturnsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "7s", cfg.Engine.UndoWindow)
}

func TestLoad_OverridesKeepUnsetDefaults(t *testing.T) {
	yaml := `
engine:
  undo_window: 3s
  queue:
    max_attempts: 2
    compression: zstd
remote:
  base_url: http://campus.example:9000
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "3s", cfg.Engine.UndoWindow)
	assert.Equal(t, 2, cfg.Engine.Queue.MaxAttempts)
	assert.Equal(t, "zstd", cfg.Engine.Queue.Compression)
	assert.Equal(t, "http://campus.example:9000", cfg.Remote.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, "30s", cfg.Engine.CommitTimeout)
	assert.Equal(t, "24h", cfg.Engine.Queue.MaxAge)
	assert.Equal(t, "clubs", cfg.Remote.Collection)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	_, err := Load(strings.NewReader("engine: [not a map"))
	require.Error(t, err)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("does/not/exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, "7s", cfg.Engine.UndoWindow)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 7*time.Second, ParseDuration("7s", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("0", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, nil))
}
