package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/searchfolder/internal/config"
)

func TestNewLoggerConsoleOnly(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	buf := &bytes.Buffer{}

	logger, err := newLogger(cfg, buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("visible", "storeID", 1)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "storeID=1")
	assert.NoFileExists(t, filepath.Join(cfg.Dir, MainLogFile))
}

func TestNewLoggerFiles(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "logs")
	cfg.Console.Enabled = false
	cfg.File.Enabled = true
	cfg.File.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("info message", "key", "value")
	logger.Warn("warning message")
	require.NoError(t, Shutdown())

	main, err := os.ReadFile(filepath.Join(cfg.Dir, MainLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(main), `"msg":"info message"`)
	assert.Contains(t, string(main), `"key":"value"`)
	assert.Contains(t, string(main), "warning message")

	errs, err := os.ReadFile(filepath.Join(cfg.Dir, ErrorLogFile))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "info message")
	assert.Contains(t, string(errs), "warning message")
}

func TestNewLoggerNoOutputs(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Error("nowhere")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
