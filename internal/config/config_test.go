package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(root, "data", "searchfolders"), cfg.SearchFolders.StorePath)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.Logging.Dir)
	assert.Equal(t, ObjectsMongo, cfg.Objects.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Objects.Mongo.URI)
	assert.False(t, cfg.Notify.Enabled)
	assert.Equal(t, 2, cfg.SearchFolders.Workers)
}

func TestLoadConfig_FilesAndLocalOverride(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	writeConfig(t, configDir, "config.yml", `
data_dir: /var/lib/searchfolder
search_folders:
  workers: 4
  flush_interval: 250ms
  rebuild_qps: 0
objects:
  backend: memory
notify:
  enabled: true
  nats:
    url: nats://broker:4222
`)
	writeConfig(t, configDir, "config.local.yml", `
search_folders:
  workers: 8
`)

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/searchfolder", cfg.DataDir)
	assert.Equal(t, "/var/lib/searchfolder/searchfolders", cfg.SearchFolders.StorePath)
	assert.Equal(t, 8, cfg.SearchFolders.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.SearchFolders.FlushInterval)
	assert.Zero(t, cfg.SearchFolders.RebuildQPS)
	assert.Equal(t, ObjectsMemory, cfg.Objects.Backend)
	assert.True(t, cfg.Notify.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.Notify.NATS.URL)
	assert.Equal(t, "SEARCHFOLDERS", cfg.Notify.NATS.StreamName)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://test:27017")
	t.Setenv("DB_NAME", "testdb")
	t.Setenv("SEARCHFOLDER_NATS_URL", "nats://env:4222")
	t.Setenv("SEARCHFOLDER_WORKERS", "6")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://test:27017", cfg.Objects.Mongo.URI)
	assert.Equal(t, "testdb", cfg.Objects.Mongo.Database)
	assert.Equal(t, "nats://env:4222", cfg.Notify.NATS.URL)
	assert.Equal(t, 6, cfg.SearchFolders.Workers)
}

func TestLoadConfig_Errors(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	writeConfig(t, configDir, "config.yml", "not: [valid")
	_, err := LoadConfig(configDir)
	assert.ErrorContains(t, err, "failed to parse")

	writeConfig(t, configDir, "config.yml", "objects:\n  backend: cassandra\n")
	_, err = LoadConfig(configDir)
	assert.ErrorContains(t, err, "objects.backend")

	writeConfig(t, configDir, "config.yml", "search_folders:\n  locale: \"!!\"\n")
	_, err = LoadConfig(configDir)
	assert.ErrorContains(t, err, "locale")
}

func TestComponentValidate(t *testing.T) {
	objects := DefaultObjectsConfig()
	assert.NoError(t, objects.Validate())
	objects.Mongo.Database = ""
	assert.Error(t, objects.Validate())

	n := DefaultNotifyConfig()
	assert.NoError(t, n.Validate())
	n.Enabled = true
	n.NATS.URL = ""
	assert.Error(t, n.Validate())
	n.ApplyDefaults()
	assert.NoError(t, n.Validate())
}
