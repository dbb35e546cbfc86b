package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore/mongo"
)

// Object store backends.
const (
	ObjectsMongo  = "mongo"
	ObjectsMemory = "memory"
)

// ObjectsConfig selects where the folder hierarchy and message properties
// are read from.
type ObjectsConfig struct {
	Backend string       `yaml:"backend"` // mongo or memory
	Mongo   mongo.Config `yaml:"mongo"`
}

// DefaultObjectsConfig returns the default object store configuration.
func DefaultObjectsConfig() ObjectsConfig {
	return ObjectsConfig{
		Backend: ObjectsMongo,
		Mongo:   mongo.DefaultConfig(),
	}
}

func (c *ObjectsConfig) ApplyDefaults() {
	defaults := DefaultObjectsConfig()
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = defaults.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = defaults.Mongo.Database
	}
	if c.Mongo.FolderCollection == "" {
		c.Mongo.FolderCollection = defaults.Mongo.FolderCollection
	}
	if c.Mongo.MessageCollection == "" {
		c.Mongo.MessageCollection = defaults.Mongo.MessageCollection
	}
}

func (c *ObjectsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_OBJECTS_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Mongo.Database = v
	}
}

func (c *ObjectsConfig) ResolvePaths(_, _ string) {}

func (c *ObjectsConfig) Validate() error {
	switch c.Backend {
	case ObjectsMemory:
		return nil
	case ObjectsMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("objects.mongo.uri is required")
		}
		if c.Mongo.Database == "" {
			return fmt.Errorf("objects.mongo.database is required")
		}
		return nil
	}
	return fmt.Errorf("invalid objects.backend: %s (must be mongo or memory)", c.Backend)
}

// NotifyConfig configures where table notifications are published.
type NotifyConfig struct {
	Enabled bool              `yaml:"enabled"`
	NATS    notify.NATSConfig `yaml:"nats"`
}

// DefaultNotifyConfig returns the default notification configuration.
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Enabled: false,
		NATS:    notify.DefaultNATSConfig(),
	}
}

func (c *NotifyConfig) ApplyDefaults() {
	defaults := notify.DefaultNATSConfig()
	if c.NATS.URL == "" {
		c.NATS.URL = defaults.URL
	}
	if c.NATS.StreamName == "" {
		c.NATS.StreamName = defaults.StreamName
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = defaults.SubjectPrefix
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = defaults.Timeout
	}
}

func (c *NotifyConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SEARCHFOLDER_NOTIFY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enabled = b
		}
	}
}

func (c *NotifyConfig) ResolvePaths(_, _ string) {}

func (c *NotifyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("notify.nats.url is required when notify is enabled")
	}
	if c.NATS.RetryAttempts < 0 {
		return fmt.Errorf("notify.nats.retry_attempts cannot be negative, got %d", c.NATS.RetryAttempts)
	}
	return nil
}
