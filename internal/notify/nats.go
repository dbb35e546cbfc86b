package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// JetStream is the subset of jetstream.JetStream used by the notifier.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamNew is a variable to allow mocking in tests.
var JetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// NATSConfig configures the JetStream notifier.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	FileStorage   bool          `yaml:"file_storage"` // disk-backed stream
	RetryAttempts int           `yaml:"retry_attempts"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultNATSConfig returns the default notifier configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SEARCHFOLDERS",
		SubjectPrefix: "searchfolders",
		RetryAttempts: 2,
		Timeout:       2 * time.Second,
	}
}

// NATSNotifier publishes notifications as JSON on
// <prefix>.<store>.<folder>.
type NATSNotifier struct {
	js     JetStream
	cfg    NATSConfig
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSNotifier ensures the stream exists and returns a notifier using js.
func NewNATSNotifier(js JetStream, cfg NATSConfig, logger *slog.Logger) (*NATSNotifier, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = cfg.StreamName
	}

	if cfg.StreamName != "" {
		storage := jetstream.MemoryStorage
		if cfg.FileStorage {
			storage = jetstream.FileStorage
		}
		_, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
			Storage:  storage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return &NATSNotifier{js: js, cfg: cfg, logger: logger.With("component", "notify")}, nil
}

// ConnectNATS dials cfg.URL and returns a notifier that owns the connection.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("searchfolderd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := JetStreamNew(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	n, err := NewNATSNotifier(js, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	n.conn = nc
	return n, nil
}

// Subject returns the subject a folder's notifications are published on.
func (n *NATSNotifier) Subject(storeID, folderID uint32) string {
	return fmt.Sprintf("%s.%d.%d", n.cfg.SubjectPrefix, storeID, folderID)
}

func (n *NATSNotifier) Notify(ctx context.Context, note model.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	var opts []jetstream.PublishOpt
	if n.cfg.RetryAttempts > 0 {
		opts = append(opts, jetstream.WithRetryAttempts(n.cfg.RetryAttempts))
	}

	subject := n.Subject(note.StoreID, note.FolderID)
	if _, err := n.js.Publish(ctx, subject, data, opts...); err != nil {
		n.logger.Warn("failed to publish notification", "subject", subject, "kind", note.Kind, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection if the notifier owns one.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
