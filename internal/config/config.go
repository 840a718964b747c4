// Package config defines the relay configuration, read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config fields accept human readable
// values such as "5m" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration '%v': %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// Dur returns the underlying time.Duration.
func (d Duration) Dur() time.Duration {
	return time.Duration(d)
}

// Feed describes one telemetry feed type: how it is discriminated on the
// wire and where its datagrams are routed.
type Feed struct {
	// Kind is the canonical feed name, used in logs and metrics.
	Kind string `yaml:"kind"`
	// Discriminator is the value of the payload field K identifying this
	// feed.
	Discriminator int `yaml:"discriminator"`
	// Directory is the sub-directory of the storage root that session
	// logs for this feed are written to.
	Directory string `yaml:"directory"`
	// List is the redis list datagrams are appended to, empty to disable.
	List string `yaml:"list"`
	// Channel is the redis pubsub channel datagrams are published to,
	// empty to disable.
	Channel string `yaml:"channel"`
}

// Storage configures the persisted packet store.
type Storage struct {
	Root         string   `yaml:"root"`
	MaxOpenFiles int      `yaml:"max_open_files"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// Queue configures the queue publisher.
type Queue struct {
	URL            string   `yaml:"url"`
	Mode           string   `yaml:"mode"`
	PublishTimeout Duration `yaml:"publish_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
}

// Config is the root relay configuration.
type Config struct {
	ListenAddr      string   `yaml:"listen_addr"`
	ChannelCapacity int      `yaml:"channel_capacity"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	LogLevel        string   `yaml:"log_level"`
	Storage         Storage  `yaml:"storage"`
	Queue           Queue    `yaml:"queue"`
	Feeds           []Feed   `yaml:"feeds"`
}

// New returns a Config with default values. The defaults mirror the Gmax
// live feed deployment: UDP port 4629 and the points, progress and probs
// feeds keyed by their K discriminators.
func New() Config {
	return Config{
		ListenAddr:      ":4629",
		ChannelCapacity: 8192,
		ShutdownTimeout: Duration(30 * time.Second),
		LogLevel:        "info",
		Storage: Storage{
			Root:         "./TPDLiveRecording",
			MaxOpenFiles: 256,
			IdleTimeout:  Duration(5 * time.Minute),
		},
		Queue: Queue{
			URL:            "redis://localhost:6379",
			Mode:           "list",
			PublishTimeout: Duration(5 * time.Second),
			MaxRetries:     3,
		},
		Feeds: []Feed{
			{Kind: "points", Discriminator: 0, Directory: "points", List: "gmax:queue:points", Channel: "gmax:feed:points"},
			{Kind: "progress", Discriminator: 5, Directory: "progress", List: "gmax:queue:progress", Channel: "gmax:feed:progress"},
			{Kind: "probs", Discriminator: 6, Directory: "probs", List: "gmax:queue:probs", Channel: "gmax:feed:probs"},
		},
	}
}

// Read parses the YAML file at path over the defaults. Unknown fields are
// rejected so typos surface at startup rather than as silently missing
// behaviour.
func Read(path string) (Config, error) {
	conf := New()

	f, err := os.Open(path)
	if err != nil {
		return conf, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&conf); err != nil {
		return conf, fmt.Errorf("failed to parse config file '%v': %w", path, err)
	}
	return conf, nil
}

// Validate returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.ChannelCapacity < 1 {
		return errors.New("channel_capacity must be at least 1")
	}
	if c.Storage.Root == "" {
		return errors.New("storage.root must not be empty")
	}
	if c.Storage.MaxOpenFiles < 1 {
		return errors.New("storage.max_open_files must be at least 1")
	}
	switch c.Queue.Mode {
	case "list", "pubsub", "both", "none":
	default:
		return fmt.Errorf("queue.mode '%v' is not one of list, pubsub, both, none", c.Queue.Mode)
	}
	if c.Queue.Mode != "none" && c.Queue.URL == "" {
		return errors.New("queue.url must not be empty unless queue.mode is none")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}
	if len(c.Feeds) == 0 {
		return errors.New("at least one feed must be configured")
	}
	seenDisc := map[int]string{}
	seenKind := map[string]struct{}{}
	for _, f := range c.Feeds {
		if f.Kind == "" {
			return errors.New("feed kind must not be empty")
		}
		if _, exists := seenKind[f.Kind]; exists {
			return fmt.Errorf("feed kind '%v' is configured twice", f.Kind)
		}
		seenKind[f.Kind] = struct{}{}
		if prev, exists := seenDisc[f.Discriminator]; exists {
			return fmt.Errorf("feeds '%v' and '%v' share discriminator %v", prev, f.Kind, f.Discriminator)
		}
		seenDisc[f.Discriminator] = f.Kind
		if f.Directory == "" {
			return fmt.Errorf("feed '%v' has no storage directory", f.Kind)
		}
	}
	return nil
}
