// Package config loads the daemon configuration from a YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/natsx"
	"gopkg.in/yaml.v3"
)

// BusKind selects the pub/sub transport.
type BusKind string

const (
	BusLocal BusKind = "local"
	BusNATS  BusKind = "nats"
	BusRedis BusKind = "redis"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Bus BusConfig `yaml:"bus"`

	// Policy is the path of the routing policy. The default policy runs
	// everything locally.
	Policy    string   `yaml:"policy"`
	Manifests []string `yaml:"manifests"`

	DefaultDeadline  time.Duration `yaml:"default_deadline"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	ServeConcurrency int           `yaml:"serve_concurrency"`
	ServeBacklog     int           `yaml:"serve_backlog"`
	AllowReplace     bool          `yaml:"allow_replace"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	Sandbox capability.Limits `yaml:"sandbox"`
	Remote  RemoteConfig      `yaml:"remote"`
}

// BusConfig configures the pub/sub bus.
type BusConfig struct {
	Kind         BusKind    `yaml:"kind"`
	URL          string     `yaml:"url"`
	Auth         natsx.Auth `yaml:"auth"`
	RequestTopic string     `yaml:"request_topic"`
	ResultTopic  string     `yaml:"result_topic"`
	// Schemas maps topic names to the schema id stamped on their envelopes.
	Schemas map[string]string `yaml:"schemas"`
}

// RemoteConfig configures remote procedure backends.
type RemoteConfig struct {
	// DefaultURL is used by endpoints that do not name a server.
	DefaultURL string `yaml:"default_url"`
}

// Default returns the configuration used when nothing is configured.
func Default() Config {
	return Config{
		LogLevel: "info",
		Bus: BusConfig{
			Kind:         BusLocal,
			RequestTopic: "loom.requests",
			ResultTopic:  "loom.results",
		},
		DefaultDeadline:  30 * time.Second,
		GracePeriod:      250 * time.Millisecond,
		ServeConcurrency: 64,
		ServeBacklog:     1024,
	}
}

// Load reads the file at path, when path is not empty, over the defaults and
// applies the LOOM_* environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse reads a YAML document over the defaults without looking at the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var err error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Join(err, fmt.Errorf("%s: %w", key, perr))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = errors.Join(err, fmt.Errorf("%s: %w", key, perr))
				return
			}
			*dst = b
		}
	}

	str("LOOM_LOG_LEVEL", &c.LogLevel)
	boolean("LOOM_DEBUG", &c.Debug)
	if v, ok := lookup("LOOM_BUS"); ok && v != "" {
		c.Bus.Kind = BusKind(strings.ToLower(v))
	}
	str("LOOM_BUS_URL", &c.Bus.URL)
	str("LOOM_BUS_TOKEN", &c.Bus.Auth.Token)
	str("LOOM_BUS_USER", &c.Bus.Auth.User)
	str("LOOM_BUS_PASSWORD", &c.Bus.Auth.Password)
	str("LOOM_BUS_CREDS", &c.Bus.Auth.CredsFile)
	str("LOOM_REQUEST_TOPIC", &c.Bus.RequestTopic)
	str("LOOM_RESULT_TOPIC", &c.Bus.ResultTopic)
	str("LOOM_POLICY", &c.Policy)
	if v, ok := lookup("LOOM_MANIFESTS"); ok && v != "" {
		c.Manifests = nil
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.Manifests = append(c.Manifests, m)
			}
		}
	}
	dur("LOOM_DEFAULT_DEADLINE", &c.DefaultDeadline)
	dur("LOOM_GRACE_PERIOD", &c.GracePeriod)
	boolean("LOOM_ALLOW_REPLACE", &c.AllowReplace)
	str("LOOM_METRICS_ADDR", &c.MetricsAddr)
	str("LOOM_REMOTE_URL", &c.Remote.DefaultURL)
	return err
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var err error
	switch c.Bus.Kind {
	case BusLocal, BusNATS, BusRedis:
	default:
		err = errors.Join(err, fmt.Errorf("bus: unknown kind %q", c.Bus.Kind))
	}
	if c.Bus.RequestTopic == "" {
		err = errors.Join(err, errors.New("bus: request_topic is required"))
	}
	if c.DefaultDeadline <= 0 {
		err = errors.Join(err, fmt.Errorf("default_deadline must be positive, got %s", c.DefaultDeadline))
	}
	if c.GracePeriod < 0 {
		err = errors.Join(err, fmt.Errorf("grace_period must not be negative, got %s", c.GracePeriod))
	}
	if c.ServeConcurrency <= 0 {
		err = errors.Join(err, fmt.Errorf("serve_concurrency must be positive, got %d", c.ServeConcurrency))
	}
	if c.ServeBacklog < 0 {
		err = errors.Join(err, fmt.Errorf("serve_backlog must not be negative, got %d", c.ServeBacklog))
	}
	if _, lerr := c.Level(); lerr != nil {
		err = errors.Join(err, lerr)
	}
	return err
}

// Level parses the log level. Debug forces the debug level.
func (c Config) Level() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
