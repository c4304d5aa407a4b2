package pubsub

import (
	"log/slog"
	"time"

	"github.com/casualjim/loom/pkg/slogx"
	"github.com/fogfish/opts"
)

const (
	defaultSlowSubscriberTimeout = 100 * time.Millisecond
	defaultBufferSize            = 64
)

type config struct {
	schemas               map[string]string
	slowSubscriberTimeout time.Duration
	bufferSize            int
	logger                *slog.Logger
}

// Option configures a bus.
type Option = opts.Option[config]

var (
	// WithSchemas maps topic names to the schema identifier stamped on their envelopes.
	WithSchemas = opts.ForName[config, map[string]string]("schemas")
	// WithSlowSubscriberTimeout sets how long a publish waits on a full subscriber
	// queue before dropping the subscriber.
	WithSlowSubscriberTimeout = opts.ForName[config, time.Duration]("slowSubscriberTimeout")
	// WithBufferSize sets the per-subscriber queue length.
	WithBufferSize = opts.ForName[config, int]("bufferSize")
	// WithLogger sets the logger of the bus.
	WithLogger = opts.ForName[config, *slog.Logger]("logger")
)

func newConfig(name string, options []Option) config {
	cfg := config{
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
		bufferSize:            defaultBufferSize,
	}
	if err := opts.Apply(&cfg, options); err != nil {
		panic(err)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = defaultBufferSize
	}
	if cfg.slowSubscriberTimeout <= 0 {
		cfg.slowSubscriberTimeout = defaultSlowSubscriberTimeout
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	cfg.logger = cfg.logger.With(slogx.LoggerName(name))
	return cfg
}

func (c config) schemaFor(topic string) string {
	return c.schemas[topic]
}
