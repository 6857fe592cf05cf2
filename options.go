package manycast

import (
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/manycast/manycast/locator"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/observability"
	"github.com/manycast/manycast/ratelimit"
	"github.com/manycast/manycast/store"
	sqlitestore "github.com/manycast/manycast/store/sqlite"
)

// config holds the assembled client configuration.
type config struct {
	codec            locator.Codec
	logger           logger.Interface
	store            store.Store
	storePath        string
	stateStore       store.StateStore
	telemetry        *observability.Config
	clock            clock.Clock
	reminderInterval time.Duration
	notify           ratelimit.NotifyFunc
	sendRates        map[string]*rate.Limiter
	channelRules     []channelRule
}

type channelRule struct {
	channel  string
	phrase   string
	cooldown time.Duration
}

// Option defines a configuration option
type Option interface {
	apply(*config)
}

// optionFunc wraps a function to implement the Option interface
type optionFunc func(*config)

func (f optionFunc) apply(c *config) {
	f(c)
}

// WithLogger sets the logger used across all components.
func WithLogger(log logger.Interface) Option {
	return optionFunc(func(c *config) {
		c.logger = log
	})
}

// WithCodec replaces the default base58 locator codec.
func WithCodec(codec locator.Codec) Option {
	return optionFunc(func(c *config) {
		c.codec = codec
	})
}

// WithStore sets the persistence backend. The default is in-memory; set a
// durable backend for anything that must survive a restart.
func WithStore(s store.Store) Option {
	return optionFunc(func(c *config) {
		c.store = s
	})
}

// WithSQLiteStore opens a SQLite store at path. The MANYCAST_SQLITE_PATH
// environment variable provides the same behavior without code changes.
func WithSQLiteStore(path string) Option {
	return optionFunc(func(c *config) {
		c.storePath = path
	})
}

// WithStateMirror mirrors cooldown and performance state into a shared
// backend such as store/redis.
func WithStateMirror(s store.StateStore) Option {
	return optionFunc(func(c *config) {
		c.stateStore = s
	})
}

// WithTelemetry enables OpenTelemetry tracing and metrics.
func WithTelemetry(cfg *observability.Config) Option {
	return optionFunc(func(c *config) {
		c.telemetry = cfg
	})
}

// WithClock injects a clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return optionFunc(func(c *config) {
		c.clock = clk
	})
}

// WithCooldownReminderInterval sets how often still-active cooldowns are
// re-announced. Default 5 minutes.
func WithCooldownReminderInterval(interval time.Duration) Option {
	return optionFunc(func(c *config) {
		c.reminderInterval = interval
	})
}

// WithCooldownNotify registers a callback for cooldown lifecycle events
// (paused, resumed, periodic reminders).
func WithCooldownNotify(notify ratelimit.NotifyFunc) Option {
	return optionFunc(func(c *config) {
		c.notify = notify
	})
}

// WithSendRate paces outbound sends on one channel, a proactive complement
// to the reactive cooldowns.
func WithSendRate(channelName string, perSecond float64, burst int) Option {
	return optionFunc(func(c *config) {
		if c.sendRates == nil {
			c.sendRates = make(map[string]*rate.Limiter)
		}
		c.sendRates[channelName] = rate.NewLimiter(rate.Limit(perSecond), burst)
	})
}

// WithChannelRule registers a channel-specific rate-limit phrase and its
// cooldown for the failure classifier.
func WithChannelRule(channelName, phrase string, cooldown time.Duration) Option {
	return optionFunc(func(c *config) {
		c.channelRules = append(c.channelRules, channelRule{
			channel:  channelName,
			phrase:   phrase,
			cooldown: cooldown,
		})
	})
}

// newConfig applies options over the defaults.
func newConfig(opts ...Option) (*config, error) {
	c := &config{
		codec:  locator.NewCodec(),
		logger: logger.Default,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	if c.storePath == "" {
		c.storePath = os.Getenv("MANYCAST_SQLITE_PATH")
	}
	if c.store == nil && c.storePath != "" {
		s, err := sqlitestore.Open(c.storePath)
		if err != nil {
			return nil, err
		}
		c.store = s
	}
	if c.store == nil {
		memory := store.NewMemoryStore()
		c.store = memory
		if c.stateStore == nil {
			c.stateStore = memory
		}
	}
	return c, nil
}
