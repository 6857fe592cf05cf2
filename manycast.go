// Package manycast delivers a logical message to a recipient by fanning it
// out concurrently across several independent, loosely-reliable transport
// channels; delivery succeeds if any one channel succeeds. The receive side
// deduplicates by message ID, acknowledges first receipts, and learns which
// channels work per peer from the acknowledgments.
package manycast

import (
	"context"
	"fmt"
	"time"

	"github.com/manycast/manycast/broadcast"
	"github.com/manycast/manycast/channel"
	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/deliver"
	"github.com/manycast/manycast/locator"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/observability"
	"github.com/manycast/manycast/ratelimit"
	"github.com/manycast/manycast/store"
	"github.com/manycast/manycast/tracking"
)

// Client is the application-facing entry point. It owns the channel
// registry, the cooldown and performance state, the broadcaster and the
// deliverer; all of them are explicit objects injected at construction, not
// singletons.
type Client struct {
	selfLocator string
	codec       locator.Codec
	logger      logger.Interface

	registry  *channel.Registry
	detector  *ratelimit.Detector
	cooldowns *ratelimit.Registry
	tracker   *tracking.Tracker
	sendLog   *tracking.SendLog
	learner   *deliver.Learner
	deliverer *deliver.Deliverer
	sender    broadcast.Sender
	store     store.Store
	telemetry *observability.Telemetry
}

// New assembles a client for the given self locator.
func New(selfLocator string, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	if err := cfg.codec.Validate(selfLocator); err != nil {
		return nil, fmt.Errorf("manycast: self locator: %w", err)
	}

	telemetry, err := observability.NewTelemetry(cfg.telemetry)
	if err != nil {
		return nil, fmt.Errorf("manycast: telemetry: %w", err)
	}

	c := &Client{
		selfLocator: selfLocator,
		codec:       cfg.codec,
		logger:      cfg.logger,
		store:       cfg.store,
		telemetry:   telemetry,
	}

	c.registry = channel.NewRegistry(cfg.logger)

	c.detector = ratelimit.NewDetector()
	for _, rule := range cfg.channelRules {
		c.detector.AddChannelRule(rule.channel, rule.phrase, rule.cooldown)
	}

	c.cooldowns = ratelimit.NewRegistry(&ratelimit.RegistryOptions{
		Clock:            cfg.clock,
		Logger:           cfg.logger,
		Notify:           c.cooldownNotify(cfg.notify),
		ReminderInterval: cfg.reminderInterval,
		Mirror:           cfg.stateStore,
	})

	c.tracker = tracking.NewTracker(&tracking.TrackerOptions{
		Clock:  cfg.clock,
		Logger: cfg.logger,
		Mirror: cfg.stateStore,
	})
	c.sendLog = tracking.NewSendLog(cfg.store, cfg.clock, cfg.logger)

	base, err := broadcast.NewBroadcaster(&broadcast.Options{
		Registry:  c.registry,
		Cooldowns: c.cooldowns,
		Detector:  c.detector,
		Codec:     cfg.codec,
		Logger:    cfg.logger,
		Telemetry: telemetry,
		SendRates: cfg.sendRates,
	})
	if err != nil {
		return nil, err
	}
	c.sender = broadcast.NewTrackingBroadcaster(base, c.tracker, c.sendLog, cfg.logger)

	c.learner = deliver.NewLearner(cfg.store, cfg.clock, cfg.logger)
	c.deliverer, err = deliver.NewDeliverer(&deliver.Options{
		Store:       cfg.store,
		Learner:     c.learner,
		Sender:      c.sender,
		Registry:    c.registry,
		SelfLocator: selfLocator,
		Clock:       cfg.clock,
		Logger:      cfg.logger,
		Telemetry:   telemetry,
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// cooldownNotify chains the telemetry gauge with the user callback.
func (c *Client) cooldownNotify(user ratelimit.NotifyFunc) ratelimit.NotifyFunc {
	return func(n ratelimit.Notification) {
		switch n.Type {
		case ratelimit.NotifyPaused:
			for _, entry := range n.Entries {
				c.telemetry.RecordCooldownChange(context.Background(), entry.Channel, 1)
			}
		case ratelimit.NotifyResumed:
			for _, entry := range n.Entries {
				c.telemetry.RecordCooldownChange(context.Background(), entry.Channel, -1)
			}
		}
		if user != nil {
			user(n)
		}
	}
}

// RegisterChannel adds a transport adapter to the enabled set. Adapters
// whose IsSupported reports false are skipped. Register before Start.
func (c *Client) RegisterChannel(adapter core.Adapter) error {
	return c.registry.Register(adapter)
}

// Start subscribes on every enabled channel and launches the cooldown
// reminder loop. Pair with Shutdown.
func (c *Client) Start(ctx context.Context) error {
	if len(c.registry.Names()) == 0 {
		c.logger.Warn(ctx, "starting with zero enabled channels")
	}
	if err := c.deliverer.Start(ctx); err != nil {
		return err
	}
	c.cooldowns.Start()
	return nil
}

// Broadcast wraps content into a new message and fans it out to the
// recipient across every available channel, returning one result per
// attempted (channel, sub-endpoint) pair. An empty result list means no
// channel was available; at least one successful result means delivered.
func (c *Client) Broadcast(ctx context.Context, recipientLocator, content string) (*core.BroadcastResults, error) {
	msg := core.NewMessage(content, c.selfLocator)
	return c.sender.Broadcast(ctx, recipientLocator, msg)
}

// BroadcastMessage fans out a caller-constructed message.
func (c *Client) BroadcastMessage(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error) {
	return c.sender.Broadcast(ctx, recipientLocator, msg)
}

// OnMessage registers an application callback that fires exactly once per
// unique message ID, on the first receipt from any channel.
func (c *Client) OnMessage(cb deliver.Callback) {
	c.deliverer.OnMessage(cb)
}

// GetActiveCooldowns returns a snapshot of the active cooldown entries.
func (c *Client) GetActiveCooldowns() []core.CooldownEntry {
	return c.cooldowns.Active()
}

// GetPerformanceMetrics returns performance records filtered by channel
// and/or sub-endpoint ("" matches all), most recently updated first.
func (c *Client) GetPerformanceMetrics(channelName, endpoint string) []core.PerformanceRecord {
	return c.tracker.Records(channelName, endpoint)
}

// GetChannelPreferences returns the learned and stated channel ranking for
// one peer, best first.
func (c *Client) GetChannelPreferences(ctx context.Context, peerLocator string) ([]core.ChannelPreference, error) {
	return c.learner.Preferences(ctx, peerLocator)
}

// SendLogWindow returns the send log entries from the trailing window.
func (c *Client) SendLogWindow(ctx context.Context, window time.Duration) ([]core.SendLogEntry, error) {
	return c.sendLog.Window(ctx, window)
}

// SelfLocator returns the locator this client receives on.
func (c *Client) SelfLocator() string {
	return c.selfLocator
}

// Shutdown stops the reminder loop, shuts down every adapter, flushes
// telemetry and closes the store.
func (c *Client) Shutdown(ctx context.Context) error {
	c.cooldowns.Stop()

	var firstErr error
	if err := c.registry.Shutdown(); err != nil {
		firstErr = err
	}
	if err := c.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
