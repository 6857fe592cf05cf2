// Package broadcast fans one logical message out across every enabled
// channel concurrently and folds the per-endpoint outcomes back into one
// result list. Delivery counts as successful when any one channel succeeds.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/manycast/manycast/channel"
	"github.com/manycast/manycast/core"
	coreerrors "github.com/manycast/manycast/core/errors"
	"github.com/manycast/manycast/locator"
	"github.com/manycast/manycast/logger"
	"github.com/manycast/manycast/observability"
	"github.com/manycast/manycast/ratelimit"
)

// Sender is the broadcast primitive. The tracking decorator wraps it by
// composition, keeping tracking independently testable.
type Sender interface {
	Broadcast(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error)
}

// Options configures a broadcaster.
type Options struct {
	Registry  *channel.Registry
	Cooldowns *ratelimit.Registry
	Detector  *ratelimit.Detector
	Codec     locator.Codec
	Logger    logger.Interface
	Telemetry *observability.Telemetry

	// SendRates optionally paces outbound sends per channel, a
	// proactive complement to the reactive cooldowns.
	SendRates map[string]*rate.Limiter
}

// Broadcaster dispatches one message to every available
// (channel, sub-endpoint) pair concurrently and waits for all of them. It
// never returns early on first success: the full result set feeds cooldown
// and performance tracking.
type Broadcaster struct {
	registry  *channel.Registry
	cooldowns *ratelimit.Registry
	detector  *ratelimit.Detector
	codec     locator.Codec
	logger    logger.Interface
	telemetry *observability.Telemetry
	pacers    map[string]*rate.Limiter
}

// NewBroadcaster creates a broadcaster. Registry, Cooldowns, Detector and
// Codec are required.
func NewBroadcaster(opts *Options) (*Broadcaster, error) {
	if opts == nil || opts.Registry == nil || opts.Cooldowns == nil || opts.Detector == nil || opts.Codec == nil {
		return nil, fmt.Errorf("broadcast: registry, cooldowns, detector and codec are required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard
	}
	return &Broadcaster{
		registry:  opts.Registry,
		cooldowns: opts.Cooldowns,
		detector:  opts.Detector,
		codec:     opts.Codec,
		logger:    log,
		telemetry: opts.Telemetry,
		pacers:    opts.SendRates,
	}, nil
}

// dispatch is one surviving (channel, sub-endpoint) pair.
type dispatch struct {
	adapter  core.Adapter
	endpoint string
}

// Broadcast validates the recipient, drops cooled-down endpoints, sends on
// every surviving pair concurrently, classifies failures into cooldowns and
// returns one ChannelResult per attempted pair. Zero available pairs yields
// an empty result list, not an error; only locator validation fails fast.
func (b *Broadcaster) Broadcast(ctx context.Context, recipientLocator string, msg *core.Message) (*core.BroadcastResults, error) {
	if err := b.codec.Validate(recipientLocator); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidLocator, coreerrors.CategoryValidation, "recipient locator rejected", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidMessage, coreerrors.CategoryValidation, "message rejected", err)
	}

	payload, err := msg.Marshal()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidMessage, coreerrors.CategoryValidation, "message encode failed", err)
	}

	dispatches := b.expand(ctx)

	results := core.NewBroadcastResults(msg.ID)
	ctx, span := b.telemetry.StartBroadcast(ctx, msg.ID, len(dispatches))
	defer func() {
		b.telemetry.EndBroadcast(span, results.Succeeded, results.Failed)
	}()

	if len(dispatches) == 0 {
		b.logger.Warn(ctx, "no available channels, nothing dispatched", "message_id", msg.ID)
		return results, nil
	}

	begin := b.sendAll(ctx, dispatches, recipientLocator, payload, results)

	b.classifyFailures(ctx, results)

	b.logger.Trace(ctx, begin, func() (string, int64) {
		return fmt.Sprintf("broadcast %s", msg.ID), int64(results.Total())
	}, nil)
	for _, summary := range results.Summaries() {
		b.logger.Debug(ctx, summary.String())
	}

	return results, nil
}

// expand turns each enabled channel into its available sub-endpoints. A
// channel whose every endpoint is cooling down is skipped, informationally.
func (b *Broadcaster) expand(ctx context.Context) []dispatch {
	var dispatches []dispatch
	for _, adapter := range b.registry.Enabled() {
		endpoints := adapter.Endpoints()
		if len(endpoints) == 0 {
			endpoints = []string{""}
		}
		available := b.cooldowns.FilterAvailable(adapter.Name(), endpoints)
		if len(available) == 0 {
			b.logger.Info(ctx, "channel skipped, all sub-endpoints cooling down", "channel", adapter.Name())
			continue
		}
		for _, endpoint := range available {
			dispatches = append(dispatches, dispatch{adapter: adapter, endpoint: endpoint})
		}
	}
	return dispatches
}

// sendAll runs every dispatch concurrently and waits for all of them. No
// early return: cooldown and performance tracking need every outcome.
func (b *Broadcaster) sendAll(ctx context.Context, dispatches []dispatch, recipientLocator string, payload []byte, results *core.BroadcastResults) (begin time.Time) {
	begin = time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, d := range dispatches {
		wg.Add(1)
		go func(d dispatch) {
			defer wg.Done()

			name := d.adapter.Name()
			if pacer := b.pacers[name]; pacer != nil {
				if err := pacer.Wait(ctx); err != nil {
					mu.Lock()
					results.Add(core.ChannelResult{Channel: name, Endpoint: d.endpoint, Err: err})
					mu.Unlock()
					return
				}
			}

			outcome := d.adapter.Send(ctx, recipientLocator, payload, d.endpoint)
			result := core.ChannelResult{
				Channel:  name,
				Endpoint: d.endpoint,
				Success:  outcome.Success,
				Latency:  outcome.Latency,
				Err:      outcome.Err,
			}

			mu.Lock()
			results.Add(result)
			mu.Unlock()
		}(d)
	}

	wg.Wait()
	return begin
}

// classifyFailures feeds every failed result through the detector and opens
// cooldowns for the ones that warrant it. Classification happens after the
// fan-in so one slow channel cannot delay another channel's verdict.
func (b *Broadcaster) classifyFailures(ctx context.Context, results *core.BroadcastResults) {
	for i := range results.Results {
		result := &results.Results[i]
		if !result.Success && result.Err != nil {
			cls := b.detector.Classify(result.Err, result.Channel)
			result.RateLimited = cls.IsRateLimited
			if cls.ShouldCooldown() {
				b.cooldowns.SetCooldown(result.Channel, result.Endpoint, cls.Cooldown, cls.Category)
			}
		}
		b.telemetry.RecordSend(ctx, result.Channel, result.Success, result.RateLimited, result.Latency)
	}
}
