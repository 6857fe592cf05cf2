// Package ratelimit classifies send failures and maintains the per
// (channel, sub-endpoint) cooldown state machine that throttles dispatch
// after rate limits and connection failures.
package ratelimit

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	coreerrors "github.com/manycast/manycast/core/errors"
)

// Classification categories, most specific first. Connection failures and
// true rate limits share the cooldown mechanism but keep distinct categories
// for observability.
const (
	CategoryNone              = "none"
	CategoryChannelRateLimit  = "channel_rate_limit"
	CategoryRetryAfter        = "retry_after"
	CategoryConnectionFailure = "connection_failure"
	CategoryNetworkTimeout    = "network_timeout"
	CategoryNetworkError      = "network_error"
)

// Default cooldown durations per category.
const (
	DefaultChannelCooldown    = 45 * time.Second
	DefaultConnectionCooldown = 5 * time.Minute
	DefaultTimeoutCooldown    = 2 * time.Minute
	DefaultNetworkCooldown    = 3 * time.Minute
)

// Classification is the detector's verdict on one failed send.
type Classification struct {
	IsRateLimited       bool          `json:"is_rate_limited"`
	IsConnectionFailure bool          `json:"is_connection_failure"`
	Category            string        `json:"category"`
	Cooldown            time.Duration `json:"cooldown"`
}

// ShouldCooldown reports whether the failure warrants a cooldown.
func (c Classification) ShouldCooldown() bool {
	return c.Category != CategoryNone && c.Cooldown > 0
}

// ChannelRule is a per-channel rate-limit phrase with its cooldown.
type ChannelRule struct {
	Phrase   string
	Cooldown time.Duration
}

// Detector classifies send errors. Classification is ordered: known
// per-channel phrase, parseable retry-after, connection refusal, timeout,
// generic network error, and finally plain failure (no cooldown).
type Detector struct {
	channelRules map[string][]ChannelRule
}

// NewDetector creates a detector with no per-channel rules.
func NewDetector() *Detector {
	return &Detector{channelRules: make(map[string][]ChannelRule)}
}

// AddChannelRule registers a channel-specific rate-limit phrase. Matching is
// case-insensitive substring.
func (d *Detector) AddChannelRule(channel, phrase string, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultChannelCooldown
	}
	d.channelRules[channel] = append(d.channelRules[channel], ChannelRule{
		Phrase:   strings.ToLower(phrase),
		Cooldown: cooldown,
	})
}

// retryAfterPattern matches "retry after 30", "retry-after: 30s",
// "Retry-After=90" and similar phrasings. The value is seconds unless a unit
// suffix says otherwise.
var retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]?after[:= ]+(\d+)(ms|s|m)?`)

// Classify inspects a failed send and decides whether it warrants a
// cooldown. A nil error classifies as CategoryNone.
func (d *Detector) Classify(err error, channel string) Classification {
	if err == nil {
		return Classification{Category: CategoryNone}
	}

	text := strings.ToLower(err.Error())

	// Channel-specific phrases are the most specific signal.
	for _, rule := range d.channelRules[channel] {
		if strings.Contains(text, rule.Phrase) {
			return Classification{
				IsRateLimited: true,
				Category:      CategoryChannelRateLimit,
				Cooldown:      rule.Cooldown,
			}
		}
	}

	// A parseable retry-after value overrides any heuristic duration.
	if cooldown, ok := parseRetryAfter(text); ok {
		return Classification{
			IsRateLimited: true,
			Category:      CategoryRetryAfter,
			Cooldown:      cooldown,
		}
	}

	// Structured errors first, then phrase heuristics.
	switch {
	case errors.Is(err, coreerrors.ErrRateLimited) || isRateLimitText(text):
		return Classification{
			IsRateLimited: true,
			Category:      CategoryChannelRateLimit,
			Cooldown:      DefaultChannelCooldown,
		}
	case errors.Is(err, coreerrors.ErrConnectionFailure) || isConnectionFailureText(text):
		return Classification{
			IsConnectionFailure: true,
			Category:            CategoryConnectionFailure,
			Cooldown:            DefaultConnectionCooldown,
		}
	case errors.Is(err, coreerrors.ErrTimeout) || isTimeoutText(text):
		return Classification{
			Category: CategoryNetworkTimeout,
			Cooldown: DefaultTimeoutCooldown,
		}
	case errors.Is(err, coreerrors.ErrNetworkError) || isNetworkErrorText(text):
		return Classification{
			Category: CategoryNetworkError,
			Cooldown: DefaultNetworkCooldown,
		}
	}

	return Classification{Category: CategoryNone}
}

func parseRetryAfter(text string) (time.Duration, bool) {
	match := retryAfterPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil || value <= 0 {
		return 0, false
	}
	switch match[2] {
	case "ms":
		return time.Duration(value) * time.Millisecond, true
	case "m":
		return time.Duration(value) * time.Minute, true
	default:
		return time.Duration(value) * time.Second, true
	}
}

func isRateLimitText(text string) bool {
	return containsAny(text,
		"rate limit",
		"rate-limit",
		"ratelimit",
		"too many requests",
		"429",
		"slow down",
		"flood",
		"throttle",
	)
}

func isConnectionFailureText(text string) bool {
	return containsAny(text,
		"connection refused",
		"auth rejected",
		"authentication failed",
		"unauthorized",
		"forbidden",
		"invalid credentials",
	)
}

func isTimeoutText(text string) bool {
	return containsAny(text,
		"timeout",
		"timed out",
		"deadline exceeded",
	)
}

func isNetworkErrorText(text string) bool {
	return containsAny(text,
		"network",
		"connection reset",
		"broken pipe",
		"no route to host",
		"dial tcp",
		"unreachable",
		"eof",
	)
}

func containsAny(text string, phrases ...string) bool {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
