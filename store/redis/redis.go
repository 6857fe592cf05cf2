// Package redis mirrors the process-wide cooldown and performance state into
// Redis so several processes can share one view of which endpoints are
// throttled. The in-memory registries stay authoritative; this backend is a
// best-effort mirror.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manycast/manycast/core"
)

// Config contains Redis connection configuration.
type Config struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns a localhost configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "localhost:6379",
		KeyPrefix: "manycast",
	}
}

// Store implements store.StateStore on Redis hashes: one hash for cooldowns
// and one for performance records, one field per (channel, sub-endpoint)
// key. Whole-record writes keep per-key updates atomic.
type Store struct {
	client         *redis.Client
	prefix         string
	externalClient bool
}

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Store{client: client, prefix: keyPrefix(cfg.KeyPrefix)}, nil
}

// NewStoreWithClient wraps an externally managed client; Close leaves it
// open.
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: keyPrefix(prefix), externalClient: true}
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		return "manycast"
	}
	return prefix
}

func (s *Store) cooldownsKey() string {
	return s.prefix + ":cooldowns"
}

func (s *Store) performanceKey() string {
	return s.prefix + ":performance"
}

// SaveCooldown inserts or replaces one cooldown entry.
func (s *Store) SaveCooldown(ctx context.Context, entry core.CooldownEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: encode cooldown: %w", err)
	}
	field := core.EndpointKey(entry.Channel, entry.Endpoint)
	if err := s.client.HSet(ctx, s.cooldownsKey(), field, value).Err(); err != nil {
		return fmt.Errorf("redis: write cooldown: %w", err)
	}
	return nil
}

// DeleteCooldown removes the entry for (channel, endpoint).
func (s *Store) DeleteCooldown(ctx context.Context, channel, endpoint string) error {
	field := core.EndpointKey(channel, endpoint)
	if err := s.client.HDel(ctx, s.cooldownsKey(), field).Err(); err != nil {
		return fmt.Errorf("redis: delete cooldown: %w", err)
	}
	return nil
}

// ListCooldowns lists all mirrored cooldown entries.
func (s *Store) ListCooldowns(ctx context.Context) ([]core.CooldownEntry, error) {
	values, err := s.client.HGetAll(ctx, s.cooldownsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read cooldowns: %w", err)
	}

	entries := make([]core.CooldownEntry, 0, len(values))
	for field, value := range values {
		var entry core.CooldownEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("redis: decode cooldown %s: %w", field, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SavePerformance inserts or replaces one performance record.
func (s *Store) SavePerformance(ctx context.Context, record core.PerformanceRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis: encode performance record: %w", err)
	}
	field := core.EndpointKey(record.Channel, record.Endpoint)
	if err := s.client.HSet(ctx, s.performanceKey(), field, value).Err(); err != nil {
		return fmt.Errorf("redis: write performance record: %w", err)
	}
	return nil
}

// ListPerformance lists all mirrored performance records.
func (s *Store) ListPerformance(ctx context.Context) ([]core.PerformanceRecord, error) {
	values, err := s.client.HGetAll(ctx, s.performanceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read performance records: %w", err)
	}

	records := make([]core.PerformanceRecord, 0, len(values))
	for field, value := range values {
		var record core.PerformanceRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("redis: decode performance record %s: %w", field, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Close closes the connection unless the client is externally managed.
func (s *Store) Close() error {
	if s.externalClient {
		return nil
	}
	return s.client.Close()
}
