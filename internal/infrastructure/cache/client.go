package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
)

const (
	defaultKeyPrefix = "smartip:snapshot:"
	defaultTTL       = 5 * time.Minute
	pingTimeout      = 5 * time.Second
	scanBatch        = 100
)

// Client stores device state payloads in Redis.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect creates a client for cfg and pings the server.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c := newClient(rdb, cfg.KeyPrefix, cfg.TTL)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.HealthCheck(pingCtx); err != nil {
		rdb.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

func newClient(rdb *redis.Client, prefix string, ttl time.Duration) *Client {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key for a device.
func (c *Client) Key(deviceID string) string {
	return c.prefix + deviceID
}

// Set stores payload for deviceID, replacing any previous value and
// restarting its TTL.
func (c *Client) Set(ctx context.Context, deviceID string, payload []byte) error {
	if err := c.rdb.Set(ctx, c.Key(deviceID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: setting %s: %w", deviceID, err)
	}
	return nil
}

// Get returns the stored payload, or nil when there is none.
func (c *Client) Get(ctx context.Context, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.Key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: getting %s: %w", deviceID, err)
	}
	return b, nil
}

// Delete removes the payload for deviceID.
func (c *Client) Delete(ctx context.Context, deviceID string) error {
	if err := c.rdb.Del(ctx, c.Key(deviceID)).Err(); err != nil {
		return fmt.Errorf("cache: deleting %s: %w", deviceID, err)
	}
	return nil
}

// RemoveAllExcept deletes entries for every device not in keepIDs and
// returns the ids it removed. Run at startup, it clears devices dropped
// from the config.
func (c *Client) RemoveAllExcept(ctx context.Context, keepIDs []string) ([]string, error) {
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = struct{}{}
	}

	var removed []string
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		id, ok := strings.CutPrefix(iter.Val(), c.prefix)
		if !ok {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("cache: deleting %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache: scanning: %w", err)
	}
	return removed, nil
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
