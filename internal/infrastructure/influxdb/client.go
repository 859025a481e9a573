package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
)

var (
	// ErrDisabled is returned by Connect when the influxdb section is off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps a failed ping during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 // seconds
)

// Client is a non-blocking telemetry writer. Points are batched by the
// influx write API and flushed every flush_interval seconds or when a batch
// fills. Every point carries a site tag.
type Client struct {
	influx influxdb2.Client
	write  api.WriteAPI
	closed atomic.Bool

	mu      sync.RWMutex
	onError func(err error)
}

// writeOptions turns the batch settings into client options, falling back
// to safe values for zero or negative input.
func writeOptions(cfg config.InfluxDBConfig, siteID string) *influxdb2.Options {
	batch, flush := cfg.BatchSize, cfg.FlushInterval
	if batch <= 0 {
		batch = fallbackBatchSize
	}
	if flush <= 0 {
		flush = fallbackFlushInterval
	}
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).                                                    // #nosec G115 -- positive
		SetFlushInterval(uint(time.Duration(flush) * time.Second / time.Millisecond)) // #nosec G115 -- positive
	if siteID != "" {
		opts.AddDefaultTag("site", siteID)
	}
	return opts
}

// Connect pings the server and returns a writer for cfg.Bucket. siteID is
// added as the "site" tag on every point.
func Connect(cfg config.InfluxDBConfig, siteID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg, siteID))

	ctx, cancel := context.WithTimeout(context.Background(), 2*pingTimeout)
	defer cancel()
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := &Client{
		influx: influx,
		write:  influx.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.forwardErrors(c.write.Errors())
	return c, nil
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	ok, err := influx.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("server not ready")
	}
	return nil
}

// forwardErrors hands asynchronous batch failures to the onError callback.
// The channel closes when the underlying client is closed.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		cb := c.onError
		c.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	}
}

// SetOnError sets the callback for failed batch writes.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// IsConnected reports whether Close has not yet been called. It does not
// ping; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.influx != nil && !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.write.Flush()
	}
}

// Close flushes pending points and releases the client. Later calls are
// no-ops.
func (c *Client) Close() error {
	if c.influx == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.write.Flush()
	c.influx.Close()
	return nil
}
