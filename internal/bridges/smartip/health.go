package smartip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultHealthInterval is how often the bridge publishes health.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher publishes retained health messages. *mqtt.Client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// DeviceStates reports registered devices by link state. *Registry satisfies it.
type DeviceStates interface {
	LinkStates() map[LinkState]int
}

// HealthReporterConfig configures a HealthReporter. Devices and Statistics
// are optional.
type HealthReporterConfig struct {
	BridgeID   string
	Version    string
	Topic      string
	Interval   time.Duration
	Publisher  HealthPublisher
	Devices    DeviceStates
	Statistics func() BridgeStatistics
}

// HealthReporter publishes a retained HealthMessage on a fixed interval and
// a final "stopping" message on Stop.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	logger Logger
}

// NewHealthReporter returns a reporter; nothing is published until Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	return &HealthReporter{
		cfg:     cfg,
		started: time.Now(),
		done:    make(chan struct{}),
		logger:  noopLogger{},
	}
}

// Start publishes immediately, then every interval until ctx ends or Stop.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			if err := h.PublishNow(); err != nil {
				h.log().Warn("failed to publish health", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the loop and publishes "stopping". Later calls are no-ops.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if err := h.publish(HealthStopping, "shutdown"); err != nil {
			h.log().Debug("final health publish failed", "error", err)
		}
	})
}

// SetLogger sets the logger; nil discards output.
func (h *HealthReporter) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *HealthReporter) log() Logger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.logger
}

// PublishStarting publishes "starting".
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.status()
	return h.publish(status, reason)
}

// status is degraded while MQTT is down or any device is not online.
func (h *HealthReporter) status() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Devices == nil {
		return HealthHealthy, ""
	}

	counts := h.cfg.Devices.LinkStates()
	total := 0
	for _, n := range counts {
		total += n
	}
	switch offline := counts[StateOffline]; {
	case total > 0 && offline == total:
		return HealthDegraded, "all devices offline"
	case offline > 0:
		return HealthDegraded, fmt.Sprintf("%d of %d devices offline", offline, total)
	case counts[StateDegraded] > 0:
		return HealthDegraded, fmt.Sprintf("%d of %d devices degraded", counts[StateDegraded], total)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Bridge:        h.cfg.BridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Reason:        reason,
	}
	if h.cfg.Devices != nil {
		msg.Devices = h.cfg.Devices.LinkStates()
	}
	if h.cfg.Statistics != nil {
		s := h.cfg.Statistics()
		msg.Statistics = &s
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}
