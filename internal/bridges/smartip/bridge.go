package smartip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartip-core/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// DefaultCommandTimeout bounds one MQTT command including its queue wait.
	DefaultCommandTimeout = 30 * time.Second

	// laneBuffer is the number of MQTT commands queued per device.
	laneBuffer = 16

	// sinkTimeout bounds each history/cache write.
	sinkTimeout = 5 * time.Second

	// Measurements written to the time-series sink.
	measurementTelemetry = "smartip_telemetry"
	measurementLink      = "smartip_link"
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// HistoryRecorder persists snapshot changes. Optional.
type HistoryRecorder interface {
	RecordSnapshot(ctx context.Context, u Update) error
}

// TelemetryWriter receives time-series points. *influxdb.Client satisfies it. Optional.
type TelemetryWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// StateCache shares the latest state with other processes. *cache.Client
// satisfies it. Optional.
type StateCache interface {
	Set(ctx context.Context, deviceID string, payload []byte) error
	Delete(ctx context.Context, deviceID string) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this process in health messages. Required.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Registry holds the coordinators the bridge serves. Required.
	Registry *Registry

	// MQTTClient is the broker connection. Required.
	MQTTClient MQTTClient

	// Topics builds topic names. The zero value uses the "smartip" prefix.
	Topics mqtt.Topics

	// QoS for state and ack publishes. Default 1.
	QoS byte

	// CommandTimeout bounds each command. Default 30s.
	CommandTimeout time.Duration

	// HealthInterval is the health publish period. Default 30s.
	HealthInterval time.Duration

	// Dispatcher runs commands. Defaults to one over Registry without auditing.
	Dispatcher *Dispatcher

	History   HistoryRecorder
	Telemetry TelemetryWriter
	Cache     StateCache

	Logger Logger
}

// Bridge connects the device registry to MQTT. It handles:
//   - Commands from {prefix}/command/{device_id}, answered on {prefix}/ack/{device_id}
//   - Retained state on {prefix}/state/{device_id} for every subscriber update
//   - Fan-out of updates to history, time-series and cache sinks
//   - Health reporting on {prefix}/health
//
// Commands for one device are executed in the order they arrive.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id             string
	registry       *Registry
	dispatcher     *Dispatcher
	client         MQTTClient
	topics         mqtt.Topics
	qos            byte
	commandTimeout time.Duration
	health         *HealthReporter

	history   HistoryRecorder
	telemetry TelemetryWriter
	cache     StateCache

	// lanes holds one ordered command queue per device.
	lanes   map[string]*commandLane
	lanesMu sync.Mutex

	// recorded is the last snapshot written to history per device.
	recorded   map[string]DeviceSnapshot
	recordedMu sync.Mutex

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64
	errorCount       atomic.Uint64

	// runMu guards running and goroutine registration against Stop.
	runMu   sync.Mutex
	running bool

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Registry == nil {
		return nil, errors.New("smartip: registry is required")
	}
	if opts.MQTTClient == nil {
		return nil, errors.New("smartip: MQTT client is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = "smartipd"
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(opts.Registry, nil, opts.Logger)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:             opts.BridgeID,
		registry:       opts.Registry,
		dispatcher:     opts.Dispatcher,
		client:         opts.MQTTClient,
		topics:         opts.Topics,
		qos:            opts.QoS,
		commandTimeout: opts.CommandTimeout,
		history:        opts.History,
		telemetry:      opts.Telemetry,
		cache:          opts.Cache,
		lanes:          make(map[string]*commandLane),
		recorded:       make(map[string]DeviceSnapshot),
		done:           make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.BridgeID,
		Version:    opts.Version,
		Topic:      opts.Topics.Health(),
		Interval:   opts.HealthInterval,
		Publisher:  opts.MQTTClient,
		Devices:    opts.Registry,
		Statistics: b.Statistics,
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start subscribes to command topics, attaches to every registered device
// (and every device added later) and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	select {
	case <-b.done:
		b.runMu.Unlock()
		return ErrBridgeNotRunning
	default:
	}
	b.running = true
	b.runMu.Unlock()

	if err := b.health.PublishStarting(); err != nil {
		b.getLogger().Warn("failed to publish starting status", "error", err)
	}

	commandTopic := b.topics.AllDeviceCommands()
	if err := b.client.Subscribe(commandTopic, 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.getLogger().Info("subscribed to commands", "topic", commandTopic)

	b.registry.OnAdd(b.watch)
	b.health.Start(ctx)

	b.getLogger().Info("MQTT bridge started",
		"bridge_id", b.id,
		"devices", b.registry.Len())
	return nil
}

// Stop unsubscribes, detaches from every device and publishes a final
// "stopping" health status. In-flight commands are cancelled.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.runMu.Lock()
		b.running = false
		close(b.done)
		b.runMu.Unlock()

		b.ctxCancel()

		if err := b.client.Unsubscribe(b.topics.AllDeviceCommands()); err != nil {
			b.getLogger().Debug("unsubscribe commands", "error", err)
		}
		b.health.Stop()
		b.wg.Wait()

		b.getLogger().Info("MQTT bridge stopped")
	})
}

// Running reports whether Start has been called and Stop has not.
func (b *Bridge) Running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// Statistics returns the bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		Errors:           b.errorCount.Load(),
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// goTracked runs fn on a goroutine counted by wg, unless the bridge is stopped.
func (b *Bridge) goTracked(fn func()) bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// =============================================================================
// State fan-out
// =============================================================================

// watch subscribes to c and forwards its updates until the device is
// removed or the bridge stops.
func (b *Bridge) watch(c *Coordinator) {
	sub := c.Subscribe()
	started := b.goTracked(func() {
		defer sub.Unsubscribe()

		snap, ok := sub.Current()
		b.publishState(Update{
			DeviceID:    c.ID(),
			State:       sub.State(),
			Snapshot:    snap,
			HasSnapshot: ok,
			Reason:      ReasonTransition,
			At:          time.Now(),
		})

		for {
			select {
			case <-b.done:
				return
			case u, open := <-sub.Updates():
				if !open {
					return
				}
				b.handleUpdate(u)
			}
		}
	})
	if !started {
		sub.Unsubscribe()
	}
}

func (b *Bridge) handleUpdate(u Update) {
	b.publishState(u)
	b.writeTelemetry(u)
	b.recordHistory(u)
}

// publishState publishes u on the device's state topic and mirrors it to
// the cache. A removed device's retained state is cleared.
func (b *Bridge) publishState(u Update) {
	topic := b.topics.DeviceState(u.DeviceID)
	payload, err := json.Marshal(NewStateMessage(u))
	if err != nil {
		b.errorCount.Add(1)
		b.getLogger().Error("failed to marshal state", "device_id", u.DeviceID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, sinkTimeout)
	defer cancel()

	if u.Reason == ReasonRemoved {
		if err := b.client.Publish(topic, payload, b.qos, false); err != nil {
			b.errorCount.Add(1)
			b.getLogger().Warn("failed to publish removal", "device_id", u.DeviceID, "error", err)
		}
		if err := b.client.Publish(topic, nil, b.qos, true); err != nil {
			b.getLogger().Warn("failed to clear retained state", "device_id", u.DeviceID, "error", err)
		}
		if b.cache != nil {
			if err := b.cache.Delete(ctx, u.DeviceID); err != nil {
				b.getLogger().Warn("failed to evict cached state", "device_id", u.DeviceID, "error", err)
			}
		}
		b.recordedMu.Lock()
		delete(b.recorded, u.DeviceID)
		b.recordedMu.Unlock()
		b.closeLane(u.DeviceID)
		return
	}

	if err := b.client.Publish(topic, payload, b.qos, true); err != nil {
		b.errorCount.Add(1)
		b.getLogger().Warn("failed to publish state", "device_id", u.DeviceID, "error", err)
	} else {
		b.statesPublished.Add(1)
	}

	if b.cache != nil {
		if err := b.cache.Set(ctx, u.DeviceID, payload); err != nil {
			b.errorCount.Add(1)
			b.getLogger().Warn("failed to cache state", "device_id", u.DeviceID, "error", err)
		}
	}
}

// writeTelemetry writes fresh snapshots as telemetry points and state
// transitions as link points.
func (b *Bridge) writeTelemetry(u Update) {
	if b.telemetry == nil {
		return
	}
	tags := map[string]string{"device_id": u.DeviceID}

	if u.Reason == ReasonTransition || u.Reason == ReasonRemoved {
		b.telemetry.WritePointWithTime(measurementLink, tags,
			map[string]any{"state": string(u.State)}, u.At)
	}
	if !u.HasSnapshot || u.Snapshot.Stale {
		return
	}
	tags["power"] = string(u.Snapshot.Power)
	b.telemetry.WritePointWithTime(measurementTelemetry, tags, telemetryFields(u.Snapshot), u.Snapshot.UpdatedAt)
}

// telemetryFields flattens the numeric parts of a snapshot.
func telemetryFields(s DeviceSnapshot) map[string]any {
	fields := map[string]any{
		"volume_db":      s.VolumeDB,
		"muted":          s.Muted,
		"temperature_c":  s.TemperatureC,
		"cpu_load_pct":   s.CPULoadPct,
		"uptime_seconds": s.UptimeSeconds,
		"active_input":   s.ActiveInput,
	}
	optional := map[string]*float64{
		"network_kbps":  s.Levels.NetworkKbps,
		"bass_level":    s.Levels.BassLevel,
		"tweeter_level": s.Levels.TweeterLevel,
		"input_level":   s.Levels.InputLevel,
	}
	for k, v := range optional {
		if v != nil {
			fields[k] = *v
		}
	}
	if s.LEDIntensity != nil {
		fields["led_intensity"] = *s.LEDIntensity
	}
	if s.ActiveProfile != nil {
		fields["active_profile"] = *s.ActiveProfile
	}
	return fields
}

// recordHistory persists transitions, command results and polls that
// changed the control state. Meter-only changes are not recorded.
func (b *Bridge) recordHistory(u Update) {
	if b.history == nil {
		return
	}
	if u.Reason == ReasonPoll {
		if !u.HasSnapshot {
			return
		}
		b.recordedMu.Lock()
		prev, seen := b.recorded[u.DeviceID]
		b.recordedMu.Unlock()
		if seen && prev.SameControlState(u.Snapshot) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, sinkTimeout)
	defer cancel()
	if err := b.history.RecordSnapshot(ctx, u); err != nil {
		b.errorCount.Add(1)
		b.getLogger().Warn("failed to record snapshot history", "device_id", u.DeviceID, "error", err)
		return
	}
	if u.HasSnapshot && u.Reason != ReasonRemoved {
		b.recordedMu.Lock()
		b.recorded[u.DeviceID] = u.Snapshot
		b.recordedMu.Unlock()
	}
}

// =============================================================================
// Commands
// =============================================================================

// handleCommand is the MQTT handler for {prefix}/command/+.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	deviceID, ok := b.topics.DeviceFromTopic(topic, "command")
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.errorCount.Add(1)
		b.publishAck(AckMessage{
			Timestamp: time.Now().UTC(),
			DeviceID:  deviceID,
			Status:    AckFailed,
			Error:     &AckError{Code: ErrCodeInvalidCommand, Message: "malformed command payload"},
		})
		return fmt.Errorf("parse command: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Source == "" {
		msg.Source = SourceMQTT
	}
	b.commandsReceived.Add(1)

	if msg.DeviceID != "" && msg.DeviceID != deviceID {
		b.rejectCommand(msg, deviceID, ErrCodeInvalidCommand,
			fmt.Sprintf("device_id %q does not match topic", msg.DeviceID))
		return nil
	}
	msg.DeviceID = deviceID

	if _, err := b.registry.Get(deviceID); err != nil {
		b.rejectCommand(msg, deviceID, ErrCodeNotConfigured, err.Error())
		return nil
	}

	b.getLogger().Debug("received command",
		"command_id", msg.ID,
		"device_id", deviceID,
		"command", msg.Command)

	if !b.enqueue(msg) {
		b.rejectCommand(msg, deviceID, ErrCodeBridgeError, "command queue full")
	}
	return nil
}

// commandLane is one device's ordered command queue. quit is closed when
// the device is removed.
type commandLane struct {
	msgs chan CommandMessage
	quit chan struct{}
}

// enqueue appends msg to its device lane, starting the lane on first use.
func (b *Bridge) enqueue(msg CommandMessage) bool {
	b.lanesMu.Lock()
	lane, ok := b.lanes[msg.DeviceID]
	if !ok {
		lane = &commandLane{
			msgs: make(chan CommandMessage, laneBuffer),
			quit: make(chan struct{}),
		}
		if !b.goTracked(func() { b.runLane(lane) }) {
			b.lanesMu.Unlock()
			return false
		}
		b.lanes[msg.DeviceID] = lane
	}
	b.lanesMu.Unlock()

	select {
	case lane.msgs <- msg:
		return true
	default:
		return false
	}
}

// closeLane stops the lane of a removed device. Commands still queued are
// executed first so each one gets an ack.
func (b *Bridge) closeLane(deviceID string) {
	b.lanesMu.Lock()
	lane, ok := b.lanes[deviceID]
	delete(b.lanes, deviceID)
	b.lanesMu.Unlock()
	if ok {
		close(lane.quit)
	}
}

// laneCount returns the number of live device lanes.
func (b *Bridge) laneCount() int {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()
	return len(b.lanes)
}

func (b *Bridge) runLane(lane *commandLane) {
	for {
		select {
		case <-b.done:
			return
		case <-lane.quit:
			for {
				select {
				case msg := <-lane.msgs:
					b.execute(msg)
				default:
					return
				}
			}
		case msg := <-lane.msgs:
			b.execute(msg)
		}
	}
}

func (b *Bridge) execute(msg CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	result, err := b.dispatcher.Dispatch(ctx, &msg)
	if err != nil {
		b.commandsFailed.Add(1)
	}
	b.publishAck(NewAckMessage(msg, result, err))
}

func (b *Bridge) rejectCommand(msg CommandMessage, deviceID, code, message string) {
	b.commandsFailed.Add(1)
	b.publishAck(AckMessage{
		CommandID: msg.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Status:    AckFailed,
		Error:     &AckError{Code: code, Message: message},
	})
	b.getLogger().Warn("command rejected",
		"command_id", msg.ID,
		"device_id", deviceID,
		"code", code,
		"reason", message)
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.errorCount.Add(1)
		b.getLogger().Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.client.Publish(b.topics.DeviceAck(ack.DeviceID), payload, b.qos, false); err != nil {
		b.errorCount.Add(1)
		b.getLogger().Warn("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}
