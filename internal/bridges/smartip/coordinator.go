package smartip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxBackoff   = 60 * time.Second

	// commandQueueSize bounds commands waiting behind the one in flight.
	commandQueueSize = 32

	tracerName = "github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

// Logger is the logging interface used by this package.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives coordinator measurements. *metrics.Recorder satisfies it.
type Metrics interface {
	ObservePoll(deviceID, result string, d time.Duration)
	ObserveCommand(deviceID, command, result string, d time.Duration)
	SetLinkState(deviceID, state string)
}

type noopMetrics struct{}

func (noopMetrics) ObservePoll(string, string, time.Duration)            {}
func (noopMetrics) ObserveCommand(string, string, string, time.Duration) {}
func (noopMetrics) SetLinkState(string, string)                          {}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// ID is the registry key for the device. Required.
	ID string

	// Name is a display name. Defaults to ID.
	Name string

	// Endpoint is the device's control API address. Required.
	Endpoint DeviceEndpoint

	// Transport overrides the HTTP transport built from Endpoint.
	Transport Transport

	PollInterval     time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int

	// OfflineBackoff stretches the poll interval while Offline, doubling up
	// to MaxBackoff.
	OfflineBackoff bool
	MaxBackoff     time.Duration

	// VolumeMinDB and VolumeMaxDB bound SetVolume. Both zero means -130..0.
	VolumeMinDB float64
	VolumeMaxDB float64

	Logger  Logger
	Metrics Metrics

	// Clock stamps snapshots. Defaults to time.Now.
	Clock func() time.Time
}

// CommandResult reports a command the device accepted.
type CommandResult struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Command  CommandRequest `json:"command"`

	// Unverified is set for a profile id the device had not listed.
	Unverified bool `json:"unverified,omitempty"`

	// Refreshed is false when the follow-up telemetry read failed; Snapshot
	// is then the previous one, marked stale.
	Refreshed   bool           `json:"refreshed"`
	State       LinkState      `json:"state"`
	Snapshot    DeviceSnapshot `json:"snapshot"`
	HasSnapshot bool           `json:"has_snapshot"`
	IssuedAt    time.Time      `json:"issued_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Stats are running counters for diagnostics.
type Stats struct {
	Polls           uint64    `json:"polls"`
	PollFailures    uint64    `json:"poll_failures"`
	Commands        uint64    `json:"commands"`
	CommandFailures uint64    `json:"command_failures"`
	Discarded       uint64    `json:"discarded_snapshots"`
	LastPollAt      time.Time `json:"last_poll_at,omitzero"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitzero"`
}

type commandOutcome struct {
	result CommandResult
	err    error
}

type commandJob struct {
	ctx      context.Context
	id       string
	cmd      CommandRequest
	issuedAt time.Time
	done     chan commandOutcome
}

// Coordinator owns one device: its poll loop, command queue, reachability
// state and subscriber fan-out. Polls and commands are serialized on one
// I/O lock so they never reach the device concurrently; commands run in
// arrival order on a single consumer goroutine.
//
// Thread Safety: All methods are safe for concurrent use.
type Coordinator struct {
	id        string
	name      string
	endpoint  DeviceEndpoint
	transport Transport
	reader    telemetryReader
	logger    Logger
	metrics   Metrics
	tracer    trace.Tracer
	now       func() time.Time

	pollInterval   time.Duration
	requestTimeout time.Duration
	offlineBackoff bool
	maxBackoff     time.Duration

	// ioMu serializes every device request sequence.
	ioMu sync.Mutex

	stateMu     sync.RWMutex
	link        linkMachine
	snapshot    DeviceSnapshot
	hasSnapshot bool
	caps        Capabilities
	probeDone   map[string]bool
	info        DeviceInfo
	dante       *DanteConfig
	stats       Stats
	backoff     *backoff.ExponentialBackOff

	subs   subscriberSet
	poller *Poller

	queue     chan *commandJob
	closed    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoordinator creates a coordinator in the Connecting state.
// Call Start to begin polling and accepting commands.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.ID == "" {
		return nil, errors.New("smartip: coordinator id is required")
	}
	transport := opts.Transport
	if transport == nil {
		t, err := NewHTTPTransport(opts.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", opts.ID, err)
		}
		transport = t
	}

	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.PollInterval)
	}
	if opts.VolumeMinDB == 0 && opts.VolumeMaxDB == 0 {
		opts.VolumeMinDB, opts.VolumeMaxDB = -130, 0
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.PollInterval
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	c := &Coordinator{
		id:             opts.ID,
		name:           opts.Name,
		endpoint:       opts.Endpoint,
		transport:      transport,
		reader:         telemetryReader{transport: transport, timeout: opts.RequestTimeout},
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer(tracerName),
		now:            opts.Clock,
		pollInterval:   opts.PollInterval,
		requestTimeout: opts.RequestTimeout,
		offlineBackoff: opts.OfflineBackoff,
		maxBackoff:     opts.MaxBackoff,
		link:           newLinkMachine(opts.FailureThreshold),
		caps:           Capabilities{VolumeMinDB: opts.VolumeMinDB, VolumeMaxDB: opts.VolumeMaxDB},
		backoff:        b,
		queue:          make(chan *commandJob, commandQueueSize),
		closed:         make(chan struct{}),
	}
	c.poller = newPoller(c)
	c.metrics.SetLinkState(c.id, string(StateConnecting))
	return c, nil
}

// ID returns the device id.
func (c *Coordinator) ID() string { return c.id }

// Name returns the display name.
func (c *Coordinator) Name() string { return c.name }

// Endpoint returns the device endpoint.
func (c *Coordinator) Endpoint() DeviceEndpoint { return c.endpoint }

// Poller exposes the poll loop so hosts can stop and restart it.
func (c *Coordinator) Poller() *Poller { return c.poller }

// Start begins polling and command processing. ctx bounds the poll loop;
// cancelling it stops polling but does not remove the device.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.isRemoved() {
		return ErrRemoved
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.commandLoop()
	})
	c.poller.start(ctx, c.Stats().Polls == 0)
	c.logger.Info("device coordinator started",
		"device_id", c.id,
		"endpoint", c.endpoint.String(),
		"poll_interval", c.pollInterval.String())
	return nil
}

// Close moves the device to Removed, stops polling, fails queued commands
// and releases every subscription. In-flight requests finish on their own.
// Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.link.remove()
		u := c.updateLocked(ReasonRemoved)
		c.stateMu.Unlock()

		close(c.closed)
		c.poller.Stop()
		c.metrics.SetLinkState(c.id, string(StateRemoved))
		c.subs.closeAll(u)
		c.logger.Info("device coordinator removed", "device_id", c.id)
	})
}

// Wait blocks until the poll loop and command loop have exited. Call after Close.
func (c *Coordinator) Wait() {
	c.poller.Wait()
	c.wg.Wait()
}

// Subscribe registers a consumer. Subscribing to a removed device returns
// a subscription whose channel is already closed.
func (c *Coordinator) Subscribe() *Subscription {
	sub := c.subs.add(c)
	if c.isRemoved() {
		c.subs.remove(sub.id)
		sub.close()
	}
	return sub
}

func (c *Coordinator) unsubscribe(id uint64) {
	c.subs.remove(id)
}

// SubscriberCount returns the number of live subscriptions.
func (c *Coordinator) SubscriberCount() int {
	return c.subs.count()
}

// Snapshot returns a copy of the cached snapshot. ok is false before the
// first successful poll.
func (c *Coordinator) Snapshot() (DeviceSnapshot, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if !c.hasSnapshot {
		return DeviceSnapshot{}, false
	}
	return c.snapshot.Clone(), true
}

// State returns the current link state.
func (c *Coordinator) State() LinkState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.link.state
}

// Capabilities returns what the capability probe found.
func (c *Coordinator) Capabilities() Capabilities {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	caps := c.caps
	caps.KnownProfile = append([]int(nil), c.caps.KnownProfile...)
	return caps
}

// Stats returns a copy of the running counters.
func (c *Coordinator) Stats() Stats {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.stats
}

func (c *Coordinator) isRemoved() bool {
	return c.State() == StateRemoved
}

// RequestRefresh asks the poll loop for an early cycle and returns at once.
func (c *Coordinator) RequestRefresh() {
	c.poller.Trigger()
}

// Refresh runs one poll cycle now and returns its error. Failures also
// advance the state machine exactly as a scheduled poll would.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	if c.isRemoved() {
		return ErrRemoved
	}
	return c.refreshLocked(ctx, ReasonPoll)
}

// Issue validates cmd, queues it behind earlier commands and waits for it.
// Validation errors return before anything is queued. On success the
// returned result carries the snapshot read right after the command.
// If ctx ends while waiting, Issue returns ctx.Err(); a command already
// sent to the device is not recalled.
func (c *Coordinator) Issue(ctx context.Context, cmd CommandRequest) (CommandResult, error) {
	ctx, span := c.tracer.Start(ctx, "smartip.command", trace.WithAttributes(
		attribute.String("device.id", c.id),
		attribute.String("smartip.command", string(cmd.Kind)),
	))
	defer span.End()

	start := c.now()
	result, err := c.issue(ctx, cmd, start)

	class := errorClass(err)
	c.metrics.ObserveCommand(c.id, string(cmd.Kind), class, c.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
	}
	return result, err
}

func (c *Coordinator) issue(ctx context.Context, cmd CommandRequest, start time.Time) (CommandResult, error) {
	if c.isRemoved() {
		return CommandResult{}, ErrRemoved
	}

	c.stateMu.RLock()
	caps := c.caps
	var current *DeviceSnapshot
	if c.hasSnapshot {
		s := c.snapshot.Clone()
		current = &s
	}
	c.stateMu.RUnlock()

	if _, err := Translate(cmd, caps, current); err != nil {
		c.logger.Debug("command rejected", "device_id", c.id, "command", cmd.Kind, "error", err)
		return CommandResult{}, err
	}

	job := &commandJob{
		ctx:      ctx,
		id:       uuid.NewString(),
		cmd:      cmd,
		issuedAt: start,
		done:     make(chan commandOutcome, 1),
	}

	select {
	case c.queue <- job:
	case <-c.closed:
		return CommandResult{}, ErrRemoved
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}

	select {
	case out := <-job.done:
		return out.result, out.err
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	case <-c.closed:
		select {
		case out := <-job.done:
			return out.result, out.err
		default:
			return CommandResult{}, ErrRemoved
		}
	}
}

func (c *Coordinator) commandLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			c.drainQueue()
			return
		case job := <-c.queue:
			c.runCommand(job)
		}
	}
}

func (c *Coordinator) drainQueue() {
	for {
		select {
		case job := <-c.queue:
			job.done <- commandOutcome{err: ErrRemoved}
		default:
			return
		}
	}
}

func (c *Coordinator) runCommand(job *commandJob) {
	if err := job.ctx.Err(); err != nil {
		job.done <- commandOutcome{err: err}
		return
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.isRemoved() {
		job.done <- commandOutcome{err: ErrRemoved}
		return
	}

	// Re-translate against the latest snapshot: relative commands queued
	// behind another volume change must step from the new level.
	c.stateMu.RLock()
	caps := c.caps
	var current *DeviceSnapshot
	if c.hasSnapshot {
		s := c.snapshot.Clone()
		current = &s
	}
	c.stateMu.RUnlock()

	req, err := Translate(job.cmd, caps, current)
	if err != nil {
		job.done <- commandOutcome{err: err}
		return
	}

	// The request is not tied to the caller's cancellation once started.
	ctx := context.WithoutCancel(job.ctx)
	if _, err := c.transport.Execute(ctx, req.Method, req.Path, req.Payload, c.requestTimeout); err != nil {
		c.stateMu.Lock()
		c.stats.CommandFailures++
		c.stats.LastError = err.Error()
		c.stats.LastErrorAt = c.now()
		c.stateMu.Unlock()

		c.logger.Warn("command failed",
			"device_id", c.id,
			"command", job.cmd.Kind,
			"class", errorClass(err),
			"error", err)
		c.poller.Trigger()
		job.done <- commandOutcome{err: err}
		return
	}

	c.stateMu.Lock()
	c.stats.Commands++
	c.stateMu.Unlock()

	if req.Unverified {
		c.logger.Warn("profile id not in device profile list, sent anyway",
			"device_id", c.id,
			"profile_id", job.cmd.ProfileID)
	}

	refreshErr := c.refreshLocked(ctx, ReasonCommand)

	result := CommandResult{
		ID:          job.id,
		DeviceID:    c.id,
		Command:     job.cmd,
		Unverified:  req.Unverified,
		Refreshed:   refreshErr == nil,
		IssuedAt:    job.issuedAt,
		CompletedAt: c.now(),
	}
	result.Snapshot, result.HasSnapshot = c.Snapshot()
	result.State = c.State()

	c.logger.Info("command accepted",
		"device_id", c.id,
		"command_id", job.id,
		"command", job.cmd.Kind,
		"refreshed", result.Refreshed)

	job.done <- commandOutcome{result: result}
}

// pollCycle implements pollTarget.
func (c *Coordinator) pollCycle(ctx context.Context) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	if c.isRemoved() {
		return
	}
	_ = c.refreshLocked(ctx, ReasonPoll)
}

// nextPollDelay implements pollTarget.
func (c *Coordinator) nextPollDelay() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.offlineBackoff || c.link.state != StateOffline {
		return c.pollInterval
	}
	d := c.backoff.NextBackOff()
	if d <= 0 || d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// refreshLocked reads telemetry and applies the outcome. ioMu must be held.
func (c *Coordinator) refreshLocked(ctx context.Context, reason UpdateReason) error {
	ctx, span := c.tracer.Start(ctx, "smartip.poll", trace.WithAttributes(
		attribute.String("device.id", c.id),
		attribute.String("smartip.reason", string(reason)),
	))
	defer span.End()

	start := c.now()
	err := c.readAndApply(ctx, reason)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown or an abandoned caller, not a device failure.
		span.SetStatus(codes.Error, "canceled")
		return err
	}
	class := errorClass(err)
	c.metrics.ObservePoll(c.id, class, c.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		c.recordFailure(err)
	}
	return err
}

func (c *Coordinator) readAndApply(ctx context.Context, reason UpdateReason) error {
	c.stateMu.RLock()
	caps := c.caps
	c.stateMu.RUnlock()

	if !caps.Probed {
		c.stateMu.RLock()
		prev := probeResult{info: c.info, dante: c.dante, caps: caps, done: c.probeDone}
		c.stateMu.RUnlock()

		res, warnings, err := c.reader.probe(ctx, prev)
		for _, w := range warnings {
			c.logger.Warn("optional endpoint probe failed, will retry", "device_id", c.id, "error", w)
		}
		if err != nil {
			return err
		}
		c.stateMu.Lock()
		c.caps, c.info, c.dante, c.probeDone = res.caps, res.info, res.dante, res.done
		c.stateMu.Unlock()
		caps = res.caps

		if caps.Probed {
			c.logger.Info("device capabilities probed",
				"device_id", c.id,
				"model", res.info.Model,
				"firmware", res.info.Firmware,
				"led", caps.LED.String(),
				"profiles", caps.Profiles.String(),
				"aoip", caps.AoIP.String())
		}
	}

	snap, err := c.reader.read(ctx, c.id, caps)
	if err != nil {
		return err
	}
	c.applySnapshot(snap, reason)
	return nil
}

// applySnapshot replaces the cached snapshot wholesale and notifies
// subscribers when either the content or the link state changed.
func (c *Coordinator) applySnapshot(snap DeviceSnapshot, reason UpdateReason) {
	snap.UpdatedAt = c.now()
	snap.Reachability = ReachOnline
	snap.Stale = false

	c.stateMu.Lock()
	if c.link.state == StateRemoved {
		c.stateMu.Unlock()
		return
	}
	snap.Info = c.info
	if c.dante != nil {
		d := *c.dante
		snap.Dante = &d
	}
	c.stats.Polls++
	c.stats.LastPollAt = snap.UpdatedAt

	if c.hasSnapshot && snap.UpdatedAt.Before(c.snapshot.UpdatedAt) {
		c.stats.Discarded++
		c.stateMu.Unlock()
		c.logger.Debug("discarding out-of-order snapshot", "device_id", c.id)
		return
	}

	changed := !c.hasSnapshot || !snap.SameTelemetry(c.snapshot)
	transitioned := c.link.success()
	c.snapshot = snap
	c.hasSnapshot = true
	c.stats.LastSuccessAt = snap.UpdatedAt
	c.backoff.Reset()
	if snap.Profiles != nil {
		c.caps.KnownProfile = profileIDs(snap.Profiles)
	}
	if transitioned && !changed {
		reason = ReasonTransition
	}
	u := c.updateLocked(reason)
	state := c.link.state
	c.stateMu.Unlock()

	if transitioned {
		c.metrics.SetLinkState(c.id, string(state))
		c.logger.Info("device online", "device_id", c.id)
	}
	if changed || transitioned {
		c.subs.broadcast(u)
	}
}

// recordFailure advances the state machine and marks the snapshot stale.
func (c *Coordinator) recordFailure(err error) {
	c.stateMu.Lock()
	if c.link.state == StateRemoved {
		c.stateMu.Unlock()
		return
	}
	c.stats.Polls++
	c.stats.PollFailures++
	c.stats.LastPollAt = c.now()
	c.stats.LastError = err.Error()
	c.stats.LastErrorAt = c.stats.LastPollAt

	transitioned := c.link.failure()
	state := c.link.state
	if c.hasSnapshot {
		c.snapshot.Reachability = state.reachability()
		c.snapshot.Stale = true
	}
	if state == StateOffline {
		// Probe again on reconnect; the device may have been replaced or upgraded.
		c.caps.Probed = false
		c.probeDone = nil
	}
	u := c.updateLocked(ReasonTransition)
	c.stateMu.Unlock()

	var pe *ProtocolError
	var te *TransportError
	switch {
	case errors.As(err, &pe), errors.As(err, &te) && te.Kind == KindMalformedResponse:
		c.logger.Warn("device returned an unexpected response, check firmware compatibility",
			"device_id", c.id, "error", err)
	default:
		c.logger.Debug("poll failed", "device_id", c.id, "class", errorClass(err), "error", err)
	}

	if transitioned {
		c.metrics.SetLinkState(c.id, string(state))
		c.logger.Warn("device reachability changed", "device_id", c.id, "state", state, "error", err)
		c.subs.broadcast(u)
	}
}

// updateLocked builds a notification from current state. stateMu must be held.
func (c *Coordinator) updateLocked(reason UpdateReason) Update {
	u := Update{
		DeviceID:    c.id,
		State:       c.link.state,
		HasSnapshot: c.hasSnapshot,
		Reason:      reason,
		At:          c.now(),
	}
	if c.hasSnapshot {
		u.Snapshot = c.snapshot.Clone()
	}
	return u
}
