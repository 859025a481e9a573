package smartip

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// warmupConcurrency bounds parallel first reads in StartAll.
const warmupConcurrency = 8

// Registry maps device ids to their coordinators. Its lock covers map
// insert, lookup and removal only; it is never held across device I/O.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Coordinator
	onAdd   []func(*Coordinator)

	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		devices: make(map[string]*Coordinator),
		logger:  logger,
	}
}

// OnAdd registers fn to be called for every coordinator added afterwards,
// and immediately for those already registered. Hosts use it to attach
// subscribers.
func (r *Registry) OnAdd(fn func(*Coordinator)) {
	r.mu.Lock()
	r.onAdd = append(r.onAdd, fn)
	existing := r.listLocked()
	r.mu.Unlock()

	for _, c := range existing {
		fn(c)
	}
}

// Add registers c. Two coordinators may not share an id or an endpoint.
func (r *Registry) Add(c *Coordinator) error {
	r.mu.Lock()
	if _, ok := r.devices[c.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceExists, c.ID())
	}
	key := c.Endpoint().Key()
	for _, other := range r.devices {
		if other.Endpoint().Key() == key && key != "" {
			r.mu.Unlock()
			return fmt.Errorf("%w: endpoint %s already owned by %s", ErrDeviceExists, key, other.ID())
		}
	}
	r.devices[c.ID()] = c
	hooks := slices.Clone(r.onAdd)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	r.logger.Info("device registered", "device_id", c.ID(), "endpoint", c.Endpoint().String())
	return nil
}

// AddDevice creates, registers and starts a coordinator.
func (r *Registry) AddDevice(ctx context.Context, opts CoordinatorOptions) (*Coordinator, error) {
	c, err := NewCoordinator(opts)
	if err != nil {
		return nil, err
	}
	if err := r.Add(c); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the coordinator for id.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return c, nil
}

// GetByEndpoint returns the coordinator owning ep.
func (r *Registry) GetByEndpoint(ep DeviceEndpoint) (*Coordinator, error) {
	key := ep.Key()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.devices {
		if c.Endpoint().Key() == key {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
}

// Remove unregisters id and closes its coordinator.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	c, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	c.Close()
	r.logger.Info("device unregistered", "device_id", id)
	return nil
}

// List returns all coordinators ordered by id.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []*Coordinator {
	out := make([]*Coordinator, 0, len(r.devices))
	for _, c := range r.devices {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Coordinator) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Issue sends cmd to the device registered as id.
func (r *Registry) Issue(ctx context.Context, id string, cmd CommandRequest) (CommandResult, error) {
	c, err := r.Get(id)
	if err != nil {
		return CommandResult{}, err
	}
	return c.Issue(ctx, cmd)
}

// IssueEndpoint sends cmd to the device behind ep.
func (r *Registry) IssueEndpoint(ctx context.Context, ep DeviceEndpoint, cmd CommandRequest) (CommandResult, error) {
	c, err := r.GetByEndpoint(ep)
	if err != nil {
		return CommandResult{}, err
	}
	return c.Issue(ctx, cmd)
}

// StartAll reads every device once in parallel, then starts their poll
// loops. Devices that fail the first read still start; they stay
// Connecting until a poll succeeds. The returned error joins the
// first-read failures for logging.
func (r *Registry) StartAll(ctx context.Context) error {
	devices := r.List()

	var mu sync.Mutex
	var failed []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	for _, c := range devices {
		g.Go(func() error {
			if err := c.Refresh(gctx); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", c.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range devices {
		if err := c.Start(ctx); err != nil {
			r.logger.Warn("device not started", "device_id", c.ID(), "error", err)
		}
	}

	if len(failed) > 0 {
		slices.Sort(failed)
		return fmt.Errorf("smartip: %d of %d devices unreachable at startup: %s",
			len(failed), len(devices), strings.Join(failed, "; "))
	}
	return nil
}

// Close removes every device and waits for their loops to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	devices := r.listLocked()
	r.devices = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range devices {
		c.Close()
	}
	for _, c := range devices {
		c.Wait()
	}
}

// LinkStates counts registered devices by link state.
func (r *Registry) LinkStates() map[LinkState]int {
	counts := make(map[LinkState]int)
	for _, c := range r.List() {
		counts[c.State()]++
	}
	return counts
}
