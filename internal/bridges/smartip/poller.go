package smartip

import (
	"context"
	"sync"
	"time"
)

// pollTarget is driven by a Poller. The coordinator implements it.
type pollTarget interface {
	// pollCycle performs one telemetry cycle.
	pollCycle(ctx context.Context)

	// nextPollDelay returns the wait before the next scheduled cycle.
	nextPollDelay() time.Duration
}

// Poller runs poll cycles for one device: immediately on Start, then after
// each delay the target reports, or early when Trigger is called.
//
// Stop returns without waiting for an in-flight cycle; its network call is
// allowed to finish or time out. Start after Stop resumes the cadence.
//
// Thread Safety: All methods are safe for concurrent use.
type Poller struct {
	target  pollTarget
	trigger chan struct{}

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// newPoller creates a stopped poller for target.
func newPoller(target pollTarget) *Poller {
	return &Poller{
		target:  target,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the poll loop. It returns false if already running.
func (p *Poller) Start(ctx context.Context) bool {
	return p.start(ctx, true)
}

// start launches the loop; with immediate false the first cycle waits one delay.
func (p *Poller) start(ctx context.Context, immediate bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stop, immediate)
	return true
}

// Stop halts the poll loop. Safe to call when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Trigger requests an early cycle. Requests made while one is already
// pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until every loop started by this poller has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, immediate bool) {
	defer p.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if immediate {
			p.target.pollCycle(ctx)
		}
		immediate = true

		timer.Reset(p.target.nextPollDelay())
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.trigger:
		}
	}
}
