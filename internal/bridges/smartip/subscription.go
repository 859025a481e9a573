package smartip

import (
	"sync"
	"sync/atomic"
	"time"
)

// subscriptionBuffer is the number of undelivered updates kept per
// subscriber before the oldest is dropped.
const subscriptionBuffer = 16

// UpdateReason says what produced an update.
type UpdateReason string

// Update reasons.
const (
	ReasonPoll       UpdateReason = "poll"
	ReasonCommand    UpdateReason = "command"
	ReasonTransition UpdateReason = "transition"
	ReasonRemoved    UpdateReason = "removed"
)

// Update is one notification delivered to subscribers. Snapshot is a private
// copy and may be modified by the receiver.
type Update struct {
	DeviceID    string         `json:"device_id"`
	State       LinkState      `json:"state"`
	Snapshot    DeviceSnapshot `json:"snapshot"`
	HasSnapshot bool           `json:"has_snapshot"`
	Reason      UpdateReason   `json:"reason"`
	At          time.Time      `json:"at"`
}

// snapshotSource is what a subscription reads its current view from.
type snapshotSource interface {
	Snapshot() (DeviceSnapshot, bool)
	State() LinkState
	unsubscribe(id uint64)
}

// Subscription is one consumer's handle on a device's update stream.
// Updates are delivered latest-wins: a consumer that falls behind loses the
// oldest pending updates, never blocks the coordinator.
//
// Thread Safety: All methods are safe for concurrent use.
type Subscription struct {
	id     uint64
	source snapshotSource
	ch     chan Update

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
	once    sync.Once
}

func newSubscription(id uint64, source snapshotSource) *Subscription {
	return &Subscription{
		id:     id,
		source: source,
		ch:     make(chan Update, subscriptionBuffer),
	}
}

// Updates returns the notification channel. It is closed after Unsubscribe
// or after the device is removed.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Current returns the coordinator's current snapshot. ok is false before the
// first successful poll.
func (s *Subscription) Current() (snap DeviceSnapshot, ok bool) {
	return s.source.Snapshot()
}

// State returns the coordinator's current link state.
func (s *Subscription) State() LinkState {
	return s.source.State()
}

// Dropped returns how many updates were discarded because the consumer fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.source.unsubscribe(s.id)
		s.close()
	})
}

func (s *Subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// subscriberSet is the fan-out list owned by a coordinator.
type subscriberSet struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func (ss *subscriberSet) add(source snapshotSource) *Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.subs == nil {
		ss.subs = make(map[uint64]*Subscription)
	}
	ss.nextID++
	sub := newSubscription(ss.nextID, source)
	ss.subs[sub.id] = sub
	return sub
}

func (ss *subscriberSet) remove(id uint64) {
	ss.mu.Lock()
	delete(ss.subs, id)
	ss.mu.Unlock()
}

func (ss *subscriberSet) snapshot() []*Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*Subscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		out = append(out, s)
	}
	return out
}

func (ss *subscriberSet) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.subs)
}

// broadcast delivers u to every subscriber, each getting its own copy.
func (ss *subscriberSet) broadcast(u Update) {
	for _, s := range ss.snapshot() {
		c := u
		c.Snapshot = u.Snapshot.Clone()
		s.deliver(c)
	}
}

// closeAll delivers a final update and closes every subscription.
func (ss *subscriberSet) closeAll(final Update) {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = nil
	ss.mu.Unlock()
	for _, s := range subs {
		c := final
		c.Snapshot = final.Snapshot.Clone()
		s.deliver(c)
		s.close()
	}
}
