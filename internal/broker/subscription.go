package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
)

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued event to make room for the new one.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowMarkOverflowed discards the new event and flags the subscription.
	// The flag is sticky; delivery resumes once the queue has room.
	OverflowMarkOverflowed OverflowPolicy = "mark_overflowed"
)

// ParseOverflowPolicy parses a configuration value.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowDropOldest, OverflowMarkOverflowed:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Subscription is one client's attachment to a Channel.
type Subscription struct {
	id      string
	mode    event.Mode
	policy  OverflowPolicy
	queue   chan event.Event
	channel *Channel

	dropped    atomic.Uint64
	overflowed atomic.Bool

	// detached is guarded by channel.mu.
	detached bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Mode returns the wire encoding requested for this subscription.
func (s *Subscription) Mode() event.Mode { return s.mode }

// Events returns the delivery queue. It is closed when the subscription is
// detached, either by Unsubscribe or by the channel closing.
func (s *Subscription) Events() <-chan event.Event { return s.queue }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Overflowed reports whether the queue has ever been full under
// OverflowMarkOverflowed.
func (s *Subscription) Overflowed() bool { return s.overflowed.Load() }

// deliver enqueues e without blocking. Must be called with channel.mu held,
// which makes the channel the only sender on queue. Returns false when an
// event was dropped.
func (s *Subscription) deliver(e event.Event) bool {
	select {
	case s.queue <- e:
		return true
	default:
	}

	s.dropped.Add(1)
	if s.policy == OverflowMarkOverflowed {
		s.overflowed.Store(true)
		return false
	}

	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- e:
	default:
	}
	return false
}

// detach closes the queue. Must be called with channel.mu held.
func (s *Subscription) detach() {
	if s.detached {
		return
	}
	s.detached = true
	close(s.queue)
}
