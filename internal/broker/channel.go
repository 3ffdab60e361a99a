// Package broker fans one ordered stream of agent events per conversation out
// to any number of subscribers.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrReadOnly      = errors.New("channel is read-only")
)

// Options tunes channels created by a Registry.
type Options struct {
	// BufferSize is the number of recent events replayed to late subscribers.
	BufferSize int
	// QueueSize is the per-subscriber delivery queue length.
	QueueSize int
	// Overflow is applied when a subscriber queue is full.
	Overflow OverflowPolicy
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize: 256,
		QueueSize:  64,
		Overflow:   OverflowDropOldest,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Overflow == "" {
		o.Overflow = d.Overflow
	}
	return o
}

// Stats is a point-in-time view of a channel.
type Stats struct {
	Subscribers  int
	Buffered     int
	LastSequence uint64
	LastActivity time.Time
	Closed       bool
}

// Channel owns one conversation's event stream: the sequence counter, the
// recent-event ring and the attached subscriptions. All mutation happens under mu.
type Channel struct {
	id     string
	opts   Options
	logger *logger.Logger

	mu           sync.Mutex
	ring         *ring
	subs         map[string]*Subscription
	lastSeq      uint64
	lastCreated  time.Time
	lastActivity time.Time
	used         bool
	reprieved    bool
	closed       bool

	// relay receives a copy of every published event, under mu.
	relay func(event.Event)
	// readOnly channels only accept relayed events.
	readOnly bool
}

func newChannel(id string, opts Options, log *logger.Logger) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		id:           id,
		opts:         opts,
		logger:       logger.OrNop(log).With(zap.String("conversation_id", id)),
		ring:         newRing(opts.BufferSize),
		subs:         make(map[string]*Subscription),
		lastActivity: time.Now(),
	}
}

// ID returns the conversation identifier.
func (c *Channel) ID() string { return c.id }

// Publish assigns the next sequence number to e, appends it to the recent
// buffer and delivers it to every subscriber without blocking.
func (c *Channel) Publish(e event.Event) (uint64, error) {
	if e.ConversationID == "" {
		e.ConversationID = c.id
	}
	if e.ConversationID != c.id {
		return 0, fmt.Errorf("event for %q published on channel %q", e.ConversationID, c.id)
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}
	e.Attributes = e.Attributes.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrChannelClosed
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}

	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.CreatedAt.Before(c.lastCreated) {
		e.CreatedAt = c.lastCreated
	}
	c.lastSeq++
	e.Sequence = c.lastSeq
	c.lastCreated = e.CreatedAt

	c.appendLocked(e, now)
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()

	if c.relay != nil {
		c.relay(e)
	}
	return e.Sequence, nil
}

// relayEvent appends an event that already carries its sequence number.
// Used by the firehose channel.
func (c *Channel) relayEvent(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.appendLocked(e, time.Now())
}

func (c *Channel) appendLocked(e event.Event, now time.Time) {
	c.ring.push(e)
	c.used = true
	c.lastActivity = now

	for _, sub := range c.subs {
		if !sub.deliver(e) {
			metrics.SubscriberDropsTotal.WithLabelValues(string(sub.policy)).Inc()
			c.logger.Debug("dropped event for slow subscriber",
				zap.String("subscription_id", sub.id),
				zap.Uint64("sequence", e.Sequence),
				zap.Uint64("dropped", sub.Dropped()),
			)
		}
	}
}

// Subscribe attaches a new subscription and returns the buffered events,
// oldest first. The snapshot and the subscription's live queue together form
// a gap-free, duplicate-free continuation of the buffered history.
func (c *Channel) Subscribe(mode event.Mode) (*Subscription, []event.Event, error) {
	sub := &Subscription{
		id:      uuid.NewString(),
		mode:    mode,
		policy:  c.opts.Overflow,
		queue:   make(chan event.Event, c.opts.QueueSize),
		channel: c,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrChannelClosed
	}
	c.subs[sub.id] = sub
	c.used = true
	c.lastActivity = time.Now()
	snapshot := c.ring.snapshot()

	c.logger.Debug("subscriber added",
		zap.String("subscription_id", sub.id),
		zap.Int("snapshot", len(snapshot)),
		zap.Int("subscribers", len(c.subs)),
	)
	return sub, snapshot, nil
}

// Unsubscribe detaches sub and closes its queue. It is idempotent.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.channel != c {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[sub.id]; !ok {
		return
	}
	delete(c.subs, sub.id)
	sub.detach()
	c.lastActivity = time.Now()

	c.logger.Debug("subscriber removed",
		zap.String("subscription_id", sub.id),
		zap.Uint64("dropped", sub.Dropped()),
	)
}

// Close marks the channel terminal and closes every subscription queue.
// Further Publish and Subscribe calls fail with ErrChannelClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		sub.detach()
		delete(c.subs, id)
	}
	c.logger.Debug("channel closed", zap.Uint64("last_sequence", c.lastSeq))
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// touch records activity on a live channel. It returns false once the
// channel is closed.
func (c *Channel) touch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.lastActivity = time.Now()
	return true
}

// Stats returns a snapshot of the channel's counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Subscribers:  len(c.subs),
		Buffered:     c.ring.len(),
		LastSequence: c.lastSeq,
		LastActivity: c.lastActivity,
		Closed:       c.closed,
	}
}

// evictIfIdle closes the channel when it has no subscribers and has seen no
// activity for threshold. A channel that was never used gets one reprieve so
// it cannot be evicted between creation and first use.
func (c *Channel) evictIfIdle(now time.Time, threshold time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	if len(c.subs) > 0 || now.Sub(c.lastActivity) < threshold {
		return false
	}
	if !c.used && !c.reprieved {
		c.reprieved = true
		return false
	}
	c.closeLocked()
	return true
}

// unused reports whether nothing has ever published to or subscribed on c.
func (c *Channel) unused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.used && len(c.subs) == 0
}
