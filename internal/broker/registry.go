package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

// WildcardID names the firehose channel that mirrors every conversation.
const WildcardID = "*"

// ErrRegistryClosed is returned once the registry is shutting down.
var ErrRegistryClosed = errors.New("channel registry closed")

// Registry creates and looks up conversation channels by id. It is the only
// process-wide mutable state of the broker.
type Registry struct {
	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	firehose *Channel
	closed   bool
}

// NewRegistry creates a registry. When firehose is true, the WildcardID
// channel receives a relayed copy of every event published on any channel.
func NewRegistry(opts Options, firehose bool, log *logger.Logger) *Registry {
	log = logger.OrNop(log).Component("broker")
	r := &Registry{
		opts:     opts.withDefaults(),
		logger:   log,
		channels: make(map[string]*Channel),
	}
	if firehose {
		r.firehose = newChannel(WildcardID, r.opts, log)
		r.firehose.readOnly = true
	}
	return r
}

// Options returns the options used for new channels.
func (r *Registry) Options() Options { return r.opts }

// GetOrCreate returns the live channel for id, creating it if needed. It never
// hands out two distinct live channels for the same id. A channel that was
// closed directly is replaced. Resolving an existing channel counts as
// activity, so an idle sweep cannot close it before the caller uses it.
func (r *Registry) GetOrCreate(id string) (*Channel, error) {
	if id == "" {
		return nil, event.ErrEmptyConversation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if id == WildcardID && r.firehose != nil {
		return r.firehose, nil
	}
	ch, ok := r.channels[id]
	if ok && ch.touch() {
		return ch, nil
	}

	ch = newChannel(id, r.opts, r.logger)
	if r.firehose != nil {
		ch.relay = r.firehose.relayEvent
	}
	r.channels[id] = ch
	if !ok {
		metrics.ChannelsActive.Inc()
	}

	r.logger.Debug("channel created", zap.String("conversation_id", id))
	return ch, nil
}

// Lookup returns the live channel for id without creating one.
func (r *Registry) Lookup(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == WildcardID && r.firehose != nil {
		return r.firehose, true
	}
	ch, ok := r.channels[id]
	return ch, ok
}

// Discard removes ch if it is still registered and has never been used. It is
// how a rejected send avoids leaving an orphaned channel behind.
func (r *Registry) Discard(ch *Channel) bool {
	if ch == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[ch.id] != ch || !ch.unused() {
		return false
	}
	delete(r.channels, ch.id)
	ch.Close()
	metrics.ChannelsActive.Dec()
	return true
}

// EvictIdle closes and removes channels without subscribers that have been
// idle for longer than threshold. It returns the number of evicted channels.
func (r *Registry) EvictIdle(threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, ch := range r.channels {
		if !ch.evictIfIdle(now, threshold) {
			continue
		}
		delete(r.channels, id)
		evicted++
		r.logger.Debug("channel evicted", zap.String("conversation_id", id))
	}
	if evicted > 0 {
		metrics.ChannelsActive.Sub(float64(evicted))
		metrics.ChannelsEvictedTotal.Add(float64(evicted))
	}
	return evicted
}

// Run sweeps idle channels every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 || threshold <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(threshold); n > 0 {
				r.logger.Info("evicted idle channels",
					zap.Int("evicted", n),
					zap.Int("remaining", r.Len()),
				)
			}
		}
	}
}

// Len returns the number of live conversation channels, excluding the firehose.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Close shuts the registry down. Every channel is closed, which terminates
// all attached streams, and further GetOrCreate calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.channels {
		ch.Close()
		delete(r.channels, id)
		metrics.ChannelsActive.Dec()
	}
	if r.firehose != nil {
		r.firehose.Close()
	}
	r.logger.Info("channel registry closed")
}
