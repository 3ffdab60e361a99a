// Package stream turns a conversation subscription into the framed output of
// one client connection.
package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

// Adapter forwards a channel's events to one connection using a fixed encoding.
type Adapter struct {
	encoder   event.Encoder
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewAdapter creates an adapter. A zero heartbeat disables keep-alive comments.
func NewAdapter(encoder event.Encoder, heartbeat time.Duration, log *logger.Logger) *Adapter {
	return &Adapter{
		encoder:   encoder,
		heartbeat: heartbeat,
		logger:    logger.OrNop(log).Component("stream"),
	}
}

// Mode returns the wire encoding used by the adapter.
func (a *Adapter) Mode() event.Mode { return a.encoder.Mode() }

// Attachment is a subscription that has not started writing yet. It lets a
// caller subscribe before committing a response. Run or Release must be called.
type Attachment struct {
	adapter  *Adapter
	channel  *broker.Channel
	sub      *broker.Subscription
	snapshot []event.Event
}

// Attach subscribes to ch and captures its buffered history.
func (a *Adapter) Attach(ch *broker.Channel) (*Attachment, error) {
	sub, snapshot, err := ch.Subscribe(a.encoder.Mode())
	if err != nil {
		return nil, err
	}
	return &Attachment{adapter: a, channel: ch, sub: sub, snapshot: snapshot}, nil
}

// Release drops the subscription without streaming. It is idempotent.
func (at *Attachment) Release() {
	at.channel.Unsubscribe(at.sub)
}

// Serve attaches to ch and streams to fw. See Attachment.Run.
func (a *Adapter) Serve(ctx context.Context, ch *broker.Channel, fw FrameWriter) error {
	at, err := a.Attach(ch)
	if err != nil {
		return err
	}
	return at.Run(ctx, fw)
}

// Run streams to fw: first a synthetic connected event, then the buffered
// history, then live events in delivery order. It returns nil when ctx is
// cancelled (peer gone) or the channel closes, and the write error when the
// connection fails. The subscription is always released.
func (at *Attachment) Run(ctx context.Context, fw FrameWriter) error {
	a, ch, sub := at.adapter, at.channel, at.sub
	defer at.Release()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := a.logger.With(
		zap.String("conversation_id", ch.ID()),
		zap.String("subscription_id", sub.ID()),
	)
	log.Info("stream attached", zap.Int("replay", len(at.snapshot)))

	if err := a.write(fw, event.Connected(ch.ID())); err != nil {
		return err
	}
	for _, e := range at.snapshot {
		if err := a.write(fw, e); err != nil {
			return err
		}
	}
	at.snapshot = nil

	var heartbeat <-chan time.Time
	if a.heartbeat > 0 {
		ticker := time.NewTicker(a.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	var reportedDrops uint64
	for {
		select {
		case <-ctx.Done():
			log.Info("stream client disconnected")
			return nil

		case e, ok := <-sub.Events():
			if !ok {
				log.Info("stream closed by channel")
				return nil
			}
			if dropped := sub.Dropped(); dropped != reportedDrops {
				log.Debug("subscriber skipped events",
					zap.Uint64("dropped_total", dropped),
					zap.Uint64("resumed_at", e.Sequence),
				)
				reportedDrops = dropped
			}
			if err := a.write(fw, e); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return err
			}

		case <-heartbeat:
			if err := fw.WriteComment("heartbeat"); err != nil {
				log.Debug("heartbeat write failed", zap.Error(err))
				return err
			}
		}
	}
}

func (a *Adapter) write(fw FrameWriter, e event.Event) error {
	data, err := a.encoder.Encode(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.Sequence, err)
	}
	return fw.WriteFrame(data)
}
