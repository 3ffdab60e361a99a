package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	gwnats "github.com/capitalize-ai/agent-event-gateway/internal/nats"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// Conn is the part of a NATS connection the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
	IsConnected() bool
}

// wireReport is the JSON a remote agent publishes for each progress update.
type wireReport struct {
	ChatID    string         `json:"chat_id"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Turn      *Turn          `json:"turn,omitempty"`
}

// NATSEngine hands requests to a remote agent over NATS and relays the
// reports it publishes back.
//
// Requests go to "<subject>.requests.<token>" and reports are read from
// "<subject>.reports.>", where token is the encoded chat id.
type NATSEngine struct {
	conn    Conn
	subject string
	logger  *logger.Logger

	sub     *nats.Subscription
	msgs    chan *nats.Msg
	reports chan Report
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewNATSEngine subscribes to the report subject and starts relaying.
func NewNATSEngine(conn Conn, subject string, queueSize int, log *logger.Logger) (*NATSEngine, error) {
	if subject == "" {
		subject = "agent"
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	e := &NATSEngine{
		conn:    conn,
		subject: subject,
		logger:  logger.OrNop(log).Component("engine").With(zap.String("engine", "nats")),
		msgs:    make(chan *nats.Msg, queueSize),
		reports: make(chan Report, queueSize),
		done:    make(chan struct{}),
	}

	sub, err := conn.ChanSubscribe(e.subject+".reports.>", e.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to reports: %w", err)
	}
	e.sub = sub

	e.wg.Add(1)
	go e.pump()

	return e, nil
}

func (e *NATSEngine) Name() string { return "nats" }

func (e *NATSEngine) Reports() <-chan Report { return e.reports }

// RequestSubject returns the subject a conversation's requests are sent on.
func (e *NATSEngine) RequestSubject(conversationID string) string {
	return fmt.Sprintf("%s.requests.%s", e.subject, gwnats.SubjectToken(conversationID))
}

func (e *NATSEngine) Submit(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEngineStopped
	}
	if !e.conn.IsConnected() {
		return ErrEngineBusy
	}

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := e.conn.Publish(e.RequestSubject(req.ConversationID), data); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

func (e *NATSEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.sub.Unsubscribe()
	close(e.done)
	e.wg.Wait()
	close(e.reports)

	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (e *NATSEngine) pump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.msgs:
			rep, err := decodeReport(msg.Data)
			if err != nil {
				e.logger.Warn("dropping malformed report", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			select {
			case e.reports <- rep:
			case <-e.done:
				return
			}
		}
	}
}

// decodeReport parses and validates a remote report.
func decodeReport(data []byte) (Report, error) {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return Report{}, err
	}
	if strings.TrimSpace(w.ChatID) == "" {
		return Report{}, event.ErrEmptyConversation
	}

	rep := Report{
		ConversationID: w.ChatID,
		Kind:           event.Kind(w.EventType),
		Content:        w.Content,
		Attributes:     metadataAttributes(w.Metadata),
		Time:           w.Timestamp,
		Turn:           w.Turn,
	}
	if rep.Time.IsZero() {
		rep.Time = time.Now()
	}
	if w.Error != "" {
		rep.Kind = event.KindMessage
		rep.Err = errors.New(w.Error)
		return rep, nil
	}
	if rep.Kind == "" {
		rep.Kind = event.KindMessage
	}
	if err := rep.Event().Validate(); err != nil {
		return Report{}, err
	}
	return rep, nil
}
