package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode selects one of the wire encodings.
type Mode string

const (
	// ModePlain puts the event kind at the top level.
	ModePlain Mode = "plain"
	// ModeNested always reports event_type "message" at the top level and
	// carries the real kind in metadata.event_type.
	ModeNested Mode = "nested"
)

// TimestampLayout is the wire format for timestamps.
const TimestampLayout = time.RFC3339Nano

var (
	ErrUnknownMode   = errors.New("unknown encoding mode")
	ErrMalformedWire = errors.New("malformed wire record")
)

// ParseMode parses a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePlain, ModeNested:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Record is the JSON object written for each event on the stream.
type Record struct {
	EventType string         `json:"event_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
	ChatID    string         `json:"chat_id"`
	Sequence  uint64         `json:"sequence,omitempty"`
}

// Encoder turns events into wire records and back for one mode.
type Encoder interface {
	Mode() Mode
	Encode(e Event) ([]byte, error)
	Decode(data []byte) (Event, error)
}

// NewEncoder returns the encoder for mode.
func NewEncoder(mode Mode) (Encoder, error) {
	switch mode {
	case ModePlain:
		return plainEncoder{}, nil
	case ModeNested:
		return nestedEncoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

type plainEncoder struct{}

func (plainEncoder) Mode() Mode { return ModePlain }

func (plainEncoder) Encode(e Event) ([]byte, error) {
	metadata := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		metadata[k] = v
	}
	return json.Marshal(&Record{
		EventType: string(e.Kind),
		Content:   e.Content,
		Metadata:  metadata,
		Timestamp: formatTimestamp(e.CreatedAt),
		ChatID:    e.ConversationID,
		Sequence:  e.Sequence,
	})
}

func (plainEncoder) Decode(data []byte) (Event, error) {
	rec, err := unmarshalRecord(data)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		ConversationID: rec.ChatID,
		Kind:           Kind(rec.EventType),
		Content:        rec.Content,
		Attributes:     Attributes(rec.Metadata),
		Sequence:       rec.Sequence,
	}
	if e.Attributes == nil {
		e.Attributes = Attributes{}
	}
	e.CreatedAt, err = parseTimestamp(rec.Timestamp)
	return e, err
}

type nestedEncoder struct{}

func (nestedEncoder) Mode() Mode { return ModeNested }

func (nestedEncoder) Encode(e Event) ([]byte, error) {
	ts := formatTimestamp(e.CreatedAt)
	metadata := make(map[string]any, len(e.Attributes)+2)
	for k, v := range e.Attributes {
		metadata[k] = v
	}
	metadata[AttrEventType] = string(e.Kind)
	metadata[AttrTimestamp] = ts
	return json.Marshal(&Record{
		EventType: string(KindMessage),
		Content:   e.Content,
		Metadata:  metadata,
		Timestamp: ts,
		ChatID:    e.ConversationID,
		Sequence:  e.Sequence,
	})
}

func (nestedEncoder) Decode(data []byte) (Event, error) {
	rec, err := unmarshalRecord(data)
	if err != nil {
		return Event{}, err
	}
	kind, ok := rec.Metadata[AttrEventType].(string)
	if !ok {
		return Event{}, fmt.Errorf("%w: metadata.event_type missing", ErrMalformedWire)
	}
	attrs := make(Attributes, len(rec.Metadata))
	for k, v := range rec.Metadata {
		if k == AttrEventType || k == AttrTimestamp {
			continue
		}
		attrs[k] = v
	}
	e := Event{
		ConversationID: rec.ChatID,
		Kind:           Kind(kind),
		Content:        rec.Content,
		Attributes:     attrs,
		Sequence:       rec.Sequence,
	}
	e.CreatedAt, err = parseTimestamp(rec.Timestamp)
	return e, err
}

func unmarshalRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}
	return &rec, nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(TimestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedWire, err)
	}
	return t, nil
}
