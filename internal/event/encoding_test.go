package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolCallFixture() Event {
	return Event{
		ConversationID: "chat-1",
		Kind:           KindToolCall,
		Content:        "",
		Attributes: Attributes{
			"tool":         "search",
			"arguments":    map[string]any{"q": "weather Tokyo"},
			"tool_call_id": "abc1",
		},
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Sequence:  7,
	}
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestPlainEncoding_TopLevelKind(t *testing.T) {
	enc, err := NewEncoder(ModePlain)
	require.NoError(t, err)

	data, err := enc.Encode(toolCallFixture())
	require.NoError(t, err)

	m := decodeMap(t, data)
	assert.Equal(t, "tool_call", m["event_type"])
	assert.Equal(t, "", m["content"])
	assert.Equal(t, "chat-1", m["chat_id"])
	assert.Equal(t, "2026-03-04T05:06:07Z", m["timestamp"])

	metadata := m["metadata"].(map[string]any)
	assert.Equal(t, "search", metadata["tool"])
	assert.Equal(t, "abc1", metadata["tool_call_id"])
	assert.NotContains(t, metadata, "event_type")
}

func TestNestedEncoding_KindInMetadata(t *testing.T) {
	enc, err := NewEncoder(ModeNested)
	require.NoError(t, err)

	data, err := enc.Encode(toolCallFixture())
	require.NoError(t, err)

	m := decodeMap(t, data)
	assert.Equal(t, "message", m["event_type"])
	assert.Equal(t, "chat-1", m["chat_id"])

	metadata := m["metadata"].(map[string]any)
	assert.Equal(t, "tool_call", metadata["event_type"])
	assert.Equal(t, "search", metadata["tool"])
	assert.Equal(t, m["timestamp"], metadata["timestamp"])
}

func TestEncoding_RoundTripBothModes(t *testing.T) {
	original := toolCallFixture()

	for _, mode := range []Mode{ModePlain, ModeNested} {
		t.Run(string(mode), func(t *testing.T) {
			enc, err := NewEncoder(mode)
			require.NoError(t, err)

			data, err := enc.Encode(original)
			require.NoError(t, err)

			decoded, err := enc.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, original.Kind, decoded.Kind)
			assert.Equal(t, original.Content, decoded.Content)
			assert.Equal(t, original.Attributes, decoded.Attributes)
			assert.Equal(t, original.ConversationID, decoded.ConversationID)
			assert.Equal(t, original.Sequence, decoded.Sequence)
			assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
		})
	}
}

func TestEncoding_SequenceOmittedForConnected(t *testing.T) {
	enc, err := NewEncoder(ModePlain)
	require.NoError(t, err)

	data, err := enc.Encode(Connected("chat-9"))
	require.NoError(t, err)

	m := decodeMap(t, data)
	assert.NotContains(t, m, "sequence")
	assert.Equal(t, "connected", m["event_type"])
	assert.Equal(t, "chat-9", m["metadata"].(map[string]any)["conversation_id"])
}

func TestNestedDecode_RejectsMissingKind(t *testing.T) {
	enc, err := NewEncoder(ModeNested)
	require.NoError(t, err)

	_, err = enc.Decode([]byte(`{"event_type":"message","content":"x","metadata":{},"timestamp":"","chat_id":"c"}`))
	assert.ErrorIs(t, err, ErrMalformedWire)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("nested")
	require.NoError(t, err)
	assert.Equal(t, ModeNested, m)

	_, err = ParseMode("xml")
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = NewEncoder(Mode("xml"))
	assert.ErrorIs(t, err, ErrUnknownMode)
}
