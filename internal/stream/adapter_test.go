package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/event"
)

type recordingWriter struct {
	frames   chan []byte
	comments chan string
	failOn   int
	written  int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		frames:   make(chan []byte, 256),
		comments: make(chan string, 16),
	}
}

var errBrokenPipe = errors.New("broken pipe")

func (w *recordingWriter) WriteFrame(data []byte) error {
	w.written++
	if w.failOn > 0 && w.written >= w.failOn {
		return errBrokenPipe
	}
	w.frames <- append([]byte(nil), data...)
	return nil
}

func (w *recordingWriter) WriteComment(text string) error {
	w.comments <- text
	return nil
}

func nextFrame(t *testing.T, enc event.Encoder, w *recordingWriter) event.Event {
	t.Helper()
	select {
	case data := <-w.frames:
		e, err := enc.Decode(data)
		require.NoError(t, err)
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return event.Event{}
}

func waitForSubscribers(t *testing.T, ch *broker.Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ch.Stats().Subscribers == n
	}, time.Second, 5*time.Millisecond)
}

func serve(ctx context.Context, a *Adapter, ch *broker.Channel, w FrameWriter) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ch, w) }()
	return done
}

func setup(t *testing.T, mode event.Mode) (*broker.Registry, *broker.Channel, event.Encoder) {
	t.Helper()
	reg := broker.NewRegistry(broker.Options{BufferSize: 8, QueueSize: 32}, false, nil)
	t.Cleanup(reg.Close)
	ch, err := reg.GetOrCreate("chat-1")
	require.NoError(t, err)
	enc, err := event.NewEncoder(mode)
	require.NoError(t, err)
	return reg, ch, enc
}

func TestAdapter_ConnectedThenSnapshotThenLive(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)

	_, err := ch.Publish(event.Thinking("chat-1", 1, false, ""))
	require.NoError(t, err)
	_, err = ch.Publish(event.Message("chat-1", "early", nil))
	require.NoError(t, err)

	w := newRecordingWriter()
	done := serve(testContext(t), NewAdapter(enc, 0, nil), ch, w)

	first := nextFrame(t, enc, w)
	assert.Equal(t, event.KindConnected, first.Kind)
	assert.Equal(t, "chat-1", first.Attributes["conversation_id"])
	assert.Zero(t, first.Sequence)

	assert.Equal(t, uint64(1), nextFrame(t, enc, w).Sequence)
	replayed := nextFrame(t, enc, w)
	assert.Equal(t, uint64(2), replayed.Sequence)
	assert.Equal(t, "early", replayed.Content)

	_, err = ch.Publish(event.Message("chat-1", "live", nil))
	require.NoError(t, err)
	live := nextFrame(t, enc, w)
	assert.Equal(t, uint64(3), live.Sequence)
	assert.Equal(t, "live", live.Content)

	ch.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop on channel close")
	}
}

func TestAdapter_NestedModeFrames(t *testing.T) {
	_, ch, enc := setup(t, event.ModeNested)

	w := newRecordingWriter()
	serve(testContext(t), NewAdapter(enc, 0, nil), ch, w)
	waitForSubscribers(t, ch, 1)

	_, err := ch.Publish(event.ToolCall("chat-1", "search", "abc1", map[string]any{"q": "weather Tokyo"}, 1))
	require.NoError(t, err)

	nextFrame(t, enc, w) // connected
	select {
	case data := <-w.frames:
		assert.Contains(t, string(data), `"event_type":"message"`)
		e, err := enc.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, event.KindToolCall, e.Kind)
		assert.Equal(t, "search", e.Attributes["tool"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestAdapter_DisconnectReleasesSubscription(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)

	ctx, cancel := context.WithCancel(testContext(t))
	w := newRecordingWriter()
	done := serve(ctx, NewAdapter(enc, 0, nil), ch, w)
	waitForSubscribers(t, ch, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop on disconnect")
	}
	assert.Zero(t, ch.Stats().Subscribers)
}

func TestAdapter_WriteFailureReleasesSubscription(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)

	w := newRecordingWriter()
	w.failOn = 2
	done := serve(testContext(t), NewAdapter(enc, 0, nil), ch, w)
	waitForSubscribers(t, ch, 1)

	_, err := ch.Publish(event.Message("chat-1", "boom", nil))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errBrokenPipe)
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop on write failure")
	}
	assert.Zero(t, ch.Stats().Subscribers)
}

func TestAdapter_ClosedChannelRejectsAttach(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)
	ch.Close()

	err := NewAdapter(enc, 0, nil).Serve(testContext(t), ch, newRecordingWriter())
	assert.ErrorIs(t, err, broker.ErrChannelClosed)
}

// gatedWriter holds every frame until release is closed.
type gatedWriter struct {
	*recordingWriter
	entered chan struct{}
	release chan struct{}
}

func (w *gatedWriter) WriteFrame(data []byte) error {
	w.entered <- struct{}{}
	<-w.release
	return w.recordingWriter.WriteFrame(data)
}

func TestAdapter_KeepsForwardingAfterOverflow(t *testing.T) {
	reg := broker.NewRegistry(broker.Options{BufferSize: 8, QueueSize: 1}, false, nil)
	t.Cleanup(reg.Close)
	ch, err := reg.GetOrCreate("chat-1")
	require.NoError(t, err)
	enc, err := event.NewEncoder(event.ModePlain)
	require.NoError(t, err)

	w := &gatedWriter{
		recordingWriter: newRecordingWriter(),
		entered:         make(chan struct{}, 16),
		release:         make(chan struct{}),
	}
	done := serve(testContext(t), NewAdapter(enc, 0, nil), ch, w)

	// The connected frame is stuck in the writer, so the queue of one
	// overflows and only the newest event is kept.
	<-w.entered
	for i := 1; i <= 4; i++ {
		_, err := ch.Publish(event.Message("chat-1", fmt.Sprintf("m%d", i), nil))
		require.NoError(t, err)
	}
	close(w.release)

	assert.Equal(t, event.KindConnected, nextFrame(t, enc, w.recordingWriter).Kind)
	assert.Equal(t, uint64(4), nextFrame(t, enc, w.recordingWriter).Sequence)

	_, err = ch.Publish(event.Message("chat-1", "after", nil))
	require.NoError(t, err)
	after := nextFrame(t, enc, w.recordingWriter)
	assert.Equal(t, uint64(5), after.Sequence)
	assert.Equal(t, "after", after.Content)

	select {
	case err := <-done:
		t.Fatalf("stream ended after overflow: %v", err)
	default:
	}
	assert.Equal(t, 1, ch.Stats().Subscribers)
}

func TestAdapter_AttachThenRelease(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)
	a := NewAdapter(enc, 0, nil)

	at, err := a.Attach(ch)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Stats().Subscribers)

	at.Release()
	at.Release()
	assert.Zero(t, ch.Stats().Subscribers)

	ch.Close()
	_, err = a.Attach(ch)
	assert.ErrorIs(t, err, broker.ErrChannelClosed)
}

func TestAdapter_Heartbeat(t *testing.T) {
	_, ch, enc := setup(t, event.ModePlain)

	w := newRecordingWriter()
	serve(testContext(t), NewAdapter(enc, 10*time.Millisecond, nil), ch, w)

	select {
	case text := <-w.comments:
		assert.Equal(t, "heartbeat", text)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat written")
	}
}

func TestSSEWriter_Framing(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewSSEWriter(rec, time.Second)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte(`{"event_type":"connected"}`)))
	require.NoError(t, w.WriteComment("heartbeat"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"event_type\":\"connected\"}\n\n: heartbeat\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
