package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
)

func testRegistry(t *testing.T, firehose bool) *Registry {
	t.Helper()
	r := NewRegistry(Options{BufferSize: 16, QueueSize: 16}, firehose, nil)
	t.Cleanup(r.Close)
	return r
}

// age pushes a channel's last activity into the past.
func age(ch *Channel, d time.Duration) {
	ch.mu.Lock()
	ch.lastActivity = time.Now().Add(-d)
	ch.mu.Unlock()
}

func TestRegistry_GetOrCreateReturnsSameInstance(t *testing.T) {
	r := testRegistry(t, false)

	var wg sync.WaitGroup
	got := make([]*Channel, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := r.GetOrCreate("chat-1")
			assert.NoError(t, err)
			got[i] = ch
		}(i)
	}
	wg.Wait()

	for _, ch := range got {
		assert.Same(t, got[0], ch)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	r := testRegistry(t, false)

	_, err := r.GetOrCreate("")
	assert.ErrorIs(t, err, event.ErrEmptyConversation)
}

func TestRegistry_LookupDoesNotCreate(t *testing.T) {
	r := testRegistry(t, false)

	_, ok := r.Lookup("chat-1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistry_EvictIdleSkipsActiveAndSubscribed(t *testing.T) {
	r := testRegistry(t, false)

	idle, err := r.GetOrCreate("idle")
	require.NoError(t, err)
	publishN(t, idle, 1)
	age(idle, time.Hour)

	busy, err := r.GetOrCreate("busy")
	require.NoError(t, err)
	publishN(t, busy, 1)

	watched, err := r.GetOrCreate("watched")
	require.NoError(t, err)
	_, _, err = watched.Subscribe(event.ModePlain)
	require.NoError(t, err)
	age(watched, time.Hour)

	assert.Equal(t, 1, r.EvictIdle(time.Minute))
	assert.True(t, idle.Closed())
	assert.False(t, busy.Closed())
	assert.False(t, watched.Closed())

	_, ok := r.Lookup("idle")
	assert.False(t, ok)
}

func TestRegistry_NewChannelSurvivesFirstSweep(t *testing.T) {
	r := testRegistry(t, false)

	ch, err := r.GetOrCreate("fresh")
	require.NoError(t, err)
	age(ch, time.Hour)

	assert.Zero(t, r.EvictIdle(time.Minute))
	_, err = ch.Publish(event.Message("fresh", "first use", nil))
	require.NoError(t, err)

	// A never-used channel is evicted on the second idle sweep.
	unused, err := r.GetOrCreate("unused")
	require.NoError(t, err)
	age(unused, time.Hour)
	assert.Zero(t, r.EvictIdle(time.Minute))
	assert.Equal(t, 1, r.EvictIdle(time.Minute))
	assert.True(t, unused.Closed())
}

func TestRegistry_EvictionRestartsSequence(t *testing.T) {
	r := testRegistry(t, false)

	ch, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	publishN(t, ch, 3)

	// A detached subscriber does not keep the channel alive.
	sub, _, err := ch.Subscribe(event.ModePlain)
	require.NoError(t, err)
	ch.Unsubscribe(sub)
	age(ch, time.Hour)

	assert.Equal(t, 1, r.EvictIdle(time.Minute))
	assert.True(t, ch.Closed())

	fresh, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	assert.NotSame(t, ch, fresh)
	seq, err := fresh.Publish(event.Message("chat-1", "again", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestRegistry_ResolvedChannelSurvivesSweep(t *testing.T) {
	r := testRegistry(t, false)

	ch, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	publishN(t, ch, 1)
	age(ch, time.Hour)

	resolved, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	require.Same(t, ch, resolved)

	assert.Zero(t, r.EvictIdle(time.Minute))
	sub, snapshot, err := resolved.Subscribe(event.ModePlain)
	require.NoError(t, err)
	defer resolved.Unsubscribe(sub)
	assert.Len(t, snapshot, 1)
}

func TestRegistry_DiscardOnlyRemovesUnusedChannels(t *testing.T) {
	r := testRegistry(t, false)

	unused, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.True(t, r.Discard(unused))
	assert.True(t, unused.Closed())

	used, err := r.GetOrCreate("b")
	require.NoError(t, err)
	publishN(t, used, 1)
	assert.False(t, r.Discard(used))
	assert.False(t, used.Closed())
}

func TestRegistry_CloseTerminatesStreamsAndRejectsNewChannels(t *testing.T) {
	r := NewRegistry(Options{}, true, nil)

	ch, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	sub, _, err := ch.Subscribe(event.ModePlain)
	require.NoError(t, err)

	r.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	_, err = r.GetOrCreate("chat-2")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistry_FirehoseMirrorsAllConversations(t *testing.T) {
	r := testRegistry(t, true)

	all, err := r.GetOrCreate(WildcardID)
	require.NoError(t, err)
	sub, _, err := all.Subscribe(event.ModePlain)
	require.NoError(t, err)

	a, err := r.GetOrCreate("a")
	require.NoError(t, err)
	b, err := r.GetOrCreate("b")
	require.NoError(t, err)

	publishN(t, a, 2)
	publishN(t, b, 1)

	got := []event.Event{receive(t, sub), receive(t, sub), receive(t, sub)}
	assert.Equal(t, "a", got[0].ConversationID)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, "a", got[1].ConversationID)
	assert.Equal(t, uint64(2), got[1].Sequence)
	assert.Equal(t, "b", got[2].ConversationID)
	assert.Equal(t, uint64(1), got[2].Sequence)

	_, err = all.Publish(event.Message(WildcardID, "nope", nil))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRegistry_RunStopsOnContextCancel(t *testing.T) {
	r := testRegistry(t, false)

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_GetOrCreateReplacesClosedChannel(t *testing.T) {
	r := testRegistry(t, false)

	old, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	old.Close()

	ch, err := r.GetOrCreate("chat-1")
	require.NoError(t, err)
	assert.NotSame(t, old, ch)
	assert.False(t, ch.Closed())
	assert.Equal(t, 1, r.Len())
}
