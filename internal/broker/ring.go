package broker

import "github.com/capitalize-ai/agent-event-gateway/internal/event"

// ring holds the most recent events of a channel, oldest first.
type ring struct {
	buf   []event.Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]event.Event, capacity)}
}

// push appends e, overwriting the oldest entry when full.
func (r *ring) push(e event.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns a copy of the buffered events, oldest first.
func (r *ring) snapshot() []event.Event {
	out := make([]event.Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int { return r.size }
