package event

import "sync"

// eventRing is a fixed-capacity ring buffer of published events.
// When full, the oldest event is overwritten.
type eventRing struct {
	mu    sync.RWMutex
	buf   []Event
	head  int // next write position
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) Add(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = evt
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Snapshot returns the retained events, oldest first.
func (r *eventRing) Snapshot() []Event {
	return r.Filter(nil)
}

// Filter returns retained events matching keep, oldest first.
// A nil keep matches everything.
func (r *eventRing) Filter(keep func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		evt := r.buf[(start+i)%len(r.buf)]
		if keep == nil || keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}

func (r *eventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
