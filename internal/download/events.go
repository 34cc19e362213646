package download

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultEventBuffer is the per-subscriber channel buffer used when none is
// given.
const DefaultEventBuffer = 64

// TaskEvent is published on every task status transition.
type TaskEvent struct {
	Task Task `json:"task"`
}

// eventHub fans task events out to subscribers. Slow subscribers miss
// events rather than stalling workers.
type eventHub struct {
	mu      sync.RWMutex
	streams map[string]chan TaskEvent
}

func newEventHub() *eventHub {
	return &eventHub{streams: map[string]chan TaskEvent{}}
}

func (h *eventHub) publish(ev TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe(buffer int) (string, <-chan TaskEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	id := uuid.NewString()
	ch := make(chan TaskEvent, buffer)

	h.mu.Lock()
	h.streams[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.streams, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}
