package pipeline

import (
	"sync"
	"time"

	"github.com/dgallion1/deckgen/internal/domain"
)

// EventType identifies a progress event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventChunkStarted   EventType = "chunk_started"
	EventChunkRetry     EventType = "chunk_retry"
	EventChunkSucceeded EventType = "chunk_succeeded"
	EventChunkFailed    EventType = "chunk_failed"
	EventRunCompleted   EventType = "run_completed"
)

// Event is a progress notification emitted by a run.
type Event struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"run_id"`
	ChunkID   string           `json:"chunk_id,omitempty"`
	Sequence  int              `json:"sequence"`
	Total     int              `json:"total"`
	Attempt   int              `json:"attempt,omitempty"`
	Accepted  int              `json:"accepted,omitempty"`
	Rejected  int              `json:"rejected,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	Time      time.Time        `json:"time"`
}

// broadcaster fans events out to subscribers without ever blocking the run:
// a subscriber whose buffer is full misses the event.
type broadcaster struct {
	mu      sync.Mutex
	subs    []chan Event
	dropped int
}

func (b *broadcaster) subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// closeAll ends every current subscription.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

func (b *broadcaster) droppedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
