package api

import (
	"sync"
	"time"

	"github.com/patrickwarner/adslot/internal/slot"
)

// LoggedEvent is a lifecycle event as kept by the EventLog.
type LoggedEvent struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	slot.Event
}

// EventLog keeps the most recent lifecycle events per slot so HTTP clients
// can poll for what happened. It is a slot.Listener.
type EventLog struct {
	mu    sync.Mutex
	size  int
	seq   uint64
	now   func() time.Time
	items map[string][]LoggedEvent
}

// NewEventLog keeps at most size events per slot.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 256
	}
	return &EventLog{size: size, now: time.Now, items: make(map[string][]LoggedEvent)}
}

// OnEvent implements slot.Listener.
func (l *EventLog) OnEvent(e slot.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := e.Info.AdID
	events := append(l.items[id], LoggedEvent{Seq: l.seq, At: l.now(), Event: e})
	if len(events) > l.size {
		events = events[len(events)-l.size:]
	}
	l.items[id] = events
}

// Since returns the events of adID with a sequence number above after.
func (l *EventLog) Since(adID string, after uint64) []LoggedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []LoggedEvent{}
	for _, e := range l.items[adID] {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Forget drops the events of a destroyed slot.
func (l *EventLog) Forget(adID string) {
	l.mu.Lock()
	delete(l.items, adID)
	l.mu.Unlock()
}
