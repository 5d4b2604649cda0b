package acquisition

import (
	"sync"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
)

// State is a state of the acquisition state machine.
type State string

const (
	StateIdle       State = "idle"
	StateArming     State = "arming"
	StateStepping   State = "stepping"
	StateReading    State = "reading"
	StateAborting   State = "aborting"
	StateFinalizing State = "finalizing"
	StateFaulted    State = "faulted"
)

// Running reports whether a scan is in progress in s.
func (s State) Running() bool {
	switch s {
	case StateArming, StateStepping, StateReading, StateAborting, StateFinalizing:
		return true
	}
	return false
}

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	State State     `json:"state"`
	Step  int       `json:"step"`
	Time  time.Time `json:"time"`
}

// Observer receives status events and warnings on the scan goroutine, in
// step order. Implementations must return quickly; slow consumers should
// queue, as Hub does.
type Observer interface {
	OnStatus(StatusEvent)
	OnWarning(scan.Warning)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Status  func(StatusEvent)
	Warning func(scan.Warning)
}

func (f ObserverFuncs) OnStatus(e StatusEvent) {
	if f.Status != nil {
		f.Status(e)
	}
}

func (f ObserverFuncs) OnWarning(w scan.Warning) {
	if f.Warning != nil {
		f.Warning(w)
	}
}

// Event is one item delivered by a Hub: exactly one field is set.
type Event struct {
	Status  *StatusEvent  `json:"status,omitempty"`
	Warning *scan.Warning `json:"warning,omitempty"`
}

// Hub is an Observer that fans events out to any number of subscribers.
// Each subscriber has its own buffered queue; when a queue is full the
// event is dropped for that subscriber only and counted.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]*hubSub
	next    int
	closing bool
}

type hubSub struct {
	ch      chan Event
	dropped int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*hubSub)}
}

// Subscribe registers a subscriber with a queue of size buffer.
func (h *Hub) Subscribe(buffer int) (int, <-chan Event) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, buffer)
	if h.closing {
		close(ch)
		return -1, ch
	}
	id := h.next
	h.next++
	h.subs[id] = &hubSub{ch: ch}
	return id, ch
}

// Unsubscribe closes the subscriber's channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		close(s.ch)
		delete(h.subs, id)
	}
}

// Dropped returns how many events subscriber id has missed.
func (h *Hub) Dropped(id int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		return s.dropped
	}
	return 0
}

// Close closes every subscriber channel; later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

func (h *Hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
	}
}

func (h *Hub) OnStatus(e StatusEvent) { h.publish(Event{Status: &e}) }

func (h *Hub) OnWarning(w scan.Warning) { h.publish(Event{Warning: &w}) }
