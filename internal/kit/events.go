package kit

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/veera-kit/internal/metrics"
)

// EventKind names one notification category.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventClassChanged      EventKind = "class-changed"
	EventExperimentChanged EventKind = "experiment-changed"
	EventSensorUpdate      EventKind = "sensor-update"
	EventAck               EventKind = "ack"
	EventError             EventKind = "error"
)

// AllEvents lists every kind, for subscribers that want everything.
var AllEvents = []EventKind{
	EventConnected, EventDisconnected, EventClassChanged,
	EventExperimentChanged, EventSensorUpdate, EventAck, EventError,
}

// Event is one notification from the kit or the connection.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind `json:"type"`
	ClassNum string    `json:"classNum,omitempty"` // class-changed, raw value
	ExpNum   string    `json:"expNum,omitempty"`   // experiment-changed, raw value
	Sensor   string    `json:"sensor,omitempty"`   // sensor-update
	Value    any       `json:"value,omitempty"`    // sensor-update: float64 if numeric, else string
	Frame    string    `json:"frame,omitempty"`    // ack, and the source frame of decoded events
	Err      string    `json:"error,omitempty"`    // error
	Time     time.Time `json:"time"`
}

// NumericValue returns the sensor value as a number when the kit sent one.
func (e Event) NumericValue() (float64, bool) {
	v, ok := e.Value.(float64)
	return v, ok
}

// Decode classifies an inbound frame. Frames that are not "#<key>:<value>"
// are line noise and yield ok=false.
func Decode(frame string) (Event, bool) {
	key, value, ok := ParseFrame(frame)
	if !ok {
		return Event{}, false
	}
	ev := Event{Frame: frame, Time: time.Now()}
	switch key {
	case "C":
		ev.Kind = EventClassChanged
		ev.ClassNum = value
	case "E":
		ev.Kind = EventExperimentChanged
		ev.ExpNum = value
	default:
		ev.Kind = EventSensorUpdate
		ev.Sensor = key
		ev.Value = sensorValue(value)
	}
	return ev, true
}

func sensorValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	// NaN and Inf parse but are not readings, and JSON cannot carry them.
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return n
	}
	return raw
}

// Subscription receives the events it was registered for on C, in the order
// they were published. Close it when done.
type Subscription struct {
	C <-chan Event

	id    string
	ch    chan Event
	kinds map[EventKind]bool
	hub   *Hub
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Hub is the observer registry for kit events. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty registry.
func NewHub(log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]*Subscription),
		log:     log,
		metrics: m,
	}
}

// Subscribe registers for the given kinds (all kinds when none are given)
// with a channel of the given buffer size.
func (h *Hub) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	if len(kinds) == 0 {
		kinds = AllEvents
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:     ch,
		id:    uuid.NewString(),
		ch:    ch,
		kinds: make(map[EventKind]bool, len(kinds)),
		hub:   h,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber registered for its kind.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.metrics.EventDropped(string(ev.Kind))
			h.log.Warn().Str("subscriber", sub.id).Str("type", string(ev.Kind)).Msg("subscriber too slow, event dropped")
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// closeAll drops every subscriber. Used on manager shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
