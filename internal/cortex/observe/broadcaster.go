// Package observe derives point-in-time snapshots of cortex state and
// streams incremental events to dashboard subscribers. Subscribers get
// the snapshot exactly once on attach, then every registry-mutating
// action as an event; a subscriber that cannot keep up is dropped rather
// than allowed to backpressure the control path.
package observe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/internal/protocol"
)

// EventType enumerates the observe stream event kinds.
type EventType string

const (
	EventNeuronRegistered     EventType = "neuron_registered"
	EventNeuronRemoved        EventType = "neuron_removed"
	EventNeuronHeartbeat      EventType = "neuron_heartbeat"
	EventProvisioningSent     EventType = "provisioning_sent"
	EventProvisioningResponse EventType = "provisioning_response"
	EventModelStateChanged    EventType = "model_state_changed"
	EventCortexShutdownNotice EventType = "cortex_shutdown_notice"
)

// Event mirrors one committed registry mutation. Emission always happens
// after the mutation, so a subscriber that has seen an event will also
// see the mutation in any snapshot taken afterwards.
type Event struct {
	Type     EventType                      `json:"type"`
	NeuronID string                         `json:"neuron_id,omitempty"`
	Neuron   *protocol.NeuronDescriptor     `json:"neuron,omitempty"`
	Metrics  map[string]any                 `json:"metrics,omitempty"`
	Cmd      *protocol.ProvisioningCommand  `json:"cmd,omitempty"`
	Response *protocol.ProvisioningResponse `json:"response,omitempty"`
	ModelID  protocol.ModelId               `json:"model_id,omitempty"`
	Status   registry.Status                `json:"status,omitempty"`
	At       time.Time                      `json:"at"`
}

// Snapshot is the initial state delivered to every new subscriber.
type Snapshot struct {
	Neurons []registry.NeuronView `json:"neurons"`
	TakenAt time.Time             `json:"taken_at"`
}

// Subscriber receives one snapshot and then a stream of events. The
// event channel is closed when the subscriber is dropped for falling
// behind; reconnecting yields a fresh snapshot.
type Subscriber struct {
	snapshot Snapshot
	events   chan Event
}

// Snapshot returns the state captured when the subscriber attached.
func (s *Subscriber) Snapshot() Snapshot {
	return s.snapshot
}

// Events returns the subscriber's event channel. A closed channel means
// the subscriber was dropped and must resubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Broadcaster fans registry events out to dashboard subscribers through
// independent bounded queues.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	buffer     int
	snapshotFn func() []registry.NeuronView
	now        func() time.Time
	logger     *slog.Logger
	onDrop     func()
}

// New creates a broadcaster. snapshotFn is invoked under the
// broadcaster's own mutex so a subscription is atomic with respect to
// publishes; it should be the registry's Snapshot method.
func New(snapshotFn func() []registry.NeuronView, buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	if logger != nil {
		logger = logger.With("component", "observe")
	}
	return &Broadcaster{
		subs:       make(map[*Subscriber]struct{}),
		buffer:     buffer,
		snapshotFn: snapshotFn,
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock overrides the broadcaster clock. Intended for tests.
func (b *Broadcaster) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetDropHook installs a callback invoked whenever a subscriber is
// dropped for falling behind. Used to feed metrics.
func (b *Broadcaster) SetDropHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe computes a snapshot and registers a new subscriber in one
// atomic step, so no event can fall between the snapshot and the stream.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{
		snapshot: Snapshot{Neurons: b.snapshotFn(), TakenAt: b.now()},
		events:   make(chan Event, b.buffer),
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber. Safe to call after a drop.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers an event to every subscriber without ever blocking.
// A subscriber whose queue is full is dropped on the spot.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.At.IsZero() {
		evt.At = b.now()
	}
	for sub := range b.subs {
		select {
		case sub.events <- evt:
		default:
			delete(b.subs, sub)
			close(sub.events)
			if b.logger != nil {
				b.logger.Warn("dropping slow observe subscriber", "queue", b.buffer)
			}
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// AnnounceShutdown notifies all subscribers that cortex is going away.
func (b *Broadcaster) AnnounceShutdown() {
	b.Publish(Event{Type: EventCortexShutdownNotice, At: b.clock()})
}

func (b *Broadcaster) clock() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now()
}
