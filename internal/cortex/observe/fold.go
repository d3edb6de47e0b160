package observe

import (
	"sort"
	"time"

	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/internal/protocol"
)

// foldNeuron accumulates per-neuron state while replaying events.
type foldNeuron struct {
	descriptor    protocol.NeuronDescriptor
	lastHeartbeat time.Time
	heartbeatSeen bool
	online        bool
	models        map[protocol.ModelId]*registry.ModelStatus
}

// Fold replays a stream of events from empty state and materializes the
// same views a registry snapshot would produce at time now. Dashboards
// use this to reconstruct state without replaying full history, and the
// tests use it to pin the snapshot/event equivalence. Events are
// upsert-shaped, so replaying an event already reflected in a snapshot
// converges to the same state.
func Fold(events []Event, now time.Time) []registry.NeuronView {
	neurons := make(map[string]*foldNeuron)

	get := func(id string) *foldNeuron {
		n, ok := neurons[id]
		if !ok {
			n = &foldNeuron{
				descriptor: protocol.NeuronDescriptor{NodeID: id},
				models:     make(map[protocol.ModelId]*registry.ModelStatus),
			}
			neurons[id] = n
		}
		return n
	}

	for _, evt := range events {
		switch evt.Type {
		case EventNeuronRegistered:
			if evt.Neuron == nil || evt.Neuron.NodeID == "" {
				continue
			}
			n := get(evt.Neuron.NodeID)
			n.descriptor = *evt.Neuron
			n.online = true
		case EventNeuronRemoved:
			delete(neurons, evt.NeuronID)
		case EventNeuronHeartbeat:
			if evt.NeuronID == "" {
				continue
			}
			n := get(evt.NeuronID)
			n.lastHeartbeat = evt.At
			n.heartbeatSeen = true
		case EventProvisioningSent:
			if evt.NeuronID == "" || evt.Cmd == nil {
				continue
			}
			n := get(evt.NeuronID)
			model := evt.Cmd.TargetModel()
			entry, ok := n.models[model]
			if !ok {
				entry = &registry.ModelStatus{ModelID: model}
				n.models[model] = entry
			}
			entry.LastCommand = evt.Cmd.Kind
			entry.LastResponse = nil
		case EventProvisioningResponse:
			if evt.NeuronID == "" || evt.Response == nil {
				continue
			}
			n := get(evt.NeuronID)
			entry, ok := n.models[evt.Response.ModelID]
			if !ok {
				entry = &registry.ModelStatus{ModelID: evt.Response.ModelID}
				n.models[evt.Response.ModelID] = entry
			}
			resp := *evt.Response
			entry.LastResponse = &resp
		case EventModelStateChanged, EventCortexShutdownNotice:
			// Derived/advisory events; state already captured above.
		}
	}

	views := make([]registry.NeuronView, 0, len(neurons))
	for _, n := range neurons {
		view := registry.NeuronView{
			Descriptor:    n.descriptor,
			LastHeartbeat: n.lastHeartbeat,
			HeartbeatSeen: n.heartbeatSeen,
			Health:        registry.HealthFor(now.Sub(n.lastHeartbeat), n.heartbeatSeen),
			Online:        n.online,
		}
		models := make([]registry.ModelStatusView, 0, len(n.models))
		for _, entry := range n.models {
			models = append(models, registry.ModelStatusView{
				ModelID:      entry.ModelID,
				LastCommand:  entry.LastCommand,
				LastResponse: entry.LastResponse,
				Status:       entry.Effective(),
			})
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
		if len(models) > 0 {
			view.Models = models
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Descriptor.NodeID < views[j].Descriptor.NodeID
	})
	return views
}
