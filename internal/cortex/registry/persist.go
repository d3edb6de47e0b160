package registry

import (
	"time"

	"github.com/dvellum/synapse/internal/protocol"
	"github.com/dvellum/synapse/pkg/jsonstore"
)

// StoreName is the cache document holding the cortex state snapshot.
const StoreName = "cortex-state"

// cachedNeuron is the serializable subset of a connected neuron that is
// stable across restarts. Outbound senders are connection-scoped and
// never persisted.
type cachedNeuron struct {
	Descriptor      protocol.NeuronDescriptor `json:"descriptor"`
	LastHeartbeatAt *time.Time                `json:"last_heartbeat_at,omitempty"`
}

// cachedState is a coarse, best-effort snapshot used to seed in-memory
// state at startup. It is not the source of truth; live control-plane
// traffic always converges over it.
type cachedState struct {
	Neurons        []cachedNeuron           `json:"neurons"`
	ModelsByNeuron map[string][]ModelStatus `json:"models_by_neuron,omitempty"`
}

// PersistSnapshot writes the recently-online subset of the registry to
// the store. Neurons without a node id, or whose heartbeat is older than
// five minutes (or missing), are treated as offline and intentionally
// forgotten between runs. Intended for graceful shutdown; failures are
// for the caller to log, not fatal.
func (r *Registry) PersistSnapshot(store *jsonstore.Store) error {
	r.mu.Lock()
	now := r.now()
	state := cachedState{ModelsByNeuron: make(map[string][]ModelStatus)}
	for id, n := range r.neurons {
		if id == "" || !n.heartbeatSeen {
			continue
		}
		if now.Sub(n.lastHeartbeat) > degradedWithin {
			continue
		}
		hb := n.lastHeartbeat
		state.Neurons = append(state.Neurons, cachedNeuron{
			Descriptor:      n.descriptor,
			LastHeartbeatAt: &hb,
		})
		if len(n.models) > 0 {
			models := make([]ModelStatus, 0, len(n.models))
			for _, entry := range n.models {
				models = append(models, *entry)
			}
			state.ModelsByNeuron[id] = models
		}
	}
	r.mu.Unlock()

	return store.Save(state)
}

// Restore hydrates the registry from a previously persisted snapshot.
// Restored neurons are treated as if they had just re-registered: their
// heartbeat is reset to now, and they stay offline until a connection
// attaches a sender. A missing cache file is a no-op; a corrupt one is
// returned to the caller.
func (r *Registry) Restore(store *jsonstore.Store) error {
	var state cachedState
	found, err := store.Load(&state)
	if err != nil || !found {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, cached := range state.Neurons {
		id := cached.Descriptor.NodeID
		if id == "" {
			continue
		}
		n, ok := r.neurons[id]
		if !ok {
			n = &connectedNeuron{
				registeredAt: now,
				models:       make(map[protocol.ModelId]*ModelStatus),
			}
			r.neurons[id] = n
		}
		n.descriptor = cached.Descriptor
		n.lastHeartbeat = now
		n.heartbeatSeen = true
		for _, m := range state.ModelsByNeuron[id] {
			entry := m
			n.models[m.ModelID] = &entry
		}
	}
	return nil
}
