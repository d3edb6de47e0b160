// Package registry tracks neurons connected to cortex: liveness,
// health, outbound senders, and per-model provisioning outcomes. It is
// the single shared-state boundary of the control plane; every mutation
// happens under one mutex with short critical sections and no I/O.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/dvellum/synapse/internal/protocol"
)

// Sender is the outbound handle attached to a connected neuron. The
// control-plane server owns the concrete implementation; the registry
// only routes through it.
type Sender interface {
	Enqueue(protocol.Directive) error
}

type connectedNeuron struct {
	descriptor    protocol.NeuronDescriptor
	registeredAt  time.Time
	lastHeartbeat time.Time
	heartbeatSeen bool
	sender        Sender
	models        map[protocol.ModelId]*ModelStatus
}

// Registry is the authoritative in-memory state of connected neurons.
type Registry struct {
	mu      sync.Mutex
	neurons map[string]*connectedNeuron
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		neurons: make(map[string]*connectedNeuron),
		now:     time.Now,
	}
}

// SetClock overrides the registry clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Upsert inserts or updates a neuron descriptor. Re-registering an
// already-known node id updates the descriptor in place and keeps the
// provisioning history; registry size does not change.
func (r *Registry) Upsert(desc protocol.NeuronDescriptor) {
	if desc.NodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.neurons[desc.NodeID]; ok {
		existing.descriptor = desc
		return
	}
	r.neurons[desc.NodeID] = &connectedNeuron{
		descriptor:   desc,
		registeredAt: r.now(),
		models:       make(map[protocol.ModelId]*ModelStatus),
	}
}

// AttachSender installs the outbound handle for a node id. A new
// registration replaces any prior handle.
func (r *Registry) AttachSender(nodeID string, sender Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return false
	}
	n.sender = sender
	return true
}

// DetachSender clears the outbound handle, but only if it still belongs
// to the caller. A connection being replaced must not detach its
// successor's handle.
func (r *Registry) DetachSender(nodeID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.neurons[nodeID]; ok && n.sender == sender {
		n.sender = nil
	}
}

// SenderFor returns the live outbound handle for a node id, if any.
func (r *Registry) SenderFor(nodeID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok || n.sender == nil {
		return nil, false
	}
	return n.sender, true
}

// Heartbeat records a liveness signal for a node id and returns the
// recorded timestamp, so callers can mirror exactly what was stored.
func (r *Registry) Heartbeat(nodeID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return time.Time{}, false
	}
	n.lastHeartbeat = r.now()
	n.heartbeatSeen = true
	return n.lastHeartbeat, true
}

// Remove deletes a neuron and clears its entire provisioning history.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.neurons[nodeID]; !ok {
		return false
	}
	delete(r.neurons, nodeID)
	return true
}

// RecordCommandSent is the first phase of the two-phase status write: it
// optimistically records the in-flight command before any response
// arrives, clearing the previous response. The returned prev captures
// the entry as it was (nil when this command created it) so a send that
// never reaches the wire can be undone with RevertCommandSent.
func (r *Registry) RecordCommandSent(nodeID string, cmd protocol.ProvisioningCommand) (Status, *ModelStatus, bool) {
	model := cmd.TargetModel()
	if model == "" {
		return StatusUnknown, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return StatusUnknown, nil, false
	}
	var prev *ModelStatus
	entry, ok := n.models[model]
	if !ok {
		entry = &ModelStatus{ModelID: model}
		n.models[model] = entry
	} else {
		snapshot := *entry
		prev = &snapshot
	}
	entry.LastCommand = cmd.Kind
	entry.LastResponse = nil
	return entry.Effective(), prev, true
}

// RevertCommandSent undoes phase one for a command that never made it
// onto the wire: the prior history is reinstated, or the entry is
// deleted when the command had created it. Without the revert a failed
// enqueue would leave a phantom in-flight status that no response can
// ever finalize.
func (r *Registry) RevertCommandSent(nodeID string, cmd protocol.ProvisioningCommand, prev *ModelStatus) {
	model := cmd.TargetModel()
	if model == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return
	}
	if prev == nil {
		delete(n.models, model)
		return
	}
	restored := *prev
	n.models[model] = &restored
}

// RecordResponse is the second phase: it finalizes the in-flight entry
// with the neuron's response and returns the re-derived status.
func (r *Registry) RecordResponse(nodeID string, resp protocol.ProvisioningResponse) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return StatusUnknown, false
	}
	entry, ok := n.models[resp.ModelID]
	if !ok {
		// Response for a command this cortex never sent (e.g. issued by a
		// predecessor before restart). Record it so state still converges.
		entry = &ModelStatus{ModelID: resp.ModelID}
		n.models[resp.ModelID] = entry
	}
	r2 := resp
	entry.LastResponse = &r2
	return entry.Effective(), true
}

// StatusFor returns the derived status for a (neuron, model) pair.
func (r *Registry) StatusFor(nodeID string, model protocol.ModelId) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[nodeID]
	if !ok {
		return StatusUnknown, false
	}
	entry, ok := n.models[model]
	if !ok {
		return StatusUnknown, false
	}
	return entry.Effective(), true
}

// Count returns the number of tracked neurons.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.neurons)
}

// ModelStatusView is the materialized status of one model on one neuron.
type ModelStatusView struct {
	ModelID      protocol.ModelId               `json:"model_id"`
	LastCommand  protocol.CommandKind           `json:"last_command"`
	LastResponse *protocol.ProvisioningResponse `json:"last_response,omitempty"`
	Status       Status                         `json:"status"`
}

// NeuronView is the materialized state of one neuron at a point in time.
type NeuronView struct {
	Descriptor    protocol.NeuronDescriptor `json:"descriptor"`
	LastHeartbeat time.Time                 `json:"last_heartbeat,omitempty"`
	HeartbeatSeen bool                      `json:"heartbeat_seen"`
	Health        Health                    `json:"health"`
	Online        bool                      `json:"online"`
	Models        []ModelStatusView         `json:"models,omitempty"`
}

// Snapshot materializes every neuron, sorted by node id. It is a pure
// function of current registry state.
func (r *Registry) Snapshot() []NeuronView {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	views := make([]NeuronView, 0, len(r.neurons))
	for _, n := range r.neurons {
		views = append(views, viewOf(n, now))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Descriptor.NodeID < views[j].Descriptor.NodeID
	})
	return views
}

func viewOf(n *connectedNeuron, now time.Time) NeuronView {
	view := NeuronView{
		Descriptor:    n.descriptor,
		LastHeartbeat: n.lastHeartbeat,
		HeartbeatSeen: n.heartbeatSeen,
		Health:        HealthFor(now.Sub(n.lastHeartbeat), n.heartbeatSeen),
		Online:        n.sender != nil,
	}
	models := make([]ModelStatusView, 0, len(n.models))
	for _, entry := range n.models {
		models = append(models, ModelStatusView{
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
	return view
}

// SweepStale removes neurons whose last activity (heartbeat, or
// registration when no heartbeat was ever received) is older than maxAge
// and returns the pruned node ids. Silent disconnects are left to this
// sweep; explicit shutdown frames remove entries immediately.
func (r *Registry) SweepStale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var pruned []string
	for id, n := range r.neurons {
		last := n.registeredAt
		if n.heartbeatSeen {
			last = n.lastHeartbeat
		}
		if now.Sub(last) > maxAge {
			delete(r.neurons, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}
