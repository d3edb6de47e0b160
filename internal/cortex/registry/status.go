package registry

import (
	"time"

	"github.com/dvellum/synapse/internal/protocol"
)

// Status is the coarse derived state of a (neuron, model) pair. It is
// always recomputed from the last command/response pair and never stored
// independently.
type Status string

const (
	StatusConfiguring Status = "configuring"
	StatusConfigured  Status = "configured"
	StatusLoading     Status = "loading"
	StatusLoaded      Status = "loaded"
	StatusUnloading   Status = "unloading"
	StatusUnloaded    Status = "unloaded"
	StatusFailed      Status = "failed"
	StatusUnknown     Status = "unknown"
)

// EffectiveStatus derives the status of a model from the kind of the last
// command sent and the last response received. The function is pure: the
// same inputs always yield the same output, independent of update order.
// A nil response means the command is still in flight.
func EffectiveStatus(lastCmd protocol.CommandKind, lastResp *protocol.ProvisioningResponse) Status {
	if lastResp != nil && !lastResp.OK {
		return StatusFailed
	}
	inflight := lastResp == nil
	switch lastCmd {
	case protocol.CommandUpsertModelConfig:
		if inflight {
			return StatusConfiguring
		}
		return StatusConfigured
	case protocol.CommandLoadModel:
		if inflight {
			return StatusLoading
		}
		return StatusLoaded
	case protocol.CommandUnloadModel:
		if inflight {
			return StatusUnloading
		}
		return StatusUnloaded
	default:
		return StatusUnknown
	}
}

// Health classifies a neuron by heartbeat recency.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthStale    Health = "stale"
)

const (
	healthyWithin  = time.Minute
	degradedWithin = 5 * time.Minute
)

// HealthFor classifies a heartbeat age. A neuron that has never sent a
// heartbeat is stale.
func HealthFor(age time.Duration, seen bool) Health {
	switch {
	case !seen || age > degradedWithin:
		return HealthStale
	case age > healthyWithin:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// ModelStatus records the provisioning history cortex keeps per
// (neuron, model): the kind of the last command sent and the last
// response received. The effective status is derived, never stored.
type ModelStatus struct {
	ModelID      protocol.ModelId               `json:"model_id"`
	LastCommand  protocol.CommandKind           `json:"last_command"`
	LastResponse *protocol.ProvisioningResponse `json:"last_response,omitempty"`
}

// Effective returns the derived status for this entry.
func (m ModelStatus) Effective() Status {
	return EffectiveStatus(m.LastCommand, m.LastResponse)
}
