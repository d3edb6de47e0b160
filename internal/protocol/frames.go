package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolViolation marks frames that must close the connection.
var ErrProtocolViolation = errors.New("protocol violation")

// FrameKind discriminates neuron-to-cortex frames.
type FrameKind string

const (
	FrameRegister             FrameKind = "register"
	FrameHeartbeat            FrameKind = "heartbeat"
	FrameProvisioningResponse FrameKind = "provisioning_response"
	FrameShutdown             FrameKind = "shutdown"
)

// Frame is the neuron-to-cortex wire envelope. Register must be the first
// frame on every connection.
type Frame struct {
	Kind     FrameKind             `json:"kind"`
	Neuron   *NeuronDescriptor     `json:"neuron,omitempty"`
	NeuronID string                `json:"neuron_id,omitempty"`
	Metrics  map[string]any        `json:"metrics,omitempty"`
	Response *ProvisioningResponse `json:"response,omitempty"`
}

// RegisterFrame builds the initial registration frame.
func RegisterFrame(desc NeuronDescriptor) Frame {
	return Frame{Kind: FrameRegister, Neuron: &desc}
}

// HeartbeatFrame builds a periodic liveness frame with free-form metrics.
func HeartbeatFrame(neuronID string, metrics map[string]any) Frame {
	return Frame{Kind: FrameHeartbeat, NeuronID: neuronID, Metrics: metrics}
}

// ResponseFrame wraps a provisioning response for the wire.
func ResponseFrame(neuronID string, resp ProvisioningResponse) Frame {
	return Frame{Kind: FrameProvisioningResponse, NeuronID: neuronID, Response: &resp}
}

// ShutdownFrame announces a graceful departure.
func ShutdownFrame(neuronID string) Frame {
	return Frame{Kind: FrameShutdown, NeuronID: neuronID}
}

// Validate checks the kind/payload pairing of an inbound frame.
func (f Frame) Validate() error {
	switch f.Kind {
	case FrameRegister:
		if f.Neuron == nil {
			return fmt.Errorf("%w: register frame without neuron descriptor", ErrProtocolViolation)
		}
	case FrameHeartbeat, FrameShutdown:
		if f.NeuronID == "" {
			return fmt.Errorf("%w: %s frame without neuron_id", ErrProtocolViolation, f.Kind)
		}
	case FrameProvisioningResponse:
		if f.NeuronID == "" || f.Response == nil {
			return fmt.Errorf("%w: provisioning_response frame missing neuron_id or response", ErrProtocolViolation)
		}
	default:
		return fmt.Errorf("%w: unknown frame kind %q", ErrProtocolViolation, f.Kind)
	}
	return nil
}

// DirectiveKind discriminates cortex-to-neuron frames.
type DirectiveKind string

const (
	DirectiveProvisioning        DirectiveKind = "provisioning"
	DirectiveRequestCapabilities DirectiveKind = "request_capabilities"
)

// Directive is the cortex-to-neuron wire envelope.
type Directive struct {
	Kind DirectiveKind        `json:"kind"`
	Cmd  *ProvisioningCommand `json:"cmd,omitempty"`
}

// ProvisioningDirective wraps a command for the wire.
func ProvisioningDirective(cmd ProvisioningCommand) Directive {
	return Directive{Kind: DirectiveProvisioning, Cmd: &cmd}
}

// RequestCapabilitiesDirective asks a neuron for a capabilities refresh.
func RequestCapabilitiesDirective() Directive {
	return Directive{Kind: DirectiveRequestCapabilities}
}

// Validate checks the kind/payload pairing of a directive.
func (d Directive) Validate() error {
	switch d.Kind {
	case DirectiveProvisioning:
		if d.Cmd == nil {
			return fmt.Errorf("%w: provisioning directive without command", ErrProtocolViolation)
		}
		return d.Cmd.Validate()
	case DirectiveRequestCapabilities:
	default:
		return fmt.Errorf("%w: unknown directive kind %q", ErrProtocolViolation, d.Kind)
	}
	return nil
}

// DecodeFrame parses and validates a neuron-to-cortex frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// DecodeDirective parses and validates a cortex-to-neuron directive.
func DecodeDirective(data []byte) (Directive, error) {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := d.Validate(); err != nil {
		return Directive{}, err
	}
	return d, nil
}
