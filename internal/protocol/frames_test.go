package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrameRejectsUnknownKind(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"kind":"telemetry","neuron_id":"n1"}`))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestDecodeFrameRegister(t *testing.T) {
	raw := []byte(`{"kind":"register","neuron":{"node_id":"n1","label":"lab","metadata":{"arch":"arm64"}}}`)
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if frame.Kind != FrameRegister || frame.Neuron == nil {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Neuron.NodeID != "n1" || frame.Neuron.Metadata["arch"] != "arm64" {
		t.Fatalf("descriptor mismatch: %+v", frame.Neuron)
	}
}

func TestDecodeFrameHeartbeatRequiresNeuronID(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"kind":"heartbeat","metrics":{"load":0.5}}`))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestResponseFrameRoundTripOnWire(t *testing.T) {
	frame := ResponseFrame("n1", ErrorResponse("m1", "spawn failed"))
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Response == nil || decoded.Response.OK || decoded.Response.Error != "spawn failed" {
		t.Fatalf("response mismatch: %+v", decoded.Response)
	}
}

func TestDecodeDirectiveValidatesCommand(t *testing.T) {
	_, err := DecodeDirective([]byte(`{"kind":"provisioning","cmd":{"kind":"load_model"}}`))
	if err == nil {
		t.Fatalf("expected error for load_model without model_id")
	}

	d, err := DecodeDirective([]byte(`{"kind":"provisioning","cmd":{"kind":"load_model","model_id":"m1"}}`))
	if err != nil {
		t.Fatalf("decode directive: %v", err)
	}
	if d.Cmd.TargetModel() != "m1" {
		t.Fatalf("target model mismatch: %q", d.Cmd.TargetModel())
	}
}

func TestDecodeDirectiveRequestCapabilities(t *testing.T) {
	d, err := DecodeDirective([]byte(`{"kind":"request_capabilities"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Kind != DirectiveRequestCapabilities {
		t.Fatalf("unexpected kind %q", d.Kind)
	}
}

func TestCommandValidate(t *testing.T) {
	if err := UpsertModelConfig(ModelConfig{ID: "m1", BackendKind: "vllm"}).Validate(); err != nil {
		t.Fatalf("valid upsert rejected: %v", err)
	}
	if err := (ProvisioningCommand{Kind: CommandUpsertModelConfig}).Validate(); err == nil {
		t.Fatalf("upsert without config accepted")
	}
	if err := (ProvisioningCommand{Kind: "restart_model", ModelID: "m1"}).Validate(); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if got := UpsertModelConfig(ModelConfig{ID: "m2"}).TargetModel(); got != "m2" {
		t.Fatalf("upsert target model mismatch: %q", got)
	}
}
