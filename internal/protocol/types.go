// Package protocol defines the shared message and DTO types exchanged
// between cortex and neuron nodes. It carries no behaviour beyond
// validation and JSON wire encoding.
package protocol

import (
	"errors"
	"fmt"
)

// ModelId is the logical identifier for a model. It is the equality key
// across every store in the fabric.
type ModelId string

// EnvVar is a single environment variable entry for backend processes.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ModelConfig describes how a neuron should start or reach a model
// backend. Cortex owns the authoritative copy; neurons mirror it in a
// local cache. BackendKind is an opaque hint (e.g. "vllm", "llama_cpp")
// used when deriving listen endpoints.
type ModelConfig struct {
	ID             ModelId        `json:"id"`
	DisplayName    string         `json:"display_name,omitempty"`
	BackendKind    string         `json:"backend_kind"`
	Command        string         `json:"command,omitempty"`
	Args           []string       `json:"args,omitempty"`
	Env            []EnvVar       `json:"env,omitempty"`
	ListenEndpoint string         `json:"listen_endpoint,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NeuronDescriptor identifies a worker node as seen from cortex. A
// missing NodeID is valid but the neuron cannot be addressed for
// provisioning until one is known.
type NeuronDescriptor struct {
	NodeID   string         `json:"node_id,omitempty"`
	Label    string         `json:"label,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ModelCapability describes what a loaded model can serve. It rides in
// heartbeat metrics when cortex requests a capabilities refresh.
type ModelCapability struct {
	ID                 ModelId `json:"id"`
	SupportsChat       bool    `json:"supports_chat"`
	SupportsEmbeddings bool    `json:"supports_embeddings"`
	SupportsVision     bool    `json:"supports_vision"`
	MaxContextTokens   int     `json:"max_context_tokens"`
}

// CommandKind discriminates provisioning commands.
type CommandKind string

const (
	CommandUpsertModelConfig CommandKind = "upsert_model_config"
	CommandLoadModel         CommandKind = "load_model"
	CommandUnloadModel       CommandKind = "unload_model"
)

// ProvisioningCommand is one of UpsertModelConfig, LoadModel or
// UnloadModel. Config is set only for upserts; ModelID only for
// load/unload.
type ProvisioningCommand struct {
	Kind    CommandKind  `json:"kind"`
	Config  *ModelConfig `json:"config,omitempty"`
	ModelID ModelId      `json:"model_id,omitempty"`
}

// UpsertModelConfig builds a command that makes a configuration available
// on a neuron without loading it.
func UpsertModelConfig(cfg ModelConfig) ProvisioningCommand {
	return ProvisioningCommand{Kind: CommandUpsertModelConfig, Config: &cfg}
}

// LoadModel builds a command that asks a neuron to bring a model into an
// active serving state.
func LoadModel(id ModelId) ProvisioningCommand {
	return ProvisioningCommand{Kind: CommandLoadModel, ModelID: id}
}

// UnloadModel builds a command that asks a neuron to stop serving a model.
func UnloadModel(id ModelId) ProvisioningCommand {
	return ProvisioningCommand{Kind: CommandUnloadModel, ModelID: id}
}

// TargetModel returns the model a command addresses regardless of kind.
func (c ProvisioningCommand) TargetModel() ModelId {
	if c.Kind == CommandUpsertModelConfig && c.Config != nil {
		return c.Config.ID
	}
	return c.ModelID
}

// Validate checks the kind/payload pairing of a command.
func (c ProvisioningCommand) Validate() error {
	switch c.Kind {
	case CommandUpsertModelConfig:
		if c.Config == nil {
			return errors.New("upsert_model_config requires a config payload")
		}
		if c.Config.ID == "" {
			return errors.New("model config requires an id")
		}
	case CommandLoadModel, CommandUnloadModel:
		if c.ModelID == "" {
			return fmt.Errorf("%s requires a model_id", c.Kind)
		}
	default:
		return fmt.Errorf("unknown provisioning command kind %q", c.Kind)
	}
	return nil
}

// ProvisioningResponse acknowledges a provisioning command. OK carries an
// optional human-readable message; failures carry the error text instead.
type ProvisioningResponse struct {
	ModelID ModelId `json:"model_id"`
	OK      bool    `json:"ok"`
	Message string  `json:"message,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// OkResponse builds a success response for a model.
func OkResponse(id ModelId, message string) ProvisioningResponse {
	return ProvisioningResponse{ModelID: id, OK: true, Message: message}
}

// ErrorResponse builds a failure response for a model.
func ErrorResponse(id ModelId, errText string) ProvisioningResponse {
	return ProvisioningResponse{ModelID: id, OK: false, Error: errText}
}
