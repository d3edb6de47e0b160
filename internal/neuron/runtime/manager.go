// Package runtime tracks model configurations on a neuron node, turns
// provisioning commands into worker processes, and exposes a handle for
// talking to the runtimes it launched.
package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dvellum/synapse/internal/neuron/process"
	"github.com/dvellum/synapse/internal/protocol"
	"github.com/dvellum/synapse/pkg/jsonstore"
)

// StoreName is the jsonstore document holding the cached config state.
const StoreName = "neuron-model-configs"

// Backend kinds whose listen endpoint can be derived locally. Anything
// else must carry an explicit listen endpoint in its config.
const (
	BackendVLLM     = "vllm"
	BackendLlamaCpp = "llama_cpp"
)

type configState struct {
	Configs map[protocol.ModelId]protocol.ModelConfig `json:"configs"`
}

// Manager owns the neuron-side model lifecycle. Apply is called from the
// control client's reader goroutine, one command at a time; the mutex
// only guards against concurrent introspection.
type Manager struct {
	mu        sync.Mutex
	logger    *slog.Logger
	procs     *process.Manager
	store     *jsonstore.Store
	configs   map[protocol.ModelId]protocol.ModelConfig
	handles   map[protocol.ModelId]*Handle
	nextPort  int
	portLimit int
	callTO    time.Duration
}

// NewManager hydrates the config cache and prepares the port counter.
// A corrupt cache is a hard error; silently starting with an empty
// config set would mask lost state.
func NewManager(procs *process.Manager, store *jsonstore.Store, portBase, portProbeLimit int, callTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		logger:    logger.With("component", "runtime"),
		procs:     procs,
		store:     store,
		configs:   make(map[protocol.ModelId]protocol.ModelConfig),
		handles:   make(map[protocol.ModelId]*Handle),
		nextPort:  portBase,
		portLimit: portProbeLimit,
		callTO:    callTimeout,
	}
	if store != nil {
		var cached configState
		found, err := store.Load(&cached)
		if err != nil {
			return nil, fmt.Errorf("load config cache: %w", err)
		}
		if found && cached.Configs != nil {
			m.configs = cached.Configs
			m.logger.Info("hydrated model configs from cache", "models", len(m.configs))
		}
	}
	return m, nil
}

// PersistConfigState writes the current config map to the cache.
func (m *Manager) PersistConfigState() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	state := configState{Configs: make(map[protocol.ModelId]protocol.ModelConfig, len(m.configs))}
	for id, cfg := range m.configs {
		state.Configs[id] = cfg
	}
	m.mu.Unlock()
	return m.store.Save(state)
}

// Apply executes one provisioning command and always produces a
// response frame for the cortex, success or not.
func (m *Manager) Apply(cmd protocol.ProvisioningCommand) protocol.ProvisioningResponse {
	switch cmd.Kind {
	case protocol.CommandUpsertModelConfig:
		if cmd.Config == nil {
			return protocol.ErrorResponse("", "upsert carries no config")
		}
		return m.applyUpsert(*cmd.Config)
	case protocol.CommandLoadModel:
		return m.applyLoad(cmd.ModelID)
	case protocol.CommandUnloadModel:
		return m.applyUnload(cmd.ModelID)
	default:
		return protocol.ErrorResponse(cmd.TargetModel(), fmt.Sprintf("unsupported command kind %q", cmd.Kind))
	}
}

func (m *Manager) applyUpsert(cfg protocol.ModelConfig) protocol.ProvisioningResponse {
	m.mu.Lock()
	m.configs[cfg.ID] = cfg
	m.mu.Unlock()
	m.logger.Info("model config stored", "model_id", cfg.ID, "backend", cfg.BackendKind)
	return protocol.OkResponse(cfg.ID, "configuration updated")
}

func (m *Manager) applyLoad(modelID protocol.ModelId) protocol.ProvisioningResponse {
	m.mu.Lock()
	cfg, ok := m.configs[modelID]
	m.mu.Unlock()
	if !ok {
		return protocol.ErrorResponse(modelID, fmt.Sprintf("no configuration for model %s", modelID))
	}
	if cfg.Command == "" {
		return protocol.ErrorResponse(modelID, fmt.Sprintf("model %s has no launch command", modelID))
	}

	endpoint := cfg.ListenEndpoint
	var extraEnv []protocol.EnvVar
	if endpoint == "" {
		switch cfg.BackendKind {
		case BackendVLLM, BackendLlamaCpp:
			port, err := m.reservePort()
			if err != nil {
				return protocol.ErrorResponse(modelID, err.Error())
			}
			endpoint = "http://127.0.0.1:" + strconv.Itoa(port)
			extraEnv = []protocol.EnvVar{
				{Key: "SYNAPSE_LISTEN_HOST", Value: "127.0.0.1"},
				{Key: "SYNAPSE_LISTEN_PORT", Value: strconv.Itoa(port)},
			}
		default:
			return protocol.ErrorResponse(modelID, fmt.Sprintf("cannot derive endpoint for %s backend", cfg.BackendKind))
		}
	}

	handle, err := m.procs.Spawn(cfg, extraEnv)
	if err != nil {
		return protocol.ErrorResponse(modelID, fmt.Sprintf("spawn failed: %v", err))
	}

	m.mu.Lock()
	m.handles[modelID] = newHandle(modelID, endpoint, m.callTO)
	m.mu.Unlock()

	m.logger.Info("model loaded", "model_id", modelID, "pid", handle.PID, "endpoint", endpoint)
	return protocol.OkResponse(modelID, fmt.Sprintf("loaded at %s", endpoint))
}

func (m *Manager) applyUnload(modelID protocol.ModelId) protocol.ProvisioningResponse {
	terminated := m.procs.TerminateWorkersForModel(modelID)

	m.mu.Lock()
	delete(m.handles, modelID)
	m.mu.Unlock()

	m.logger.Info("model unloaded", "model_id", modelID, "workers_terminated", terminated)
	return protocol.OkResponse(modelID, fmt.Sprintf("unloaded, %d workers terminated", terminated))
}

// reservePort walks the monotonic counter past ports something else
// already holds. The counter never rewinds, so two loads cannot race
// onto the same port.
func (m *Manager) reservePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.portLimit; i++ {
		port := m.nextPort
		m.nextPort++
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port after %d probes", m.portLimit)
}

// LoadedModels lists models with a live runtime handle, sorted.
func (m *Manager) LoadedModels() []protocol.ModelId {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]protocol.ModelId, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Capabilities describes every loaded model for heartbeat metrics. All
// recognized backends serve the chat route; context size comes from the
// config metadata when the operator supplied one.
func (m *Manager) Capabilities() []protocol.ModelCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	caps := make([]protocol.ModelCapability, 0, len(m.handles))
	for id := range m.handles {
		capability := protocol.ModelCapability{ID: id, SupportsChat: true}
		if cfg, ok := m.configs[id]; ok {
			if v, ok := cfg.Metadata["max_context_tokens"].(float64); ok {
				capability.MaxContextTokens = int(v)
			}
		}
		caps = append(caps, capability)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].ID < caps[j].ID })
	return caps
}

// ConfiguredModels lists models with a stored config, sorted.
func (m *Manager) ConfiguredModels() []protocol.ModelId {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]protocol.ModelId, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleFor returns the runtime handle for a loaded model.
func (m *Manager) HandleFor(modelID protocol.ModelId) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[modelID]
	if !ok {
		return nil, fmt.Errorf("model %s is not loaded", modelID)
	}
	return h, nil
}
