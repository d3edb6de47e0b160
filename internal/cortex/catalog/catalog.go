// Package catalog holds the bootstrap model catalog: the model
// configurations and demand hints cortex replays to newly registered
// neurons. It is seeded from an optional fabric spec file and overlaid
// with the persisted demand state from previous runs.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dvellum/synapse/internal/protocol"
	"github.com/dvellum/synapse/pkg/jsonstore"
)

// StoreName is the cache document holding the demand state.
const StoreName = "cortex-model-demand"

// ModelSpec wraps a protocol-level model configuration with hints that
// inform how this model should be treated at startup and over time.
type ModelSpec struct {
	Config      protocol.ModelConfig `json:"config"`
	Weight      float64              `json:"weight,omitempty"`
	MinReplicas int                  `json:"min_replicas,omitempty"`
	MaxReplicas int                  `json:"max_replicas,omitempty"`
}

// FabricSpec is the startup specification for a cortex node: initial
// model definitions plus demand hints. It bootstraps state rather than
// pinning it; runtime learnings persist separately through the demand
// store.
type FabricSpec struct {
	Name    string      `json:"name,omitempty"`
	Version string      `json:"version,omitempty"`
	Models  []ModelSpec `json:"models"`
}

// LoadSpec reads a FabricSpec from a JSON file.
func LoadSpec(path string) (FabricSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FabricSpec{}, fmt.Errorf("read fabric spec %s: %w", path, err)
	}
	var spec FabricSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return FabricSpec{}, fmt.Errorf("parse fabric spec %s: %w", path, err)
	}
	return spec, nil
}

// DemandEntry is one model in the demand state with resolved defaults.
type DemandEntry struct {
	Config      protocol.ModelConfig `json:"config"`
	Weight      float64              `json:"weight"`
	MinReplicas int                  `json:"min_replicas"`
	MaxReplicas int                  `json:"max_replicas"`
}

// DemandState is the persisted set of demand entries.
type DemandState struct {
	Models []DemandEntry `json:"models"`
}

// Catalog is the in-memory demand state backed by a jsonstore document.
type Catalog struct {
	mu    sync.Mutex
	state DemandState
	store *jsonstore.Store
}

// Load builds a catalog. With a spec path, the spec entries come first
// and cached entries for models the spec does not mention are appended;
// without one, the cached state stands alone. Spec parse failures are
// returned so startup fails loudly instead of serving a partial catalog.
func Load(specPath string, store *jsonstore.Store) (*Catalog, error) {
	var cached DemandState
	if store != nil {
		if _, err := store.Load(&cached); err != nil {
			return nil, err
		}
	}

	c := &Catalog{store: store}
	if specPath == "" {
		c.state = cached
		return c, nil
	}

	spec, err := LoadSpec(specPath)
	if err != nil {
		return nil, err
	}
	c.state = spec.initialDemandState()
	known := make(map[protocol.ModelId]struct{}, len(c.state.Models))
	for _, entry := range c.state.Models {
		known[entry.Config.ID] = struct{}{}
	}
	for _, entry := range cached.Models {
		if _, ok := known[entry.Config.ID]; !ok {
			c.state.Models = append(c.state.Models, entry)
		}
	}
	return c, nil
}

func (s FabricSpec) initialDemandState() DemandState {
	entries := make([]DemandEntry, 0, len(s.Models))
	for _, model := range s.Models {
		weight := model.Weight
		if weight == 0 {
			weight = 1.0
		}
		maxReplicas := model.MaxReplicas
		if maxReplicas == 0 {
			maxReplicas = 1
		}
		entries = append(entries, DemandEntry{
			Config:      model.Config,
			Weight:      weight,
			MinReplicas: model.MinReplicas,
			MaxReplicas: maxReplicas,
		})
	}
	return DemandState{Models: entries}
}

// Configs returns the model configurations for the bootstrap replay.
func (c *Catalog) Configs() []protocol.ModelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	configs := make([]protocol.ModelConfig, 0, len(c.state.Models))
	for _, entry := range c.state.Models {
		configs = append(configs, entry.Config)
	}
	return configs
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.Models)
}

// Persist writes the demand state back to its store.
func (c *Catalog) Persist() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Save(state)
}
