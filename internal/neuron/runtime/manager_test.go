package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dvellum/synapse/internal/neuron/process"
	"github.com/dvellum/synapse/internal/protocol"
	"github.com/dvellum/synapse/pkg/jsonstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, store *jsonstore.Store) (*Manager, *process.Manager) {
	t.Helper()
	procs := process.NewManager(discardLogger())
	t.Cleanup(procs.Shutdown)
	m, err := NewManager(procs, store, 38100, 32, 5*time.Second, discardLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, procs
}

func sleeperConfig(id protocol.ModelId, backend string) protocol.ModelConfig {
	return protocol.ModelConfig{ID: id, BackendKind: backend, Command: "sleep", Args: []string{"60"}}
}

func TestLoadBeforeUpsertFails(t *testing.T) {
	m, procs := newTestManager(t, nil)
	resp := m.Apply(protocol.LoadModel("m1"))
	if resp.OK {
		t.Fatalf("resp = %+v, want error", resp)
	}
	if !strings.Contains(resp.Error, "no configuration for model m1") {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(procs.Workers()) != 0 {
		t.Fatal("failed load must not spawn anything")
	}
}

func TestUpsertLoadUnloadCycle(t *testing.T) {
	m, procs := newTestManager(t, nil)

	if resp := m.Apply(protocol.UpsertModelConfig(sleeperConfig("m1", BackendVLLM))); !resp.OK {
		t.Fatalf("upsert: %+v", resp)
	}
	resp := m.Apply(protocol.LoadModel("m1"))
	if !resp.OK {
		t.Fatalf("load: %+v", resp)
	}
	if !strings.Contains(resp.Message, "http://127.0.0.1:") {
		t.Fatalf("load message should name the endpoint, got %q", resp.Message)
	}
	if len(procs.PIDsForModel("m1")) != 1 {
		t.Fatal("expected one worker")
	}
	if loaded := m.LoadedModels(); len(loaded) != 1 || loaded[0] != "m1" {
		t.Fatalf("loaded = %v", loaded)
	}
	if _, err := m.HandleFor("m1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if resp := m.Apply(protocol.UnloadModel("m1")); !resp.OK {
		t.Fatalf("unload: %+v", resp)
	}
	if _, err := m.HandleFor("m1"); err == nil {
		t.Fatal("handle should be gone after unload")
	}
	if len(m.LoadedModels()) != 0 {
		t.Fatal("no models should remain loaded")
	}
	// Config survives the unload; a second load works.
	if resp := m.Apply(protocol.LoadModel("m1")); !resp.OK {
		t.Fatalf("reload: %+v", resp)
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if resp := m.Apply(protocol.UnloadModel("never-loaded")); !resp.OK {
		t.Fatalf("unload of unknown model should be ok, got %+v", resp)
	}
}

func TestLoadUnknownBackendWithoutEndpoint(t *testing.T) {
	m, _ := newTestManager(t, nil)
	cfg := sleeperConfig("m1", "tensor_fortress")
	m.Apply(protocol.UpsertModelConfig(cfg))

	resp := m.Apply(protocol.LoadModel("m1"))
	if resp.OK {
		t.Fatalf("resp = %+v, want error", resp)
	}
	if !strings.Contains(resp.Error, "cannot derive endpoint") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestLoadExplicitEndpointSkipsDerivation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	cfg := sleeperConfig("m1", "tensor_fortress")
	cfg.ListenEndpoint = "http://10.0.0.5:9999"
	m.Apply(protocol.UpsertModelConfig(cfg))

	resp := m.Apply(protocol.LoadModel("m1"))
	if !resp.OK {
		t.Fatalf("load: %+v", resp)
	}
	h, err := m.HandleFor("m1")
	if err != nil {
		t.Fatal(err)
	}
	if h.BaseURL() != "http://10.0.0.5:9999" {
		t.Fatalf("base url = %q", h.BaseURL())
	}
}

func TestLoadMissingCommand(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.Apply(protocol.UpsertModelConfig(protocol.ModelConfig{ID: "m1", BackendKind: BackendVLLM}))

	resp := m.Apply(protocol.LoadModel("m1"))
	if resp.OK || !strings.Contains(resp.Error, "no launch command") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPortCounterSkipsBoundPorts(t *testing.T) {
	procs := process.NewManager(discardLogger())
	t.Cleanup(procs.Shutdown)
	m, err := NewManager(procs, nil, 38200, 8, 5*time.Second, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Occupy the base port so derivation has to move on.
	l, err := net.Listen("tcp", "127.0.0.1:38200")
	if err != nil {
		t.Skipf("cannot bind probe port: %v", err)
	}
	defer l.Close()

	port, err := m.reservePort()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if port == 38200 {
		t.Fatal("reserved a port that is already bound")
	}
	if port <= 38200 || port >= 38208 {
		t.Fatalf("port %d outside probe window", port)
	}
}

func TestCapabilitiesReflectLoadedModels(t *testing.T) {
	m, _ := newTestManager(t, nil)
	cfg := sleeperConfig("m1", BackendVLLM)
	cfg.Metadata = map[string]any{"max_context_tokens": float64(8192)}
	m.Apply(protocol.UpsertModelConfig(cfg))

	if caps := m.Capabilities(); len(caps) != 0 {
		t.Fatalf("caps before load = %+v", caps)
	}
	if resp := m.Apply(protocol.LoadModel("m1")); !resp.OK {
		t.Fatalf("load: %+v", resp)
	}
	caps := m.Capabilities()
	if len(caps) != 1 || caps[0].ID != "m1" || !caps[0].SupportsChat {
		t.Fatalf("caps = %+v", caps)
	}
	if caps[0].MaxContextTokens != 8192 {
		t.Fatalf("max context = %d", caps[0].MaxContextTokens)
	}
}

func TestConfigStatePersistenceRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := jsonstore.WithRoot(root, StoreName)
	if err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, store)
	m.Apply(protocol.UpsertModelConfig(sleeperConfig("m1", BackendVLLM)))
	m.Apply(protocol.UpsertModelConfig(sleeperConfig("m2", BackendLlamaCpp)))
	if err := m.PersistConfigState(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	store2, err := jsonstore.WithRoot(root, StoreName)
	if err != nil {
		t.Fatal(err)
	}
	m2, _ := newTestManager(t, store2)
	if got := m2.ConfiguredModels(); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("configured = %v", got)
	}
	// Loaded state is process-bound and must not survive a restart.
	if len(m2.LoadedModels()) != 0 {
		t.Fatal("loaded models should not be persisted")
	}
}

func TestCorruptConfigCacheFailsLoudly(t *testing.T) {
	root := t.TempDir()
	store, err := jsonstore.WithRoot(root, StoreName)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(store.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path(), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	procs := process.NewManager(discardLogger())
	if _, err := NewManager(procs, store, 38100, 32, 5*time.Second, discardLogger()); err == nil {
		t.Fatal("expected corrupt cache to fail construction")
	}
}

func TestHandleChat(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := ChatResponse{
			Model: req.Model,
			Choices: []ChatChoice{
				{Message: ChatMessage{Role: "assistant", Content: "pong"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer backend.Close()

	h := newHandle("m1", backend.URL, 5*time.Second)
	resp, err := h.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Model != "m1" {
		t.Fatalf("model = %q, want handle default", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "pong" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
}
