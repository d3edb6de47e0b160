package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/internal/neuron/controlclient"
	"github.com/dvellum/synapse/internal/neuron/process"
	"github.com/dvellum/synapse/internal/neuron/runtime"
	"github.com/dvellum/synapse/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNeuron runs a real control client with a real runtime manager
// against the harness cortex.
func startNeuron(t *testing.T, h *apiHarness, nodeID string, portBase int) *process.Manager {
	t.Helper()
	logger := testLogger()
	procs := process.NewManager(logger)
	t.Cleanup(procs.Shutdown)
	rt, err := runtime.NewManager(procs, nil, portBase, 32, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	client := controlclient.New(h.wsURL("/v1/control"), protocol.NeuronDescriptor{NodeID: nodeID}, time.Hour, 10*time.Second, rt, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	t.Cleanup(client.Close)

	waitStatus(t, h, nodeID, "", "", func() bool {
		_, ok := h.registry.SenderFor(nodeID)
		return ok
	})
	return procs
}

func waitStatus(t *testing.T, h *apiHarness, nodeID string, modelID protocol.ModelId, want registry.Status, cond func() bool) {
	t.Helper()
	if cond == nil {
		cond = func() bool {
			st, ok := h.registry.StatusFor(nodeID, modelID)
			return ok && st == want
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s/%s to reach %q", nodeID, modelID, want)
}

func TestModelLifecycleAcrossTheFabric(t *testing.T) {
	h := newAPIHarness(t)
	procs := startNeuron(t, h, "n1", 38400)

	cfg := protocol.ModelConfig{ID: "m1", BackendKind: "vllm", Command: "sleep", Args: []string{"60"}}
	if resp := postJSON(t, h.ts.URL+"/v1/neurons/n1/provision", protocol.UpsertModelConfig(cfg)); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}
	waitStatus(t, h, "n1", "m1", registry.StatusConfigured, nil)

	if resp := postJSON(t, h.ts.URL+"/v1/neurons/n1/provision", protocol.LoadModel("m1")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	waitStatus(t, h, "n1", "m1", registry.StatusLoaded, nil)
	if len(procs.PIDsForModel("m1")) != 1 {
		t.Fatal("expected one worker after load")
	}

	if resp := postJSON(t, h.ts.URL+"/v1/neurons/n1/provision", protocol.UnloadModel("m1")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unload status = %d", resp.StatusCode)
	}
	waitStatus(t, h, "n1", "m1", registry.StatusUnloaded, nil)
	waitStatus(t, h, "n1", "m1", "", func() bool {
		return len(procs.PIDsForModel("m1")) == 0
	})
}

func TestLoadWithoutConfigFailsButNeuronStays(t *testing.T) {
	h := newAPIHarness(t)
	startNeuron(t, h, "n1", 38500)

	if resp := postJSON(t, h.ts.URL+"/v1/neurons/n1/provision", protocol.LoadModel("never-configured")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	waitStatus(t, h, "n1", "never-configured", registry.StatusFailed, nil)

	if h.registry.Count() != 1 {
		t.Fatal("a failed command must not unregister the neuron")
	}
	if _, ok := h.registry.SenderFor("n1"); !ok {
		t.Fatal("neuron should still be connected after a failed command")
	}
}

func TestConcurrentNeuronsStayIsolated(t *testing.T) {
	h := newAPIHarness(t)
	startNeuron(t, h, "n1", 38600)
	startNeuron(t, h, "n2", 38700)

	cfg := protocol.ModelConfig{ID: "m1", BackendKind: "vllm", Command: "sleep", Args: []string{"60"}}
	postJSON(t, h.ts.URL+"/v1/neurons/n1/provision", protocol.UpsertModelConfig(cfg))
	waitStatus(t, h, "n1", "m1", registry.StatusConfigured, nil)

	if _, ok := h.registry.StatusFor("n2", "m1"); ok {
		t.Fatal("command for n1 leaked into n2's model statuses")
	}
	snap := h.registry.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d neurons, want 2", len(snap))
	}
	for _, view := range snap {
		if view.Descriptor.NodeID == "n2" && len(view.Models) != 0 {
			t.Fatalf("n2 models = %+v, want none", view.Models)
		}
	}
}
