package controlclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dvellum/synapse/internal/neuron/process"
	"github.com/dvellum/synapse/internal/neuron/runtime"
	"github.com/dvellum/synapse/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCortex is a minimal control endpoint: every inbound frame lands
// on frames, anything pushed to directives is written to the neuron.
type fakeCortex struct {
	ts         *httptest.Server
	frames     chan protocol.Frame
	directives chan protocol.Directive
	dropAfter  int
}

func newFakeCortex(t *testing.T) *fakeCortex {
	t.Helper()
	f := &fakeCortex{
		frames:     make(chan protocol.Frame, 64),
		directives: make(chan protocol.Directive, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for d := range f.directives {
				if err := conn.WriteJSON(d); err != nil {
					return
				}
			}
		}()
		seen := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.DecodeFrame(data)
			if err != nil {
				continue
			}
			f.frames <- frame
			seen++
			if f.dropAfter > 0 && seen >= f.dropAfter {
				return
			}
		}
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeCortex) url() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/control"
}

func (f *fakeCortex) nextFrame(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func newTestRuntime(t *testing.T) *runtime.Manager {
	t.Helper()
	procs := process.NewManager(discardLogger())
	t.Cleanup(procs.Shutdown)
	rt, err := runtime.NewManager(procs, nil, 38300, 32, 5*time.Second, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func startClient(t *testing.T, f *fakeCortex, heartbeat time.Duration) (*Client, chan error) {
	t.Helper()
	rt := newTestRuntime(t)
	c := New(f.url(), protocol.NeuronDescriptor{NodeID: "n1", Label: "test"}, heartbeat, 10*time.Second, rt, discardLogger())
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { done <- c.Run(ctx) }()
	return c, done
}

func TestRegisterFirstThenHeartbeats(t *testing.T) {
	f := newFakeCortex(t)
	c, _ := startClient(t, f, 50*time.Millisecond)
	defer c.Close()

	first := f.nextFrame(t)
	if first.Kind != protocol.FrameRegister {
		t.Fatalf("first frame kind = %q, want register", first.Kind)
	}
	if first.Neuron == nil || first.Neuron.NodeID != "n1" {
		t.Fatalf("register descriptor = %+v", first.Neuron)
	}

	hb := f.nextFrame(t)
	if hb.Kind != protocol.FrameHeartbeat || hb.NeuronID != "n1" {
		t.Fatalf("second frame = %+v, want heartbeat", hb)
	}
	if _, ok := hb.Metrics["loaded_models"]; !ok {
		t.Fatalf("heartbeat metrics = %v, want loaded_models", hb.Metrics)
	}
}

func TestProvisioningDirectiveProducesResponse(t *testing.T) {
	f := newFakeCortex(t)
	c, _ := startClient(t, f, time.Hour)
	defer c.Close()

	if frame := f.nextFrame(t); frame.Kind != protocol.FrameRegister {
		t.Fatalf("first frame = %+v", frame)
	}

	cfg := protocol.ModelConfig{ID: "m1", BackendKind: "vllm", Command: "sleep", Args: []string{"60"}}
	f.directives <- protocol.ProvisioningDirective(protocol.UpsertModelConfig(cfg))

	resp := f.nextFrame(t)
	if resp.Kind != protocol.FrameProvisioningResponse {
		t.Fatalf("frame = %+v, want provisioning response", resp)
	}
	if resp.Response == nil || !resp.Response.OK || resp.Response.ModelID != "m1" {
		t.Fatalf("response = %+v", resp.Response)
	}
}

func TestLoadWithoutConfigReportsError(t *testing.T) {
	f := newFakeCortex(t)
	c, _ := startClient(t, f, time.Hour)
	defer c.Close()

	f.nextFrame(t) // register
	f.directives <- protocol.ProvisioningDirective(protocol.LoadModel("ghost"))

	resp := f.nextFrame(t)
	if resp.Response == nil || resp.Response.OK {
		t.Fatalf("response = %+v, want error", resp.Response)
	}
	if !strings.Contains(resp.Response.Error, "no configuration for model ghost") {
		t.Fatalf("error = %q", resp.Response.Error)
	}
}

func TestRequestCapabilitiesAnsweredWithHeartbeat(t *testing.T) {
	f := newFakeCortex(t)
	c, _ := startClient(t, f, time.Hour)
	defer c.Close()

	f.nextFrame(t) // register
	f.directives <- protocol.RequestCapabilitiesDirective()

	hb := f.nextFrame(t)
	if hb.Kind != protocol.FrameHeartbeat {
		t.Fatalf("frame = %+v, want heartbeat", hb)
	}
	if _, ok := hb.Metrics["loaded_models"]; !ok {
		t.Fatalf("metrics = %v", hb.Metrics)
	}
}

func TestCloseSendsShutdownFrame(t *testing.T) {
	f := newFakeCortex(t)
	c, done := startClient(t, f, time.Hour)

	f.nextFrame(t) // register
	c.Close()

	frame := f.nextFrame(t)
	if frame.Kind != protocol.FrameShutdown || frame.NeuronID != "n1" {
		t.Fatalf("frame = %+v, want shutdown", frame)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after close = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestServerDropTerminatesRun(t *testing.T) {
	f := newFakeCortex(t)
	f.dropAfter = 1 // close the socket right after the register frame

	_, done := startClient(t, f, time.Hour)
	f.nextFrame(t) // register

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a dropped session")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after server drop")
	}
}

func TestEnqueueFailsWhenQueueSaturated(t *testing.T) {
	c := New("ws://unused/v1/control", protocol.NeuronDescriptor{NodeID: "n1"}, time.Hour, time.Second, nil, discardLogger())

	for i := 0; i < outboundCapacity; i++ {
		if err := c.enqueue(protocol.HeartbeatFrame("n1", nil)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := c.enqueue(protocol.HeartbeatFrame("n1", nil)); err == nil {
		t.Fatal("enqueue onto a full queue must fail the session, not drop the frame")
	}
}
