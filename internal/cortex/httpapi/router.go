// Package httpapi exposes the cortex over HTTP: the operator REST
// surface, the prometheus endpoint, and the two websocket entry points
// for neurons and dashboards.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvellum/synapse/internal/cortex/controlplane"
	"github.com/dvellum/synapse/internal/cortex/observe"
	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/internal/protocol"
)

// Router wires HTTP endpoints to the control plane.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	registry *registry.Registry
	control  *controlplane.Server
	events   *observe.Broadcaster
	upgrader websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	neuronConnections  prometheus.Gauge
	framesTotal        *prometheus.CounterVec
	commandsTotal      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. It installs itself as
// the control plane's stats sink.
func NewRouter(logger *slog.Logger, reg *registry.Registry, control *controlplane.Server, events *observe.Broadcaster) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		registry: reg,
		control:  control,
		events:   events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.initMetrics()
	control.SetStats(r)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/v1/neurons", r.audit("/v1/neurons", r.handleNeurons))
	r.mux.HandleFunc("/v1/neurons/", r.audit("/v1/neurons/{id}", r.handleNeuronSubroutes))
	r.mux.HandleFunc("/v1/control", r.control.HandleNeuron)
	r.mux.HandleFunc("/v1/observe", r.handleObserve)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"neurons":   r.registry.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleNeurons(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"neurons": r.registry.Snapshot()})
}

func (r *Router) handleNeuronSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/neurons/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		notFound(w)
		return
	}
	nodeID := parts[0]
	switch parts[1] {
	case "provision":
		r.handleProvision(w, req, nodeID)
	case "capabilities":
		r.handleCapabilities(w, req, nodeID)
	default:
		notFound(w)
	}
}

// handleProvision accepts a provisioning command for one neuron. The
// command is acknowledged once queued; completion arrives later on the
// observe stream and in the registry status.
func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request, nodeID string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var cmd protocol.ProvisioningCommand
	if err := json.NewDecoder(req.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := cmd.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.control.Submit(nodeID, cmd); err != nil {
		if errors.Is(err, controlplane.ErrNeuronOffline) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "queued",
		"node_id":  nodeID,
		"model_id": cmd.TargetModel(),
	})
}

func (r *Router) handleCapabilities(w http.ResponseWriter, req *http.Request, nodeID string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.control.RequestCapabilities(nodeID); err != nil {
		if errors.Is(err, controlplane.ErrNeuronOffline) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// observeFrame is the dashboard wire envelope: one snapshot frame on
// connect, then event frames.
type observeFrame struct {
	Kind     string            `json:"kind"`
	Snapshot *observe.Snapshot `json:"snapshot,omitempty"`
	Event    *observe.Event    `json:"event,omitempty"`
}

// handleObserve serves the dashboard stream. The snapshot is written
// before any event so a client can fold events onto a consistent base.
func (r *Router) handleObserve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("observe websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := r.events.Subscribe()
	defer r.events.Unsubscribe(sub)

	snap := sub.Snapshot()
	if err := conn.WriteJSON(observeFrame{Kind: "snapshot", Snapshot: &snap}); err != nil {
		r.logger.Warn("observe snapshot write failed", "error", err)
		return
	}

	// Drain client frames only to notice the disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				// The broadcaster dropped us for falling behind.
				r.logger.Warn("observe subscriber dropped", "remote", conn.RemoteAddr().String())
				return
			}
			if err := conn.WriteJSON(observeFrame{Kind: "event", Event: &evt}); err != nil {
				return
			}
		}
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
