// Package controlplane implements the cortex side of the neuron control
// channel: the register handshake, per-connection reader and writer
// tasks, the command submission API, and the stale-entry sweeper.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dvellum/synapse/internal/cortex/catalog"
	"github.com/dvellum/synapse/internal/cortex/observe"
	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/internal/protocol"
)

// ErrNeuronOffline is returned by Submit when the target node id has no
// live connection. The command is neither queued nor retried.
var ErrNeuronOffline = errors.New("neuron is not connected")

const outboundQueueSize = 32

// Stats receives control-plane counters. The httpapi package feeds these
// into prometheus; a nil-safe default keeps tests free of metric setup.
type Stats interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameProcessed(kind string)
	CommandSubmitted(kind string)
}

type nopStats struct{}

func (nopStats) ConnectionOpened()       {}
func (nopStats) ConnectionClosed()       {}
func (nopStats) FrameProcessed(string)   {}
func (nopStats) CommandSubmitted(string) {}

// outbound is the per-connection send queue. The writer goroutine is the
// sole consumer; enqueue never blocks the control path.
type outbound struct {
	ch   chan protocol.Directive
	done chan struct{}
}

func newOutbound() *outbound {
	return &outbound{
		ch:   make(chan protocol.Directive, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// Enqueue implements registry.Sender.
func (o *outbound) Enqueue(d protocol.Directive) error {
	select {
	case <-o.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case o.ch <- d:
		return nil
	case <-o.done:
		return errors.New("connection closed")
	default:
		return errors.New("outbound queue full")
	}
}

func (o *outbound) close() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// Server accepts neuron connections and folds their frames into the
// registry, mirroring every committed mutation onto the observe stream.
type Server struct {
	registry *registry.Registry
	events   *observe.Broadcaster
	catalog  *catalog.Catalog
	upgrader websocket.Upgrader
	logger   *slog.Logger
	stats    Stats
	now      func() time.Time
}

// New constructs a control-plane server. catalog may be nil when no
// bootstrap replay is wanted.
func New(reg *registry.Registry, events *observe.Broadcaster, cat *catalog.Catalog, logger *slog.Logger) *Server {
	if logger != nil {
		logger = logger.With("component", "controlplane")
	}
	return &Server{
		registry: reg,
		events:   events,
		catalog:  cat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		stats:  nopStats{},
		now:    time.Now,
	}
}

// SetStats installs a stats sink.
func (s *Server) SetStats(stats Stats) {
	if stats != nil {
		s.stats = stats
	}
}

// SetClock overrides the server clock. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Submit sends a provisioning command to a connected neuron. The
// in-flight status is recorded optimistically before any response
// arrives; the response handler finalizes it later. An offline target is
// rejected synchronously with ErrNeuronOffline and no state change.
func (s *Server) Submit(nodeID string, cmd protocol.ProvisioningCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	sender, ok := s.registry.SenderFor(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNeuronOffline, nodeID)
	}

	status, prev, ok := s.registry.RecordCommandSent(nodeID, cmd)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNeuronOffline, nodeID)
	}
	if err := sender.Enqueue(protocol.ProvisioningDirective(cmd)); err != nil {
		// The command never reached the wire: undo phase one so the
		// registry shows no in-flight status that can never finalize.
		s.registry.RevertCommandSent(nodeID, cmd, prev)
		return fmt.Errorf("enqueue for %s: %w", nodeID, err)
	}
	s.stats.CommandSubmitted(string(cmd.Kind))

	at := s.now()
	cmdCopy := cmd
	s.events.Publish(observe.Event{Type: observe.EventProvisioningSent, NeuronID: nodeID, Cmd: &cmdCopy, At: at})
	s.events.Publish(observe.Event{Type: observe.EventModelStateChanged, NeuronID: nodeID, ModelID: cmd.TargetModel(), Status: status, At: at})
	return nil
}

// RequestCapabilities asks a connected neuron for a capabilities refresh.
func (s *Server) RequestCapabilities(nodeID string) error {
	sender, ok := s.registry.SenderFor(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNeuronOffline, nodeID)
	}
	return sender.Enqueue(protocol.RequestCapabilitiesDirective())
}

// HandleNeuron upgrades an inbound neuron connection and runs its
// session. The first frame must be a register; anything else is a
// protocol violation that closes the socket without touching the
// registry.
func (s *Server) HandleNeuron(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("neuron websocket upgrade failed", "error", err)
		return
	}
	s.stats.ConnectionOpened()
	defer s.stats.ConnectionClosed()
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("neuron closed before register frame", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil || frame.Kind != protocol.FrameRegister {
		s.logger.Warn("protocol violation on first frame", "remote", conn.RemoteAddr().String(), "error", err, "kind", frame.Kind)
		return
	}

	desc := *frame.Neuron
	if desc.NodeID == "" {
		desc.NodeID = uuid.NewString()
		s.logger.Info("assigned node id to anonymous neuron", "node_id", desc.NodeID)
	}
	nodeID := desc.NodeID

	s.registry.Upsert(desc)
	out := newOutbound()
	s.registry.AttachSender(nodeID, out)
	s.events.Publish(observe.Event{Type: observe.EventNeuronRegistered, NeuronID: nodeID, Neuron: &desc, At: s.now()})
	s.stats.FrameProcessed(string(protocol.FrameRegister))
	s.logger.Info("neuron registered", "node_id", nodeID, "remote", conn.RemoteAddr().String())

	go s.writeLoop(conn, nodeID, out)
	defer out.close()
	defer s.registry.DetachSender(nodeID, out)

	s.bootstrapConfigs(nodeID)
	s.readLoop(conn, nodeID)
}

// writeLoop is the sole sender on the connection. It drains the outbound
// queue until the session ends.
func (s *Server) writeLoop(conn *websocket.Conn, nodeID string, out *outbound) {
	for {
		select {
		case <-out.done:
			return
		case directive := <-out.ch:
			if err := conn.WriteJSON(directive); err != nil {
				s.logger.Warn("neuron write failed", "node_id", nodeID, "error", err)
				out.close()
				return
			}
		}
	}
}

// bootstrapConfigs replays the catalog to a newly registered neuron so
// subsequent LoadModel commands have configuration to work with.
func (s *Server) bootstrapConfigs(nodeID string) {
	if s.catalog == nil || s.catalog.Len() == 0 {
		return
	}
	configs := s.catalog.Configs()
	s.logger.Info("bootstrapping model configs", "node_id", nodeID, "models", len(configs))
	for _, cfg := range configs {
		if err := s.Submit(nodeID, protocol.UpsertModelConfig(cfg)); err != nil {
			s.logger.Warn("bootstrap upsert failed", "node_id", nodeID, "model_id", cfg.ID, "error", err)
			return
		}
	}
}

// readLoop processes frames from one neuron in arrival order. It returns
// when the connection drops or the neuron announces shutdown; silent
// disconnects leave the registry entry for the stale sweep.
func (s *Server) readLoop(conn *websocket.Conn, nodeID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("neuron connection closed", "node_id", nodeID, "error", err)
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn("closing neuron connection on protocol violation", "node_id", nodeID, "error", err)
			return
		}
		if done := s.applyFrame(nodeID, frame); done {
			return
		}
	}
}

// applyFrame folds one frame into the registry and mirrors it onto the
// observe stream. The mutation always commits before the event is
// published. It reports true when the session should end.
func (s *Server) applyFrame(nodeID string, frame protocol.Frame) bool {
	s.stats.FrameProcessed(string(frame.Kind))
	switch frame.Kind {
	case protocol.FrameRegister:
		// Re-registration refreshes the descriptor in place.
		desc := *frame.Neuron
		if desc.NodeID == "" {
			desc.NodeID = nodeID
		}
		s.registry.Upsert(desc)
		s.events.Publish(observe.Event{Type: observe.EventNeuronRegistered, NeuronID: desc.NodeID, Neuron: &desc, At: s.now()})

	case protocol.FrameHeartbeat:
		at, ok := s.registry.Heartbeat(frame.NeuronID)
		if !ok {
			s.logger.Warn("heartbeat for unknown neuron", "node_id", frame.NeuronID)
			return false
		}
		s.events.Publish(observe.Event{Type: observe.EventNeuronHeartbeat, NeuronID: frame.NeuronID, Metrics: frame.Metrics, At: at})

	case protocol.FrameProvisioningResponse:
		resp := *frame.Response
		status, ok := s.registry.RecordResponse(frame.NeuronID, resp)
		if !ok {
			s.logger.Warn("provisioning response for unknown neuron", "node_id", frame.NeuronID, "model_id", resp.ModelID)
			return false
		}
		at := s.now()
		s.events.Publish(observe.Event{Type: observe.EventProvisioningResponse, NeuronID: frame.NeuronID, Response: &resp, At: at})
		s.events.Publish(observe.Event{Type: observe.EventModelStateChanged, NeuronID: frame.NeuronID, ModelID: resp.ModelID, Status: status, At: at})

	case protocol.FrameShutdown:
		// Graceful departure removes the entry immediately, unlike a
		// silent disconnect which waits for the sweep.
		if s.registry.Remove(frame.NeuronID) {
			s.events.Publish(observe.Event{Type: observe.EventNeuronRemoved, NeuronID: frame.NeuronID, At: s.now()})
		}
		s.logger.Info("neuron announced shutdown", "node_id", frame.NeuronID)
		return true
	}
	return false
}

// RunSweeper prunes neurons whose heartbeats have gone stale. It blocks
// until the context is cancelled.
func (s *Server) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("stale sweeper started", "interval", interval, "max_age", maxAge)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale sweeper stopped")
			return
		case <-ticker.C:
			for _, nodeID := range s.registry.SweepStale(maxAge) {
				s.events.Publish(observe.Event{Type: observe.EventNeuronRemoved, NeuronID: nodeID, At: s.now()})
				s.logger.Info("pruned stale neuron", "node_id", nodeID)
			}
		}
	}
}
