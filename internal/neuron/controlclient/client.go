// Package controlclient maintains the neuron's persistent control
// connection to the cortex.
package controlclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/dvellum/synapse/internal/neuron/runtime"
	"github.com/dvellum/synapse/internal/protocol"
)

const (
	dialBackoffBase  = 500 * time.Millisecond
	outboundCapacity = 32
	shutdownFlushTO  = 2 * time.Second
)

// Client owns the single websocket to the cortex. The writer goroutine
// is the only sender on the socket; the reader applies directives in
// arrival order. Reconnection after an established session drops is the
// process supervisor's job, not the client's.
type Client struct {
	endpoint   string
	descriptor protocol.NeuronDescriptor
	heartbeat  time.Duration
	dialBudget time.Duration
	runtime    *runtime.Manager
	logger     *slog.Logger

	outbound  chan protocol.Frame
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds a client for one neuron identity. The descriptor must
// carry a node id; anonymous registration is the cortex's fallback, not
// the client's default.
func New(endpoint string, desc protocol.NeuronDescriptor, heartbeat, dialBudget time.Duration, rt *runtime.Manager, logger *slog.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		descriptor: desc,
		heartbeat:  heartbeat,
		dialBudget: dialBudget,
		runtime:    rt,
		logger:     logger.With("component", "controlclient", "node_id", desc.NodeID),
		outbound:   make(chan protocol.Frame, outboundCapacity),
		closing:    make(chan struct{}),
	}
}

// Run dials the cortex and serves the session until the socket fails or
// Close is called. The initial dial retries on a fibonacci backoff
// within the configured budget; an error after establishment is
// returned as-is.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial cortex at %s: %w", c.endpoint, err)
	}
	defer conn.Close()
	c.logger.Info("control connection established", "endpoint", c.endpoint)

	sessionEnd := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writeLoop(ctx, conn, sessionEnd, writerDone)

	err = c.readLoop(conn)
	close(sessionEnd)
	<-writerDone

	select {
	case <-c.closing:
		return nil
	default:
	}
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	backoff := retry.WithMaxDuration(c.dialBudget, retry.NewFibonacci(dialBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialErr error
		conn, _, dialErr = websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
		if dialErr != nil {
			c.logger.Warn("cortex dial failed, will retry", "error", dialErr)
			return retry.RetryableError(dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// writeLoop owns the send side. The register frame goes out before
// anything else; heartbeats and queued responses share the socket after
// that. On Close it flushes a shutdown frame within a bounded deadline.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, sessionEnd <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	if err := conn.WriteJSON(protocol.RegisterFrame(c.descriptor)); err != nil {
		c.logger.Error("register write failed", "error", err)
		return
	}

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionEnd:
			return
		case <-c.closing:
			conn.SetWriteDeadline(time.Now().Add(shutdownFlushTO))
			if err := conn.WriteJSON(protocol.ShutdownFrame(c.descriptor.NodeID)); err != nil {
				c.logger.Warn("shutdown frame write failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := conn.WriteJSON(c.heartbeatFrame()); err != nil {
				c.logger.Warn("heartbeat write failed", "error", err)
				return
			}
		case frame := <-c.outbound:
			if err := conn.WriteJSON(frame); err != nil {
				c.logger.Warn("frame write failed", "kind", frame.Kind, "error", err)
				return
			}
		}
	}
}

func (c *Client) heartbeatFrame() protocol.Frame {
	return protocol.HeartbeatFrame(c.descriptor.NodeID, map[string]any{
		"loaded_models": c.runtime.LoadedModels(),
		"capabilities":  c.runtime.Capabilities(),
	})
}

// readLoop applies directives one at a time so command effects land in
// the order the cortex sent them.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		directive, err := protocol.DecodeDirective(data)
		if err != nil {
			c.logger.Warn("ignoring undecodable directive", "error", err)
			continue
		}
		switch directive.Kind {
		case protocol.DirectiveProvisioning:
			resp := c.runtime.Apply(*directive.Cmd)
			if err := c.enqueue(protocol.ResponseFrame(c.descriptor.NodeID, resp)); err != nil {
				return err
			}
		case protocol.DirectiveRequestCapabilities:
			if err := c.enqueue(c.heartbeatFrame()); err != nil {
				return err
			}
		default:
			c.logger.Warn("ignoring unknown directive kind", "kind", directive.Kind)
		}
	}
}

// enqueue hands a frame to the writer. A full queue fails the session
// instead of dropping the frame: a swallowed provisioning response would
// leave the cortex waiting on an in-flight status forever, while a dead
// session gets the neuron restarted by its supervisor.
func (c *Client) enqueue(frame protocol.Frame) error {
	select {
	case c.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("outbound queue full, cannot send %s frame", frame.Kind)
	}
}

// Close announces shutdown to the cortex and ends the session. Safe to
// call more than once and before Run has connected.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}
