// ABOUTME: Client owns the gateway connection: handshake, dispatch, reconnect.
// ABOUTME: Layers heartbeat and idle-timeout timers over the transport.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/dedupe"
	"github.com/2389/coven-runtime/internal/protocol"
)

// State is the client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
)

// writeTimeout bounds one outbound write.
const writeTimeout = 10 * time.Second

// Config is the client's process-wide configuration.
type Config struct {
	RuntimeID string
	SpaceID   string
	Name      string
	Version   string

	// HeartbeatInterval is the per-agent liveness signal period.
	HeartbeatInterval time.Duration
	// IdleTimeout shuts the runtime down after this much quiet. Zero
	// disables the check entirely.
	IdleTimeout time.Duration
	// IdleCheckInterval is how often the idle clock is inspected.
	IdleCheckInterval time.Duration

	// Reconnect backoff: base delay, doubling per attempt, capped at max,
	// reset on successful connection.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// Redelivery suppression window.
	DedupeWindow time.Duration
	DedupeSize   int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = time.Minute
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 2 * time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1000
	}
}

// Client owns exactly one gateway connection.
type Client struct {
	cfg    Config
	dial   Dialer
	agents *agent.Manager
	window *dedupe.Window
	logger *slog.Logger

	onIdleTimeout func()
	onDisconnect  func(err error)

	mu           sync.Mutex
	state        State
	conn         Conn
	connCancel   context.CancelFunc
	backoff      time.Duration
	reconnect    *time.Timer
	lastActivity time.Time
	closed       bool
}

// New creates a Client and wires itself as the Manager's outbound sink.
func New(cfg Config, dial Dialer, agents *agent.Manager, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:          cfg,
		dial:         dial,
		agents:       agents,
		window:       dedupe.New(cfg.DedupeWindow, cfg.DedupeSize),
		logger:       logger.With("component", "client"),
		state:        StateDisconnected,
		backoff:      cfg.ReconnectBase,
		lastActivity: time.Now(),
	}
	agents.SetCallbacks(agent.Callbacks{
		OnFrame:   c.sendFrame,
		OnCheckin: c.sendCheckin,
	})
	return c
}

// OnIdleTimeout installs the idle shutdown trigger. Set before Connect.
func (c *Client) OnIdleTimeout(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdleTimeout = fn
}

// OnDisconnect installs the connection-loss callback. Set before Connect.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and announces readiness. Idempotent: a no-op
// when a connection attempt is already underway or established. A dial
// failure schedules a backoff reconnect before returning the error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is permanently disconnected")
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("connecting to gateway failed",
			"cause", classifyTransportError(err), "error", err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return fmt.Errorf("client is permanently disconnected")
	}
	c.conn = conn
	c.connCancel = cancel
	c.state = StateConnected
	c.backoff = c.cfg.ReconnectBase
	c.mu.Unlock()

	if err := c.writeEnvelope(connCtx, conn, protocol.TypeRuntimeReady, protocol.RuntimeReady{
		RuntimeID:   c.cfg.RuntimeID,
		SpaceID:     c.cfg.SpaceID,
		Name:        c.cfg.Name,
		MachineInfo: c.machineInfo(),
	}); err != nil {
		c.transportClosed(conn, err)
		return err
	}

	c.logger.Info("connected to gateway", "runtime_id", c.cfg.RuntimeID)
	go c.readLoop(connCtx, conn)
	return nil
}

// Disconnect permanently tears the client down: cancels any pending
// reconnect, suspends all agents, closes the transport. The only path that
// intentionally leaves agents unreachable.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.agents.SuspendAll("runtime disconnecting")
	if conn != nil {
		_ = conn.Close()
	}
	c.window.Close()
	c.logger.Info("disconnected from gateway")
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			c.transportClosed(conn, err)
			return
		}
		c.dispatch(ctx, conn, env)
	}
}

// dispatch routes one inbound message. Malformed messages are rejected and
// logged; the loop continues. Every kind except keepalive ping updates the
// idle-activity clock.
func (c *Client) dispatch(ctx context.Context, conn Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRuntimeConnected:
		var ack protocol.RuntimeConnected
		if err := env.Decode(&ack); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		c.touchActivity()
		c.becomeReady(ctx, conn, ack)

	case protocol.TypeActivate:
		var act protocol.Activate
		if err := env.Decode(&act); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		c.touchActivity()
		if err := c.agents.Activate(act); err != nil {
			c.logger.Error("activating agent", "agent_id", act.AgentID, "error", err)
		}

	case protocol.TypeMessage:
		var msg protocol.Message
		if err := env.Decode(&msg); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		c.touchActivity()
		if msg.MessageID != "" && c.window.Observe(dedupe.Key(msg.AgentID, msg.MessageID)) {
			c.logger.Info("dropping redelivered message",
				"agent_id", msg.AgentID, "message_id", msg.MessageID)
			return
		}
		if err := c.agents.DeliverMessage(msg); err != nil {
			c.logger.Error("delivering message", "agent_id", msg.AgentID, "error", err)
		}

	case protocol.TypeSuspend:
		var sus protocol.Suspend
		if err := env.Decode(&sus); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		c.touchActivity()
		c.agents.Suspend(sus.AgentID, sus.Reason)

	case protocol.TypePing:
		var ping protocol.Ping
		if err := env.Decode(&ping); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		// Keepalive traffic never counts as real activity.
		_ = c.writeEnvelope(ctx, conn, protocol.TypePong, protocol.Pong{Timestamp: ping.Timestamp})

	case protocol.TypeError:
		var gwErr protocol.ErrorMessage
		if err := env.Decode(&gwErr); err != nil {
			c.rejectMessage(env.Type, err)
			return
		}
		c.touchActivity()
		c.logger.Warn("gateway reported error", "code", gwErr.Code, "message", gwErr.Message)

	default:
		c.logger.Warn("unrecognized gateway message", "type", env.Type)
	}
}

// becomeReady handles the gateway's acknowledgement: re-announces every
// non-offline agent and starts the heartbeat and idle timers.
func (c *Client) becomeReady(ctx context.Context, conn Conn, ack protocol.RuntimeConnected) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	alreadyReady := c.state == StateReady
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("gateway acknowledged runtime",
		"runtime_id", ack.RuntimeID, "protocol_version", ack.ProtocolVersion)

	// Re-announce, so a reconnect does not strand agents the gateway has
	// forgotten.
	for _, id := range c.agents.ActiveAgents() {
		_ = c.writeEnvelope(ctx, conn, protocol.TypeAgentCheckin, protocol.AgentCheckin{AgentID: id})
	}

	if !alreadyReady {
		go c.heartbeatLoop(ctx, conn)
		if c.cfg.IdleTimeout > 0 {
			go c.idleLoop(ctx)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.agents.ActiveAgents() {
				_ = c.writeEnvelope(ctx, conn, protocol.TypeAgentHeartbeat, protocol.AgentHeartbeat{AgentID: id})
			}
		}
	}
}

// idleLoop checks the activity clock on a fixed interval. It never fires
// while any agent is busy; it defers to the next tick instead.
func (c *Client) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.agents.AnyBusy() {
				continue
			}
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			fn := c.onIdleTimeout
			c.mu.Unlock()
			if idle >= c.cfg.IdleTimeout {
				c.logger.Info("idle timeout reached", "idle", idle)
				if fn != nil {
					fn()
				}
				return
			}
		}
	}
}

// transportClosed handles a connection loss: stops the per-connection
// timers, notifies, and schedules a reconnect unless permanently closed.
func (c *Client) transportClosed(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	c.state = StateDisconnected
	closed := c.closed
	fn := c.onDisconnect
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
	if closed {
		return
	}

	c.logger.Warn("gateway connection lost",
		"cause", classifyTransportError(err), "error", err)
	if fn != nil {
		fn(err)
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delay := c.nextDelayLocked()
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(delay, func() {
		// Connect schedules the next attempt itself on failure.
		_ = c.Connect(context.Background())
	})
	c.logger.Info("reconnect scheduled", "delay", delay)
}

// nextDelayLocked returns the current backoff delay and doubles it, capped
// at the configured max. Reset to base on successful connection.
func (c *Client) nextDelayLocked() time.Duration {
	delay := c.backoff
	c.backoff = min(c.backoff*2, c.cfg.ReconnectMax)
	return delay
}

func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) rejectMessage(t protocol.MessageType, err error) {
	c.logger.Error("rejecting malformed gateway message", "type", t, "error", err)
}

// sendFrame is the Manager's frame sink.
func (c *Client) sendFrame(rf protocol.RoutedFrame) {
	c.send(protocol.TypeFrame, rf)
}

// sendCheckin is the Manager's checkin sink.
func (c *Client) sendCheckin(agentID string) {
	c.send(protocol.TypeAgentCheckin, protocol.AgentCheckin{AgentID: agentID})
}

// send writes one outbound message on the current connection, dropping it
// with a log line when disconnected. Frames are fire-and-forget.
func (c *Client) send(t protocol.MessageType, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug("dropping outbound message while disconnected", "type", t)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.writeEnvelope(ctx, conn, t, payload)
}

func (c *Client) writeEnvelope(ctx context.Context, conn Conn, t protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		c.logger.Error("encoding outbound message", "type", t, "error", err)
		return err
	}
	if err := conn.Write(ctx, env); err != nil {
		c.logger.Warn("writing to gateway", "type", t, "error", err)
		return err
	}
	return nil
}

func (c *Client) machineInfo() protocol.MachineInfo {
	hostname, _ := os.Hostname()
	return protocol.MachineInfo{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  c.cfg.Version,
	}
}
