// ABOUTME: Manager owns all hosted agents: activation, message routing, suspension.
// ABOUTME: Enforces the single-flight-per-agent invariant and mid-turn injection.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/bridge"
	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/stream"
)

// Spawner starts a subprocess engine. Injectable for tests.
type Spawner func(cfg engine.SpawnConfig) (engine.Engine, error)

// UsageRecorder persists per-turn cost accounting.
type UsageRecorder interface {
	RecordCost(ctx context.Context, agentID string, cost *protocol.Cost) error
}

// Callbacks notify the connection layer of agent events. All fields are
// optional; nil callbacks are skipped.
type Callbacks struct {
	// OnFrame delivers one routed frame toward the backend.
	OnFrame func(protocol.RoutedFrame)
	// OnCheckin announces that an agent came online.
	OnCheckin func(agentID string)
	// OnError reports an agent-level failure.
	OnError func(agentID string, err error)
}

// Config is the Manager's process-wide configuration, constructed once at
// startup.
type Config struct {
	// WorkspaceBase is the root under which every agent workspace is
	// derived. Caller-supplied workspace paths are never trusted.
	WorkspaceBase string

	EngineKind    engine.Kind
	EngineCommand string
	EngineArgs    []string

	// Query runs one in-process engine turn. Required for KindInProcess.
	Query engine.QueryFunc
	// Spawn starts a subprocess engine. Defaults to engine.Spawn.
	Spawn Spawner

	// RewriteLoopback redirects loopback tool-server URLs at the container
	// host gateway.
	RewriteLoopback bool

	// Usage, when set, records every cost frame.
	Usage UsageRecorder
}

// Manager tracks every agent hosted by this runtime.
type Manager struct {
	cfg    Config
	spawn  Spawner
	logger *slog.Logger

	mu        sync.Mutex
	agents    map[string]*Instance
	callbacks Callbacks
}

// NewManager creates a Manager. Callbacks are wired separately via
// SetCallbacks before the first activation.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		spawn:  cfg.Spawn,
		logger: logger.With("component", "agent-manager"),
		agents: make(map[string]*Instance),
	}
	if m.spawn == nil {
		m.spawn = func(sc engine.SpawnConfig) (engine.Engine, error) {
			return engine.Spawn(sc, m.logger)
		}
	}
	return m
}

// SetCallbacks installs the outward notification hooks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// Activate brings an agent online. Idempotent: a non-offline agent is left
// untouched. Subprocess engines are spawned before the agent is marked
// online; spawn failure aborts activation with an explicit error status.
func (m *Manager) Activate(act protocol.Activate) error {
	id, err := protocol.ParseAgentID(act.AgentID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	inst, known := m.agents[act.AgentID]
	// Error-status agents are re-activatable; anything else non-offline is
	// already up.
	if known && inst.Status != StatusOffline && inst.Status != StatusError {
		m.mu.Unlock()
		m.logger.Debug("activate on non-offline agent", "agent_id", act.AgentID, "status", inst.Status)
		return nil
	}
	if !known {
		inst = &Instance{ID: id}
		m.agents[act.AgentID] = inst
	}
	inst.Status = StatusActivating
	inst.SystemPrompt = act.SystemPrompt
	inst.ToolServers = act.ToolServers
	inst.EngineKind = m.cfg.EngineKind
	inst.ActivatedAt = time.Now()
	inst.queue = nil
	inst.isProcessing = false
	m.mu.Unlock()

	workspace, err := m.ensureWorkspace(id)
	if err != nil {
		err = fmt.Errorf("preparing workspace: %w", err)
		m.reportError(act.AgentID, err)
		return err
	}

	br := bridge.New(act.AgentID, id.Callsign, m.frameSink(act.AgentID), m.logger)

	var eng engine.Engine
	if m.cfg.EngineKind == engine.KindSubprocess {
		eng, err = m.spawnEngine(inst, workspace)
		if err != nil {
			err = fmt.Errorf("spawning engine: %w", err)
			m.reportError(act.AgentID, err)
			return err
		}
	}

	m.mu.Lock()
	inst.WorkspacePath = workspace
	inst.bridge = br
	inst.eng = eng
	inst.Status = StatusOnline
	inst.LastActivity = time.Now()
	checkin := m.callbacks.OnCheckin
	m.mu.Unlock()

	if eng != nil {
		go m.pumpSubprocess(act.AgentID, inst, br, eng)
	}

	m.logger.Info("agent activated", "agent_id", act.AgentID, "workspace", workspace, "engine", m.cfg.EngineKind)
	if checkin != nil {
		checkin(act.AgentID)
	}
	return nil
}

// DeliverMessage routes conversation content to an agent, auto-activating
// it if offline or unknown. A delivery arriving mid-turn is injected into
// the live stream or queued; it never starts a second concurrent turn.
func (m *Manager) DeliverMessage(msg protocol.Message) error {
	if _, err := protocol.ParseAgentID(msg.AgentID); err != nil {
		return err
	}

	m.mu.Lock()
	inst, known := m.agents[msg.AgentID]
	offline := !known || inst.Status == StatusOffline || inst.Status == StatusError
	m.mu.Unlock()

	if offline {
		if err := m.Activate(protocol.Activate{
			AgentID:      msg.AgentID,
			SystemPrompt: msg.SystemPrompt,
			ToolServers:  msg.ToolServers,
		}); err != nil {
			return err
		}
	}

	content := formatMessage(msg.Sender, msg.Content)

	m.mu.Lock()
	inst = m.agents[msg.AgentID]
	if inst == nil || inst.Status == StatusOffline || inst.Status == StatusError {
		status := StatusOffline
		if inst != nil {
			status = inst.Status
		}
		m.mu.Unlock()
		return fmt.Errorf("agent %s not deliverable (status %s)", msg.AgentID, status)
	}

	// Refresh mutable per-message configuration, visible before the next
	// unit of work.
	if msg.SystemPrompt != "" {
		inst.SystemPrompt = msg.SystemPrompt
	}
	if msg.ToolServers != nil {
		inst.ToolServers = msg.ToolServers
	}
	if msg.Environment != nil {
		inst.Environment = msg.Environment
	}
	inst.LastActivity = time.Now()

	if inst.EngineKind == engine.KindSubprocess {
		eng := inst.eng
		if eng == nil {
			m.mu.Unlock()
			return fmt.Errorf("agent %s has no live engine process", msg.AgentID)
		}
		inst.Status = StatusBusy
		m.mu.Unlock()
		if err := eng.Deliver(content); err != nil {
			m.mu.Lock()
			if m.agents[msg.AgentID] == inst && inst.Status == StatusBusy {
				inst.Status = StatusOnline
			}
			m.mu.Unlock()
			return fmt.Errorf("delivering to engine: %w", err)
		}
		return nil
	}

	switch {
	case inst.isProcessing && inst.stream != nil:
		st := inst.stream
		m.mu.Unlock()
		// Mid-turn injection: must never block or re-enter the engine.
		if err := st.Push(content); err != nil {
			m.requeue(msg.AgentID, content)
		}
		return nil

	case inst.isProcessing:
		// Processing with no live stream. Not expected in normal
		// operation; hold for batched delivery after the turn.
		inst.queue = append(inst.queue, content)
		m.mu.Unlock()
		m.logger.Warn("queued delivery for agent processing without a stream", "agent_id", msg.AgentID)
		return nil

	default:
		inst.isProcessing = true
		inst.Status = StatusBusy
		m.mu.Unlock()
		go m.runTurn(msg.AgentID, inst, content)
		return nil
	}
}

// Suspend takes an agent offline: closes any open stream, terminates any
// subprocess, clears the queue. A no-op on unknown or offline agents.
func (m *Manager) Suspend(agentID, reason string) {
	m.mu.Lock()
	inst, known := m.agents[agentID]
	if !known || inst.Status == StatusOffline {
		m.mu.Unlock()
		return
	}
	st := inst.stream
	eng := inst.eng
	inst.stream = nil
	inst.eng = nil
	inst.queue = nil
	inst.isProcessing = false
	inst.Status = StatusOffline
	m.mu.Unlock()

	if st != nil {
		st.Close()
	}
	if eng != nil {
		if err := eng.Terminate(reason); err != nil {
			m.logger.Warn("terminating engine", "agent_id", agentID, "error", err)
		}
	}
	m.logger.Info("agent suspended", "agent_id", agentID, "reason", reason)
}

// SuspendAll suspends every known agent. Used at shutdown.
func (m *Manager) SuspendAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Suspend(id, reason)
	}
}

// ActiveAgents returns the ids of every online or busy agent.
func (m *Manager) ActiveAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.agents))
	for id, inst := range m.agents {
		if inst.Status == StatusOnline || inst.Status == StatusBusy {
			out = append(out, id)
		}
	}
	return out
}

// AnyBusy reports whether any agent has work in flight.
func (m *Manager) AnyBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.agents {
		if inst.Status == StatusBusy || inst.isProcessing {
			return true
		}
	}
	return false
}

// Status returns an agent's current status, StatusOffline if unknown.
func (m *Manager) Status(agentID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.agents[agentID]; ok {
		return inst.Status
	}
	return StatusOffline
}

// runTurn executes one in-process engine turn to completion, then drains
// any queued deliveries as one batched follow-up turn. The agent always
// returns to online, whatever the turn's outcome.
func (m *Manager) runTurn(agentID string, inst *Instance, seed string) {
	ctx := context.Background()
	st := stream.New(seed)

	m.mu.Lock()
	inst.stream = st
	br := inst.bridge
	workspace := inst.WorkspacePath
	opts := engine.QueryOptions{
		SystemPrompt: inst.SystemPrompt,
		WorkDir:      workspace,
		ToolServers:  resolveToolServers(inst.ToolServers, m.cfg.RewriteLoopback, m.logger),
		Env:          mergeEnvironment(os.Environ(), inst.Environment),
	}
	m.mu.Unlock()

	opts.SessionID = br.SessionID()
	if opts.SessionID == "" {
		opts.SessionID = readSessionMarker(workspace)
	}

	if err := m.executeTurn(ctx, opts, st, br); err != nil {
		m.logger.Error("turn failed", "agent_id", agentID, "error", err)
		m.emitError(agentID, err)
		m.notifyError(agentID, err)
	}

	if sid := br.SessionID(); sid != "" {
		if err := writeSessionMarker(workspace, sid); err != nil {
			m.logger.Warn("writing session marker", "agent_id", agentID, "error", err)
		}
	}

	st.Close()

	m.mu.Lock()
	inst.stream = nil
	if len(inst.queue) > 0 {
		// Queued deliveries become one combined unit, never replayed
		// individually. The agent stays busy through the follow-up turn.
		batch := strings.Join(inst.queue, "\n\n")
		inst.queue = nil
		m.mu.Unlock()
		m.runTurn(agentID, inst, batch)
		return
	}
	inst.isProcessing = false
	if inst.Status == StatusBusy {
		inst.Status = StatusOnline
	}
	inst.LastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) executeTurn(ctx context.Context, opts engine.QueryOptions, st *stream.MessageStream, br *bridge.Bridge) error {
	if m.cfg.Query == nil {
		return fmt.Errorf("no in-process engine configured")
	}
	out, err := m.cfg.Query(ctx, opts, st.Pull)
	if err != nil {
		return err
	}
	for msg := range out {
		br.Process(msg)
	}
	br.Finalize()
	return nil
}

// pumpSubprocess forwards every subprocess output message into the Bridge,
// finalizing it when output ends. A result message returns the agent to
// online; output ending means the process exited.
func (m *Manager) pumpSubprocess(agentID string, inst *Instance, br *bridge.Bridge, eng engine.Engine) {
	for msg := range eng.Output() {
		br.Process(msg)
		if msg.Type == engine.KindResult {
			m.mu.Lock()
			if inst.Status == StatusBusy {
				inst.Status = StatusOnline
			}
			inst.LastActivity = time.Now()
			m.mu.Unlock()
		}
	}
	br.Finalize()

	m.mu.Lock()
	stillOurs := inst.eng == eng
	if stillOurs {
		inst.eng = nil
		if inst.Status != StatusError {
			inst.Status = StatusOffline
		}
	}
	m.mu.Unlock()
	if stillOurs {
		m.logger.Info("engine process exited", "agent_id", agentID)
	}
}

func (m *Manager) spawnEngine(inst *Instance, workspace string) (engine.Engine, error) {
	m.mu.Lock()
	env := inst.Environment
	m.mu.Unlock()
	return m.spawn(engine.SpawnConfig{
		Command: m.cfg.EngineCommand,
		Args:    m.cfg.EngineArgs,
		WorkDir: workspace,
		Env:     environList(mergeEnvironment(os.Environ(), env)),
	})
}

// requeue holds content that missed a just-closed stream; if the agent went
// idle in the meantime, it starts the turn itself.
func (m *Manager) requeue(agentID, content string) {
	m.mu.Lock()
	inst := m.agents[agentID]
	if inst == nil || inst.Status == StatusOffline {
		m.mu.Unlock()
		m.logger.Warn("dropping delivery for suspended agent", "agent_id", agentID)
		return
	}
	if inst.isProcessing {
		inst.queue = append(inst.queue, content)
		m.mu.Unlock()
		return
	}
	inst.isProcessing = true
	inst.Status = StatusBusy
	m.mu.Unlock()
	go m.runTurn(agentID, inst, content)
}

// frameSink is the Bridge's emission target: records cost frames and
// forwards everything to the connection layer.
func (m *Manager) frameSink(agentID string) bridge.Emit {
	return func(rf protocol.RoutedFrame) {
		if rf.Frame.Kind == protocol.FrameCost && rf.Frame.Cost != nil && m.cfg.Usage != nil {
			if err := m.cfg.Usage.RecordCost(context.Background(), agentID, rf.Frame.Cost); err != nil {
				m.logger.Warn("recording turn cost", "agent_id", agentID, "error", err)
			}
		}
		m.mu.Lock()
		onFrame := m.callbacks.OnFrame
		m.mu.Unlock()
		if onFrame != nil {
			onFrame(rf)
		}
	}
}

// emitError surfaces a turn failure as a wire error frame.
func (m *Manager) emitError(agentID string, err error) {
	m.frameSink(agentID)(protocol.RoutedFrame{
		AgentID: agentID,
		Frame: protocol.Frame{
			ID:        uuid.NewString(),
			Kind:      protocol.FrameError,
			Timestamp: time.Now().UTC(),
			Error:     &protocol.ErrorInfo{Message: err.Error()},
		},
	})
}

func (m *Manager) notifyError(agentID string, err error) {
	m.mu.Lock()
	onError := m.callbacks.OnError
	m.mu.Unlock()
	if onError != nil {
		onError(agentID, err)
	}
}

// reportError marks an agent failed and notifies the connection layer.
func (m *Manager) reportError(agentID string, err error) {
	m.mu.Lock()
	if inst, ok := m.agents[agentID]; ok {
		inst.Status = StatusError
	}
	m.mu.Unlock()
	m.logger.Error("agent error", "agent_id", agentID, "error", err)
	m.notifyError(agentID, err)
}

func (m *Manager) ensureWorkspace(id protocol.AgentID) (string, error) {
	path := workspacePath(m.cfg.WorkspaceBase, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// workspacePath derives an agent's workspace from the configured base and
// the agent id. Caller-supplied paths are never used here; this derivation
// is a security boundary.
func workspacePath(base string, id protocol.AgentID) string {
	return filepath.Join(base,
		sanitizeSegment(id.Space),
		sanitizeSegment(id.Channel),
		sanitizeSegment(id.Callsign),
	)
}

var unsafeSegmentChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeSegment(s string) string {
	s = unsafeSegmentChars.ReplaceAllString(s, "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// formatMessage prefixes content with the sender identity when present.
func formatMessage(sender, content string) string {
	if sender == "" {
		return content
	}
	return sender + ": " + content
}
