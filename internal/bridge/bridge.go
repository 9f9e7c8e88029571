// ABOUTME: Bridge consumes an engine's message stream and emits normalized frames.
// ABOUTME: Holds per-turn accumulation state; guarantees the error?/cost/idle tail ordering.

package bridge

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
)

// Emit delivers one routed frame toward the backend. Emission is
// fire-and-forget; delivery guarantees are the caller's responsibility.
type Emit func(protocol.RoutedFrame)

// Bridge translates one agent's native engine messages into protocol frames.
// Not safe for concurrent use; each agent's turn drives its Bridge from a
// single goroutine.
type Bridge struct {
	agentID string
	sender  string
	emit    Emit
	logger  *slog.Logger

	// Per-turn state, reset when a turn completes.
	sessionID    string
	messageID    string
	accumulated  []byte
	startEmitted bool
}

// New creates a Bridge for one agent. sender is the identity stamped on
// agent text frames.
func New(agentID, sender string, emit Emit, logger *slog.Logger) *Bridge {
	return &Bridge{
		agentID: agentID,
		sender:  sender,
		emit:    emit,
		logger:  logger.With("component", "bridge", "agent_id", agentID),
	}
}

// SessionID returns the engine session id recorded from the most recent
// init message, or empty if none was seen. Used for engine-level
// continuation; not part of the wire protocol.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Process dispatches one engine message, emitting zero or more frames.
// Unrecognized kinds are logged and skipped, never silently dropped.
func (b *Bridge) Process(msg *engine.Message) {
	switch msg.Type {
	case engine.KindInit:
		if msg.SessionID != "" {
			b.sessionID = msg.SessionID
		}

	case engine.KindStreamEvent:
		b.processStreamEvent(msg.Event)

	case engine.KindAssistant:
		b.processAssistant(msg.Message)

	case engine.KindUser:
		b.processToolResults(msg.Message)

	case engine.KindResult:
		b.processResult(msg)

	default:
		b.logger.Debug("skipping unrecognized engine message", "type", msg.Type)
	}
}

// Finalize flushes any accumulated text as a content frame. Used when the
// engine's output ends without a formal result signal.
func (b *Bridge) Finalize() {
	b.flushText()
	b.resetTurn()
}

func (b *Bridge) processStreamEvent(ev *engine.StreamEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case engine.EventContentStart:
		b.ensureStart()
	case engine.EventContentDelta:
		if ev.Delta != nil {
			b.accumulated = append(b.accumulated, ev.Delta.Text...)
		}
	}
}

func (b *Bridge) processAssistant(msg *engine.ChatMessage) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case engine.BlockText:
			if block.Text == "" {
				continue
			}
			b.ensureStart()
			b.send(protocol.Frame{
				ID:   b.messageID,
				Kind: protocol.FrameAgent,
				Agent: &protocol.AgentText{
					Sender: b.sender,
					Text:   block.Text,
				},
			})
		case engine.BlockToolUse:
			b.send(protocol.Frame{
				ID:   uuid.NewString(),
				Kind: protocol.FrameToolCall,
				ToolCall: &protocol.ToolCall{
					ID:   block.ID,
					Name: block.Name,
					Args: string(block.Input),
				},
			})
		}
	}
	// The completed message supersedes any streamed accumulation.
	b.resetTurn()
}

func (b *Bridge) processToolResults(msg *engine.ChatMessage) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != engine.BlockToolResult {
			continue
		}
		b.send(protocol.Frame{
			ID:   uuid.NewString(),
			Kind: protocol.FrameToolResult,
			ToolResult: &protocol.ToolResult{
				ToolCallID: block.ToolUseID,
				Content:    block.NormalizedContent(),
				IsError:    block.IsError,
			},
		})
	}
}

func (b *Bridge) processResult(msg *engine.Message) {
	b.flushText()

	if msg.IsError || (msg.Subtype != "" && msg.Subtype != engine.ResultSuccess) {
		message := msg.Result
		if message == "" {
			message = "turn ended with " + msg.Subtype
		}
		b.send(protocol.Frame{
			ID:    uuid.NewString(),
			Kind:  protocol.FrameError,
			Error: &protocol.ErrorInfo{Message: message},
		})
	}

	b.send(protocol.Frame{
		ID:   uuid.NewString(),
		Kind: protocol.FrameCost,
		Cost: costFromResult(msg),
	})
	b.send(protocol.Frame{
		ID:   uuid.NewString(),
		Kind: protocol.FrameIdle,
	})

	b.resetTurn()
}

// ensureStart emits the turn's single start frame: an agent frame carrying
// only the sender identity.
func (b *Bridge) ensureStart() {
	if b.startEmitted {
		return
	}
	if b.messageID == "" {
		b.messageID = uuid.NewString()
	}
	b.startEmitted = true
	b.send(protocol.Frame{
		ID:   b.messageID,
		Kind: protocol.FrameAgent,
		Agent: &protocol.AgentText{
			Sender: b.sender,
			Text:   "",
		},
	})
}

// flushText emits accumulated streamed text that never arrived as a
// completed assistant message.
func (b *Bridge) flushText() {
	if len(b.accumulated) == 0 {
		return
	}
	b.ensureStart()
	b.send(protocol.Frame{
		ID:   b.messageID,
		Kind: protocol.FrameAgent,
		Agent: &protocol.AgentText{
			Sender: b.sender,
			Text:   string(b.accumulated),
		},
	})
	b.accumulated = nil
}

func (b *Bridge) resetTurn() {
	b.messageID = ""
	b.accumulated = nil
	b.startEmitted = false
}

// send is the single emission funnel: stamps the timestamp and agent id.
func (b *Bridge) send(frame protocol.Frame) {
	frame.Timestamp = time.Now().UTC()
	b.emit(protocol.RoutedFrame{
		AgentID: b.agentID,
		Frame:   frame,
	})
}

// costFromResult builds the cost payload, zero-filling missing counters
// rather than omitting fields.
func costFromResult(msg *engine.Message) *protocol.Cost {
	cost := &protocol.Cost{
		TotalCostUSD:  msg.TotalCostUSD,
		DurationMS:    msg.DurationMS,
		DurationAPIMS: msg.DurationAPIMS,
		NumTurns:      msg.NumTurns,
	}
	if msg.Usage != nil {
		cost.Usage = tokenUsage(*msg.Usage)
	}
	if len(msg.ModelUsage) > 0 {
		cost.ModelUsage = make(map[string]protocol.TokenUsage, len(msg.ModelUsage))
		for model, u := range msg.ModelUsage {
			cost.ModelUsage[model] = tokenUsage(u)
		}
	}
	return cost
}

func tokenUsage(u engine.Usage) protocol.TokenUsage {
	return protocol.TokenUsage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}
