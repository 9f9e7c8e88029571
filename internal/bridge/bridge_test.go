// ABOUTME: Tests for engine-message-to-frame translation in the Bridge.
// ABOUTME: Covers the turn scenario, tail ordering, tool results, and forced flush.

package bridge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
)

type frameSink struct {
	frames []protocol.RoutedFrame
}

func (s *frameSink) emit(f protocol.RoutedFrame) {
	s.frames = append(s.frames, f)
}

func (s *frameSink) kinds() []protocol.FrameKind {
	out := make([]protocol.FrameKind, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Frame.Kind
	}
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *frameSink) {
	t.Helper()
	sink := &frameSink{}
	b := New("s1:c1:fox", "fox", sink.emit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return b, sink
}

func TestBridge_FullTurn(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{Type: engine.KindInit, SessionID: "sess-9"})
	b.Process(&engine.Message{
		Type: engine.KindAssistant,
		Message: &engine.ChatMessage{Content: []engine.ContentBlock{
			{Type: engine.BlockText, Text: "hi there"},
		}},
	})
	b.Process(&engine.Message{
		Type:         engine.KindResult,
		Subtype:      engine.ResultSuccess,
		TotalCostUSD: 0.002,
		NumTurns:     1,
	})

	require.Equal(t, []protocol.FrameKind{
		protocol.FrameAgent, protocol.FrameAgent,
		protocol.FrameCost, protocol.FrameIdle,
	}, sink.kinds())

	// Start marker: empty text, then content with the same message id.
	start, content := sink.frames[0].Frame, sink.frames[1].Frame
	assert.Empty(t, start.Agent.Text)
	assert.Equal(t, "fox", start.Agent.Sender)
	assert.Equal(t, "hi there", content.Agent.Text)
	assert.Equal(t, start.ID, content.ID)

	cost := sink.frames[2].Frame.Cost
	require.NotNil(t, cost)
	assert.InDelta(t, 0.002, cost.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, cost.NumTurns)

	assert.Equal(t, "sess-9", b.SessionID())
	for _, f := range sink.frames {
		assert.Equal(t, "s1:c1:fox", f.AgentID)
		assert.False(t, f.Frame.Timestamp.IsZero())
	}
}

func TestBridge_EmptyResultEmitsCostThenIdle(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess})

	assert.Equal(t, []protocol.FrameKind{protocol.FrameCost, protocol.FrameIdle}, sink.kinds())
	// Counters are zero-filled, never omitted.
	cost := sink.frames[0].Frame.Cost
	require.NotNil(t, cost)
	assert.Zero(t, cost.TotalCostUSD)
	assert.Zero(t, cost.Usage.InputTokens)
}

func TestBridge_ErrorBeforeCost(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{
		Type:    engine.KindResult,
		Subtype: "error_during_execution",
		IsError: true,
		Result:  "the model refused",
	})

	require.Equal(t, []protocol.FrameKind{
		protocol.FrameError, protocol.FrameCost, protocol.FrameIdle,
	}, sink.kinds())
	assert.Equal(t, "the model refused", sink.frames[0].Frame.Error.Message)
}

func TestBridge_StreamDeltasAccumulateWithoutReemitting(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{Type: engine.KindStreamEvent, Event: &engine.StreamEvent{
		Type: engine.EventContentStart,
	}})
	b.Process(&engine.Message{Type: engine.KindStreamEvent, Event: &engine.StreamEvent{
		Type:  engine.EventContentDelta,
		Delta: &engine.EventDelta{Text: "partial "},
	}})
	b.Process(&engine.Message{Type: engine.KindStreamEvent, Event: &engine.StreamEvent{
		Type:  engine.EventContentDelta,
		Delta: &engine.EventDelta{Text: "answer"},
	}})

	// Exactly one start frame per turn, no per-delta frames.
	require.Equal(t, []protocol.FrameKind{protocol.FrameAgent}, sink.kinds())

	b.Process(&engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess})

	require.Equal(t, []protocol.FrameKind{
		protocol.FrameAgent, protocol.FrameAgent,
		protocol.FrameCost, protocol.FrameIdle,
	}, sink.kinds())
	assert.Equal(t, "partial answer", sink.frames[1].Frame.Agent.Text)
}

func TestBridge_ToolCallAndResult(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{
		Type: engine.KindAssistant,
		Message: &engine.ChatMessage{Content: []engine.ContentBlock{
			{Type: engine.BlockToolUse, ID: "tu-1", Name: "list_files", Input: []byte(`{"dir":"."}`)},
		}},
	})
	b.Process(&engine.Message{
		Type: engine.KindUser,
		Message: &engine.ChatMessage{Content: []engine.ContentBlock{
			{
				Type:      engine.BlockToolResult,
				ToolUseID: "tu-1",
				Content:   []byte(`[{"type":"text","text":"a.go"},{"type":"text","text":"b.go"}]`),
			},
		}},
	})

	require.Equal(t, []protocol.FrameKind{
		protocol.FrameToolCall, protocol.FrameToolResult,
	}, sink.kinds())

	call := sink.frames[0].Frame.ToolCall
	assert.Equal(t, "tu-1", call.ID)
	assert.Equal(t, "list_files", call.Name)
	assert.JSONEq(t, `{"dir":"."}`, call.Args)

	result := sink.frames[1].Frame.ToolResult
	assert.Equal(t, "tu-1", result.ToolCallID)
	assert.Equal(t, "a.go\nb.go", result.Content)
	assert.False(t, result.IsError)
}

func TestBridge_FinalizeFlushesAccumulatedText(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{Type: engine.KindStreamEvent, Event: &engine.StreamEvent{
		Type:  engine.EventContentDelta,
		Delta: &engine.EventDelta{Text: "trailing text"},
	}})
	b.Finalize()

	require.Equal(t, []protocol.FrameKind{protocol.FrameAgent, protocol.FrameAgent}, sink.kinds())
	assert.Equal(t, "trailing text", sink.frames[1].Frame.Agent.Text)

	// A second finalize has nothing left to flush.
	b.Finalize()
	assert.Len(t, sink.frames, 2)
}

func TestBridge_UnknownKindIsSkipped(t *testing.T) {
	b, sink := newTestBridge(t)

	b.Process(&engine.Message{Type: "telemetry"})
	assert.Empty(t, sink.frames)
}
