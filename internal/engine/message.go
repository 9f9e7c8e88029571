// ABOUTME: Native engine message model and JSONL codec.
// ABOUTME: A closed tagged union over the message kinds engines emit during a turn.

package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message kinds emitted by an engine during a turn.
const (
	// KindInit announces the engine session (session-level continuation id).
	KindInit = "system"
	// KindStreamEvent carries a streaming content delta.
	KindStreamEvent = "stream_event"
	// KindAssistant is a completed assistant message.
	KindAssistant = "assistant"
	// KindUser carries tool results fed back into the conversation.
	KindUser = "user"
	// KindResult terminates the turn with status and accounting.
	KindResult = "result"
)

// Result subtypes.
const (
	ResultSuccess = "success"
)

// Message is one native engine output item. Exactly the fields relevant to
// Type are populated; consumers dispatch on Type and must not assume more.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Streaming delta (Type == KindStreamEvent).
	Event *StreamEvent `json:"event,omitempty"`

	// Completed message (Type == KindAssistant or KindUser).
	Message *ChatMessage `json:"message,omitempty"`

	// Turn result (Type == KindResult).
	IsError       bool             `json:"is_error,omitempty"`
	Result        string           `json:"result,omitempty"`
	TotalCostUSD  float64          `json:"total_cost_usd,omitempty"`
	DurationMS    int64            `json:"duration_ms,omitempty"`
	DurationAPIMS int64            `json:"duration_api_ms,omitempty"`
	NumTurns      int              `json:"num_turns,omitempty"`
	Usage         *Usage           `json:"usage,omitempty"`
	ModelUsage    map[string]Usage `json:"modelUsage,omitempty"`
}

// StreamEvent is one streaming delta within a turn.
type StreamEvent struct {
	Type  string      `json:"type"`
	Index int         `json:"index,omitempty"`
	Delta *EventDelta `json:"delta,omitempty"`
}

// Stream event types.
const (
	EventContentStart = "content_block_start"
	EventContentDelta = "content_block_delta"
	EventContentStop  = "content_block_stop"
)

// EventDelta carries the text fragment of a content delta.
type EventDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// ChatMessage is a completed conversation message with content blocks.
type ChatMessage struct {
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block inside a completed message.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Tool use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result blocks. Content is either a plain string or an array of
	// text blocks; NormalizedContent flattens both.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Usage holds token counters for one turn or one model.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// NormalizedContent flattens a tool result block's content to text.
// String content passes through; an array of text blocks is joined with
// newlines; anything else falls back to the raw JSON.
func (b ContentBlock) NormalizedContent() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, inner := range blocks {
			if inner.Type == BlockText {
				parts = append(parts, inner.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(b.Content)
}

// DecodeMessage parses one JSONL output line into a Message.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decoding engine message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("engine message missing type tag")
	}
	return &msg, nil
}
