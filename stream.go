package manta

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text_delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool_call_started"
	// EventToolCallResult carries the outcome of a completed tool call.
	EventToolCallResult StreamEventType = "tool_call_result"
	// EventFilesGenerated carries a union update of generated filenames.
	EventFilesGenerated StreamEventType = "files_generated"
)

// StreamEvent is a typed progress event emitted during a turn.
// The HTTP surface is the sole consumer and maps each event onto SSE.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID is the tool call id (tool events only).
	ID string `json:"id,omitempty"`
	// Name is the tool name (tool events only).
	Name string `json:"name,omitempty"`
	// Content carries the text delta or the tool result summary.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool_call_started only).
	Args json.RawMessage `json:"args,omitempty"`
	// Status is "success" or "failed" (tool_call_result only).
	Status string `json:"status,omitempty"`
	// Files lists workdir-relative filenames (tool_call_result and
	// files_generated).
	Files []string `json:"files,omitempty"`
}
