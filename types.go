package manta

import "encoding/json"

// --- Domain types (persisted records) ---

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Message is one entry in a conversation's append-only log.
type Message struct {
	ServerMsgID string `json:"server_msg_id"`
	Role        string `json:"role"`
	// Content is free text. Empty for pure tool-call assistant messages.
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID references the originating ToolCall for role=tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name for role=tool messages.
	Name string `json:"name,omitempty"`
	// GeneratedFiles are workdir-relative filenames produced during this message.
	GeneratedFiles []string `json:"generated_files,omitempty"`
	Status         string   `json:"status"`
	// ClientMsgID is the idempotency key. Set on user messages only.
	ClientMsgID string `json:"client_msg_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Conversation is the full persisted record for one conversation.
type Conversation struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// ConversationInfo is a listing entry (no message payload).
type ConversationInfo struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Messages  int    `json:"messages"`
}

// FileInfo describes one file in a conversation's working directory.
type FileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// --- LLM protocol types ---

// ChatMessage is one message in a provider request.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name for role=tool messages. Preserved byte-for-byte,
	// including provider namespacing (e.g. "ns:tool_name").
	Name string `json:"name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	// Metadata carries provider-specific passthrough state, e.g. the raw
	// Gemini functionCall part with its thoughtSignature. It must be echoed
	// unchanged on the next request that carries this call's response.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ChatRequest is the normalized provider request.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ToolChoice is "auto" (default when tools are present), "none", or
	// "required". Providers translate it into their own dialect.
	ToolChoice string `json:"tool_choice,omitempty"`
}

// ChatResponse is the normalized provider response.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"` // "stop", "tool_calls", "length"
	Usage        Usage      `json:"usage"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is the provider-facing declaration of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}
