package manta

import "context"

// Provider abstracts the LLM backend. Implementations translate the
// normalized request/response shapes into their own wire dialect and are
// safe for concurrent use; they hold no per-conversation state.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may carry ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text deltas into ch, then returns the final
	// accumulated response. Streamed tool-call argument fragments are
	// reassembled internally; completed calls appear only on the returned
	// response. ch is closed when streaming completes.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string
}
