package manta

import (
	"context"
	"time"
)

// Default handler deadlines by tool class.
const (
	// DefaultToolTimeout covers fast tools (search, fetch, file I/O).
	DefaultToolTimeout = 30 * time.Second
	// CodeToolTimeout covers the sandboxed code/shell executor.
	CodeToolTimeout = 300 * time.Second
	// MediaToolTimeout covers long media generation (video).
	MediaToolTimeout = 600 * time.Second
)

// Descriptor is the declarative shape of a tool.
type Descriptor struct {
	Name        string
	Description string
	// Parameters is a JSON Schema for the arguments object. Compiled at
	// registration; invocations are validated against it.
	Parameters []byte
	// Required lists parameter names that must be present. Kept alongside
	// the schema so validation errors can enumerate missing fields even
	// when the schema omits a "required" clause.
	Required []string
	// Timeout is the handler deadline. Zero means DefaultToolTimeout.
	Timeout time.Duration
	// Pure marks the tool side-effect-free. Runs of pure calls within one
	// model reply may be dispatched in parallel.
	Pure bool
	// RetryOnTimeout opts the tool into a single orchestrator retry with
	// the same arguments after a timeout.
	RetryOnTimeout bool
}

// Invocation carries per-call context into a tool handler.
type Invocation struct {
	ConversationID string
	// Workdir is the conversation's working directory. All file side
	// effects must stay inside it.
	Workdir string
}

// Handler executes one tool call. args is the validated arguments object.
// Handlers must honor ctx cancellation; the registry enforces the
// descriptor's deadline through it.
type Handler func(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error)

// ToolResult is the successful outcome of a tool handler.
type ToolResult struct {
	// Content is the observation fed back to the model, typically compact JSON.
	Content string
	// Files lists workdir-relative filenames the handler knows it produced.
	// The registry unions these with the workdir change set.
	Files []string
}

// Result is the registry's invocation envelope.
type Result struct {
	// Status is "success" or "failed".
	Status string
	// Content is the observation on success, empty on failure.
	Content string
	// Err describes the failure. Nil on success.
	Err *ToolError
	// Files is the ordered, de-duplicated union of handler-reported files
	// and the workdir change set.
	Files []string
	// Duration is the handler wall time.
	Duration time.Duration
}

// ResultStatus values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)
