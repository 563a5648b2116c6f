package manta

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrLLM is a provider-level failure (request building, transport, decoding).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx provider response. RetryAfter is the server-requested
// delay parsed from the Retry-After header, or zero.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrProtocol is a malformed provider response: truncated JSON, mixed-dialect
// output, or a thought-signature contract violation. Protocol errors
// terminate the turn rather than being fed back to the model.
type ErrProtocol struct {
	Provider string
	Detail   string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("%s protocol: %s", e.Provider, e.Detail)
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds form).
// Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// --- Tool invocation errors ---

// ToolErrorKind classifies a registry-level tool failure.
type ToolErrorKind int

const (
	// ErrUnknownTool: no descriptor registered under the requested name.
	ErrUnknownTool ToolErrorKind = iota
	// ErrMalformedArguments: arguments are not a single well-formed JSON
	// object (includes the concatenated-objects failure mode).
	ErrMalformedArguments
	// ErrArgumentValidation: required parameters missing or mistyped.
	ErrArgumentValidation
	// ErrToolTimeout: the handler exceeded the descriptor's deadline.
	ErrToolTimeout
	// ErrHandlerFailure: the handler returned an error or panicked.
	ErrHandlerFailure
)

func (k ToolErrorKind) String() string {
	switch k {
	case ErrUnknownTool:
		return "unknown_tool"
	case ErrMalformedArguments:
		return "malformed_arguments"
	case ErrArgumentValidation:
		return "argument_validation"
	case ErrToolTimeout:
		return "timeout"
	case ErrHandlerFailure:
		return "handler_failure"
	default:
		return "unknown"
	}
}

// ToolError is the structured failure for one tool invocation. It is data,
// not control flow: the orchestrator feeds it back to the model verbatim.
type ToolError struct {
	Kind   ToolErrorKind
	Tool   string
	Detail string
	// Fields enumerates offending parameters for ErrArgumentValidation.
	Fields []string
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tool %q %s", e.Tool, e.Kind)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields: %s)", strings.Join(e.Fields, ", "))
	}
	return b.String()
}

// --- Sandbox execution errors ---

// ExecErrorKind classifies a sandbox execution failure.
type ExecErrorKind int

const (
	// ExecTimeout: the subprocess exceeded its deadline.
	ExecTimeout ExecErrorKind = iota
	// ExecNonZeroExit: the subprocess exited with a non-zero code.
	ExecNonZeroExit
	// ExecForbiddenCommand: the command matched a denylist rule.
	ExecForbiddenCommand
	// ExecInternal: the executor itself failed (spawn, pipes, temp files).
	ExecInternal
)

func (k ExecErrorKind) String() string {
	switch k {
	case ExecTimeout:
		return "execution_timeout"
	case ExecNonZeroExit:
		return "non_zero_exit"
	case ExecForbiddenCommand:
		return "forbidden_command"
	case ExecInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// ExecError is a structured sandbox failure, surfaced to the calling tool
// and thence to the model.
type ExecError struct {
	Kind     ExecErrorKind
	Rule     string // denylist rule, for ExecForbiddenCommand
	ExitCode int    // for ExecNonZeroExit
	Detail   string
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case ExecForbiddenCommand:
		return fmt.Sprintf("forbidden command (rule: %s)", e.Rule)
	case ExecNonZeroExit:
		return fmt.Sprintf("exit code %d: %s", e.ExitCode, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}
