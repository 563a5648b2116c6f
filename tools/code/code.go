// Package code exposes the sandbox executor as the execute_code and
// execute_shell tools.
package code

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	manta "github.com/rheza/manta"
	sandbox "github.com/rheza/manta/code"
)

// Tool wraps a sandbox executor for registry dispatch.
type Tool struct {
	exec *sandbox.Executor
}

// New creates a code Tool around an executor.
func New(exec *sandbox.Executor) *Tool {
	return &Tool{exec: exec}
}

// Descriptors returns descriptors for both operations. Both run under the
// code deadline; neither is pure.
func (t *Tool) Descriptors() []manta.Descriptor {
	return []manta.Descriptor{
		{
			Name:        "execute_code",
			Description: "Run Python code in the conversation sandbox. Files written to the working directory are captured and attached. Print results; the last expression is not echoed.",
			Parameters: []byte(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "Python source to execute"}
				},
				"required": ["code"]
			}`),
			Required: []string{"code"},
			Timeout:  manta.CodeToolTimeout,
		},
		{
			Name:        "execute_shell",
			Description: "Run a shell command in the conversation sandbox. Use for file inspection, conversions, and quick utilities. Destructive and network-mutating commands are blocked.",
			Parameters: []byte(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "Shell command to execute"}
				},
				"required": ["command"]
			}`),
			Required: []string{"command"},
			Timeout:  manta.CodeToolTimeout,
		},
	}
}

// Register adds both tools to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	descs := t.Descriptors()
	if err := reg.Register(descs[0], t.HandleCode); err != nil {
		return err
	}
	return reg.Register(descs[1], t.HandleShell)
}

// HandleCode runs one execute_code invocation.
func (t *Tool) HandleCode(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	source, _ := args["code"].(string)
	if strings.TrimSpace(source) == "" {
		return manta.ToolResult{}, fmt.Errorf("empty code")
	}
	res, err := t.exec.ExecuteCode(ctx, source, inv.ConversationID, inv.Workdir, 0)
	return observation(res, err)
}

// HandleShell runs one execute_shell invocation.
func (t *Tool) HandleShell(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return manta.ToolResult{}, fmt.Errorf("empty command")
	}
	res, err := t.exec.ExecuteShell(ctx, command, inv.ConversationID, inv.Workdir, 0)
	return observation(res, err)
}

// observation turns an exec outcome into the model-facing result. Execution
// failures carry the captured output so the model can correct itself.
func observation(res sandbox.ExecResult, err error) (manta.ToolResult, error) {
	if err != nil {
		var ee *manta.ExecError
		if errors.As(err, &ee) {
			detail := ee.Error()
			if tail := strings.TrimSpace(res.Stderr); tail != "" {
				detail += "\nstderr:\n" + tail
			}
			if out := strings.TrimSpace(res.Stdout); out != "" {
				detail += "\nstdout:\n" + out
			}
			return manta.ToolResult{Files: res.ChangedFiles}, errors.New(detail)
		}
		return manta.ToolResult{}, err
	}

	payload := map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
	}
	if strings.TrimSpace(res.Stderr) != "" {
		payload["stderr"] = res.Stderr
	}
	if len(res.ChangedFiles) > 0 {
		payload["files"] = res.ChangedFiles
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return manta.ToolResult{}, fmt.Errorf("marshal observation: %w", merr)
	}
	return manta.ToolResult{Content: string(data), Files: res.ChangedFiles}, nil
}
