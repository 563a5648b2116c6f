// Package plan provides the plan tool. The task plan lives as plan.json in
// the conversation working directory and survives across turns; the tool
// both reads and updates it in place.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	manta "github.com/rheza/manta"
)

const artifactName = "plan.json"

// Step statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Step is one planned action.
type Step struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// Artifact is the persisted plan.
type Artifact struct {
	TaskDescription string `json:"task_description"`
	Steps           []Step `json:"steps"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Remaining       int    `json:"remaining"`
}

// recount refreshes the derived counters from the step list.
func (a *Artifact) recount() {
	a.Completed, a.Failed, a.Remaining = 0, 0, 0
	for _, s := range a.Steps {
		switch s.Status {
		case StatusCompleted:
			a.Completed++
		case StatusFailed:
			a.Failed++
		default:
			a.Remaining++
		}
	}
}

// Tool manages the plan artifact.
type Tool struct{}

// New creates a plan Tool.
func New() *Tool {
	return &Tool{}
}

// Descriptor returns the registry descriptor.
func (t *Tool) Descriptor() manta.Descriptor {
	return manta.Descriptor{
		Name:        "plan",
		Description: "Create or update the task plan for this conversation. Actions: create (new plan with steps), update (change one step's status and result), get (read the current plan).",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["create", "update", "get"]},
				"task_description": {"type": "string", "description": "What the plan accomplishes (create only)"},
				"steps": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Ordered step actions (create only)"
				},
				"step": {"type": "integer", "description": "1-based step number (update only)"},
				"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "failed"]},
				"result": {"type": "string", "description": "Outcome note for the step (update only)"}
			},
			"required": ["action"]
		}`),
		Required: []string{"action"},
	}
}

// Register adds the tool to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	return reg.Register(t.Descriptor(), t.Handle)
}

// Handle runs one plan invocation.
func (t *Tool) Handle(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	if inv.Workdir == "" {
		return manta.ToolResult{}, fmt.Errorf("no working directory for this conversation")
	}
	action, _ := args["action"].(string)
	switch action {
	case "create":
		return t.create(inv.Workdir, args)
	case "update":
		return t.update(inv.Workdir, args)
	case "get":
		return t.get(inv.Workdir)
	default:
		return manta.ToolResult{}, fmt.Errorf("unknown plan action %q", action)
	}
}

func (t *Tool) create(workdir string, args map[string]any) (manta.ToolResult, error) {
	desc, _ := args["task_description"].(string)
	rawSteps, _ := args["steps"].([]any)
	if len(rawSteps) == 0 {
		return manta.ToolResult{}, fmt.Errorf("create requires a non-empty steps list")
	}

	art := Artifact{TaskDescription: desc}
	for i, rs := range rawSteps {
		action, ok := rs.(string)
		if !ok || action == "" {
			return manta.ToolResult{}, fmt.Errorf("step %d is not a string", i+1)
		}
		art.Steps = append(art.Steps, Step{Step: i + 1, Action: action, Status: StatusPending})
	}
	art.recount()

	if err := save(workdir, &art); err != nil {
		return manta.ToolResult{}, err
	}
	return render(&art)
}

func (t *Tool) update(workdir string, args map[string]any) (manta.ToolResult, error) {
	art, err := Load(workdir)
	if err != nil {
		return manta.ToolResult{}, err
	}

	n, err := intArg(args, "step")
	if err != nil {
		return manta.ToolResult{}, err
	}
	if n < 1 || n > len(art.Steps) {
		return manta.ToolResult{}, fmt.Errorf("step %d out of range (plan has %d steps)", n, len(art.Steps))
	}

	if status, ok := args["status"].(string); ok && status != "" {
		art.Steps[n-1].Status = status
	}
	if result, ok := args["result"].(string); ok && result != "" {
		art.Steps[n-1].Result = result
	}
	art.recount()

	if err := save(workdir, art); err != nil {
		return manta.ToolResult{}, err
	}
	return render(art)
}

func (t *Tool) get(workdir string) (manta.ToolResult, error) {
	art, err := Load(workdir)
	if err != nil {
		return manta.ToolResult{}, err
	}
	return render(art)
}

// Load reads the plan artifact from a working directory.
func Load(workdir string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(workdir, artifactName))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no plan exists yet; use action=create first")
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &art, nil
}

func save(workdir string, art *Artifact) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, artifactName), data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

func render(art *Artifact) (manta.ToolResult, error) {
	data, err := json.Marshal(art)
	if err != nil {
		return manta.ToolResult{}, fmt.Errorf("marshal plan: %w", err)
	}
	return manta.ToolResult{Content: string(data), Files: []string{artifactName}}, nil
}

// intArg reads an integer argument; registry decoding leaves numbers as
// json.Number.
func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
