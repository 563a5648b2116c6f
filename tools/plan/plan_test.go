package plan

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	manta "github.com/rheza/manta"
)

func TestCreateUpdateGet(t *testing.T) {
	tool := New()
	dir := t.TempDir()
	inv := manta.Invocation{Workdir: dir}
	ctx := context.Background()

	res, err := tool.Handle(ctx, map[string]any{
		"action":           "create",
		"task_description": "ship the report",
		"steps":            []any{"gather data", "make chart", "write summary"},
	}, inv)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0] != artifactName {
		t.Errorf("files = %v", res.Files)
	}

	art, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Steps) != 3 || art.Remaining != 3 || art.Completed != 0 {
		t.Errorf("artifact = %+v", art)
	}
	if art.Steps[1].Step != 2 || art.Steps[1].Action != "make chart" || art.Steps[1].Status != StatusPending {
		t.Errorf("step = %+v", art.Steps[1])
	}

	// Registry decoding delivers numbers as json.Number.
	_, err = tool.Handle(ctx, map[string]any{
		"action": "update",
		"step":   json.Number("1"),
		"status": StatusCompleted,
		"result": "fetched 3 sources",
	}, inv)
	if err != nil {
		t.Fatal(err)
	}
	art, _ = Load(dir)
	if art.Completed != 1 || art.Remaining != 2 {
		t.Errorf("counters = %+v", art)
	}
	if art.Steps[0].Result != "fetched 3 sources" {
		t.Errorf("result = %q", art.Steps[0].Result)
	}

	res, err = tool.Handle(ctx, map[string]any{"action": "get"}, inv)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "ship the report") || !strings.Contains(res.Content, `"completed":1`) {
		t.Errorf("content = %q", res.Content)
	}
}

func TestUpdateStepOutOfRange(t *testing.T) {
	tool := New()
	dir := t.TempDir()
	inv := manta.Invocation{Workdir: dir}
	ctx := context.Background()

	tool.Handle(ctx, map[string]any{"action": "create", "steps": []any{"only step"}}, inv)
	if _, err := tool.Handle(ctx, map[string]any{"action": "update", "step": json.Number("5")}, inv); err == nil {
		t.Fatal("out-of-range step accepted")
	}
	if _, err := tool.Handle(ctx, map[string]any{"action": "update", "step": json.Number("0")}, inv); err == nil {
		t.Fatal("zero step accepted")
	}
}

func TestGetBeforeCreate(t *testing.T) {
	tool := New()
	_, err := tool.Handle(context.Background(), map[string]any{"action": "get"}, manta.Invocation{Workdir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "create") {
		t.Errorf("err = %v, want a hint to create first", err)
	}
}

func TestCreateRequiresSteps(t *testing.T) {
	tool := New()
	inv := manta.Invocation{Workdir: t.TempDir()}
	if _, err := tool.Handle(context.Background(), map[string]any{"action": "create"}, inv); err == nil {
		t.Fatal("empty plan accepted")
	}
	if _, err := tool.Handle(context.Background(), map[string]any{
		"action": "create", "steps": []any{"ok", 42},
	}, inv); err == nil {
		t.Fatal("non-string step accepted")
	}
}

func TestUnknownAction(t *testing.T) {
	tool := New()
	if _, err := tool.Handle(context.Background(), map[string]any{"action": "delete"}, manta.Invocation{Workdir: t.TempDir()}); err == nil {
		t.Fatal("unknown action accepted")
	}
}
