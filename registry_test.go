package manta

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func echoHandler(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error) {
	data, _ := json.Marshal(args)
	return ToolResult{Content: string(data)}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(Descriptor{
		Name:        "echo",
		Description: "echoes args",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"count": {"type": "integer", "minimum": 1}
			},
			"required": ["text"]
		}`),
		Required: []string{"text"},
	}, echoHandler)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestInvokeSuccess(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), Invocation{})
	if res.Status != ResultSuccess {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}
	if !strings.Contains(res.Content, `"hi"`) {
		t.Errorf("content = %q", res.Content)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Invoke(context.Background(), "missing", nil, Invocation{})
	if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrUnknownTool {
		t.Fatalf("got %+v", res)
	}
}

func TestInvokeMalformedArguments(t *testing.T) {
	reg := newTestRegistry(t)
	cases := map[string]string{
		"truncated":    `{"text": "hi`,
		"concatenated": `{"text":"a"}{"text":"b"}`,
		"not_object":   `[1,2,3]`,
	}
	for name, raw := range cases {
		res := reg.Invoke(context.Background(), "echo", json.RawMessage(raw), Invocation{})
		if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrMalformedArguments {
			t.Errorf("%s: got %+v", name, res.Err)
		}
	}
}

func TestInvokeMissingRequired(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"count": 2}`), Invocation{})
	if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrArgumentValidation {
		t.Fatalf("got %+v", res.Err)
	}
	if len(res.Err.Fields) != 1 || res.Err.Fields[0] != "text" {
		t.Errorf("fields = %v", res.Err.Fields)
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi","count":0}`), Invocation{})
	if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrArgumentValidation {
		t.Fatalf("got %+v", res.Err)
	}
	found := false
	for _, f := range res.Err.Fields {
		if f == "/count" {
			found = true
		}
	}
	if !found {
		t.Errorf("fields = %v, want /count", res.Err.Fields)
	}
}

func TestInvokeEmptyArgs(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "noop"}, func(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error) {
		if args == nil {
			t.Error("args should be an empty map, not nil")
		}
		return ToolResult{Content: "ok"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	res := reg.Invoke(context.Background(), "noop", nil, Invocation{})
	if res.Status != ResultSuccess {
		t.Fatalf("got %+v", res.Err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Descriptor{Name: "slow", Timeout: 50 * time.Millisecond},
		func(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		})
	if err != nil {
		t.Fatal(err)
	}
	res := reg.Invoke(context.Background(), "slow", nil, Invocation{})
	if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrToolTimeout {
		t.Fatalf("got %+v", res.Err)
	}
}

func TestInvokePanicContained(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "boom"},
		func(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error) {
			panic("kaboom")
		}); err != nil {
		t.Fatal(err)
	}
	res := reg.Invoke(context.Background(), "boom", nil, Invocation{})
	if res.Status != ResultFailed || res.Err == nil || res.Err.Kind != ErrHandlerFailure {
		t.Fatalf("got %+v", res.Err)
	}
	if !strings.Contains(res.Err.Detail, "kaboom") {
		t.Errorf("detail = %q", res.Err.Detail)
	}
}

func TestInvokeUnionsWorkdirChanges(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "writer"},
		func(ctx context.Context, args map[string]any, inv Invocation) (ToolResult, error) {
			if err := os.WriteFile(filepath.Join(inv.Workdir, "out.txt"), []byte("x"), 0o644); err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Content: "done", Files: []string{"reported.txt"}}, nil
		}); err != nil {
		t.Fatal(err)
	}
	res := reg.Invoke(context.Background(), "writer", nil, Invocation{Workdir: dir})
	if res.Status != ResultSuccess {
		t.Fatalf("got %+v", res.Err)
	}
	// Handler-reported first, change set appended.
	if len(res.Files) != 2 || res.Files[0] != "reported.txt" || res.Files[1] != "out.txt" {
		t.Errorf("files = %v", res.Files)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Freeze()
	if err := reg.Register(Descriptor{Name: "late"}, echoHandler); err == nil {
		t.Fatal("expected error after freeze")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(Descriptor{Name: "echo"}, echoHandler); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegisterTimeoutOverrides(t *testing.T) {
	reg := NewRegistry(
		RegistryDefaultTimeout(5*time.Second),
		RegistryToolTimeout("slow", 42*time.Second))
	for _, name := range []string{"slow", "plain"} {
		if err := reg.Register(Descriptor{Name: name}, echoHandler); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register(Descriptor{Name: "declared", Timeout: 7 * time.Second}, echoHandler); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name string
		want time.Duration
	}{
		{"slow", 42 * time.Second},    // per-tool override
		{"plain", 5 * time.Second},    // configured default
		{"declared", 7 * time.Second}, // descriptor value, no override
	} {
		d, ok := reg.Descriptor(tc.name)
		if !ok || d.Timeout != tc.want {
			t.Errorf("%s timeout = %v, want %v", tc.name, d.Timeout, tc.want)
		}
	}
}

func TestDefinitionsOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := reg.Register(Descriptor{Name: name}, echoHandler); err != nil {
			t.Fatal(err)
		}
	}
	defs := reg.Definitions()
	if len(defs) != 3 || defs[0].Name != "c" || defs[1].Name != "a" || defs[2].Name != "b" {
		t.Errorf("definitions = %v", defs)
	}
}
