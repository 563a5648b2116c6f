package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	manta "github.com/rheza/manta"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "data"), filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendUserMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, replay, err := s.AppendUserMessage(ctx, "c1", "alice", "hello", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if replay {
		t.Fatal("first insert reported as replay")
	}

	id2, replay, err := s.AppendUserMessage(ctx, "c1", "alice", "hello", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if !replay || id2 != id1 {
		t.Errorf("replay=%v id=%q, want replay of %q", replay, id2, id1)
	}

	// The duplicate must not add a second message.
	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(conv.Messages))
	}

	// Same client id from a different user is a fresh message.
	id3, replay, err := s.AppendUserMessage(ctx, "c2", "bob", "hello", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if replay || id3 == id1 {
		t.Errorf("idempotency keys must be scoped per user")
	}
}

func TestIdempotencySurvivesReopen(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	outDir := filepath.Join(root, "outputs")
	ctx := context.Background()

	s, err := New(dataDir, outDir)
	if err != nil {
		t.Fatal(err)
	}
	id1, _, err := s.AppendUserMessage(ctx, "c1", "alice", "hi", "client-1")
	if err != nil {
		t.Fatal(err)
	}

	s2, err := New(dataDir, outDir)
	if err != nil {
		t.Fatal(err)
	}
	id2, replay, err := s2.AppendUserMessage(ctx, "c1", "alice", "hi", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if !replay || id2 != id1 {
		t.Errorf("replay=%v id=%q, want replay of %q after reopen", replay, id2, id1)
	}
}

func TestInsertBeforePlaceholderOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendUserMessage(ctx, "c1", "alice", "question", "")
	phID, err := s.CreateAssistantPlaceholder(ctx, "c1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// Mid-turn inserts land before the trailing placeholder, tool-calling
	// assistant first, its observation second.
	calls := []manta.ToolCall{{
		ID: "call_1", Name: "echo",
		Args:     json.RawMessage(`{"text":"hi"}`),
		Metadata: json.RawMessage(`{"thoughtSignature":"c2ln"}`),
	}}
	if err := s.AppendAssistantMessage(ctx, "c1", "", calls); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendToolMessage(ctx, "c1", "call_1", "echo", "observation", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAssistant(ctx, "c1", phID, "answer", nil, nil, manta.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		roles[i] = m.Role
	}
	want := []string{manta.RoleUser, manta.RoleAssistant, manta.RoleTool, manta.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
	caller := conv.Messages[1]
	if caller.Status != manta.StatusCompleted || len(caller.ToolCalls) != 1 {
		t.Fatalf("tool-call assistant = %+v", caller)
	}
	if caller.ToolCalls[0].ID != "call_1" ||
		string(caller.ToolCalls[0].Metadata) != `{"thoughtSignature":"c2ln"}` {
		t.Errorf("persisted call = %+v", caller.ToolCalls[0])
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.ServerMsgID != phID || last.Content != "answer" || last.Status != manta.StatusCompleted {
		t.Errorf("final assistant = %+v", last)
	}
}

func TestUpdateAssistantNotInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	phID, _ := s.CreateAssistantPlaceholder(ctx, "c1", "alice")
	if err := s.UpdateAssistant(ctx, "c1", phID, "done", nil, []string{"a.txt"}, manta.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	// Finalizing twice is a conflict, not a silent overwrite.
	if err := s.UpdateAssistant(ctx, "c1", phID, "again", nil, nil, manta.StatusCompleted); err != manta.ErrNotInProgress {
		t.Errorf("err = %v, want ErrNotInProgress", err)
	}
	if err := s.UpdateAssistant(ctx, "c1", "missing", "x", nil, nil, manta.StatusCompleted); err != manta.ErrMessageNotFound {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestNeighborNormalize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendUserMessage(ctx, "c1", "alice", "make a chart", "")
	// Crash-retry duplicate with different whitespace and extra files.
	id1, _ := s.CreateAssistantPlaceholder(ctx, "c1", "alice")
	s.UpdateAssistant(ctx, "c1", id1, "here  is the\nchart", nil, []string{"chart.png"}, manta.StatusCompleted)
	id2, _ := s.CreateAssistantPlaceholder(ctx, "c1", "alice")
	s.UpdateAssistant(ctx, "c1", id2, "here is the chart", nil, []string{"data.csv"}, manta.StatusCompleted)

	if err := s.NeighborNormalize(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	conv, _ := s.Get(ctx, "c1")
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want duplicate merged", len(conv.Messages))
	}
	last := conv.Messages[1]
	if last.ServerMsgID != id2 {
		t.Errorf("survivor = %q, want the later message %q", last.ServerMsgID, id2)
	}
	files := last.GeneratedFiles
	if len(files) != 2 || files[0] != "chart.png" || files[1] != "data.csv" {
		t.Errorf("merged files = %v", files)
	}

	// Second application is a no-op.
	if err := s.NeighborNormalize(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	conv, _ = s.Get(ctx, "c1")
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d after second normalize", len(conv.Messages))
	}
}

func TestNeighborNormalizeLeavesDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendUserMessage(ctx, "c1", "alice", "first", "")
	s.AppendUserMessage(ctx, "c1", "alice", "second", "")
	if err := s.NeighborNormalize(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	conv, _ := s.Get(ctx, "c1")
	if len(conv.Messages) != 2 {
		t.Errorf("distinct neighbors merged: %d messages", len(conv.Messages))
	}
}

func TestIndexRebuild(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	outDir := filepath.Join(root, "outputs")
	ctx := context.Background()

	s, err := New(dataDir, outDir)
	if err != nil {
		t.Fatal(err)
	}
	s.AppendUserMessage(ctx, "c1", "alice", "hello", "")
	s.AppendUserMessage(ctx, "c2", "bob", "hi", "")

	if err := os.Remove(filepath.Join(dataDir, "index.json")); err != nil {
		t.Fatal(err)
	}

	s2, err := New(dataDir, outDir)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := s2.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.User != "alice" || len(conv.Messages) != 1 {
		t.Errorf("rebuilt conversation = %+v", conv)
	}
	infos, err := s2.List(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != "c2" {
		t.Errorf("list = %+v", infos)
	}
}

func TestGetUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != manta.ErrConversationNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestWorkdirAndListFiles(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Workdir("c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := s.ListFiles("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "out.txt" {
		t.Errorf("files = %+v", files)
	}
}

func TestListOrdersByRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.AppendUserMessage(ctx, "c1", "alice", "old", "")
	s.AppendUserMessage(ctx, "c2", "alice", "new", "")
	// Touch c1 again so it becomes the most recent.
	s.AppendUserMessage(ctx, "c1", "alice", "newest", "")

	infos, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("list = %+v", infos)
	}
	// Timestamps have second resolution; only assert order when they differ.
	if infos[0].UpdatedAt != infos[1].UpdatedAt && infos[0].ID != "c1" {
		t.Errorf("list order = %v", infos)
	}
}
