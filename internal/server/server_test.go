package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	manta "github.com/rheza/manta"
	filestore "github.com/rheza/manta/store/file"
)

// fakeRunner replays canned events and returns a fixed result.
type fakeRunner struct {
	events []manta.StreamEvent
	result manta.TurnResult
	err    error
}

func (f *fakeRunner) RunTurn(ctx context.Context, convID string, ch chan<- manta.StreamEvent) (manta.TurnResult, error) {
	if ch != nil {
		for _, ev := range f.events {
			ch <- ev
		}
		close(ch)
	}
	return f.result, f.err
}

func newTestServer(t *testing.T, runner TurnRunner) (*httptest.Server, *filestore.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := filestore.New(filepath.Join(root, "data"), filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(store, runner).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func postChat(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChatStreamsTurn(t *testing.T) {
	runner := &fakeRunner{
		events: []manta.StreamEvent{
			{Type: manta.EventToolCallStart, Name: "web_search", Args: json.RawMessage(`{"query":"go"}`)},
			{Type: manta.EventToolCallResult, Name: "web_search", Status: "success"},
			{Type: manta.EventTextDelta, Content: "final answer"},
		},
		result: manta.TurnResult{Content: "final answer", Files: []string{"chart.png"}},
	}
	srv, store := newTestServer(t, runner)

	resp := postChat(t, srv, `{"conversation_id":"c1","user":"alice","content":"go find it"}`)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	events := parseSSE(t, string(raw))
	if len(events) < 5 {
		t.Fatalf("events = %+v", events)
	}
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	want := []string{"server_msg_id", "tool_call_started", "tool_call_result", "text_delta", "done"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q (all: %v)", i, names[i], want[i], names)
		}
	}

	var done struct {
		Status       string   `json:"status"`
		FinalContent string   `json:"final_content"`
		Files        []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(events[len(events)-1].Data), &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != manta.StatusCompleted || done.FinalContent != "final answer" ||
		len(done.Files) != 1 || done.Files[0] != "chart.png" {
		t.Errorf("done = %+v", done)
	}

	// The placeholder must be finalized in the store.
	conv, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != manta.RoleAssistant || last.Status != manta.StatusCompleted || last.Content != "final answer" {
		t.Errorf("final assistant = %+v", last)
	}
}

func TestChatStreamsMalformedToolArgs(t *testing.T) {
	runner := &fakeRunner{
		events: []manta.StreamEvent{
			{Type: manta.EventToolCallStart, Name: "echo", Args: json.RawMessage(`{"q":"a"}{"q":"b"}`)},
			{Type: manta.EventToolCallResult, Name: "echo", Status: "failed"},
		},
		result: manta.TurnResult{Content: "could not run echo"},
	}
	srv, _ := newTestServer(t, runner)

	resp := postChat(t, srv, `{"conversation_id":"c1","user":"alice","content":"hi"}`)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	events := parseSSE(t, string(raw))

	var started, result bool
	for _, ev := range events {
		switch ev.Name {
		case "tool_call_started":
			started = true
			var payload struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				t.Fatalf("started payload %q: %v", ev.Data, err)
			}
			if payload.Arguments != `{"q":"a"}{"q":"b"}` {
				t.Errorf("arguments = %q", payload.Arguments)
			}
		case "tool_call_result":
			result = true
		}
	}
	if !started || !result {
		t.Errorf("started=%v result=%v (events: %+v)", started, result, events)
	}
}

func TestChatTurnErrorFinalizesFailed(t *testing.T) {
	runner := &fakeRunner{err: io.ErrUnexpectedEOF}
	srv, store := newTestServer(t, runner)

	resp := postChat(t, srv, `{"conversation_id":"c1","user":"alice","content":"hi"}`)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	events := parseSSE(t, string(raw))
	last := events[len(events)-1]
	if last.Name != "done" || !strings.Contains(last.Data, manta.StatusFailed) {
		t.Errorf("terminal event = %+v", last)
	}

	conv, _ := store.Get(context.Background(), "c1")
	a := conv.Messages[len(conv.Messages)-1]
	if a.Status != manta.StatusFailed || !strings.HasPrefix(a.Content, "error:") {
		t.Errorf("assistant = %+v", a)
	}
}

func TestChatIdempotentReplay(t *testing.T) {
	runner := &fakeRunner{result: manta.TurnResult{Content: "done"}}
	srv, store := newTestServer(t, runner)

	body := `{"conversation_id":"c1","user":"alice","content":"hi","client_msg_id":"m1"}`
	resp := postChat(t, srv, body)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp = postChat(t, srv, body)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("replay content type = %q, want plain JSON", ct)
	}
	var out struct {
		ServerMsgID string `json:"server_msg_id"`
		Status      string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ServerMsgID == "" || out.Status != manta.StatusCompleted {
		t.Errorf("replay = %+v", out)
	}

	// No second user message or placeholder was created.
	conv, _ := store.Get(context.Background(), "c1")
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(conv.Messages))
	}
}

func TestChatValidatesRequest(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	for _, body := range []string{
		`{"user":"alice","content":"hi"}`,
		`{"conversation_id":"c1","content":"hi"}`,
		`{"conversation_id":"c1","user":"alice"}`,
		`not json`,
	} {
		resp := postChat(t, srv, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}
}

func TestCancelWithoutActiveTurn(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Post(srv.URL+"/chat/c9/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamFile(t *testing.T) {
	srv, store := newTestServer(t, &fakeRunner{})
	dir, err := store.Workdir("c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/stream/c1/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "0123456789" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	// No filename parameter: non-ASCII names corrupt under header encoding.
	if cd := resp.Header.Get("Content-Disposition"); cd != "attachment" {
		t.Errorf("disposition = %q", cd)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream/c1/report.txt", nil)
	req.Header.Set("Range", "bytes=2-5")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || string(body) != "2345" {
		t.Errorf("range status=%d body=%q", resp.StatusCode, body)
	}
}

func TestStreamFileNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Get(srv.URL + "/stream/c1/missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCleanFilename(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := cleanFilename(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
	if got, err := cleanFilename("résumé.pdf"); err != nil || got != "résumé.pdf" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestListFiles(t *testing.T) {
	srv, store := newTestServer(t, &fakeRunner{})
	dir, _ := store.Workdir("c1")
	os.WriteFile(filepath.Join(dir, "out.csv"), []byte("a,b"), 0o644)

	resp, err := http.Get(srv.URL + "/outputs/list/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 1 || out.Files[0].Name != "out.csv" || out.Files[0].Size != 3 {
		t.Errorf("files = %+v", out.Files)
	}
}

func TestListConversationsRequiresUser(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Get(srv.URL + "/conversations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExport(t *testing.T) {
	srv, store := newTestServer(t, &fakeRunner{})
	ctx := context.Background()
	store.AppendUserMessage(ctx, "c1", "alice", "<script>alert(1)</script>", "")
	id, _ := store.CreateAssistantPlaceholder(ctx, "c1", "alice")
	store.UpdateAssistant(ctx, "c1", id, "here is **bold** text", nil, []string{"chart.png"}, manta.StatusCompleted)
	// A dangling placeholder must not appear in the export.
	store.CreateAssistantPlaceholder(ctx, "c1", "alice")

	resp, err := http.Get(srv.URL + "/conversations/c1/export")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("status=%d type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	page := string(body)
	if !strings.Contains(page, "<strong>bold</strong>") {
		t.Error("assistant markdown not rendered")
	}
	if strings.Contains(page, "<script>alert") {
		t.Error("user content not escaped")
	}
	if !strings.Contains(page, "&lt;script&gt;") {
		t.Error("escaped user content missing")
	}
	if !strings.Contains(page, "chart.png") {
		t.Error("generated files missing")
	}
}

func TestExportNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Get(srv.URL + "/conversations/nope/export")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
