package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	manta "github.com/rheza/manta"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "test-model" || len(body.Messages) != 1 {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{
				Message:      &ChoiceMessage{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 3},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "test-model", srv.URL)
	resp, err := p.Chat(context.Background(), manta.ChatRequest{
		Messages: []manta.ChatMessage{{Role: manta.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), manta.ChatRequest{})
	var he *manta.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("err = %v", err)
	}
	if he.Status != 429 || he.RetryAfter == 0 {
		t.Errorf("got %+v", he)
	}
}

func TestChatStream(t *testing.T) {
	chunks := []string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Errorf("stream request = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			w.Write([]byte(c + "\n"))
		}
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL)
	ch := make(chan manta.StreamEvent, 16)
	resp, err := p.ChatStream(context.Background(), manta.ChatRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	var deltas []string
	for ev := range ch {
		deltas = append(deltas, ev.Content)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestStreamSSEToolCallReassembly(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"web_search","arguments":"{\"qu"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"go\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"fetch_url","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}, "\n") + "\n"

	ch := make(chan manta.StreamEvent, 4)
	resp, err := StreamSSE(context.Background(), strings.NewReader(stream), ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	first := resp.ToolCalls[0]
	if first.ID != "call_a" || first.Name != "web_search" || string(first.Args) != `{"query":"go"}` {
		t.Errorf("first = %+v args=%s", first, first.Args)
	}
	if resp.ToolCalls[1].ID != "call_b" || resp.ToolCalls[1].Name != "fetch_url" {
		t.Errorf("second = %+v", resp.ToolCalls[1])
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	for range ch {
		t.Error("tool call fragments must not surface as events")
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	stream := "data: not json\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\ndata: [DONE]\n"
	ch := make(chan manta.StreamEvent, 4)
	resp, err := StreamSSE(context.Background(), strings.NewReader(stream), ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestBuildBodyRoles(t *testing.T) {
	msgs := []manta.ChatMessage{
		{Role: manta.RoleSystem, Content: "be terse"},
		{Role: manta.RoleUser, Content: "hi"},
		{Role: manta.RoleAssistant, ToolCalls: []manta.ToolCall{
			{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"x":1}`)},
		}},
		{Role: manta.RoleTool, ToolCallID: "call_1", Content: "result"},
	}
	body := BuildBody(msgs, nil, "", "m")
	if len(body.Messages) != 4 {
		t.Fatalf("messages = %+v", body.Messages)
	}
	if body.Messages[0].Role != "system" {
		t.Errorf("system role lost: %+v", body.Messages[0])
	}
	tc := body.Messages[2]
	if len(tc.ToolCalls) != 1 || tc.ToolCalls[0].Type != "function" ||
		tc.ToolCalls[0].Function.Arguments != `{"x":1}` {
		t.Errorf("assistant tool calls = %+v", tc.ToolCalls)
	}
	if body.Messages[3].Role != "tool" || body.Messages[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", body.Messages[3])
	}
}

func TestBuildBodyToolChoice(t *testing.T) {
	tools := []manta.ToolDefinition{{Name: "echo"}}
	if body := BuildBody(nil, tools, "auto", "m"); body.ToolChoice != nil {
		t.Errorf("auto should use provider default, got %v", body.ToolChoice)
	}
	if body := BuildBody(nil, tools, "none", "m"); body.ToolChoice != "none" {
		t.Errorf("tool_choice = %v", body.ToolChoice)
	}
	// Empty parameters become an empty object, not null.
	body := BuildBody(nil, tools, "", "m")
	if string(body.Tools[0].Function.Parameters) != `{}` {
		t.Errorf("parameters = %s", body.Tools[0].Function.Parameters)
	}
}

func TestParseToolCallsRawPassthrough(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{{
		ID:       "call_1",
		Function: FunctionCall{Name: "echo", Arguments: `{"a":1}{"a":2}`},
	}})
	if len(calls) != 1 || string(calls[0].Args) != `{"a":1}{"a":2}` {
		t.Errorf("calls = %+v", calls)
	}
}

func TestNormalizeFinish(t *testing.T) {
	cases := []struct {
		reason   string
		hasCalls bool
		want     string
	}{
		{"stop", false, "stop"},
		{"tool_calls", true, "tool_calls"},
		{"length", false, "length"},
		{"function_call", true, "tool_calls"},
		{"end_turn", true, "tool_calls"},
		{"end_turn", false, "stop"},
		{"", false, ""},
	}
	for _, c := range cases {
		if got := normalizeFinish(c.reason, c.hasCalls); got != c.want {
			t.Errorf("normalizeFinish(%q, %v) = %q, want %q", c.reason, c.hasCalls, got, c.want)
		}
	}
}
