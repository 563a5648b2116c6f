// Package gemini implements the provider interface for the native Gemini
// generateContent API, including thought-signature passthrough for
// tool-calling thinking models.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	manta "github.com/rheza/manta"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements manta.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature     float64
	topP            float64
	thinkingEnabled bool
}

// New creates a new Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Chat sends a non-streaming generateContent request and returns the
// complete response.
func (g *Gemini) Chat(ctx context.Context, req manta.ChatRequest) (manta.ChatResponse, error) {
	body, err := g.buildBody(req)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, body)
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. functionCall parts are collected across chunks and
// surface only on the returned response. The channel is closed when
// streaming completes.
func (g *Gemini) ChatStream(ctx context.Context, req manta.ChatRequest, ch chan<- manta.StreamEvent) (manta.ChatResponse, error) {
	defer close(ch)

	body, err := g.buildBody(req)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.model, g.apiKey)
	payload, err := json.Marshal(body)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return manta.ChatResponse{}, httpErr(resp, string(b))
	}

	var acc accumulator

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer: a single chunk can carry multi-megabyte inline data.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines start with "data: "; continuation lines of a split JSON
		// payload do not.
		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					g.processStreamChunk(ctx, jsonBuf.String(), &acc, ch)
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			g.processStreamChunk(ctx, data, &acc, ch)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return manta.ChatResponse{}, g.wrapErr("read stream: " + err.Error())
	}

	// A payload still buffered after EOF never balanced its braces.
	if jsonBuf.Len() > 0 {
		if !isCompleteJSON(jsonBuf.String()) {
			return manta.ChatResponse{}, &manta.ErrProtocol{Provider: "gemini", Detail: "truncated JSON in stream"}
		}
		g.processStreamChunk(ctx, jsonBuf.String(), &acc, ch)
	}

	return acc.response(), nil
}

// accumulator collects the normalized response across stream chunks.
type accumulator struct {
	content   strings.Builder
	toolCalls []manta.ToolCall
	usage     manta.Usage
	finish    string
}

func (a *accumulator) response() manta.ChatResponse {
	finish := a.finish
	if len(a.toolCalls) > 0 {
		finish = "tool_calls"
	}
	return manta.ChatResponse{
		Content:      a.content.String(),
		ToolCalls:    a.toolCalls,
		FinishReason: finish,
		Usage:        a.usage,
	}
}

// processStreamChunk parses one JSON chunk: text deltas go to the channel,
// functionCall parts are captured raw for the signature round trip, and
// usage metadata overwrites (last chunk wins).
func (g *Gemini) processStreamChunk(ctx context.Context, jsonStr string, acc *accumulator, ch chan<- manta.StreamEvent) {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			acc.finish = mapFinish(cand.FinishReason)
		}
		for _, raw := range cand.Content.Parts {
			var part geminiPart
			if err := json.Unmarshal(raw, &part); err != nil {
				continue
			}
			if part.Thought {
				continue
			}
			if part.Text != nil && *part.Text != "" {
				acc.content.WriteString(*part.Text)
				select {
				case ch <- manta.StreamEvent{Type: manta.EventTextDelta, Content: *part.Text}:
				case <-ctx.Done():
				}
			}
			if part.FunctionCall != nil {
				acc.toolCalls = append(acc.toolCalls, toolCallFromPart(part, raw))
			}
		}
	}
	if parsed.UsageMetadata != nil {
		acc.usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		acc.usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
}

// doGenerate performs a non-streaming generateContent call.
func (g *Gemini) doGenerate(ctx context.Context, body map[string]any) (manta.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return manta.ChatResponse{}, g.wrapErr("read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return manta.ChatResponse{}, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return manta.ChatResponse{}, &manta.ErrProtocol{Provider: "gemini", Detail: "parse response JSON: " + err.Error()}
	}

	var acc accumulator
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			acc.finish = mapFinish(cand.FinishReason)
		}
		for _, raw := range cand.Content.Parts {
			var part geminiPart
			if err := json.Unmarshal(raw, &part); err != nil {
				continue
			}
			if part.Thought {
				continue
			}
			if part.Text != nil {
				acc.content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				acc.toolCalls = append(acc.toolCalls, toolCallFromPart(part, raw))
			}
		}
	}
	if parsed.UsageMetadata != nil {
		acc.usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		acc.usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return acc.response(), nil
}

// toolCallFromPart normalizes a functionCall part. Metadata keeps the raw
// part bytes exactly as the provider produced them, thoughtSignature
// included; buildBody re-emits those bytes verbatim on the follow-up
// request, which is the contract thinking models enforce. The function name
// doubles as the call id since the dialect has none; namespacing in the
// name ("ns:tool") is preserved byte-for-byte.
func toolCallFromPart(part geminiPart, raw json.RawMessage) manta.ToolCall {
	return manta.ToolCall{
		ID:       part.FunctionCall.Name,
		Name:     part.FunctionCall.Name,
		Args:     part.FunctionCall.Args,
		Metadata: append(json.RawMessage(nil), raw...),
	}
}

func (g *Gemini) wrapErr(msg string) error {
	return &manta.ErrLLM{Provider: "gemini", Message: msg}
}

// httpErr creates an ErrHTTP, extracting the retry delay from the
// Retry-After header or the google.rpc.RetryInfo detail in the error body.
func httpErr(resp *http.Response, body string) *manta.ErrHTTP {
	ra := manta.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &manta.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts retryDelay from a Gemini error body containing a
// google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. Tool calls whose
// Metadata carries a raw model part are re-emitted byte-identical; the
// provider rejects reconstructed or renamed functionCall parts from
// thinking models.
func (g *Gemini) buildBody(req manta.ChatRequest) (map[string]any, error) {
	var systemParts []string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with
			// functionCall parts.
			parts := make([]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				if isRawFunctionCallPart(tc.Metadata) {
					parts = append(parts, json.RawMessage(tc.Metadata))
					continue
				}
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == manta.RoleTool:
			// Tool result -> user role with functionResponse. The name must
			// match the originating functionCall byte-for-byte, namespacing
			// included.
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": name,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			text := m.Content
			contents = append(contents, map[string]any{
				"role": mapRole(m.Role),
				"parts": []map[string]any{
					{"text": text},
				},
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{
			{"functionDeclarations": declarations},
		}
		switch req.ToolChoice {
		case "none":
			body["toolConfig"] = map[string]any{
				"functionCallingConfig": map[string]any{"mode": "NONE"},
			}
		case "required":
			body["toolConfig"] = map[string]any{
				"functionCallingConfig": map[string]any{"mode": "ANY"},
			}
		}
	} else {
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}
	body["generationConfig"] = genConfig

	return body, nil
}

// isRawFunctionCallPart reports whether metadata is a complete model part
// carrying a functionCall, fit for verbatim re-emission.
func isRawFunctionCallPart(metadata json.RawMessage) bool {
	if len(metadata) == 0 {
		return false
	}
	var probe struct {
		FunctionCall *json.RawMessage `json:"functionCall"`
	}
	return json.Unmarshal(metadata, &probe) == nil && probe.FunctionCall != nil
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// mapFinish converts Gemini finish reasons to the normalized vocabulary.
func mapFinish(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// geminiContent keeps parts raw so functionCall parts can round-trip
// byte-identical (thoughtSignature included).
type geminiContent struct {
	Parts []json.RawMessage `json:"parts"`
	Role  string            `json:"role"`
}

type geminiPart struct {
	Text             *string           `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall   `json:"functionCall,omitempty"`
	InlineData       *geminiInlineData `json:"inlineData,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ manta.Provider = (*Gemini)(nil)
