package openaicompat

import (
	"encoding/json"

	manta "github.com/rheza/manta"
)

// ParseResponse converts a wire ChatResponse to the normalized shape. Content,
// tool calls, and usage come from choices[0].
func ParseResponse(resp ChatResponse) (manta.ChatResponse, error) {
	var out manta.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.FinishReason = normalizeFinish(choice.FinishReason, len(out.ToolCalls) > 0)

	if resp.Usage != nil {
		out.Usage = manta.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts wire tool call requests to normalized ToolCalls.
// Arguments pass through untouched even when they are not valid JSON: the
// registry classifies malformed arguments and feeds the error back to the
// model, which a silent `{}` substitution would mask.
func ParseToolCalls(tcs []ToolCallRequest) []manta.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]manta.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, manta.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// normalizeFinish maps wire finish reasons onto the normalized vocabulary.
func normalizeFinish(reason string, hasToolCalls bool) string {
	switch reason {
	case "stop", "tool_calls", "length":
		return reason
	case "function_call":
		return "tool_calls"
	default:
		if hasToolCalls {
			return "tool_calls"
		}
		if reason == "" {
			return ""
		}
		return "stop"
	}
}
