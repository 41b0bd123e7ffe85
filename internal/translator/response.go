package translator

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertOpenAIResponseToAnthropicNonStream converts a complete OpenAI
// chat-completions response body into an Anthropic messages response
// body. Grounded on openai_claude_response.go's
// ConvertOpenAIResponseToClaudeNonStream.
func ConvertOpenAIResponseToAnthropicNonStream(_ context.Context, _ string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	hasToolCall := false
	stopReasonSet := false

	if choices := root.Get("choices"); choices.Exists() && choices.IsArray() && len(choices.Array()) > 0 {
		choice := choices.Array()[0]

		if reasoning := choice.Get("message.reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
			block := `{"type":"thinking","thinking":""}`
			block, _ = sjson.Set(block, "thinking", reasoning.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}

		if content := choice.Get("message.content"); content.Exists() && content.String() != "" {
			block := `{"type":"text","text":""}`
			block, _ = sjson.Set(block, "text", content.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}

		if toolCalls := choice.Get("message.tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
			toolCalls.ForEach(func(_, toolCall gjson.Result) bool {
				hasToolCall = true
				out, _ = sjson.SetRaw(out, "content.-1", anthropicToolUseBlock(toolCall))
				return true
			})
		}

		if finishReason := choice.Get("finish_reason"); finishReason.Exists() {
			out, _ = sjson.Set(out, "stop_reason", mapOpenAIFinishReasonToAnthropic(finishReason.String()))
			stopReasonSet = true
		}
	}

	if usage := root.Get("usage"); usage.Exists() {
		inputTokens, outputTokens, cachedTokens := extractOpenAIUsage(usage)
		out, _ = sjson.Set(out, "usage.input_tokens", inputTokens)
		out, _ = sjson.Set(out, "usage.output_tokens", outputTokens)
		if cachedTokens > 0 {
			out, _ = sjson.Set(out, "usage.cache_read_input_tokens", cachedTokens)
		}
	}

	if !stopReasonSet {
		if hasToolCall {
			out, _ = sjson.Set(out, "stop_reason", "tool_use")
		} else {
			out, _ = sjson.Set(out, "stop_reason", "end_turn")
		}
	}

	return out
}

// AnthropicTokenCount formats a raw token count as the response body of
// POST /v1/messages/count_tokens.
func AnthropicTokenCount(_ context.Context, count int64) string {
	out := `{"input_tokens":0}`
	out, _ = sjson.Set(out, "input_tokens", count)
	return out
}

func anthropicToolUseBlock(toolCall gjson.Result) string {
	toolUse := `{"type":"tool_use","id":"","name":"","input":{}}`
	toolUse, _ = sjson.Set(toolUse, "id", toolCall.Get("id").String())
	toolUse, _ = sjson.Set(toolUse, "name", toolCall.Get("function.name").String())

	argsStr := strings.TrimSpace(toolCall.Get("function.arguments").String())
	if argsStr != "" && gjson.Valid(argsStr) {
		argsJSON := gjson.Parse(argsStr)
		if argsJSON.IsObject() {
			toolUse, _ = sjson.SetRaw(toolUse, "input", argsJSON.Raw)
			return toolUse
		}
	}
	toolUse, _ = sjson.SetRaw(toolUse, "input", "{}")
	return toolUse
}

// mapOpenAIFinishReasonToAnthropic maps an OpenAI finish_reason to its
// Anthropic stop_reason equivalent.
func mapOpenAIFinishReasonToAnthropic(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func extractOpenAIUsage(usage gjson.Result) (int64, int64, int64) {
	if !usage.Exists() || usage.Type == gjson.Null {
		return 0, 0, 0
	}
	inputTokens := usage.Get("prompt_tokens").Int()
	outputTokens := usage.Get("completion_tokens").Int()
	cachedTokens := usage.Get("prompt_tokens_details.cached_tokens").Int()
	if cachedTokens > 0 {
		if inputTokens >= cachedTokens {
			inputTokens -= cachedTokens
		} else {
			inputTokens = 0
		}
	}
	return inputTokens, outputTokens, cachedTokens
}
