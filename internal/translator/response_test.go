package translator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertOpenAIResponseToAnthropicNonStream_TextAndUsage(t *testing.T) {
	in := `{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "prompt_tokens_details": {"cached_tokens": 2}}
	}`
	out := ConvertOpenAIResponseToAnthropicNonStream(context.Background(), "gpt-4o", nil, nil, []byte(in), nil)

	require.Equal(t, "chatcmpl-1", gjson.Get(out, "id").String())
	require.Equal(t, "text", gjson.Get(out, "content.0.type").String())
	require.Equal(t, "hello", gjson.Get(out, "content.0.text").String())
	require.Equal(t, "end_turn", gjson.Get(out, "stop_reason").String())
	require.EqualValues(t, 8, gjson.Get(out, "usage.input_tokens").Int())
	require.EqualValues(t, 5, gjson.Get(out, "usage.output_tokens").Int())
	require.EqualValues(t, 2, gjson.Get(out, "usage.cache_read_input_tokens").Int())
}

func TestConvertOpenAIResponseToAnthropicNonStream_ToolCalls(t *testing.T) {
	in := `{
		"id": "chatcmpl-2",
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "tool_calls": [
			{"id": "call_1", "function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}}
		]}, "finish_reason": "tool_calls"}]
	}`
	out := ConvertOpenAIResponseToAnthropicNonStream(context.Background(), "gpt-4o", nil, nil, []byte(in), nil)

	require.Equal(t, "tool_use", gjson.Get(out, "content.0.type").String())
	require.Equal(t, "call_1", gjson.Get(out, "content.0.id").String())
	require.Equal(t, "lookup", gjson.Get(out, "content.0.name").String())
	require.Equal(t, "x", gjson.Get(out, "content.0.input.q").String())
	require.Equal(t, "tool_use", gjson.Get(out, "stop_reason").String())
}

func TestAnthropicTokenCount(t *testing.T) {
	out := AnthropicTokenCount(context.Background(), 42)
	require.EqualValues(t, 42, gjson.Get(out, "input_tokens").Int())
}
