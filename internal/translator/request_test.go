package translator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertAnthropicRequestToOpenAI_SystemAndMessages(t *testing.T) {
	in := `{
		"system": "be concise",
		"messages": [
			{"role": "user", "content": "hi there"}
		],
		"max_tokens": 100
	}`
	out := ConvertAnthropicRequestToOpenAI("gpt-4o", []byte(in), false)

	require.Equal(t, "gpt-4o", gjson.GetBytes(out, "model").String())
	require.Equal(t, "system", gjson.GetBytes(out, "messages.0.role").String())
	require.Equal(t, "be concise", gjson.GetBytes(out, "messages.0.content").String())
	require.Equal(t, "user", gjson.GetBytes(out, "messages.1.role").String())
	require.Equal(t, "hi there", gjson.GetBytes(out, "messages.1.content").String())
	require.EqualValues(t, 100, gjson.GetBytes(out, "max_tokens").Int())
}

func TestConvertAnthropicRequestToOpenAI_ToolUseAndToolResult(t *testing.T) {
	in := `{
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "weather"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		],
		"tools": [
			{"name": "lookup", "description": "look things up", "input_schema": {"type": "object"}}
		],
		"tool_choice": {"type": "tool", "name": "lookup"}
	}`
	out := ConvertAnthropicRequestToOpenAI("gpt-4o", []byte(in), false)

	require.Equal(t, "let me check", gjson.GetBytes(out, "messages.0.content").String())
	require.Equal(t, "toolu_1", gjson.GetBytes(out, "messages.0.tool_calls.0.id").String())
	require.Equal(t, "lookup", gjson.GetBytes(out, "messages.0.tool_calls.0.function.name").String())
	require.Equal(t, "tool", gjson.GetBytes(out, "messages.1.role").String())
	require.Equal(t, "toolu_1", gjson.GetBytes(out, "messages.1.tool_call_id").String())
	require.Equal(t, "lookup", gjson.GetBytes(out, "tools.0.function.name").String())
	require.Equal(t, "lookup", gjson.GetBytes(out, "tool_choice.function.name").String())
}

func TestConvertAnthropicRequestToOpenAI_ThinkingAndToolChoiceAny(t *testing.T) {
	in := `{"messages": [{"role": "user", "content": "hi"}], "thinking": {"type": "enabled"}, "tool_choice": {"type": "any"}}`
	out := ConvertAnthropicRequestToOpenAI("gpt-4o", []byte(in), true)

	require.Equal(t, "medium", gjson.GetBytes(out, "reasoning_effort").String())
	require.Equal(t, "required", gjson.GetBytes(out, "tool_choice").String())
	require.True(t, gjson.GetBytes(out, "stream").Bool())
}
