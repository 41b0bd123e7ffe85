package translator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runStream(t *testing.T, lines []string) []string {
	t.Helper()
	var param any
	var events []string
	for _, line := range lines {
		events = append(events, ConvertOpenAIStreamToAnthropic(context.Background(), "gpt-4o", nil, nil, []byte(line), &param)...)
	}
	return events
}

func TestConvertOpenAIStreamToAnthropic_TextDeltasAndStop(t *testing.T) {
	events := runStream(t, []string{
		`data: {"id":"c1","model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
		`data: [DONE]`,
	})

	joined := strings.Join(events, "")
	require.Contains(t, joined, "event: message_start")
	require.Contains(t, joined, "event: content_block_start")
	require.Contains(t, joined, `"text":"hel"`)
	require.Contains(t, joined, `"text":"lo"`)
	require.Contains(t, joined, "event: content_block_stop")
	require.Contains(t, joined, "event: message_delta")
	require.Contains(t, joined, `"stop_reason":"end_turn"`)
	require.Contains(t, joined, "event: message_stop")

	// message_stop must appear exactly once even though both the
	// finish_reason chunk and the [DONE] marker could each try to emit it.
	require.Equal(t, 1, strings.Count(joined, "event: message_stop"))
}

func TestConvertOpenAIStreamToAnthropic_ToolCallArgumentsAccumulate(t *testing.T) {
	events := runStream(t, []string{
		`data: {"id":"c1","choices":[{"delta":{"role":"assistant"}}],"model":"gpt-4o"}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":""}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	})

	joined := strings.Join(events, "")
	require.Contains(t, joined, `"type":"tool_use"`)
	require.Contains(t, joined, `"partial_json":"{\"q\":\"x\"}"`)
	require.Contains(t, joined, `"stop_reason":"tool_use"`)
}
