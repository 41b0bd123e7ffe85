package translator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEstimateAnthropicTokenCount_CountsSystemAndMessageText(t *testing.T) {
	in := `{
		"system": "be concise",
		"messages": [
			{"role": "user", "content": "what is the capital of france"}
		]
	}`

	out := EstimateAnthropicTokenCount(context.Background(), []byte(in))
	require.Greater(t, gjson.Get(out, "input_tokens").Int(), int64(0))
}

func TestEstimateAnthropicTokenCount_CountsToolResultBlocks(t *testing.T) {
	in := `{
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "a long result body worth several tokens"}
			]}
		]
	}`

	out := EstimateAnthropicTokenCount(context.Background(), []byte(in))
	require.Greater(t, gjson.Get(out, "input_tokens").Int(), int64(0))
}
