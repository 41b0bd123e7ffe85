package translator

import (
	"context"

	"github.com/hyperbridge/llmgateway/internal/tokencount"
	"github.com/tidwall/gjson"
)

// EstimateAnthropicTokenCount implements POST /v1/messages/count_tokens
// end to end: it extracts every text block from an Anthropic-dialect
// request body (system prompt plus message content), estimates the
// token count locally via tokencount, and formats the result the way
// AnthropicTokenCount does.
//
// This never calls upstream; it is an estimate, not the authoritative
// count a provider would bill against.
func EstimateAnthropicTokenCount(ctx context.Context, rawJSON []byte) string {
	texts := extractAnthropicText(rawJSON)
	n, err := tokencount.CountMany(texts)
	if err != nil {
		n = fallbackEstimate(texts)
	}
	return AnthropicTokenCount(ctx, int64(n))
}

func extractAnthropicText(rawJSON []byte) []string {
	root := gjson.ParseBytes(rawJSON)
	var texts []string

	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			texts = append(texts, system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					texts = append(texts, part.Get("text").String())
				}
				return true
			})
		}
	}

	if messages := root.Get("messages"); messages.Exists() && messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			content := message.Get("content")
			if content.Type == gjson.String {
				texts = append(texts, content.String())
				return true
			}
			if content.IsArray() {
				content.ForEach(func(_, block gjson.Result) bool {
					switch block.Get("type").String() {
					case "text":
						texts = append(texts, block.Get("text").String())
					case "tool_result":
						texts = append(texts, flattenToolResultContent(block.Get("content")))
					}
					return true
				})
			}
			return true
		})
	}

	return texts
}

// fallbackEstimate approximates token count at four characters per
// token when the tokenizer package fails to initialize, so the
// endpoint degrades rather than failing outright.
func fallbackEstimate(texts []string) int {
	total := 0
	for _, t := range texts {
		total += (len(t) + 3) / 4
	}
	return total
}
