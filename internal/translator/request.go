package translator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertAnthropicRequestToOpenAI converts an Anthropic messages-API
// request body into an OpenAI chat-completions request body.
//
// Mirrors, direction-reversed, claude_openai_request.go's
// ConvertOpenAIRequestToClaude: a leading system message for the
// Anthropic `system` string, content blocks {text, image, tool_use,
// tool_result} mapped onto OpenAI content parts or tool_calls/tool
// messages, `tools`/`input_schema` mapped onto `tools`/`parameters`,
// and `tool_choice`/`thinking` mapped per the conventions below.
func ConvertAnthropicRequestToOpenAI(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"model":"","messages":[],"stream":false}`
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stop := root.Get("stop_sequences"); stop.Exists() && stop.IsArray() {
		var seqs []string
		stop.ForEach(func(_, v gjson.Result) bool {
			seqs = append(seqs, v.String())
			return true
		})
		if len(seqs) > 0 {
			out, _ = sjson.Set(out, "stop", seqs)
		}
	}

	// thinking.enabled -> a reasoning_effort hint; Anthropic's budget_tokens
	// has no direct OpenAI analogue, so only the on/off signal carries over.
	if thinking := root.Get("thinking"); thinking.Exists() {
		switch thinking.Get("type").String() {
		case "enabled":
			out, _ = sjson.Set(out, "reasoning_effort", "medium")
		case "disabled":
			out, _ = sjson.Set(out, "reasoning_effort", "none")
		}
	}

	if system := root.Get("system"); system.Exists() {
		var systemText strings.Builder
		if system.Type == gjson.String {
			systemText.WriteString(system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					if systemText.Len() > 0 {
						systemText.WriteString("\n")
					}
					systemText.WriteString(part.Get("text").String())
				}
				return true
			})
		}
		if systemText.Len() > 0 {
			msg := `{"role":"system","content":""}`
			msg, _ = sjson.Set(msg, "content", systemText.String())
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	if messages := root.Get("messages"); messages.Exists() && messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			content := message.Get("content")

			if content.Type == gjson.String {
				msg := `{"role":"","content":""}`
				msg, _ = sjson.Set(msg, "role", role)
				msg, _ = sjson.Set(msg, "content", content.String())
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
				return true
			}

			if !content.IsArray() {
				return true
			}

			convertAnthropicContentBlocks(role, content, &out)
			return true
		})
	}

	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() && len(tools.Array()) > 0 {
		tools.ForEach(func(_, tool gjson.Result) bool {
			openaiTool := `{"type":"function","function":{"name":"","description":""}}`
			openaiTool, _ = sjson.Set(openaiTool, "function.name", tool.Get("name").String())
			openaiTool, _ = sjson.Set(openaiTool, "function.description", tool.Get("description").String())
			if schema := tool.Get("input_schema"); schema.Exists() {
				openaiTool, _ = sjson.SetRaw(openaiTool, "function.parameters", schema.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", openaiTool)
			return true
		})
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch toolChoice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			name := toolChoice.Get("name").String()
			choiceJSON := `{"type":"function","function":{"name":""}}`
			choiceJSON, _ = sjson.Set(choiceJSON, "function.name", name)
			out, _ = sjson.SetRaw(out, "tool_choice", choiceJSON)
		}
	}

	return []byte(out)
}

func convertAnthropicContentBlocks(role string, content gjson.Result, out *string) {
	switch role {
	case "user":
		msg := `{"role":"user","content":[]}`
		hasContent := false
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				part := `{"type":"text","text":""}`
				part, _ = sjson.Set(part, "text", block.Get("text").String())
				msg, _ = sjson.SetRaw(msg, "content.-1", part)
				hasContent = true
			case "image":
				mediaType := block.Get("source.media_type").String()
				data := block.Get("source.data").String()
				url := fmt.Sprintf("data:%s;base64,%s", mediaType, data)
				part := `{"type":"image_url","image_url":{"url":""}}`
				part, _ = sjson.Set(part, "image_url.url", url)
				msg, _ = sjson.SetRaw(msg, "content.-1", part)
				hasContent = true
			case "tool_result":
				toolMsg := `{"role":"tool","tool_call_id":"","content":""}`
				toolMsg, _ = sjson.Set(toolMsg, "tool_call_id", block.Get("tool_use_id").String())
				toolMsg, _ = sjson.Set(toolMsg, "content", flattenToolResultContent(block.Get("content")))
				*out, _ = sjson.SetRaw(*out, "messages.-1", toolMsg)
			}
			return true
		})
		if hasContent {
			*out, _ = sjson.SetRaw(*out, "messages.-1", msg)
		}

	case "assistant":
		msg := `{"role":"assistant","content":null}`
		var textParts []string
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "tool_use":
				toolCallID := block.Get("id").String()
				if toolCallID == "" {
					toolCallID = genToolCallID()
				}
				toolCall := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				toolCall, _ = sjson.Set(toolCall, "id", toolCallID)
				toolCall, _ = sjson.Set(toolCall, "function.name", block.Get("name").String())
				toolCall, _ = sjson.Set(toolCall, "function.arguments", block.Get("input").Raw)
				msg, _ = sjson.SetRaw(msg, "tool_calls.-1", toolCall)
			}
			return true
		})
		if len(textParts) > 0 {
			msg, _ = sjson.Set(msg, "content", strings.Join(textParts, ""))
		}
		*out, _ = sjson.SetRaw(*out, "messages.-1", msg)
	}
}

func flattenToolResultContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return content.Raw
}

func genToolCallID() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	for i := 0; i < 24; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b.WriteByte(letters[n.Int64()])
	}
	return "call_" + b.String()
}
