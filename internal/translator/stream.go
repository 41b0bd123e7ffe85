package translator

import (
	"bytes"
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataPrefix = []byte("data:")

// streamState accumulates cross-chunk state for one OpenAI->Anthropic
// stream: which content block indices are open, tool-call argument
// fragments collected so far, and which terminal events have already
// been emitted. Grounded on openai_claude_response.go's
// ConvertOpenAIResponseToAnthropicParams.
type streamState struct {
	messageID string
	model     string

	textBlockStarted     bool
	textBlockIndex       int
	thinkingBlockStarted bool
	thinkingBlockIndex   int
	toolBlockIndex       map[int]int
	toolArgs             map[int]*strings.Builder
	toolStarted          map[int]bool
	nextBlockIndex       int

	finishReason    string
	blocksStopped   bool
	messageStarted  bool
	messageDeltaSet bool
	messageStopSent bool
}

func newStreamState() *streamState {
	return &streamState{
		textBlockIndex:     -1,
		thinkingBlockIndex: -1,
		toolBlockIndex:     make(map[int]int),
		toolArgs:           make(map[int]*strings.Builder),
		toolStarted:        make(map[int]bool),
	}
}

// ConvertOpenAIStreamToAnthropic converts one raw OpenAI SSE line into
// zero or more Anthropic SSE events, maintaining the block-index and
// tool-argument accumulation state described above across the whole
// stream via param.
func ConvertOpenAIStreamToAnthropic(_ context.Context, _ string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = newStreamState()
	}
	state := (*param).(*streamState)

	if !bytes.HasPrefix(rawJSON, dataPrefix) {
		return nil
	}
	payload := bytes.TrimSpace(rawJSON[len(dataPrefix):])
	if string(payload) == "[DONE]" {
		return finishAnthropicStream(state)
	}

	root := gjson.ParseBytes(payload)
	var events []string

	if state.messageID == "" {
		state.messageID = root.Get("id").String()
	}
	if state.model == "" {
		state.model = root.Get("model").String()
	}

	delta := root.Get("choices.0.delta")
	if delta.Exists() {
		if !state.messageStarted {
			start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
			start, _ = sjson.Set(start, "message.id", state.messageID)
			start, _ = sjson.Set(start, "message.model", state.model)
			events = append(events, sseEvent("message_start", start))
			state.messageStarted = true
		}

		if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
			stopTextBlock(state, &events)
			startThinkingBlock(state, &events)
			deltaJSON := `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`
			deltaJSON, _ = sjson.Set(deltaJSON, "index", state.thinkingBlockIndex)
			deltaJSON, _ = sjson.Set(deltaJSON, "delta.thinking", reasoning.String())
			events = append(events, sseEvent("content_block_delta", deltaJSON))
		}

		if content := delta.Get("content"); content.Exists() && content.String() != "" {
			stopThinkingBlock(state, &events)
			startTextBlock(state, &events)
			deltaJSON := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
			deltaJSON, _ = sjson.Set(deltaJSON, "index", state.textBlockIndex)
			deltaJSON, _ = sjson.Set(deltaJSON, "delta.text", content.String())
			events = append(events, sseEvent("content_block_delta", deltaJSON))
		}

		if toolCalls := delta.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
			toolCalls.ForEach(func(_, tc gjson.Result) bool {
				idx := int(tc.Get("index").Int())
				blockIdx := state.toolContentBlockIndex(idx)
				if _, ok := state.toolArgs[idx]; !ok {
					state.toolArgs[idx] = &strings.Builder{}
				}

				if name := tc.Get("function.name"); name.Exists() && !state.toolStarted[idx] {
					stopThinkingBlock(state, &events)
					stopTextBlock(state, &events)
					startJSON := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
					startJSON, _ = sjson.Set(startJSON, "index", blockIdx)
					startJSON, _ = sjson.Set(startJSON, "content_block.id", tc.Get("id").String())
					startJSON, _ = sjson.Set(startJSON, "content_block.name", name.String())
					events = append(events, sseEvent("content_block_start", startJSON))
					state.toolStarted[idx] = true
				}

				if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
					state.toolArgs[idx].WriteString(args.String())
				}
				return true
			})
		}
	}

	if finishReason := root.Get("choices.0.finish_reason"); finishReason.Exists() && finishReason.String() != "" {
		state.finishReason = finishReason.String()
		stopThinkingBlock(state, &events)
		stopTextBlock(state, &events)
		stopToolBlocks(state, &events)
	}

	if state.finishReason != "" {
		if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
			events = append(events, emitMessageDelta(state, usage)...)
			events = append(events, emitMessageStop(state)...)
		}
	}

	return events
}

func finishAnthropicStream(state *streamState) []string {
	var events []string
	stopThinkingBlock(state, &events)
	stopTextBlock(state, &events)
	stopToolBlocks(state, &events)

	if state.finishReason != "" && !state.messageDeltaSet {
		events = append(events, emitMessageDelta(state, gjson.Result{})...)
	}
	events = append(events, emitMessageStop(state)...)
	return events
}

func emitMessageDelta(state *streamState, usage gjson.Result) []string {
	if state.messageDeltaSet {
		return nil
	}
	deltaJSON := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
	deltaJSON, _ = sjson.Set(deltaJSON, "delta.stop_reason", mapOpenAIFinishReasonToAnthropic(state.finishReason))
	if usage.Exists() {
		inputTokens, outputTokens, cachedTokens := extractOpenAIUsage(usage)
		deltaJSON, _ = sjson.Set(deltaJSON, "usage.input_tokens", inputTokens)
		deltaJSON, _ = sjson.Set(deltaJSON, "usage.output_tokens", outputTokens)
		if cachedTokens > 0 {
			deltaJSON, _ = sjson.Set(deltaJSON, "usage.cache_read_input_tokens", cachedTokens)
		}
	}
	state.messageDeltaSet = true
	return []string{sseEvent("message_delta", deltaJSON)}
}

func emitMessageStop(state *streamState) []string {
	if state.messageStopSent {
		return nil
	}
	state.messageStopSent = true
	return []string{sseEvent("message_stop", `{"type":"message_stop"}`)}
}

func startTextBlock(state *streamState, events *[]string) {
	if state.textBlockStarted {
		return
	}
	if state.textBlockIndex == -1 {
		state.textBlockIndex = state.nextBlockIndex
		state.nextBlockIndex++
	}
	startJSON := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	startJSON, _ = sjson.Set(startJSON, "index", state.textBlockIndex)
	*events = append(*events, sseEvent("content_block_start", startJSON))
	state.textBlockStarted = true
}

func stopTextBlock(state *streamState, events *[]string) {
	if !state.textBlockStarted {
		return
	}
	stopJSON := `{"type":"content_block_stop","index":0}`
	stopJSON, _ = sjson.Set(stopJSON, "index", state.textBlockIndex)
	*events = append(*events, sseEvent("content_block_stop", stopJSON))
	state.textBlockStarted = false
	state.textBlockIndex = -1
}

func startThinkingBlock(state *streamState, events *[]string) {
	if state.thinkingBlockStarted {
		return
	}
	if state.thinkingBlockIndex == -1 {
		state.thinkingBlockIndex = state.nextBlockIndex
		state.nextBlockIndex++
	}
	startJSON := `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`
	startJSON, _ = sjson.Set(startJSON, "index", state.thinkingBlockIndex)
	*events = append(*events, sseEvent("content_block_start", startJSON))
	state.thinkingBlockStarted = true
}

func stopThinkingBlock(state *streamState, events *[]string) {
	if !state.thinkingBlockStarted {
		return
	}
	stopJSON := `{"type":"content_block_stop","index":0}`
	stopJSON, _ = sjson.Set(stopJSON, "index", state.thinkingBlockIndex)
	*events = append(*events, sseEvent("content_block_stop", stopJSON))
	state.thinkingBlockStarted = false
	state.thinkingBlockIndex = -1
}

func stopToolBlocks(state *streamState, events *[]string) {
	if state.blocksStopped {
		return
	}
	for idx, args := range state.toolArgs {
		blockIdx := state.toolContentBlockIndex(idx)
		if args.Len() > 0 {
			deltaJSON := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
			deltaJSON, _ = sjson.Set(deltaJSON, "index", blockIdx)
			deltaJSON, _ = sjson.Set(deltaJSON, "delta.partial_json", args.String())
			*events = append(*events, sseEvent("content_block_delta", deltaJSON))
		}
		stopJSON := `{"type":"content_block_stop","index":0}`
		stopJSON, _ = sjson.Set(stopJSON, "index", blockIdx)
		*events = append(*events, sseEvent("content_block_stop", stopJSON))
	}
	state.blocksStopped = true
}

func (s *streamState) toolContentBlockIndex(openAIIndex int) int {
	if idx, ok := s.toolBlockIndex[openAIIndex]; ok {
		return idx
	}
	idx := s.nextBlockIndex
	s.nextBlockIndex++
	s.toolBlockIndex[openAIIndex] = idx
	return idx
}

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}
