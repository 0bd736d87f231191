package kiro

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// openaiStreamState tracks tool-call indices across chunks, keyed by toolUseId.
type openaiStreamState struct {
	HasFirstResponse bool
	UsedTool         bool
	toolIndex        map[string]int
	nextToolIndex    int
	completionID     string
}

var openaiCompletionIDCounter uint64

func nextOpenAICompletionID() string {
	return fmt.Sprintf("chatcmpl-kiro-%d", atomic.AddUint64(&openaiCompletionIDCounter, 1))
}

// ConvertKiroResponseToOpenAI folds one decoded Kiro event into zero or more
// OpenAI "chat.completion.chunk" SSE frames.
func ConvertKiroResponseToOpenAI(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &openaiStreamState{toolIndex: map[string]int{}, completionID: nextOpenAICompletionID()}
	}
	state := (*param).(*openaiStreamState)
	event := gjson.ParseBytes(rawJSON)

	base := `{"id":"","object":"chat.completion.chunk","model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	base, _ = sjson.Set(base, "id", state.completionID)
	base, _ = sjson.Set(base, "model", modelName)

	var frames []string
	emitChunk := func(chunk string) {
		frames = append(frames, fmt.Sprintf("data: %s\n\n", chunk))
	}

	if !state.HasFirstResponse {
		first := base
		first, _ = sjson.Set(first, "choices.0.delta.role", "assistant")
		emitChunk(first)
		state.HasFirstResponse = true
	}

	if text := event.Get("assistantResponseMessage.content"); text.Exists() {
		chunk := base
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", text.String())
		emitChunk(chunk)
	}

	if toolUse := event.Get("toolUseEvent"); toolUse.Exists() {
		state.UsedTool = true
		toolUseID := toolUse.Get("toolUseId").String()
		idx, seen := state.toolIndex[toolUseID]
		if !seen {
			idx = state.nextToolIndex
			state.nextToolIndex++
			state.toolIndex[toolUseID] = idx

			chunk := base
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.index", idx)
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.id", toolUseID)
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.type", "function")
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.function.name", toolUse.Get("name").String())
			emitChunk(chunk)
		}
		if input := toolUse.Get("input"); input.Exists() {
			chunk := base
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.index", idx)
			chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.function.arguments", input.String())
			emitChunk(chunk)
		}
	}

	if stop := event.Get("messageStop"); stop.Exists() {
		finishReason := "stop"
		if state.UsedTool {
			finishReason = "tool_calls"
		}
		final := `{"id":"","object":"chat.completion.chunk","model":"","choices":[{"index":0,"delta":{},"finish_reason":""}]}`
		final, _ = sjson.Set(final, "id", state.completionID)
		final, _ = sjson.Set(final, "model", modelName)
		final, _ = sjson.Set(final, "choices.0.finish_reason", finishReason)
		emitChunk(final)
		frames = append(frames, "data: [DONE]\n\n")
	}

	return frames
}

// ConvertKiroResponseToOpenAINonStream folds the aggregated Kiro response
// into a single OpenAI chat.completion response body.
func ConvertKiroResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	agg := gjson.ParseBytes(rawJSON)
	out := `{"id":"","object":"chat.completion","model":"","choices":[{"index":0,"message":{"role":"assistant","content":null},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", nextOpenAICompletionID())
	out, _ = sjson.Set(out, "model", modelName)

	text := ""
	usedTool := false
	toolIdx := 0
	if content := agg.Get("content"); content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				text += block.Get("text").String()
			case "toolUse":
				usedTool = true
				call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				call, _ = sjson.Set(call, "id", block.Get("toolUseId").String())
				call, _ = sjson.Set(call, "function.name", block.Get("name").String())
				call, _ = sjson.Set(call, "function.arguments", block.Get("input").Raw)
				out, _ = sjson.SetRaw(out, fmt.Sprintf("choices.0.message.tool_calls.%d", toolIdx), call)
				toolIdx++
			}
			return true
		})
	}
	if text != "" {
		out, _ = sjson.Set(out, "choices.0.message.content", text)
	}
	if usedTool {
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}
	if v := agg.Get("usage.inputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usage.prompt_tokens", v.Int())
	}
	if v := agg.Get("usage.outputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usage.completion_tokens", v.Int())
	}
	out, _ = sjson.Set(out, "usage.total_tokens", gjson.Get(out, "usage.prompt_tokens").Int()+gjson.Get(out, "usage.completion_tokens").Int())
	return out
}
