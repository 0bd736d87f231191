package kiro

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// claudeStreamState tracks the open Anthropic content block across calls.
// ResponseType: 0=none, 1=text, 2=tool_use.
type claudeStreamState struct {
	HasFirstResponse bool
	ResponseType     int
	ResponseIndex    int
	HasContent       bool
	openToolUseID    string
}

var claudeMessageIDCounter uint64

func nextClaudeMessageID() string {
	return fmt.Sprintf("msg_kiro_%d", atomic.AddUint64(&claudeMessageIDCounter, 1))
}

// ConvertKiroResponseToClaude folds one decoded Kiro event into zero or more
// Anthropic SSE frames, maintaining content-block state across calls.
func ConvertKiroResponseToClaude(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &claudeStreamState{}
	}
	state := (*param).(*claudeStreamState)

	event := gjson.ParseBytes(rawJSON)
	var frames []string

	emit := func(eventName, data string) {
		frames = append(frames, fmt.Sprintf("event: %s\ndata: %s\n\n", eventName, data))
	}

	if !state.HasFirstResponse {
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", nextClaudeMessageID())
		start, _ = sjson.Set(start, "message.model", modelName)
		emit("message_start", start)
		state.HasFirstResponse = true
	}

	closeBlock := func() {
		if state.ResponseType != 0 {
			emit("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, state.ResponseIndex))
			state.ResponseIndex++
			state.ResponseType = 0
			state.openToolUseID = ""
		}
	}

	if text := event.Get("assistantResponseMessage.content"); text.Exists() {
		if state.ResponseType != 1 {
			closeBlock()
			emit("content_block_start", fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, state.ResponseIndex))
			state.ResponseType = 1
		}
		data := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, state.ResponseIndex)
		data, _ = sjson.Set(data, "delta.text", text.String())
		emit("content_block_delta", data)
		state.HasContent = true
	}

	if toolUse := event.Get("toolUseEvent"); toolUse.Exists() {
		toolUseID := toolUse.Get("toolUseId").String()
		if state.ResponseType != 2 || state.openToolUseID != toolUseID {
			closeBlock()
			startBlock := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
			startBlock, _ = sjson.Set(startBlock, "index", state.ResponseIndex)
			startBlock, _ = sjson.Set(startBlock, "content_block.id", toolUseID)
			startBlock, _ = sjson.Set(startBlock, "content_block.name", toolUse.Get("name").String())
			emit("content_block_start", startBlock)
			state.ResponseType = 2
			state.openToolUseID = toolUseID
		}
		if input := toolUse.Get("input"); input.Exists() {
			data := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, state.ResponseIndex)
			data, _ = sjson.Set(data, "delta.partial_json", input.String())
			emit("content_block_delta", data)
		}
		state.HasContent = true
	}

	if stop := event.Get("messageStop"); stop.Exists() {
		closeBlock()
		stopReason := "end_turn"
		if stop.Get("stopReason").String() == "tool_use" {
			stopReason = "tool_use"
		}
		delta := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`
		delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
		emit("message_delta", delta)
		if state.HasContent {
			emit("message_stop", `{"type":"message_stop"}`)
		}
	}

	return frames
}

// ConvertKiroResponseToClaudeNonStream folds the aggregated Kiro response into a
// single Anthropic Messages response body.
func ConvertKiroResponseToClaudeNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	agg := gjson.ParseBytes(rawJSON)
	out := `{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", nextClaudeMessageID())
	out, _ = sjson.Set(out, "model", modelName)

	usedTool := false
	if content := agg.Get("content"); content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				b := `{"type":"text","text":""}`
				b, _ = sjson.Set(b, "text", block.Get("text").String())
				out, _ = sjson.SetRaw(out, "content.-1", b)
			case "toolUse":
				usedTool = true
				b := `{"type":"tool_use","id":"","name":"","input":{}}`
				b, _ = sjson.Set(b, "id", block.Get("toolUseId").String())
				b, _ = sjson.Set(b, "name", block.Get("name").String())
				b, _ = sjson.SetRaw(b, "input", block.Get("input").Raw)
				out, _ = sjson.SetRaw(out, "content.-1", b)
			}
			return true
		})
	}
	if usedTool {
		out, _ = sjson.Set(out, "stop_reason", "tool_use")
	} else if reason := agg.Get("stopReason"); reason.Exists() {
		out, _ = sjson.Set(out, "stop_reason", reason.String())
	}
	if v := agg.Get("usage.inputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", v.Int())
	}
	if v := agg.Get("usage.outputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usage.output_tokens", v.Int())
	}
	return out
}

// ClaudeTokenCount formats an upstream token estimate as the Anthropic
// count_tokens response body.
func ClaudeTokenCount(_ context.Context, count int64) string {
	out := `{"input_tokens":0}`
	out, _ = sjson.Set(out, "input_tokens", count)
	return out
}
