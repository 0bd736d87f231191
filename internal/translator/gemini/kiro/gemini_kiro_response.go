package kiro

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertKiroResponseToGemini folds one decoded Kiro event into zero or one
// GenerateContentResponse JSON fragments, per spec.md §4.7 ("each upstream
// event maps to a fragment with a single candidates[0].content.parts[]
// entry").
func ConvertKiroResponseToGemini(_ context.Context, _ string, _, _, rawJSON []byte, _ *any) []string {
	event := gjson.ParseBytes(rawJSON)

	base := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`

	if text := event.Get("assistantResponseMessage.content"); text.Exists() {
		chunk := base
		part := `{"text":""}`
		part, _ = sjson.Set(part, "text", text.String())
		chunk, _ = sjson.SetRaw(chunk, "candidates.0.content.parts.-1", part)
		return []string{chunk}
	}

	if toolUse := event.Get("toolUseEvent"); toolUse.Exists() {
		chunk := base
		part := `{"functionCall":{"name":"","args":{}}}`
		part, _ = sjson.Set(part, "functionCall.name", toolUse.Get("name").String())
		if input := toolUse.Get("input"); input.Exists() && gjson.Valid(input.String()) {
			part, _ = sjson.SetRaw(part, "functionCall.args", input.String())
		}
		chunk, _ = sjson.SetRaw(chunk, "candidates.0.content.parts.-1", part)
		return []string{chunk}
	}

	if stop := event.Get("messageStop"); stop.Exists() {
		chunk := `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP","index":0}]}`
		return []string{chunk}
	}

	return nil
}

// ConvertKiroResponseToGeminiNonStream folds the aggregated Kiro response
// into a single GenerateContentResponse body.
func ConvertKiroResponseToGeminiNonStream(_ context.Context, _ string, _, _, rawJSON []byte, _ *any) string {
	agg := gjson.ParseBytes(rawJSON)
	out := `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":0,"candidatesTokenCount":0,"totalTokenCount":0}}`

	if content := agg.Get("content"); content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				part := `{"text":""}`
				part, _ = sjson.Set(part, "text", block.Get("text").String())
				out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
			case "toolUse":
				part := `{"functionCall":{"name":"","args":{}}}`
				part, _ = sjson.Set(part, "functionCall.name", block.Get("name").String())
				part, _ = sjson.SetRaw(part, "functionCall.args", block.Get("input").Raw)
				out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
			}
			return true
		})
	}
	if v := agg.Get("usage.inputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", v.Int())
	}
	if v := agg.Get("usage.outputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", v.Int())
	}
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount",
		gjson.Get(out, "usageMetadata.promptTokenCount").Int()+gjson.Get(out, "usageMetadata.candidatesTokenCount").Int())
	return out
}
