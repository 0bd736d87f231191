package kiro

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertClaudeRequestToKiro builds the upstream Kiro conversation payload
// from an Anthropic Messages request. Anthropic's content-block shape is the
// closest of the three client protocols to the upstream wire shape, so this
// translator is largely a field rename rather than a restructuring.
func ConvertClaudeRequestToKiro(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	if sys := root.Get("system"); sys.Exists() {
		if sys.Type == gjson.String {
			out, _ = sjson.Set(out, "system", sys.String())
		} else if sys.IsArray() {
			var parts []string
			sys.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
				return true
			})
			if len(parts) > 0 {
				joined := parts[0]
				for _, p := range parts[1:] {
					joined += "\n" + p
				}
				out, _ = sjson.Set(out, "system", joined)
			}
		}
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := msg.Get("content")
			entry := `{"role":"","content":[]}`
			entry, _ = sjson.Set(entry, "role", role)

			appendBlock := func(block string) {
				entry, _ = sjson.SetRaw(entry, "content.-1", block)
			}

			switch {
			case content.Type == gjson.String:
				block := `{"type":"text","text":""}`
				block, _ = sjson.Set(block, "text", content.String())
				appendBlock(block)
			case content.IsArray():
				content.ForEach(func(_, block gjson.Result) bool {
					switch block.Get("type").String() {
					case "text":
						b := `{"type":"text","text":""}`
						b, _ = sjson.Set(b, "text", block.Get("text").String())
						appendBlock(b)
					case "tool_use":
						b := `{"type":"toolUse","toolUseId":"","name":"","input":{}}`
						b, _ = sjson.Set(b, "toolUseId", block.Get("id").String())
						b, _ = sjson.Set(b, "name", block.Get("name").String())
						b, _ = sjson.SetRaw(b, "input", block.Get("input").Raw)
						appendBlock(b)
					case "tool_result":
						b := `{"type":"toolResult","toolUseId":"","content":""}`
						b, _ = sjson.Set(b, "toolUseId", block.Get("tool_use_id").String())
						resultContent := block.Get("content")
						if resultContent.Type == gjson.String {
							b, _ = sjson.Set(b, "content", resultContent.String())
						} else {
							b, _ = sjson.Set(b, "content", resultContent.Raw)
						}
						appendBlock(b)
					}
					return true
				})
			}
			out, _ = sjson.SetRaw(out, "messages.-1", entry)
			return true
		})
	}

	if tools := root.Get("tools"); tools.IsArray() {
		hasTools := false
		tools.ForEach(func(_, tool gjson.Result) bool {
			schema := tool.Get("input_schema")
			if !schema.Exists() {
				return true
			}
			t := `{"name":"","description":"","inputSchema":{}}`
			t, _ = sjson.Set(t, "name", tool.Get("name").String())
			t, _ = sjson.Set(t, "description", tool.Get("description").String())
			t, _ = sjson.SetRaw(t, "inputSchema", schema.Raw)
			out, _ = sjson.SetRaw(out, "tools.-1", t)
			hasTools = true
			return true
		})
		if !hasTools {
			out, _ = sjson.Delete(out, "tools")
		}
	}

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "maxTokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "topP", v.Float())
	}

	_ = stream
	return []byte(out)
}
