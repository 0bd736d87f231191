package kiro

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertOpenAIRequestToKiro builds the upstream Kiro conversation payload
// from an OpenAI Chat Completions request. OpenAI has no dedicated system
// slot in the upstream shape, so per spec.md §4.7 any "system" role message
// is inlined as a prefix of the first user message instead of the top-level
// "system" field Claude gets.
func ConvertOpenAIRequestToKiro(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	toolCallNames := map[string]string{}
	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			if msg.Get("role").String() != "assistant" {
				return true
			}
			msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				toolCallNames[call.Get("id").String()] = call.Get("function.name").String()
				return true
			})
			return true
		})
	}

	var systemPrefix string
	var lastRole string
	var lastEntry string

	flush := func() {
		if lastRole != "" {
			out, _ = sjson.SetRaw(out, "messages.-1", lastEntry)
		}
	}

	appendMessage := func(role, entry string) {
		if role == lastRole && lastRole != "" {
			// Collapse consecutive same-role messages per spec.md §4.7.
			gjson.Parse(entry).Get("content").ForEach(func(_, b gjson.Result) bool {
				lastEntry, _ = sjson.SetRaw(lastEntry, "content.-1", b.Raw)
				return true
			})
			return
		}
		flush()
		lastRole = role
		lastEntry = entry
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := msg.Get("content")

			switch role {
			case "system":
				if content.Type == gjson.String {
					systemPrefix += content.String() + "\n"
				}
				return true
			case "tool":
				toolUseID := msg.Get("tool_call_id").String()
				entry := `{"role":"user","content":[]}`
				b := `{"type":"toolResult","toolUseId":"","content":""}`
				b, _ = sjson.Set(b, "toolUseId", toolUseID)
				if content.Type == gjson.String {
					b, _ = sjson.Set(b, "content", content.String())
				}
				entry, _ = sjson.SetRaw(entry, "content.-1", b)
				appendMessage("user", entry)
				return true
			}

			if role == "assistant" {
				entry := `{"role":"assistant","content":[]}`
				if content.Type == gjson.String && content.String() != "" {
					b := `{"type":"text","text":""}`
					b, _ = sjson.Set(b, "text", content.String())
					entry, _ = sjson.SetRaw(entry, "content.-1", b)
				}
				msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
					b := `{"type":"toolUse","toolUseId":"","name":"","input":{}}`
					b, _ = sjson.Set(b, "toolUseId", call.Get("id").String())
					b, _ = sjson.Set(b, "name", call.Get("function.name").String())
					args := call.Get("function.arguments").String()
					if gjson.Valid(args) {
						b, _ = sjson.SetRaw(b, "input", args)
					}
					entry, _ = sjson.SetRaw(entry, "content.-1", b)
					return true
				})
				appendMessage("assistant", entry)
				return true
			}

			// user role
			entry := `{"role":"user","content":[]}`
			text := ""
			if content.Type == gjson.String {
				text = content.String()
			} else if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					if part.Get("type").String() == "text" {
						text += part.Get("text").String()
					}
					return true
				})
			}
			if len(lastRole) == 0 && systemPrefix != "" {
				text = systemPrefix + text
				systemPrefix = ""
			}
			b := `{"type":"text","text":""}`
			b, _ = sjson.Set(b, "text", text)
			entry, _ = sjson.SetRaw(entry, "content.-1", b)
			appendMessage("user", entry)
			return true
		})
	}
	flush()

	if systemPrefix != "" {
		// No user message ever arrived to carry the prefix; synthesize one.
		entry := `{"role":"user","content":[{"type":"text","text":""}]}`
		entry, _ = sjson.Set(entry, "content.0.text", systemPrefix)
		out, _ = sjson.SetRaw(out, "messages.-1", entry)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		hasTools := false
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			if !fn.Exists() {
				return true
			}
			t := `{"name":"","description":"","inputSchema":{}}`
			t, _ = sjson.Set(t, "name", fn.Get("name").String())
			t, _ = sjson.Set(t, "description", fn.Get("description").String())
			if params := fn.Get("parameters"); params.Exists() {
				t, _ = sjson.SetRaw(t, "inputSchema", params.Raw)
			}
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
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
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
