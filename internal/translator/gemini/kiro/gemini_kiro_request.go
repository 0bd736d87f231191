package kiro

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertGeminiRequestToKiro builds the upstream Kiro conversation payload
// from a Gemini GenerateContent request. Like OpenAI, Gemini's
// systemInstruction has no upstream counterpart and is inlined into the
// first user turn per spec.md §4.7.
func ConvertGeminiRequestToKiro(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	systemPrefix := ""
	if sys := root.Get("systemInstruction"); sys.Exists() {
		sys.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				systemPrefix += t.String() + "\n"
			}
			return true
		})
	}

	var lastRole string
	appendedFirst := false

	if contents := root.Get("contents"); contents.IsArray() {
		contents.ForEach(func(_, content gjson.Result) bool {
			role := content.Get("role").String()
			if role == "model" {
				role = "assistant"
			} else {
				role = "user"
			}

			entry := `{"role":"","content":[]}`
			entry, _ = sjson.Set(entry, "role", role)

			content.Get("parts").ForEach(func(_, part gjson.Result) bool {
				switch {
				case part.Get("text").Exists():
					text := part.Get("text").String()
					if !appendedFirst && systemPrefix != "" && role == "user" {
						text = systemPrefix + text
						systemPrefix = ""
					}
					b := `{"type":"text","text":""}`
					b, _ = sjson.Set(b, "text", text)
					entry, _ = sjson.SetRaw(entry, "content.-1", b)
				case part.Get("functionCall").Exists():
					fc := part.Get("functionCall")
					b := `{"type":"toolUse","toolUseId":"","name":"","input":{}}`
					name := fc.Get("name").String()
					b, _ = sjson.Set(b, "toolUseId", name)
					b, _ = sjson.Set(b, "name", name)
					b, _ = sjson.SetRaw(b, "input", fc.Get("args").Raw)
					entry, _ = sjson.SetRaw(entry, "content.-1", b)
				case part.Get("functionResponse").Exists():
					fr := part.Get("functionResponse")
					b := `{"type":"toolResult","toolUseId":"","content":""}`
					b, _ = sjson.Set(b, "toolUseId", fr.Get("name").String())
					b, _ = sjson.Set(b, "content", fr.Get("response").Raw)
					entry, _ = sjson.SetRaw(entry, "content.-1", b)
				}
				return true
			})

			appendedFirst = true
			if role == lastRole {
				path := "messages." + lastMessageIndex(out)
				gjson.Parse(entry).Get("content").ForEach(func(_, b gjson.Result) bool {
					out, _ = sjson.SetRaw(out, path+".content.-1", b.Raw)
					return true
				})
			} else {
				out, _ = sjson.SetRaw(out, "messages.-1", entry)
				lastRole = role
			}
			return true
		})
	}

	if systemPrefix != "" {
		entry := `{"role":"user","content":[{"type":"text","text":""}]}`
		entry, _ = sjson.Set(entry, "content.0.text", systemPrefix)
		out, _ = sjson.SetRaw(out, "messages.-1", entry)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		hasTools := false
		tools.ForEach(func(_, tool gjson.Result) bool {
			tool.Get("functionDeclarations").ForEach(func(_, fn gjson.Result) bool {
				t := `{"name":"","description":"","inputSchema":{}}`
				t, _ = sjson.Set(t, "name", fn.Get("name").String())
				t, _ = sjson.Set(t, "description", fn.Get("description").String())
				schema := fn.Get("parametersJsonSchema")
				if !schema.Exists() {
					schema = fn.Get("parameters")
				}
				if schema.Exists() {
					t, _ = sjson.SetRaw(t, "inputSchema", schema.Raw)
				}
				out, _ = sjson.SetRaw(out, "tools.-1", t)
				hasTools = true
				return true
			})
			return true
		})
		if !hasTools {
			out, _ = sjson.Delete(out, "tools")
		}
	}

	if gc := root.Get("generationConfig"); gc.Exists() {
		if v := gc.Get("maxOutputTokens"); v.Exists() {
			out, _ = sjson.Set(out, "maxTokens", v.Int())
		}
		if v := gc.Get("temperature"); v.Exists() {
			out, _ = sjson.Set(out, "temperature", v.Float())
		}
		if v := gc.Get("topP"); v.Exists() {
			out, _ = sjson.Set(out, "topP", v.Float())
		}
	}

	_ = stream
	return []byte(out)
}

// lastMessageIndex returns the gjson path index of the last message, e.g. "2".
func lastMessageIndex(doc string) string {
	n := len(gjson.Get(doc, "messages").Array())
	if n == 0 {
		return "0"
	}
	return strconv.Itoa(n - 1)
}
