// Package usage provides local token estimation for Flow Records and the
// Anthropic count_tokens endpoint, since the Kiro upstream does not reliably
// report prompt token counts on every response.
package usage

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// CodecForModel returns a tokenizer codec suited to the client-requested model name.
func CodecForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3.5"), strings.HasPrefix(sanitized, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	case strings.HasPrefix(sanitized, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}

// CountText estimates the token count of a plain text string under model's codec,
// used by the Request Orchestrator to estimate completion token counts for Flow
// Records where the upstream does not report usage.
func CountText(model, text string) (int64, error) {
	codec, err := CodecForModel(model)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	count, err := codec.Count(trimmed)
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}

// EstimateKiroPayloadTokens approximates the prompt token count of an
// already-translated Kiro conversation payload
// ({"messages":[...],"system":...,"tools":[...]}).
func EstimateKiroPayloadTokens(model string, payload []byte) (int64, error) {
	codec, err := CodecForModel(model)
	if err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		return 0, nil
	}

	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 32)
	addIfNotEmpty(&segments, root.Get("system").String())

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			addIfNotEmpty(&segments, msg.Get("role").String())
			collectContent(msg.Get("content"), &segments)
			return true
		})
	}
	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			addIfNotEmpty(&segments, tool.Get("name").String())
			addIfNotEmpty(&segments, tool.Get("description").String())
			if schema := tool.Get("inputSchema"); schema.Exists() {
				addIfNotEmpty(&segments, schema.Raw)
			}
			return true
		})
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	count, err := codec.Count(joined)
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}

func collectContent(content gjson.Result, segments *[]string) {
	if !content.Exists() {
		return
	}
	if content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				addIfNotEmpty(segments, block.Get("text").String())
			case "toolUse":
				addIfNotEmpty(segments, block.Get("name").String())
				if input := block.Get("input"); input.Exists() {
					addIfNotEmpty(segments, input.Raw)
				}
			case "toolResult":
				addIfNotEmpty(segments, block.Get("content").String())
			}
			return true
		})
		return
	}
	addIfNotEmpty(segments, content.String())
}

func addIfNotEmpty(segments *[]string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*segments = append(*segments, trimmed)
	}
}
