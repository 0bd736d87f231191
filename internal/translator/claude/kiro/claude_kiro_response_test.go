package kiro

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func framesOfType(frames []string, eventName string) []string {
	var out []string
	prefix := "event: " + eventName + "\n"
	for _, f := range frames {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return out
}

func dataOf(frame string) string {
	idx := strings.Index(frame, "data: ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(frame[idx+len("data: "):])
}

// TestToolUseEventFragmentsConcatenateToValidJSON covers scenario 5: three
// toolUseEvent fragments for the same toolUseId must produce one
// content_block_start, three input_json_delta content_block_deltas whose
// partial_json concatenation parses as the same JSON value as the upstream
// fragments joined, and exactly one content_block_stop.
func TestToolUseEventFragmentsConcatenateToValidJSON(t *testing.T) {
	var param any
	var allFrames []string

	events := []string{
		`{"toolUseEvent":{"toolUseId":"X","name":"get_weather","input":"{\"a\":"}}`,
		`{"toolUseEvent":{"toolUseId":"X","input":"1,\"b\":"}}`,
		`{"toolUseEvent":{"toolUseId":"X","input":"2}"}}`,
		`{"messageStop":{"stopReason":"tool_use"}}`,
	}
	for _, raw := range events {
		frames := ConvertKiroResponseToClaude(context.Background(), "claude-sonnet-4.5", nil, nil, []byte(raw), &param)
		allFrames = append(allFrames, frames...)
	}

	starts := framesOfType(allFrames, "content_block_start")
	if len(starts) != 1 {
		t.Fatalf("expected exactly one content_block_start, got %d: %v", len(starts), starts)
	}
	startData := gjson.Parse(dataOf(starts[0]))
	if startData.Get("content_block.type").String() != "tool_use" {
		t.Fatalf("expected tool_use block, got %s", startData.Raw)
	}
	if startData.Get("content_block.id").String() != "X" {
		t.Fatalf("expected toolUseId X, got %s", startData.Get("content_block.id").String())
	}

	deltas := framesOfType(allFrames, "content_block_delta")
	if len(deltas) != 3 {
		t.Fatalf("expected 3 input_json_delta frames, got %d", len(deltas))
	}
	var concatenated strings.Builder
	for _, d := range deltas {
		concatenated.WriteString(gjson.Parse(dataOf(d)).Get("delta.partial_json").String())
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(concatenated.String()), &parsed); err != nil {
		t.Fatalf("concatenated partial_json %q did not parse: %v", concatenated.String(), err)
	}
	if parsed["a"] != float64(1) || parsed["b"] != float64(2) {
		t.Fatalf("unexpected parsed tool input: %v", parsed)
	}

	stops := framesOfType(allFrames, "content_block_stop")
	if len(stops) != 1 {
		t.Fatalf("expected exactly one content_block_stop, got %d", len(stops))
	}

	messageStops := framesOfType(allFrames, "message_stop")
	if len(messageStops) != 1 {
		t.Fatalf("expected message_stop exactly once, got %d", len(messageStops))
	}
}

func TestMessageStartEmittedOnlyOnce(t *testing.T) {
	var param any
	var starts int
	for i := 0; i < 3; i++ {
		frames := ConvertKiroResponseToClaude(context.Background(), "claude-sonnet-4.5", nil, nil, []byte(`{"assistantResponseMessage":{"content":"hi"}}`), &param)
		starts += len(framesOfType(frames, "message_start"))
	}
	if starts != 1 {
		t.Fatalf("expected message_start exactly once across calls, got %d", starts)
	}
}

func TestConvertKiroResponseToClaudeNonStreamToolUse(t *testing.T) {
	agg := `{"content":[{"type":"toolUse","toolUseId":"X","name":"get_weather","input":{"city":"nyc"}}]}`
	out := ConvertKiroResponseToClaudeNonStream(context.Background(), "claude-sonnet-4.5", nil, nil, []byte(agg), new(any))
	result := gjson.Parse(out)
	if result.Get("stop_reason").String() != "tool_use" {
		t.Fatalf("expected stop_reason tool_use, got %s", result.Get("stop_reason").String())
	}
	if result.Get("content.0.type").String() != "tool_use" {
		t.Fatalf("expected a tool_use content block, got %s", result.Raw)
	}
}
