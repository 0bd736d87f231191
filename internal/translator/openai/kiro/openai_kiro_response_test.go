package kiro

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// TestToolCallsPreserveUpstreamArrivalOrder covers the OpenAI round-trip law:
// tool_calls[].function.name ordering must match the upstream toolUseEvent
// arrival order, even when multiple distinct tool calls interleave.
func TestToolCallsPreserveUpstreamArrivalOrder(t *testing.T) {
	var param any
	var names []string

	events := []string{
		`{"toolUseEvent":{"toolUseId":"A","name":"first_tool","input":"{}"}}`,
		`{"toolUseEvent":{"toolUseId":"B","name":"second_tool","input":"{}"}}`,
		`{"messageStop":{"stopReason":"tool_use"}}`,
	}
	for _, raw := range events {
		frames := ConvertKiroResponseToOpenAI(context.Background(), "gpt-4o", nil, nil, []byte(raw), &param)
		for _, f := range frames {
			if !strings.Contains(f, "tool_calls") {
				continue
			}
			name := gjson.Parse(strings.TrimPrefix(strings.TrimSuffix(f, "\n\n"), "data: ")).Get("choices.0.delta.tool_calls.0.function.name")
			if name.Exists() && name.String() != "" {
				names = append(names, name.String())
			}
		}
	}

	if len(names) != 2 || names[0] != "first_tool" || names[1] != "second_tool" {
		t.Fatalf("expected tool names in arrival order [first_tool second_tool], got %v", names)
	}
}

func TestStreamFinishReasonToolCallsWhenToolUsed(t *testing.T) {
	var param any
	ConvertKiroResponseToOpenAI(context.Background(), "gpt-4o", nil, nil, []byte(`{"toolUseEvent":{"toolUseId":"A","name":"t","input":"{}"}}`), &param)
	frames := ConvertKiroResponseToOpenAI(context.Background(), "gpt-4o", nil, nil, []byte(`{"messageStop":{"stopReason":"tool_use"}}`), &param)

	var sawToolCallsFinish, sawDone bool
	for _, f := range frames {
		if strings.Contains(f, `"finish_reason":"tool_calls"`) {
			sawToolCallsFinish = true
		}
		if strings.Contains(f, "[DONE]") {
			sawDone = true
		}
	}
	if !sawToolCallsFinish {
		t.Fatalf("expected a finish_reason tool_calls frame, got %v", frames)
	}
	if !sawDone {
		t.Fatalf("expected a terminal [DONE] frame, got %v", frames)
	}
}

func TestConvertKiroResponseToOpenAINonStreamAggregatesToolCalls(t *testing.T) {
	agg := `{"content":[
		{"type":"text","text":"sure, let me check"},
		{"type":"toolUse","toolUseId":"A","name":"get_weather","input":{"city":"nyc"}}
	]}`
	out := ConvertKiroResponseToOpenAINonStream(context.Background(), "gpt-4o", nil, nil, []byte(agg), new(any))
	result := gjson.Parse(out)

	if got := result.Get("choices.0.finish_reason").String(); got != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %q", got)
	}
	if got := result.Get("choices.0.message.tool_calls.0.function.name").String(); got != "get_weather" {
		t.Fatalf("expected tool call get_weather, got %q", got)
	}
	if got := result.Get("choices.0.message.content").String(); got != "sure, let me check" {
		t.Fatalf("expected text content preserved, got %q", got)
	}
}
