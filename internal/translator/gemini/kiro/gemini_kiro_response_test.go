package kiro

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"
)

// TestConvertKiroResponseToGeminiNonStreamConcatenatesText covers scenario 6:
// an aggregated response whose text content already concatenates upstream
// deltas ("Hel" + "lo" -> "Hello") becomes one GenerateContentResponse with a
// single text part and finishReason STOP.
func TestConvertKiroResponseToGeminiNonStreamConcatenatesText(t *testing.T) {
	agg := `{"content":[{"type":"text","text":"Hello"}],"stopReason":"end_turn"}`
	out := ConvertKiroResponseToGeminiNonStream(context.Background(), "gemini-model", nil, nil, []byte(agg), new(any))
	result := gjson.Parse(out)

	if got := result.Get("candidates.0.content.parts.0.text").String(); got != "Hello" {
		t.Fatalf("expected text 'Hello', got %q", got)
	}
	if got := result.Get("candidates.0.finishReason").String(); got != "STOP" {
		t.Fatalf("expected finishReason STOP, got %q", got)
	}
	if n := len(result.Get("candidates.0.content.parts").Array()); n != 1 {
		t.Fatalf("expected exactly one part, got %d", n)
	}
}

func TestConvertKiroResponseToGeminiStreamTextFragment(t *testing.T) {
	frames := ConvertKiroResponseToGemini(context.Background(), "gemini-model", nil, nil, []byte(`{"assistantResponseMessage":{"content":"Hel"}}`), new(any))
	if len(frames) != 1 {
		t.Fatalf("expected exactly one fragment, got %d", len(frames))
	}
	if got := gjson.Parse(frames[0]).Get("candidates.0.content.parts.0.text").String(); got != "Hel" {
		t.Fatalf("expected text 'Hel', got %q", got)
	}
}

func TestConvertKiroResponseToGeminiFunctionCall(t *testing.T) {
	frames := ConvertKiroResponseToGemini(context.Background(), "gemini-model", nil, nil,
		[]byte(`{"toolUseEvent":{"toolUseId":"X","name":"get_weather","input":"{\"city\":\"nyc\"}"}}`), new(any))
	if len(frames) != 1 {
		t.Fatalf("expected exactly one fragment, got %d", len(frames))
	}
	result := gjson.Parse(frames[0])
	if got := result.Get("candidates.0.content.parts.0.functionCall.name").String(); got != "get_weather" {
		t.Fatalf("expected functionCall name get_weather, got %q", got)
	}
	if got := result.Get("candidates.0.content.parts.0.functionCall.args.city").String(); got != "nyc" {
		t.Fatalf("expected args.city nyc, got %q", got)
	}
}
