package api

import "testing"

func TestResolveUpstreamModelPrefersExactOverPrefix(t *testing.T) {
	if got := resolveUpstreamModel("claude-sonnet-4.5"); got != "claude-sonnet-4.5" {
		t.Fatalf("expected exact match for claude-sonnet-4.5, got %q", got)
	}
	if got := resolveUpstreamModel("gpt-4o"); got != "claude-sonnet-4" {
		t.Fatalf("expected gpt-4o to map to claude-sonnet-4, got %q", got)
	}
	if got := resolveUpstreamModel("o1"); got != "claude-opus-4.5" {
		t.Fatalf("expected o1 to map to claude-opus-4.5, got %q", got)
	}
}

func TestResolveUpstreamModelPassesThroughUnknown(t *testing.T) {
	if got := resolveUpstreamModel("some-future-model"); got != "some-future-model" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestOpenAIModelListIncludesEveryListedModel(t *testing.T) {
	list := openAIModelList()
	data, ok := list["data"].([]openAIModel)
	if !ok {
		t.Fatalf("expected data to be []openAIModel, got %T", list["data"])
	}
	if len(data) != len(listedModels) {
		t.Fatalf("expected %d models, got %d", len(listedModels), len(data))
	}
}
