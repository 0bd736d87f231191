package api

import (
	"strings"
	"time"
)

// modelMappings is the client-model → upstream-model table from spec.md §6.
// Ordered longest-prefix-first so "claude-sonnet-4.5" doesn't fall through to
// the "claude-sonnet-4*" wildcard entry meant for the 4.0 family.
var modelMappings = []struct {
	match    func(clientModel string) bool
	upstream string
}{
	{match: exact("claude-sonnet-4.5"), upstream: "claude-sonnet-4.5"},
	{match: exact("gpt-4o-mini", "gpt-3.5-turbo", "claude-haiku-4.5"), upstream: "claude-haiku-4.5"},
	{match: exact("o1", "o1-preview", "claude-opus-4.5"), upstream: "claude-opus-4.5"},
	{match: func(m string) bool {
		return m == "gpt-4o" || m == "gpt-4" || strings.HasPrefix(m, "claude-sonnet-4")
	}, upstream: "claude-sonnet-4"},
}

func exact(names ...string) func(string) bool {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(m string) bool {
		_, ok := set[m]
		return ok
	}
}

// resolveUpstreamModel maps a client-requested model name to the upstream
// Kiro model identifier. An unrecognized model passes through unchanged, so
// an operator pointing a client at a raw upstream model name still works.
func resolveUpstreamModel(clientModel string) string {
	for _, m := range modelMappings {
		if m.match(clientModel) {
			return m.upstream
		}
	}
	return clientModel
}

// listedModels is the static catalogue surfaced by GET /v1/models (spec.md §6
// names no model-discovery upstream call, so the list is the mapping table's
// distinct client-facing names).
var listedModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4",
	"gpt-3.5-turbo",
	"o1",
	"o1-preview",
	"claude-sonnet-4",
	"claude-sonnet-4.5",
	"claude-haiku-4.5",
	"claude-opus-4.5",
}

// modelCreated is a fixed synthetic creation timestamp; the upstream exposes
// no per-model metadata to source a real one from.
var modelCreated = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// openAIModelList builds the OpenAI-shaped GET /v1/models response body.
func openAIModelList() map[string]any {
	out := make([]openAIModel, 0, len(listedModels))
	for _, id := range listedModels {
		out = append(out, openAIModel{ID: id, Object: "model", Created: modelCreated, OwnedBy: "kiro-proxy"})
	}
	return map[string]any{"object": "list", "data": out}
}
