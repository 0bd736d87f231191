// Package translator aggregates the translator registrations this proxy
// needs. Every client protocol the proxy serves talks only to the upstream
// Kiro wire format, never to each other directly, so unlike the teacher's
// full N×N provider matrix, only three from→Kiro pairs are registered here.
package translator

import (
	_ "github.com/kiroproxy/kiro-proxy/internal/translator/claude/kiro"
	_ "github.com/kiroproxy/kiro-proxy/internal/translator/gemini/kiro"
	_ "github.com/kiroproxy/kiro-proxy/internal/translator/openai/kiro"
)
