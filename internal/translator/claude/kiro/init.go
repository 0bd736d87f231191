// Package kiro provides bidirectional translation between the Anthropic
// Messages API and the upstream Kiro wire format.
package kiro

import (
	translator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

func init() {
	translator.Register(
		translator.FormatClaude,
		translator.FormatKiro,
		ConvertClaudeRequestToKiro,
		translator.ResponseTransform{
			Stream:     ConvertKiroResponseToClaude,
			NonStream:  ConvertKiroResponseToClaudeNonStream,
			TokenCount: ClaudeTokenCount,
		},
	)
}
