// Package kiro provides bidirectional translation between the OpenAI Chat
// Completions API and the upstream Kiro wire format.
package kiro

import (
	translator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

func init() {
	translator.Register(
		translator.FormatOpenAI,
		translator.FormatKiro,
		ConvertOpenAIRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToOpenAI,
			NonStream: ConvertKiroResponseToOpenAINonStream,
		},
	)
}
