// Package kiro provides bidirectional translation between the Gemini
// GenerateContent API and the upstream Kiro wire format.
package kiro

import (
	translator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

func init() {
	translator.Register(
		translator.FormatGemini,
		translator.FormatKiro,
		ConvertGeminiRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToGemini,
			NonStream: ConvertKiroResponseToGeminiNonStream,
		},
	)
}
