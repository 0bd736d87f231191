// Package executor defines the contract between the account pool and the
// single upstream executor (Kiro) that actually performs requests.
package executor

import (
	"net/http"
	"net/url"

	sdktranslator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

// RequestedModelMetadataKey stores the client-requested model name in Options.Metadata.
const RequestedModelMetadataKey = "requested_model"

const (
	// PinnedAuthMetadataKey locks execution to a specific account ID.
	PinnedAuthMetadataKey = "pinned_account_id"
	// SelectedAuthMetadataKey stores the account ID selected by the pool.
	SelectedAuthMetadataKey = "selected_account_id"
	// SelectedAuthCallbackMetadataKey carries an optional callback invoked with the selected account ID.
	SelectedAuthCallbackMetadataKey = "selected_account_callback"
	// SessionKeyMetadataKey carries the computed session affinity key for the request.
	SessionKeyMetadataKey = "session_key"
	// ExecutionSessionMetadataKey identifies a long-lived downstream execution session.
	ExecutionSessionMetadataKey = "execution_session_id"
)

// Request encapsulates the translated payload that will be sent to the Kiro executor.
type Request struct {
	// Model is the upstream model identifier after translation (see spec.md §6 model mapping).
	Model string
	// Payload is the provider specific JSON payload (Kiro "conversation" shape).
	Payload []byte
	// Format represents the provider payload schema (always FormatKiro on the wire).
	Format sdktranslator.Format
	// Metadata carries optional provider specific execution hints.
	Metadata map[string]any
}

// Options controls execution behavior for both streaming and non-streaming calls.
type Options struct {
	// Stream toggles streaming mode.
	Stream bool
	// Alt carries an optional alternate format hint (e.g. Gemini's ?alt=sse).
	Alt string
	// Headers are forwarded to the provider request builder.
	Headers http.Header
	// Query contains optional query string parameters.
	Query url.Values
	// OriginalRequest preserves the inbound request bytes prior to translation.
	OriginalRequest []byte
	// SourceFormat identifies the inbound client schema.
	SourceFormat sdktranslator.Format
	// Metadata carries extra execution hints shared across selection and the executor.
	Metadata map[string]any
}

// Response wraps a full, non-streaming upstream response.
type Response struct {
	// Payload is the upstream response translated into the executor format.
	Payload []byte
	// Metadata exposes optional structured data for translators (e.g. usage counts).
	Metadata map[string]any
	// Headers carries upstream HTTP response headers for optional passthrough.
	Headers http.Header
}

// StreamChunk represents a single streaming payload unit emitted by the executor.
type StreamChunk struct {
	// Payload is the raw upstream chunk payload, already folded into a Kiro event.
	Payload []byte
	// Err reports any terminal error encountered while producing chunks.
	Err error
}

// StreamResult wraps the streaming response, providing both the chunk channel
// and the upstream HTTP response headers captured before streaming begins.
type StreamResult struct {
	// Headers carries upstream HTTP response headers from the initial connection.
	Headers http.Header
	// Chunks is the channel of streaming payload units.
	Chunks <-chan StreamChunk
}

// StatusError is an error that carries an HTTP-like status code. The Kiro
// executor implements this for every classified failure so Manager can make
// retry/failover decisions without re-parsing bodies.
type StatusError interface {
	error
	StatusCode() int
}

// HeaderedError optionally carries extra headers (e.g. Retry-After) to surface to the client.
type HeaderedError interface {
	error
	Headers() http.Header
}
