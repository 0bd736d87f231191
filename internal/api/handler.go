// Package api implements the Request Orchestrator: the gin HTTP surface that
// accepts OpenAI, Anthropic and Gemini shaped chat requests, translates them
// to the upstream Kiro wire format, dispatches them through the account
// manager, translates the response back, and emits a Flow Record.
package api

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiro-proxy/internal/flow"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/usage"
	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
	sdktranslator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

// providers is the single-provider list every Manager.Execute* call is made
// with; the account pool only ever talks to the Kiro upstream.
var providers = []string{kiro.Identifier}

// Handler is the shared Request Orchestrator backing every protocol-specific
// gin handler. It owns no per-request state; each exported method runs one
// client request end to end.
type Handler struct {
	Manager  *cliproxyauth.Manager
	Pipeline *sdktranslator.Pipeline
	Sink     flow.Sink
}

// NewHandler wires the orchestrator's three collaborators.
func NewHandler(manager *cliproxyauth.Manager, pipeline *sdktranslator.Pipeline, sink flow.Sink) *Handler {
	if sink == nil {
		sink = flow.NewLogSink()
	}
	return &Handler{Manager: manager, Pipeline: pipeline, Sink: sink}
}

// lifecycle tracks the bookkeeping shared by every request shape so the Flow
// Record it produces at the end is consistent across streaming, non-streaming
// and token-count paths.
type lifecycle struct {
	sink          flow.Sink
	protocol      string
	clientModel   string
	upstreamModel string
	startedAt     time.Time
	accountID     string
	attempts      int
}

func newLifecycle(sink flow.Sink, protocol, clientModel string) *lifecycle {
	return &lifecycle{
		sink:          sink,
		protocol:      protocol,
		clientModel:   clientModel,
		upstreamModel: resolveUpstreamModel(clientModel),
		startedAt:     time.Now(),
	}
}

// selectionCallback returns a closure suitable for
// executor.SelectedAuthCallbackMetadataKey that records which account served
// (or attempted to serve) the request, and how many selections occurred.
func (l *lifecycle) selectionCallback() func(string) {
	return func(id string) {
		l.accountID = id
		l.attempts++
	}
}

func (l *lifecycle) options(stream bool, originalReq []byte, sourceFormat sdktranslator.Format, sessionKey string) cliproxyexecutor.Options {
	metadata := map[string]any{
		cliproxyexecutor.RequestedModelMetadataKey:     l.clientModel,
		cliproxyexecutor.SelectedAuthCallbackMetadataKey: l.selectionCallback(),
	}
	if sessionKey != "" {
		metadata[cliproxyexecutor.SessionKeyMetadataKey] = sessionKey
	}
	return cliproxyexecutor.Options{
		Stream:          stream,
		OriginalRequest: originalReq,
		SourceFormat:    sourceFormat,
		Metadata:        metadata,
	}
}

func (l *lifecycle) finish(status flow.Status, errKind string, tokensIn, tokensOut int64) {
	rec := flow.Record{
		ID:             flow.NewID(),
		Protocol:       l.protocol,
		ClientModel:    l.clientModel,
		UpstreamModel:  l.upstreamModel,
		AccountID:      l.accountID,
		StartedAt:      l.startedAt,
		FinishedAt:     time.Now(),
		Status:         status,
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		ErrorKind:      errKind,
		AlternateTries: maxInt(l.attempts-1, 0),
	}
	l.finishSink(rec)
}

// finishSink is split out so a Sink panic never takes down the request path.
func (l *lifecycle) finishSink(rec flow.Record) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Warn("flow sink panicked")
		}
	}()
	if l.sink != nil {
		l.sink.Record(rec)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// errKindOf extracts the auth.Kind string from an error for Flow Record
// classification, defaulting to "internal" for unclassified errors.
func errKindOf(err error) string {
	if err == nil {
		return ""
	}
	if ae, ok := err.(*cliproxyauth.Error); ok && ae != nil {
		return string(ae.Kind)
	}
	return string(cliproxyauth.KindInternal)
}

// translateIn converts a client request body into a Kiro payload and returns
// the session key computed from it.
func (h *Handler) translateIn(ctx context.Context, sourceFormat sdktranslator.Format, model string, body []byte, stream bool) ([]byte, string, error) {
	env, err := h.Pipeline.TranslateRequest(ctx, sourceFormat, sdktranslator.FormatKiro, sdktranslator.RequestEnvelope{
		Format: sourceFormat,
		Model:  model,
		Stream: stream,
		Body:   body,
	})
	if err != nil {
		return nil, "", err
	}
	return env.Body, computeSessionKey(env.Body), nil
}

// ExecuteNonStream runs one non-streaming request through translation,
// dispatch and response translation, emitting a Flow Record on return.
func (h *Handler) ExecuteNonStream(ctx context.Context, sourceFormat sdktranslator.Format, protocol, clientModel string, body []byte) ([]byte, error) {
	lc := newLifecycle(h.Sink, protocol, clientModel)

	kiroPayload, sessionKey, err := h.translateIn(ctx, sourceFormat, lc.upstreamModel, body, false)
	if err != nil {
		lc.finish(flow.StatusFailure, string(cliproxyauth.KindProtocolTranslationErr), 0, 0)
		return nil, err
	}
	tokensIn, _ := usage.EstimateKiroPayloadTokens(clientModel, kiroPayload)

	resp, execErr := h.Manager.Execute(ctx, providers, cliproxyexecutor.Request{
		Model:   lc.upstreamModel,
		Payload: kiroPayload,
		Format:  sdktranslator.FormatKiro,
	}, lc.options(false, body, sourceFormat, sessionKey))
	if execErr != nil {
		status := flow.StatusFailure
		if ctx.Err() == context.Canceled {
			status = flow.StatusCancelled
		}
		lc.finish(status, errKindOf(execErr), tokensIn, 0)
		return nil, execErr
	}

	var param any
	outEnv, err := h.Pipeline.TranslateResponse(ctx, sdktranslator.FormatKiro, sourceFormat, sdktranslator.ResponseEnvelope{
		Format: sdktranslator.FormatKiro,
		Model:  clientModel,
		Stream: false,
		Body:   resp.Payload,
	}, body, kiroPayload, &param)
	if err != nil {
		lc.finish(flow.StatusFailure, string(cliproxyauth.KindProtocolTranslationErr), tokensIn, 0)
		return nil, err
	}

	tokensOut, _ := usage.CountText(clientModel, string(outEnv.Body))
	lc.finish(flow.StatusSuccess, "", tokensIn, tokensOut)
	return outEnv.Body, nil
}

// ExecuteCount runs a token-count-only request (Anthropic's
// /v1/messages/count_tokens); it never reaches the upstream conversation
// endpoint, only the lightweight count path the executor exposes.
func (h *Handler) ExecuteCount(ctx context.Context, sourceFormat sdktranslator.Format, protocol, clientModel string, body []byte) ([]byte, error) {
	lc := newLifecycle(h.Sink, protocol, clientModel)

	kiroPayload, sessionKey, err := h.translateIn(ctx, sourceFormat, lc.upstreamModel, body, false)
	if err != nil {
		lc.finish(flow.StatusFailure, string(cliproxyauth.KindProtocolTranslationErr), 0, 0)
		return nil, err
	}

	resp, execErr := h.Manager.ExecuteCount(ctx, providers, cliproxyexecutor.Request{
		Model:   lc.upstreamModel,
		Payload: kiroPayload,
		Format:  sdktranslator.FormatKiro,
	}, lc.options(false, body, sourceFormat, sessionKey))
	if execErr != nil {
		lc.finish(flow.StatusFailure, errKindOf(execErr), 0, 0)
		return nil, execErr
	}

	count, _ := resp.Metadata["input_tokens"].(int64)
	registry := h.Pipeline.Registry()
	body2 := []byte(registry.TranslateTokenCount(ctx, sdktranslator.FormatKiro, sourceFormat, count, resp.Payload))
	lc.finish(flow.StatusSuccess, "", count, 0)
	return body2, nil
}

// StreamCallbacks lets the caller push translated SSE frames to the client as
// they arrive. The terminal error, if any, is ExecuteStream's return value.
type StreamCallbacks struct {
	OnChunk func(frame string)
}

// ExecuteStream runs a streaming request, translating each upstream chunk
// into zero or more client-format SSE frames via OnChunk, and emits a Flow
// Record once the stream ends (success, upstream error, or client cancel).
func (h *Handler) ExecuteStream(ctx context.Context, sourceFormat sdktranslator.Format, protocol, clientModel string, body []byte, cb StreamCallbacks) error {
	lc := newLifecycle(h.Sink, protocol, clientModel)

	kiroPayload, sessionKey, err := h.translateIn(ctx, sourceFormat, lc.upstreamModel, body, true)
	if err != nil {
		lc.finish(flow.StatusFailure, string(cliproxyauth.KindProtocolTranslationErr), 0, 0)
		return err
	}
	tokensIn, _ := usage.EstimateKiroPayloadTokens(clientModel, kiroPayload)

	result, execErr := h.Manager.ExecuteStream(ctx, providers, cliproxyexecutor.Request{
		Model:   lc.upstreamModel,
		Payload: kiroPayload,
		Format:  sdktranslator.FormatKiro,
	}, lc.options(true, body, sourceFormat, sessionKey))
	if execErr != nil {
		status := flow.StatusFailure
		if ctx.Err() == context.Canceled {
			status = flow.StatusCancelled
		}
		lc.finish(status, errKindOf(execErr), tokensIn, 0)
		return execErr
	}

	var param any
	var tokensOut int64
	var streamErr error
	for chunk := range result.Chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		outEnv, terr := h.Pipeline.TranslateResponse(ctx, sdktranslator.FormatKiro, sourceFormat, sdktranslator.ResponseEnvelope{
			Format: sdktranslator.FormatKiro,
			Model:  clientModel,
			Stream: true,
			Body:   chunk.Payload,
		}, body, kiroPayload, &param)
		if terr != nil {
			streamErr = terr
			break
		}
		for _, frame := range outEnv.Chunks {
			if n, cerr := usage.CountText(clientModel, frame); cerr == nil {
				tokensOut += n
			}
			if cb.OnChunk != nil {
				cb.OnChunk(frame)
			}
		}
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
	}

	if streamErr != nil {
		status := flow.StatusFailure
		if streamErr == context.Canceled {
			status = flow.StatusCancelled
		}
		lc.finish(status, errKindOf(streamErr), tokensIn, tokensOut)
		return streamErr
	}

	lc.finish(flow.StatusSuccess, "", tokensIn, tokensOut)
	return nil
}
