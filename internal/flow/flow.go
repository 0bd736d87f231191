// Package flow defines the Flow Record emitted by the Request Orchestrator on
// termination of every client request, and the FlowSink interface that
// consumes them. The core only produces records; storage and aggregation are
// external (spec.md §6, §4.8).
package flow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of a single client request.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Record summarises one client request end to end.
type Record struct {
	ID             string    `json:"id"`
	Protocol       string    `json:"protocol"`
	ClientModel    string    `json:"client_model"`
	UpstreamModel  string    `json:"upstream_model"`
	AccountID      string    `json:"account_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Status         Status    `json:"status"`
	TokensIn       int64     `json:"tokens_in"`
	TokensOut      int64     `json:"tokens_out"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	AlternateTries int       `json:"alternate_tries,omitempty"`
}

// NewID returns a fresh Flow Record identifier.
func NewID() string {
	return uuid.NewString()
}

// Sink receives a Record on termination of each request. Implementations
// must not block the orchestrator for long; Record should hand off
// asynchronously if it does any I/O.
type Sink interface {
	Record(rec Record)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(rec Record)

// Record implements Sink.
func (f SinkFunc) Record(rec Record) { f(rec) }

// MultiSink fans a single Record out to every sink in order.
type MultiSink []Sink

// Record implements Sink, calling every member sink in turn.
func (m MultiSink) Record(rec Record) {
	for _, sink := range m {
		if sink != nil {
			sink.Record(rec)
		}
	}
}
