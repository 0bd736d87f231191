package flow

import (
	log "github.com/sirupsen/logrus"
)

// LogSink is the default Sink: one structured logrus line per Flow Record,
// matching the field-per-line idiom internal/logging.GinLogrusLogger uses for
// HTTP access logs.
type LogSink struct{}

// NewLogSink returns a Sink that logs every Record at info level (warn for
// failure/cancelled).
func NewLogSink() LogSink { return LogSink{} }

// Record implements Sink.
func (LogSink) Record(rec Record) {
	fields := log.Fields{
		"flow_id":         rec.ID,
		"protocol":        rec.Protocol,
		"client_model":    rec.ClientModel,
		"upstream_model":  rec.UpstreamModel,
		"account_id":      rec.AccountID,
		"duration":        rec.FinishedAt.Sub(rec.StartedAt).String(),
		"tokens_in":       rec.TokensIn,
		"tokens_out":      rec.TokensOut,
		"alternate_tries": rec.AlternateTries,
	}
	entry := log.WithFields(fields)
	switch rec.Status {
	case StatusSuccess:
		entry.Info("flow record")
	case StatusCancelled:
		entry.Warn("flow record: cancelled")
	default:
		entry.WithField("error_kind", rec.ErrorKind).Warn("flow record: failed")
	}
}
