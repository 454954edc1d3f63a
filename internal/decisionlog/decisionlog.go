// Package decisionlog wraps internal/audit.Logger to record every
// path-handler accept/reject decision made during a trace session,
// implementing pathhandler.DecisionRecorder (spec §4.3 is otherwise silent
// on persistence — an operator reconstructing why a file was or wasn't
// pulled into a pack needs a durable trail, which is what this adapts the
// hash-chained audit log to provide).
package decisionlog

import (
	"encoding/json"
	"log/slog"

	"github.com/tracepackd/tracepackd/internal/audit"
)

// Recorder adapts an *audit.Logger to pathhandler.DecisionRecorder.
type Recorder struct {
	logger *audit.Logger
	log    *slog.Logger
}

// New wraps logger. log receives a warning for any decision that fails to
// persist; a broken audit trail must never abort a trace session.
func New(logger *audit.Logger, log *slog.Logger) *Recorder {
	return &Recorder{logger: logger, log: log}
}

type decisionPayload struct {
	Path     string `json:"path"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// RecordDecision appends one decision entry to the audit trail.
func (r *Recorder) RecordDecision(path string, accepted bool, reason string) {
	payload, err := json.Marshal(decisionPayload{Path: path, Accepted: accepted, Reason: reason})
	if err != nil {
		r.log.Warn("decisionlog: marshal decision", "path", path, "error", err)
		return
	}
	if _, err := r.logger.Append(payload); err != nil {
		r.log.Warn("decisionlog: append decision", "path", path, "error", err)
	}
}
