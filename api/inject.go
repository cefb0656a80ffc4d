package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/telemetry"
)

// DefaultSource is the subject token used when the inject path names none.
const DefaultSource = "manual"

type injectResponse struct {
	Subject  string `json:"subject"`
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence"`
}

// validSource reports whether source is usable as a single subject token.
func validSource(source string) bool {
	if source == "" || len(source) > 128 {
		return false
	}
	return !strings.ContainsAny(source, ".*> \t\r\n")
}

// handleInject publishes the raw request body onto the telemetry stream.
// Only JSON well-formedness is checked; the ingest pipeline validates it.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, r, &APIError{Code: http.StatusServiceUnavailable, Message: "injection is not available"})
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, &APIError{Code: http.StatusTooManyRequests, Message: "injection rate exceeded"})
		return
	}

	source := mux.Vars(r)["source"]
	if source == "" {
		source = DefaultSource
	}
	if !validSource(source) {
		writeError(w, r, badRequest("source must be a single subject token"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			writeError(w, r, &APIError{Code: http.StatusRequestEntityTooLarge, Message: "request body too large"})
			return
		}
		writeError(w, r, badRequest("failed to read request body"))
		return
	}
	if !json.Valid(body) {
		writeError(w, r, badRequest("body must be valid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PublishTimeout)
	defer cancel()

	subject := telemetry.DataSubject(source)
	ack, err := s.publisher.PublishToStream(ctx, subject, body)
	if err != nil {
		s.fail(w, r, "inject telemetry", err)
		return
	}
	if s.recorder != nil {
		s.recorder.RecordMessagePublished(source, subject)
	}

	s.logger.Debug("Telemetry injected",
		"subject", subject,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
		"bytes", len(body))
	writeJSON(w, http.StatusAccepted, injectResponse{Subject: subject, Stream: ack.Stream, Sequence: ack.Sequence})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy(s.cfg.HealthName, "health monitoring disabled"))
		return
	}
	status := s.monitor.AggregateHealth(s.cfg.HealthName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
