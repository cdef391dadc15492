package httpservice

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cranklabs/crank-controller/internal/tracing"
)

// writeError writes a JSON error body of the shape
// {"error": kind, ...context, "traceparent": ...}. traceparent is echoed
// whenever the request carries one, so logs, traces, and client-side
// failures correlate.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind string, context map[string]any) {
	body := map[string]any{"error": kind}
	for k, v := range context {
		body[k] = v
	}
	if tp := r.Header.Get("traceparent"); tp != "" {
		body["traceparent"] = tp
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeInternalError assigns a correlation id, logs it, marks the span
// errored, and returns 500 with an Internal error kind.
func writeInternalError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	id := uuid.NewString()
	logger.Error("internal error", zap.String("correlation_id", id), zap.Error(err))
	tracing.MarkError(r.Context(), err)
	writeError(w, r, http.StatusInternalServerError, "internal", map[string]any{"correlation_id": id})
}
