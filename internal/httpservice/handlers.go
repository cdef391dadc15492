package httpservice

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cranklabs/crank-controller/internal/identity"
	"github.com/cranklabs/crank-controller/internal/registry"
	"github.com/cranklabs/crank-controller/internal/tracing"
	"github.com/cranklabs/crank-controller/pkg/capability"
)

// cancelled reports whether r's context deadline (the default 5s request
// deadline, attached by withDeadline) has already expired. Handlers call
// this at entry, between validation and commit, and before writing a
// response. A cancelled request that already committed stays committed:
// there is no compensating rollback, this only skips work that would
// otherwise run or respond after the caller has stopped listening.
func cancelled(r *http.Request) bool {
	return r.Context().Err() != nil
}

type registerRequest struct {
	WorkerID     string                    `json:"worker_id"`
	WorkerURL    string                    `json:"worker_url"`
	Capabilities []capability.Definition   `json:"capabilities"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	var req registerRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_capability", map[string]any{"field": "body"})
		return
	}

	if cancelled(r) {
		return
	}

	peerIdentity := identity.FromContext(r.Context())
	err := s.registry.Register(r.Context(), req.WorkerID, req.WorkerURL, req.Capabilities, peerIdentity)
	if err != nil {
		if verr, ok := err.(*registry.ValidationError); ok {
			tracing.Annotate(r.Context(), req.WorkerID, "", "invalid_capability")
			writeError(w, r, http.StatusBadRequest, "invalid_capability", map[string]any{"field": verr.Field})
			return
		}
		writeInternalError(w, r, s.logger, err)
		return
	}

	tracing.Annotate(r.Context(), req.WorkerID, "", "registered")
	if cancelled(r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "registered", "worker_id": req.WorkerID})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_capability", map[string]any{"field": "body"})
		return
	}

	if cancelled(r) {
		return
	}

	now := time.Now().UTC()
	err := s.registry.Heartbeat(r.Context(), req.WorkerID, now)
	if err != nil {
		// worker_not_registered is a protocol-success path, not an
		// exception: it is the signal that forces re-registration. It is
		// still a 404 at the transport layer.
		tracing.Annotate(r.Context(), req.WorkerID, "", "worker_not_registered")
		writeError(w, r, http.StatusNotFound, "worker_not_registered", map[string]any{"worker_id": req.WorkerID})
		return
	}

	tracing.Annotate(r.Context(), req.WorkerID, "", "acknowledged")
	if cancelled(r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "acknowledged", "timestamp": now.Format(time.RFC3339)})
}

type deregisterRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	var req deregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_capability", map[string]any{"field": "body"})
		return
	}

	if cancelled(r) {
		return
	}

	if err := s.registry.Deregister(r.Context(), req.WorkerID); err != nil {
		writeInternalError(w, r, s.logger, err)
		return
	}

	tracing.Annotate(r.Context(), req.WorkerID, "", "deregistered")
	if cancelled(r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "deregistered"})
}

type routeRequestBody struct {
	Verb           string         `json:"verb"`
	Capability     string         `json:"capability"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	SLOConstraints map[string]any `json:"slo_constraints,omitempty"`
	BudgetTokens   *float64       `json:"budget_tokens,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	start := time.Now()
	var req routeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_capability", map[string]any{"field": "body"})
		return
	}

	if cancelled(r) {
		return
	}

	rr := registry.RouteRequest{
		Verb: req.Verb, Capability: req.Capability,
		IdempotencyKey: req.IdempotencyKey, Priority: req.Priority,
		SLOConstraints: req.SLOConstraints, BudgetTokens: req.BudgetTokens,
		RequesterIdentity: identity.FromContext(r.Context()),
	}

	key := string(capability.NewKey(req.Verb, req.Capability))
	rec, err := s.registry.Route(r.Context(), rr, time.Now().UTC())
	if s.metrics != nil {
		s.metrics.RouteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RouteRequestsTotal.WithLabelValues("no_route").Inc()
		}
		tracing.Annotate(r.Context(), "", key, "no_route")
		writeError(w, r, http.StatusNotFound, "no_worker_available", map[string]any{"capability": key})
		return
	}

	if s.metrics != nil {
		s.metrics.RouteRequestsTotal.WithLabelValues("ok").Inc()
	}
	tracing.Annotate(r.Context(), rec.WorkerID, key, "ok")
	if cancelled(r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"worker_id": rec.WorkerID, "worker_url": rec.WorkerURL})
}

type capabilityView struct {
	Verb           string   `json:"verb"`
	Name           string   `json:"name"`
	Version        string   `json:"version,omitempty"`
	Workers        []string `json:"workers"`
	HealthyWorkers int      `json:"healthy_workers"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	now := time.Now().UTC()
	listings := s.registry.GetAllCapabilities(now)
	out := make([]capabilityView, 0, len(listings))
	for _, l := range listings {
		out = append(out, capabilityView{
			Verb: l.Verb, Name: l.Name, Version: l.Version,
			Workers: l.Workers, HealthyWorkers: l.HealthyWorkers,
		})
	}

	if cancelled(r) {
		return
	}
	w.Header().Set("ETag", etagValue(s.registry.Generation()))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type workerView struct {
	WorkerID      string                  `json:"worker_id"`
	WorkerURL     string                  `json:"worker_url"`
	LastHeartbeat string                  `json:"last_heartbeat"`
	IsHealthy     bool                    `json:"is_healthy"`
	Capabilities  []capability.Definition `json:"capabilities"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if cancelled(r) {
		return
	}

	now := time.Now().UTC()
	recs := s.registry.GetAllWorkers(now)
	out := make([]workerView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, workerView{
			WorkerID:      rec.WorkerID,
			WorkerURL:     rec.WorkerURL,
			LastHeartbeat: rec.LastHeartbeatAt.Format(time.RFC3339),
			IsHealthy:     rec.IsHealthy(now, s.staleTimeout),
			Capabilities:  rec.Capabilities,
		})
	}

	if cancelled(r) {
		return
	}
	w.Header().Set("ETag", etagValue(s.registry.Generation()))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func etagValue(gen uint64) string {
	return `"` + strconv.FormatUint(gen, 10) + `"`
}
