// Package registry implements the CapabilityRegistry: the in-memory
// worker/capability index, its register/heartbeat/deregister/route
// operations, and stale-worker cleanup.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

// Logger is implemented by RecoveryLog and accepted here as an interface so
// this package never imports the log's concrete type, it only needs to
// append three kinds of entries in commit order.
type Logger interface {
	AppendRegister(rec capability.Record) error
	AppendHeartbeat(workerID string, ts time.Time) error
	AppendDeregister(workerID string) error
}

// Config configures a CapabilityRegistry.
type Config struct {
	StaleTimeout time.Duration
}

// MetricsSink is the subset of internal/metrics.Collector the registry
// reports to. Defined here (rather than importing the metrics package
// directly) so registry has no dependency on how those gauges/counters are
// implemented or exported, only that something can observe them.
type MetricsSink interface {
	SetWorkersTotal(n int)
	SetCapabilitiesTotal(n int)
	IncLogAppendError()
}

// SetMetrics attaches a MetricsSink. Optional: a nil or never-attached sink
// means the registry simply doesn't report, which is what every non-cli
// caller (tests, the offline "status" command) wants.
func (r *Registry) SetMetrics(m MetricsSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// reportLocked pushes the current worker/capability counts to the attached
// MetricsSink, if any. Caller holds mu.
func (r *Registry) reportLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetWorkersTotal(len(r.workers))
	r.metrics.SetCapabilitiesTotal(len(r.index))
}

// Registry is the CapabilityRegistry: a mutex-guarded pair of coupled
// structures (workers, index) plus the per-capability round-robin cursor
// Route keeps for RoutingPolicy. One lock protects both structures and the log append that commits
// alongside them, grounded on the teacher's single-lock dual-map discipline
// in its job manager and controller.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	log     Logger
	policy  RoutingPolicy
	logger  *zap.Logger
	metrics MetricsSink

	workers map[string]capability.Record
	index   map[capability.Key][]string // insertion-order stable (I3)
	cursor  map[capability.Key]int

	validator  *SchemaValidator
	generation uint64 // bumped on every mutation, exposed as the read-endpoint ETag
}

// New constructs a Registry. log may be nil when nothing should be
// persisted (tests, and the offline "status" command, which only replays
// the log); the "run" command always supplies a RecoveryLog.
func New(cfg Config, log Logger, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		policy:    NewRoundRobinPolicy(),
		logger:    logger,
		workers:   make(map[string]capability.Record),
		index:     make(map[capability.Key][]string),
		cursor:    make(map[capability.Key]int),
		validator: NewSchemaValidator(),
	}
}

// unindexLocked removes every index entry pointing at workerID. Caller
// holds mu.
func (r *Registry) unindexLocked(workerID string, rec capability.Record) {
	for _, def := range rec.Capabilities {
		k := def.Key()
		ids := r.index[k]
		for i, id := range ids {
			if id == workerID {
				r.index[k] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.index[k]) == 0 {
			delete(r.index, k)
			delete(r.cursor, k)
		}
	}
}

// indexLocked adds workerID to the index entry for every capability it
// declares, preserving the order capabilities were registered in.
func (r *Registry) indexLocked(workerID string, rec capability.Record) {
	for _, def := range rec.Capabilities {
		k := def.Key()
		r.index[k] = append(r.index[k], workerID)
	}
}

// capabilitiesEqual reports whether two capability sets serialize to the
// same bytes, used to decide whether a repeat registration is truly
// content-identical to the worker's current record.
func capabilitiesEqual(a, b []capability.Definition) bool {
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// Register validates every capability, replaces any prior record for
// worker_id (unindexing it first so stale advertisements don't leak),
// commits the new record, and appends a register entry before returning.
// Registering the same worker_id with the same worker_url and capabilities
// as its existing record is a pure no-op on the timestamps: registered_at
// and last_heartbeat_at carry forward unchanged, so the resulting state is
// identical to the state before the repeat call.
func (r *Registry) Register(ctx context.Context, workerID, workerURL string, caps []capability.Definition, peerIdentity string) error {
	if err := r.validator.ValidateBatch(caps); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	registeredAt, lastHeartbeatAt := now, now
	if existing, ok := r.workers[workerID]; ok {
		if existing.WorkerURL == workerURL && capabilitiesEqual(existing.Capabilities, caps) {
			registeredAt = existing.RegisteredAt
			lastHeartbeatAt = existing.LastHeartbeatAt
		}
		r.unindexLocked(workerID, existing)
	}

	rec := capability.Record{
		WorkerID:        workerID,
		WorkerURL:       workerURL,
		Capabilities:    append([]capability.Definition(nil), caps...),
		RegisteredAt:    registeredAt,
		LastHeartbeatAt: lastHeartbeatAt,
		PeerIdentity:    peerIdentity,
	}
	r.workers[workerID] = rec
	r.indexLocked(workerID, rec)

	if r.log != nil {
		if err := r.log.AppendRegister(rec.Clone()); err != nil {
			r.logger.Warn("recovery log append failed", zap.String("op", "register"), zap.String("worker_id", workerID), zap.Error(err))
			if r.metrics != nil {
				r.metrics.IncLogAppendError()
			}
		}
	}
	r.generation++
	r.reportLocked()
	return nil
}

// Heartbeat updates last_heartbeat_at for a known worker, or returns
// ErrWorkerNotRegistered, the protocol-success signal that forces the
// worker to re-register.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotRegistered
	}
	rec.LastHeartbeatAt = now
	r.workers[workerID] = rec

	if r.log != nil {
		if err := r.log.AppendHeartbeat(workerID, now); err != nil {
			r.logger.Warn("recovery log append failed", zap.String("op", "heartbeat"), zap.String("worker_id", workerID), zap.Error(err))
			if r.metrics != nil {
				r.metrics.IncLogAppendError()
			}
		}
	}
	r.generation++
	return nil
}

// Deregister removes workerID and its index entries. Unknown workerIDs are
// a silent no-op (idempotent).
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(workerID)
}

// deregisterLocked does the actual removal; caller holds mu.
func (r *Registry) deregisterLocked(workerID string) error {
	rec, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	r.unindexLocked(workerID, rec)
	delete(r.workers, workerID)

	if r.log != nil {
		if err := r.log.AppendDeregister(workerID); err != nil {
			r.logger.Warn("recovery log append failed", zap.String("op", "deregister"), zap.String("worker_id", workerID), zap.Error(err))
			if r.metrics != nil {
				r.metrics.IncLogAppendError()
			}
		}
	}
	r.generation++
	r.reportLocked()
	return nil
}

// Route filters index[key] to healthy workers, applies RoutingPolicy, and
// returns an owned copy of the chosen record (never a live reference).
func (r *Registry) Route(ctx context.Context, req RouteRequest, now time.Time) (capability.Record, error) {
	key := capability.NewKey(req.Verb, req.Capability)

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.index[key]
	if len(ids) == 0 {
		return capability.Record{}, ErrNoWorkerAvailable
	}

	healthy := make([]capability.Record, 0, len(ids))
	for _, id := range ids {
		rec := r.workers[id]
		if rec.IsHealthy(now, r.cfg.StaleTimeout) {
			healthy = append(healthy, rec)
		}
	}
	if len(healthy) == 0 {
		return capability.Record{}, ErrNoWorkerAvailable
	}

	cursor := r.cursor[key] % len(healthy)
	rotated := append(append([]capability.Record(nil), healthy[cursor:]...), healthy[:cursor]...)

	chosen, ok := r.policy.Select(key, rotated, req)
	if !ok {
		return capability.Record{}, ErrNoWorkerAvailable
	}
	r.cursor[key] = (cursor + 1) % len(healthy)
	return chosen.Clone(), nil
}

// CleanupStale removes every worker whose health has expired, appending a
// deregister entry for each, and returns the count removed.
func (r *Registry) CleanupStale(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, rec := range r.workers {
		if !rec.IsHealthy(now, r.cfg.StaleTimeout) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if err := r.deregisterLocked(id); err != nil {
			return len(stale), err
		}
	}
	return len(stale), nil
}

// CapabilityListing is one entry of GetAllCapabilities.
type CapabilityListing struct {
	Verb           string
	Name           string
	Version        string
	Workers        []string
	HealthyWorkers int
}

// GetAllCapabilities returns, for each capability key in the index, the
// workers offering it and how many are currently healthy.
func (r *Registry) GetAllCapabilities(now time.Time) []CapabilityListing {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CapabilityListing, 0, len(r.index))
	for key, ids := range r.index {
		listing := CapabilityListing{Workers: append([]string(nil), ids...)}
		verb, name := splitKey(key)
		listing.Verb, listing.Name = verb, name
		for _, id := range ids {
			rec := r.workers[id]
			if len(rec.Capabilities) > 0 {
				for _, d := range rec.Capabilities {
					if d.Key() == key {
						listing.Version = d.Version
						break
					}
				}
			}
			if rec.IsHealthy(now, r.cfg.StaleTimeout) {
				listing.HealthyWorkers++
			}
		}
		out = append(out, listing)
	}
	return out
}

// GetAllWorkers returns a point-in-time snapshot of every WorkerRecord with
// derived health.
func (r *Registry) GetAllWorkers(now time.Time) []capability.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]capability.Record, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.Clone())
	}
	return out
}

// Generation returns the current mutation counter, used as the ETag for
// /capabilities and /workers reads.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func splitKey(k capability.Key) (verb, name string) {
	s := string(k)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
