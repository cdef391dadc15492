package registry

import (
	"time"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

// State is the serializable form of the live registry, used by
// ExportState/ImportRemoteState and decoded by internal/federation's
// PeerClient. It carries only the worker records (plus an optional
// controller id), since the index is always rebuildable from them, keeping
// the wire format minimal and forward-compatible.
type State struct {
	ControllerID string               `json:"controller_id,omitempty"`
	Workers      []capability.Record  `json:"workers"`
}

// ExportState serializes the live registry. Stub for multi-controller
// federation: present and round-trips, but the shipped controller never
// calls ImportRemoteState on its own.
func (r *Registry) ExportState() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers := make([]capability.Record, 0, len(r.workers))
	for _, rec := range r.workers {
		workers = append(workers, rec.Clone())
	}
	return State{Workers: workers}
}

// RestoreRegister applies a replayed register event directly to
// (workers, index) without appending to the log (the event came from the
// log) and without touching LastHeartbeatAt: the record's logged
// last_heartbeat_at is kept as-is, marking it "needs verification" so
// StaleReaper or a fresh heartbeat will resolve it within one cycle.
func (r *Registry) RestoreRegister(rec capability.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workers[rec.WorkerID]; ok {
		r.unindexLocked(rec.WorkerID, existing)
	}
	r.workers[rec.WorkerID] = rec
	r.indexLocked(rec.WorkerID, rec)
	r.generation++
}

// RestoreHeartbeat applies a replayed heartbeat event directly.
func (r *Registry) RestoreHeartbeat(workerID string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	rec.LastHeartbeatAt = ts
	r.workers[workerID] = rec
	r.generation++
}

// RestoreDeregister applies a replayed deregister event directly.
func (r *Registry) RestoreDeregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workers[workerID]; ok {
		r.unindexLocked(workerID, existing)
		delete(r.workers, workerID)
		r.generation++
	}
}

// ImportRemoteState merges a peer's exported state into this registry.
// Merge policy: a worker with the same id and the same registered_at is a
// no-op; otherwise the record with the more recent last_heartbeat_at wins.
func (r *Registry) ImportRemoteState(controllerID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, incoming := range state.Workers {
		existing, ok := r.workers[incoming.WorkerID]
		if ok {
			if existing.RegisteredAt.Equal(incoming.RegisteredAt) {
				continue
			}
			if !incoming.LastHeartbeatAt.After(existing.LastHeartbeatAt) {
				continue
			}
			r.unindexLocked(incoming.WorkerID, existing)
		}
		r.workers[incoming.WorkerID] = incoming
		r.indexLocked(incoming.WorkerID, incoming)
	}
	r.generation++
	return nil
}
