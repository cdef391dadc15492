package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

func rawSchema() json.RawMessage { return json.RawMessage(`{}`) }

func greetHello() capability.Definition {
	return capability.Definition{
		Name: "hello", Verb: "greet", Version: "1.0.0",
		InputSchema: rawSchema(), OutputSchema: rawSchema(),
		MaxConcurrency: 1,
	}
}

func newTestRegistry() *Registry {
	return New(Config{StaleTimeout: 120 * time.Second}, nil, nil)
}

func mustRegister(t *testing.T, r *Registry, workerID, url string, caps []capability.Definition) {
	t.Helper()
	if err := r.Register(context.Background(), workerID, url, caps, ""); err != nil {
		t.Fatalf("register %s: %v", workerID, err)
	}
}

// P1: index/workers coherence.
func TestRegistry_IndexWorkersCoherence(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})

	r.mu.Lock()
	for id, rec := range r.workers {
		for _, def := range rec.Capabilities {
			found := false
			for _, candidate := range r.index[def.Key()] {
				if candidate == id {
					found = true
				}
			}
			if !found {
				t.Fatalf("worker %s capability %s missing from index", id, def.Key())
			}
		}
	}
	for key, ids := range r.index {
		for _, id := range ids {
			if _, ok := r.workers[id]; !ok {
				t.Fatalf("index[%s] references unknown worker %s", key, id)
			}
		}
	}
	r.mu.Unlock()
}

// P2: register makes the worker routable.
func TestRegistry_RegisterThenRoute(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})

	workers := r.GetAllWorkers(time.Now())
	if len(workers) != 1 || workers[0].WorkerID != "w1" {
		t.Fatalf("expected w1 in GetAllWorkers, got %+v", workers)
	}

	rec, err := r.Route(context.Background(), RouteRequest{Verb: "greet", Capability: "hello"}, time.Now())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if rec.WorkerID != "w1" {
		t.Fatalf("expected w1, got %s", rec.WorkerID)
	}
}

// P3: deregister removes the worker and heartbeat then 404s.
func TestRegistry_Deregister(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})

	if err := r.Deregister(context.Background(), "w1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if len(r.GetAllWorkers(time.Now())) != 0 {
		t.Fatalf("expected no workers after deregister")
	}
	err := r.Heartbeat(context.Background(), "w1", time.Now())
	if !errors.Is(err, ErrWorkerNotRegistered) {
		t.Fatalf("expected ErrWorkerNotRegistered, got %v", err)
	}
}

// P5: idempotent registration.
func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := newTestRegistry()
	caps := []capability.Definition{greetHello()}
	mustRegister(t, r, "w1", "https://w1:8500", caps)
	before := r.ExportState()
	mustRegister(t, r, "w1", "https://w1:8500", caps)
	after := r.ExportState()

	beforeJSON, err := json.Marshal(before)
	if err != nil {
		t.Fatalf("marshal before state: %v", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		t.Fatalf("marshal after state: %v", err)
	}
	if string(beforeJSON) != string(afterJSON) {
		t.Fatalf("expected identical exported state across idempotent registration, got:\nbefore: %s\nafter:  %s", beforeJSON, afterJSON)
	}
}

// P6: export/import round trip.
func TestRegistry_ExportImportRoundTrip(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})
	state := r.ExportState()

	r2 := newTestRegistry()
	if err := r2.ImportRemoteState("peer-1", state); err != nil {
		t.Fatalf("import: %v", err)
	}
	got := r2.ExportState()
	if len(got.Workers) != 1 || got.Workers[0].WorkerID != "w1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

// P7 + P8: route liveness and round-robin fairness.
func TestRegistry_RoundRobinFairness(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})
	mustRegister(t, r, "w2", "https://w2:8500", []capability.Definition{greetHello()})

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		rec, err := r.Route(context.Background(), RouteRequest{Verb: "greet", Capability: "hello"}, time.Now())
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		seen[rec.WorkerID]++
	}
	if seen["w1"] != 1 || seen["w2"] != 1 {
		t.Fatalf("expected each worker exactly once, got %+v", seen)
	}

	_, err := r.Route(context.Background(), RouteRequest{Verb: "greet", Capability: "nope"}, time.Now())
	if !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("expected ErrNoWorkerAvailable, got %v", err)
	}
}

// Stale reaping (scenario 3).
func TestRegistry_CleanupStale(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})

	future := time.Now().Add(121 * time.Second)
	n, err := r.CleanupStale(context.Background(), future)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if len(r.GetAllWorkers(future)) != 0 {
		t.Fatalf("expected no workers remaining")
	}
}

// Invalid capability rejected (scenario 6).
func TestRegistry_RegisterInvalidCapability(t *testing.T) {
	r := newTestRegistry()
	bad := greetHello()
	bad.MaxConcurrency = 0

	err := r.Register(context.Background(), "w1", "https://w1:8500", []capability.Definition{bad}, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "max_concurrency" {
		t.Fatalf("expected field max_concurrency, got %s", verr.Field)
	}
	if len(r.GetAllWorkers(time.Now())) != 0 {
		t.Fatalf("expected no state change on invalid registration")
	}
}

// Duplicate (verb, name) within one payload is rejected.
func TestRegistry_RegisterDuplicateCapabilityKey(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(context.Background(), "w1", "https://w1:8500", []capability.Definition{greetHello(), greetHello()}, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for duplicate key, got %v", err)
	}
}

// Registration overwrite unindexes old capabilities atomically.
func TestRegistry_RegisterOverwriteUnindexesOld(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})

	other := greetHello()
	other.Verb, other.Name = "classify", "doc"
	mustRegister(t, r, "w1", "https://w1:9000", []capability.Definition{other})

	_, err := r.Route(context.Background(), RouteRequest{Verb: "greet", Capability: "hello"}, time.Now())
	if !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("expected old capability unindexed, got %v", err)
	}
	rec, err := r.Route(context.Background(), RouteRequest{Verb: "classify", Capability: "doc"}, time.Now())
	if err != nil || rec.WorkerURL != "https://w1:9000" {
		t.Fatalf("expected new capability routable with updated url, got %+v err=%v", rec, err)
	}
}

type fakeMetricsSink struct {
	workersTotal      int
	capabilitiesTotal int
	logAppendErrors   int
}

func (f *fakeMetricsSink) SetWorkersTotal(n int)      { f.workersTotal = n }
func (f *fakeMetricsSink) SetCapabilitiesTotal(n int) { f.capabilitiesTotal = n }
func (f *fakeMetricsSink) IncLogAppendError()         { f.logAppendErrors++ }

// A registry with an attached MetricsSink reports worker/capability counts
// on every mutation that changes them.
func TestRegistry_ReportsToAttachedMetricsSink(t *testing.T) {
	r := newTestRegistry()
	sink := &fakeMetricsSink{}
	r.SetMetrics(sink)

	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})
	if sink.workersTotal != 1 || sink.capabilitiesTotal != 1 {
		t.Fatalf("expected 1/1 after register, got workers=%d capabilities=%d", sink.workersTotal, sink.capabilitiesTotal)
	}

	if err := r.Deregister(context.Background(), "w1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if sink.workersTotal != 0 || sink.capabilitiesTotal != 0 {
		t.Fatalf("expected 0/0 after deregister, got workers=%d capabilities=%d", sink.workersTotal, sink.capabilitiesTotal)
	}
}

// A log append failure increments the sink's error counter without
// failing the mutation itself: the mutation still commits in memory.
func TestRegistry_LogAppendFailureIncrementsMetric(t *testing.T) {
	r := New(Config{StaleTimeout: 120 * time.Second}, failingLogger{}, nil)
	sink := &fakeMetricsSink{}
	r.SetMetrics(sink)

	mustRegister(t, r, "w1", "https://w1:8500", []capability.Definition{greetHello()})
	if sink.logAppendErrors != 1 {
		t.Fatalf("expected 1 log append error, got %d", sink.logAppendErrors)
	}
}

type failingLogger struct{}

func (failingLogger) AppendRegister(capability.Record) error   { return errors.New("disk full") }
func (failingLogger) AppendHeartbeat(string, time.Time) error   { return errors.New("disk full") }
func (failingLogger) AppendDeregister(string) error             { return errors.New("disk full") }
