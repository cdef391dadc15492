package capability

import (
	"encoding/json"
	"testing"
	"time"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

// Unknown top-level fields on a wire CapabilityDefinition must round-trip
// through storage unchanged, a forward-compatibility requirement.
func TestDefinition_UnknownFieldsRoundTrip(t *testing.T) {
	const wire = `{
		"name": "hello",
		"verb": "greet",
		"version": "1.0.0",
		"input_schema": {},
		"output_schema": {},
		"requires_gpu": false,
		"max_concurrency": 1,
		"future_field": "some-value",
		"another_future_field": {"nested": true}
	}`

	var def Definition
	if err := json.Unmarshal([]byte(wire), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Name != "hello" || def.Verb != "greet" {
		t.Fatalf("typed fields not decoded: %+v", def)
	}
	if len(def.Extra) != 2 {
		t.Fatalf("expected 2 preserved unknown fields, got %d: %+v", len(def.Extra), def.Extra)
	}

	out, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal round-tripped: %v", err)
	}
	if _, ok := roundTripped["future_field"]; !ok {
		t.Fatalf("expected future_field to survive round trip, got %s", out)
	}
	if _, ok := roundTripped["another_future_field"]; !ok {
		t.Fatalf("expected another_future_field to survive round trip, got %s", out)
	}
}

// Named optional forward-compatibility fields decode into their typed
// slots rather than Extra.
func TestDefinition_NamedOptionalFieldsDecodeTyped(t *testing.T) {
	const wire = `{
		"name": "hello", "verb": "greet", "version": "1.0.0",
		"input_schema": {}, "output_schema": {},
		"requires_gpu": true, "max_concurrency": 4,
		"runtime": "python3.11",
		"slo": {"latency_p95_ms": 250, "availability": 0.99},
		"required_capabilities": ["classify:doc"],
		"cost_tokens_per_invocation": 0.5
	}`

	var def Definition
	if err := json.Unmarshal([]byte(wire), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Runtime != "python3.11" {
		t.Fatalf("expected runtime decoded, got %q", def.Runtime)
	}
	if def.SLO == nil || def.SLO.LatencyP95Ms == nil || *def.SLO.LatencyP95Ms != 250 {
		t.Fatalf("expected slo.latency_p95_ms decoded, got %+v", def.SLO)
	}
	if len(def.RequiredCapabilities) != 1 || def.RequiredCapabilities[0] != "classify:doc" {
		t.Fatalf("expected required_capabilities decoded, got %+v", def.RequiredCapabilities)
	}
	if def.Extra != nil {
		t.Fatalf("expected no Extra fields for an all-named payload, got %+v", def.Extra)
	}
}

func TestKey_RendersVerbColonName(t *testing.T) {
	d := Definition{Verb: "greet", Name: "hello"}
	if d.Key() != Key("greet:hello") {
		t.Fatalf("got %q", d.Key())
	}
}

func TestRecord_IsHealthy(t *testing.T) {
	now := mustParseTime(t, "2026-07-31T12:00:00Z")
	rec := Record{LastHeartbeatAt: mustParseTime(t, "2026-07-31T11:59:00Z")}
	if !rec.IsHealthy(now, 120e9) {
		t.Fatalf("expected healthy within stale timeout")
	}
	if rec.IsHealthy(now, 30e9) {
		t.Fatalf("expected unhealthy beyond stale timeout")
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	rec := Record{WorkerID: "w1", Capabilities: []Definition{{Name: "hello", Verb: "greet"}}}
	clone := rec.Clone()
	clone.Capabilities[0].Name = "mutated"
	if rec.Capabilities[0].Name != "hello" {
		t.Fatalf("expected original record unaffected by mutation of clone, got %q", rec.Capabilities[0].Name)
	}
}
