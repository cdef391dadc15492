// Package capability defines the wire and storage types shared by the
// registry, recovery log, and HTTP surface: capability definitions, worker
// records, and the capability key they are indexed by.
package capability

import (
	"encoding/json"
	"time"
)

// Key identifies a capability as "<verb>:<name>".
type Key string

// NewKey renders the registry index key for a (verb, name) pair.
func NewKey(verb, name string) Key {
	return Key(verb + ":" + name)
}

// SLO describes a capability's declared service-level objective. All fields
// are optional; present only to round-trip and, eventually, feed the SLO
// filter hook in RoutingPolicy.
type SLO struct {
	LatencyP95Ms   *float64 `json:"latency_p95_ms,omitempty" validate:"omitempty,gte=0"`
	Availability   *float64 `json:"availability,omitempty" validate:"omitempty,gte=0,lte=1"`
	ErrorBudgetPct *float64 `json:"error_budget_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Definition is the typed CapabilityDefinition from the wire contract: the
// required core fields plus a set of named, typed forward-compatibility
// fields. Extra preserves any further unrecognized top-level keys so that
// marshaling round-trips byte-for-byte-equivalent JSON even for fields this
// version of the controller has never heard of.
type Definition struct {
	Name           string `json:"name" validate:"required"`
	Verb           string `json:"verb" validate:"required"`
	Version        string `json:"version" validate:"required"`
	InputSchema    json.RawMessage `json:"input_schema" validate:"required"`
	OutputSchema   json.RawMessage `json:"output_schema" validate:"required"`
	RequiresGPU    bool   `json:"requires_gpu"`
	MaxConcurrency int    `json:"max_concurrency" validate:"required,gt=0"`

	Runtime                 string          `json:"runtime,omitempty"`
	EnvProfile              string          `json:"env_profile,omitempty"`
	Constraints             map[string]any  `json:"constraints,omitempty"`
	SLO                     *SLO            `json:"slo,omitempty" validate:"omitempty"`
	SpiffeID                string          `json:"spiffe_id,omitempty"`
	RequiredCapabilities    []string        `json:"required_capabilities,omitempty"`
	CostTokensPerInvocation *float64        `json:"cost_tokens_per_invocation,omitempty" validate:"omitempty,gte=0"`
	SLOBid                  map[string]any  `json:"slo_bid,omitempty"`
	ControllerAffinity      []string        `json:"controller_affinity,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Key renders this definition's registry index key.
func (d Definition) Key() Key {
	return NewKey(d.Verb, d.Name)
}

// knownFields lists every JSON tag handled by a named struct field, used to
// split an inbound payload into the typed fields plus Extra.
var knownFields = map[string]struct{}{
	"name": {}, "verb": {}, "version": {}, "input_schema": {}, "output_schema": {},
	"requires_gpu": {}, "max_concurrency": {}, "runtime": {}, "env_profile": {},
	"constraints": {}, "slo": {}, "spiffe_id": {}, "required_capabilities": {},
	"cost_tokens_per_invocation": {}, "slo_bid": {}, "controller_affinity": {},
}

// UnmarshalJSON decodes the typed fields normally, then captures any
// remaining top-level keys into Extra so they survive a later re-marshal.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type alias Definition
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Definition(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		d.Extra = extra
	}
	return nil
}

// MarshalJSON emits the typed fields plus any preserved Extra keys.
func (d Definition) MarshalJSON() ([]byte, error) {
	type alias Definition
	base, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, known := knownFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Record is the mutable WorkerRecord held in the registry: a worker
// identity, its advertised endpoint, and the capabilities it offers in
// registration order (Invariant I3).
type Record struct {
	WorkerID        string       `json:"worker_id"`
	WorkerURL       string       `json:"worker_url"`
	Capabilities    []Definition `json:"capabilities"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	PeerIdentity    string       `json:"peer_identity,omitempty"`
}

// IsHealthy reports whether this record's last heartbeat is within
// staleTimeout of now.
func (r Record) IsHealthy(now time.Time, staleTimeout time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) < staleTimeout
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry lock: the capability slice is copied so later registry
// mutations cannot be observed through it.
func (r Record) Clone() Record {
	caps := make([]Definition, len(r.Capabilities))
	copy(caps, r.Capabilities)
	r.Capabilities = caps
	return r
}
