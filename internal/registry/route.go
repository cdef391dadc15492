package registry

import "github.com/cranklabs/crank-controller/pkg/capability"

// RouteRequest carries everything the caller may pass to /route. The
// optional fields are accepted and forwarded to RoutingPolicy so the API
// contract is stable even though the shipped policy ignores them.
type RouteRequest struct {
	Verb             string
	Capability       string
	IdempotencyKey   string
	Priority         string
	SLOConstraints   map[string]any
	RequesterIdentity string
	BudgetTokens     *float64
}

// RoutingPolicy selects one worker from a pre-filtered healthy set for a
// capability key. candidates is insertion-order stable (Invariant I3).
type RoutingPolicy interface {
	Select(key capability.Key, candidates []capability.Record, req RouteRequest) (capability.Record, bool)
}

// roundRobinPolicy is the shipped RoutingPolicy. Registry.Route keeps the
// per-capability cursor: it rotates the insertion-ordered healthy set so the
// cursor position comes first, calls Select, then advances the cursor
// modulo the healthy-set size. Select picks the first candidate, which
// together yields round-robin with ties broken by insertion order.
//
// Reserved extension points (commented seams, not implemented):
//   - SLO filter: drop candidates whose declared SLO cannot meet
//     req.SLOConstraints before the round-robin pick.
//   - Policy evaluation: call an external decision engine with
//     {req.RequesterIdentity, key}; on deny, the caller surfaces 403.
//   - Budget filter: drop candidates whose CostTokensPerInvocation exceeds
//     req.BudgetTokens; order the remainder cheapest-first.
//   - Idempotency: if req.IdempotencyKey has a cached response, return it
//     directly instead of picking a worker.
type roundRobinPolicy struct{}

// NewRoundRobinPolicy returns the default shipped RoutingPolicy.
func NewRoundRobinPolicy() RoutingPolicy {
	return &roundRobinPolicy{}
}

func (p *roundRobinPolicy) Select(key capability.Key, candidates []capability.Record, req RouteRequest) (capability.Record, bool) {
	// SLO filter seam: candidates = filterBySLO(candidates, req.SLOConstraints)
	// Policy evaluation seam: if denied := evaluatePolicy(req.RequesterIdentity, key); denied { ... }
	// Budget filter seam: candidates = filterByBudget(candidates, req.BudgetTokens)
	// Idempotency seam: if cached, ok := lookupIdempotent(req.IdempotencyKey); ok { return cached, true }
	if len(candidates) == 0 {
		return capability.Record{}, false
	}
	return candidates[0], true
}
