package federation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"github.com/cranklabs/crank-controller/internal/registry"
)

// PeerClient fetches a peer controller's exported registry state over
// mTLS, for a future gossip round that is not wired into the default run
// path (no peer addresses are configured by default). Grounded on
// ArthurCRodrigues-transcode-worker's internal/client retry-wrapped HTTP
// client, wrapped in a sony/gobreaker circuit breaker as seen in
// jordigilh-kubernaut's go.mod.
type PeerClient struct {
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
}

// NewPeerClient builds a PeerClient trusting tlsConfig for peer mTLS.
func NewPeerClient(tlsConfig *tls.Config) *PeerClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "federation-peer-client",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &PeerClient{http: rc, breaker: cb}
}

// FetchState GETs peerURL as given and decodes the body as a peer
// controller's exported registry.State. The controller's own HTTPService
// mounts no endpoint that serves this payload.
func (c *PeerClient) FetchState(ctx context.Context, peerURL string) (registry.State, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, peerURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("federation: peer %s returned status %d", peerURL, resp.StatusCode)
		}
		var state registry.State
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return nil, err
		}
		return state, nil
	})
	if err != nil {
		return registry.State{}, err
	}
	return result.(registry.State), nil
}
