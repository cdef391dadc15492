package httpservice

import (
	"context"
	"net/http"
	"time"

	"github.com/cranklabs/crank-controller/internal/identity"
)

// requireClientCert enforces 401 before any handler or body parsing runs if
// the TLS handshake did not present a verified peer certificate. In
// practice tls.RequireAndVerifyClientCert already refuses the handshake,
// but this is the layer that would surface a 401 before body parsing if
// verification were ever relaxed. It also extracts the peer's SPIFFE
// identity once and attaches it to the context, so it is never re-parsed
// inside handlers.
func requireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", nil)
			return
		}
		id := identity.FromConnectionState(r.TLS)
		ctx := identity.WithPeerIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withDeadline attaches the configured request deadline (default 5s) to
// the request context.
func withDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
