package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/telemetry"
)

// webhookHeader carries the webhook shared secret.
const webhookHeader = "authenticate"

var errBadWebhookToken = sidekick.Wrap(sidekick.ReasonUnauthorized, errors.New("invalid webhook token"))

// webhookAuth returns middleware that requires the authenticate header to
// match the configured webhook token. Without a configured token every
// call is rejected. Requests through it are reported under the webhook route.
func (s *Server) webhookAuth(next http.Handler) http.Handler {
	tokenBytes := []byte(s.config.WebhookToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetRoute(r, "webhook")

		provided := []byte(r.Header.Get(webhookHeader))
		if len(tokenBytes) == 0 || subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			s.rpcError(w, r, errBadWebhookToken, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
