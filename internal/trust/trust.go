// Package trust implements the inter-service trust fabric: the shared
// service token gate applied to write endpoints, and the governance
// role/actor checks guarding high-trust mutations.
package trust

import (
	"net/http"
	"strings"

	"dgc/backbone/internal/httpx"
)

// ServiceAuth returns middleware enforcing the shared service token. When
// token is empty the gate permits everything.
func ServiceAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get(httpx.ServiceTokenHeader) != token {
				httpx.WriteError(w, nil, httpx.Errf(http.StatusUnauthorized, "unauthorized_service", "missing or invalid service token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Governance headers.
const (
	RoleHeader  = "x-governance-role"
	ActorHeader = "x-governance-actor"
)

// Gate is a parsed governance allow-set.
type Gate struct {
	allowAny bool
	roles    map[string]bool
}

// NewGate parses a comma-separated role list; "*" means allow-any. An empty
// csv falls back to defaults.
func NewGate(csv string, defaults []string) Gate {
	items := defaults
	if strings.TrimSpace(csv) != "" {
		items = strings.Split(csv, ",")
	}
	g := Gate{roles: map[string]bool{}}
	for _, it := range items {
		role := strings.ToLower(strings.TrimSpace(it))
		if role == "*" {
			g.allowAny = true
		}
		if role != "" {
			g.roles[role] = true
		}
	}
	return g
}

// Authorize checks the governance headers against the gate. bodyActor is the
// actor named in the request body (assignedBy/resolvedBy/actor); when the
// x-governance-actor header is present the two must match.
func (g Gate) Authorize(r *http.Request, bodyActor string) error {
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
	if role == "" {
		return httpx.Errf(http.StatusForbidden, "forbidden", "missing governance role")
	}
	if !g.allowAny && !g.roles[role] {
		return httpx.Errf(http.StatusForbidden, "forbidden", "role %q is not permitted", role)
	}
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" && actor != bodyActor {
		return httpx.Errf(http.StatusForbidden, "forbidden", "governance actor header does not match request actor")
	}
	return nil
}

// Default allow-sets per governance operation.
var (
	DefaultDisputeAssignRoles  = []string{"ops_admin", "ops_agent", "admin"}
	DefaultDisputeResolveRoles = []string{"ops_admin", "ops_lead", "admin"}
	DefaultUnfreezeRoles       = []string{"ops_admin", "admin"}
)
