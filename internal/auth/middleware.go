// Package auth binds the gateway-verified request identity to the
// request context. The engine never checks credentials itself: an
// authenticating gateway (Envoy, NGINX) terminates the session and
// forwards the verified identity in headers, and this middleware
// refuses requests that skipped it. The bound operator becomes the
// actor on audit entries for alert and mitigation endpoints.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	OperatorKey contextKey = "operator"
	ScopesKey   contextKey = "scopes"
)

// Scopes enforced on the mutating surfaces. A request whose identity
// carries no scope list passes every check; a forwarded list is
// enforced as-is.
const (
	ScopeAlertsWrite      = "alerts:write"
	ScopeMitigationsApply = "mitigations:apply"
	ScopeMonitorWrite     = "monitor:write"
)

// Config holds the identity middleware configuration.
type Config struct {
	Enabled          bool
	RequireVerified  bool   // refuse requests without the verified header
	OperatorHeader   string // default "X-Operator"
	ScopesHeader     string // default "X-Scopes"
	VerifiedHeader   string // default "X-Auth-Verified"
	BypassForHealth  bool
	BypassForMetrics bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		OperatorHeader:   "X-Operator",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware validates the gateway identity headers and binds the
// operator and scopes to the context. The operator header is optional:
// machine intake from the scoring pipeline carries no operator, while
// console actions do, and the handlers attribute audit entries to it.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified && r.Header.Get(config.VerifiedHeader) != "true" {
				unauthorized(w, "identity not verified at gateway")
				return
			}

			ctx := r.Context()
			if operator := r.Header.Get(config.OperatorHeader); operator != "" {
				ctx = context.WithValue(ctx, OperatorKey, operator)
			}
			if scopes := parseScopes(r.Header.Get(config.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		scopes = strings.Split(raw, ",")
		for i := range scopes {
			scopes[i] = strings.TrimSpace(scopes[i])
		}
	}
	return scopes
}

// Operator returns the gateway-bound operator identity.
func Operator(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(OperatorKey).(string)
	return operator, ok
}

// Scopes returns the gateway-bound scope list.
func Scopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	return scopes, ok
}

// HasScope reports whether the request may use the named scope. An
// identity without a scope list is unrestricted; only a forwarded list
// narrows what the request may do.
func HasScope(ctx context.Context, scope string) bool {
	scopes, ok := Scopes(ctx)
	if !ok || len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
