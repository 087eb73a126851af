package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabled(t *testing.T) {
	handler := Middleware(&Config{Enabled: false})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddlewareRequiresVerification(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without verified header, got %d", w.Code)
	}
}

func TestMiddlewareBindsIdentity(t *testing.T) {
	var (
		operator string
		scopes   []string
	)
	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, _ = Operator(r.Context())
		scopes, _ = Scopes(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts/a-1/resolve", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Operator", "dr.osei")
	req.Header.Set("X-Scopes", `["alerts:write", "mitigations:apply"]`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if operator != "dr.osei" {
		t.Errorf("expected operator dr.osei, got %q", operator)
	}
	if len(scopes) != 2 || scopes[0] != ScopeAlertsWrite || scopes[1] != ScopeMitigationsApply {
		t.Errorf("unexpected scopes %v", scopes)
	}
}

func TestMiddlewareScopesCSVFallback(t *testing.T) {
	var scopes []string
	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scopes, _ = Scopes(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/results", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Scopes", "alerts:write, mitigations:apply")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(scopes) != 2 || scopes[0] != "alerts:write" || scopes[1] != "mitigations:apply" {
		t.Errorf("unexpected scopes %v", scopes)
	}
}

func TestMiddlewareMissingOperatorStillPasses(t *testing.T) {
	// Machine intake carries a verified gateway identity but no operator.
	var bound bool
	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, bound = Operator(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/records", nil)
	req.Header.Set("X-Auth-Verified", "true")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if bound {
		t.Error("expected no operator bound")
	}
}

func TestMiddlewareBypasses(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200 for %s bypass, got %d", path, w.Code)
		}
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		scope  string
		want   bool
	}{
		{"no scope list is unrestricted", nil, ScopeMitigationsApply, true},
		{"scope present", []string{ScopeAlertsWrite, ScopeMitigationsApply}, ScopeAlertsWrite, true},
		{"scope absent", []string{ScopeAlertsWrite}, ScopeMitigationsApply, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.scopes != nil {
				ctx = context.WithValue(ctx, ScopesKey, tt.scopes)
			}
			if got := HasScope(ctx, tt.scope); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.scopes, tt.scope, got, tt.want)
			}
		})
	}
}
