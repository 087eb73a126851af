// Package policy holds the declarative tolerance policy: per-family
// disparity thresholds with hard ceilings, versioned in a registry so config
// reloads promote a new version instead of mutating the active one.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

// Threshold bounds the absolute metric value for one family. Limit is the
// warning threshold; Ceiling (0 = unset) forces critical regardless of the
// escalation factor.
type Threshold struct {
	Limit   float64 `json:"limit"`
	Ceiling float64 `json:"ceiling,omitempty"`
}

// Policy is one version of the tolerance policy.
type Policy struct {
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`

	// Active marks the currently promoted version. The registry owns
	// this flag; builders leave it unset.
	Active bool `json:"active"`

	// Thresholds is keyed by metric family. A family absent from the map
	// is unpoliced: significant disparities surface as informational
	// alerts capped at warning severity.
	Thresholds map[api.MetricFamily]Threshold `json:"thresholds"`

	// EscalationFactor scales Limit to the critical boundary.
	EscalationFactor float64 `json:"escalation_factor"`

	Flags map[string]bool `json:"flags,omitempty"`

	Signature string `json:"signature,omitempty"`
	SignedBy  string `json:"signed_by,omitempty"`
}

// ValidationError reports which policy field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy validation error [%s]: %s", e.Field, e.Message)
}

// Validate checks the policy before registration.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	if p.EscalationFactor < 1 {
		return &ValidationError{Field: "escalation_factor", Message: "must be at least 1.0"}
	}
	for family, th := range p.Thresholds {
		if !family.Valid() {
			return &ValidationError{
				Field:   "thresholds",
				Message: fmt.Sprintf("unknown metric family %q", family),
			}
		}
		if th.Limit <= 0 || th.Limit > 1 {
			return &ValidationError{
				Field:   fmt.Sprintf("thresholds.%s.limit", family),
				Message: "must be in (0, 1]",
			}
		}
		if th.Ceiling != 0 && th.Ceiling < th.Limit {
			return &ValidationError{
				Field:   fmt.Sprintf("thresholds.%s.ceiling", family),
				Message: "ceiling cannot sit below the limit",
			}
		}
	}
	if p.Flags != nil {
		if val, ok := p.Flags["disable_audit"]; ok && val {
			return &ValidationError{Field: "flags.disable_audit", Message: "disabling the audit trail is forbidden"}
		}
	}
	return nil
}

// Threshold returns the tolerance for a family, reporting whether the
// family is policed at all.
func (p *Policy) Threshold(family api.MetricFamily) (Threshold, bool) {
	th, ok := p.Thresholds[family]
	return th, ok
}

// Hash computes a stable digest of the policy for lineage tracking,
// excluding signature fields.
func (p *Policy) Hash() (string, error) {
	families := make([]string, 0, len(p.Thresholds))
	for f := range p.Thresholds {
		families = append(families, string(f))
	}
	sort.Strings(families)

	canonical := map[string]interface{}{
		"version":           p.Version,
		"escalation_factor": p.EscalationFactor,
	}
	for _, f := range families {
		th := p.Thresholds[api.MetricFamily(f)]
		canonical["threshold_"+f] = []float64{th.Limit, th.Ceiling}
	}

	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy for hashing: %w", err)
	}
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

// Registry manages versioned tolerance policies. Reads and promotions are
// safe under concurrent config reloads.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	active   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register adds a policy after validation. Versions are immutable: a
// version already present cannot be replaced.
func (r *Registry) Register(p *Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.Version]; exists {
		return fmt.Errorf("policy version %s already exists", p.Version)
	}
	r.policies[p.Version] = p
	return nil
}

// Promote makes a registered policy version the active one, flipping the
// Active flag off the previously promoted version.
func (r *Registry) Promote(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.policies[version]
	if !exists {
		return fmt.Errorf("policy version %s not found", version)
	}
	if prev, ok := r.policies[r.active]; ok && r.active != version {
		prev.Active = false
	}
	p.Active = true
	r.active = version
	return nil
}

// GetActive returns the currently promoted policy.
func (r *Registry) GetActive() (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, fmt.Errorf("no active policy")
	}
	p, exists := r.policies[r.active]
	if !exists {
		return nil, fmt.Errorf("active policy %s not found", r.active)
	}
	return p, nil
}

// Get retrieves a policy by version.
func (r *Registry) Get(version string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.policies[version]
	if !exists {
		return nil, fmt.Errorf("policy version %s not found", version)
	}
	return p, nil
}

// ListVersions returns all registered versions.
func (r *Registry) ListVersions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.policies))
	for v := range r.policies {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// DefaultPolicy returns the standard tolerance policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:     "1.0.0",
		Name:        "default",
		Description: "Default disparity tolerances",
		CreatedAt:   time.Now(),
		Thresholds: map[api.MetricFamily]Threshold{
			api.FamilyParity:      {Limit: 0.05, Ceiling: 0.15},
			api.FamilyOpportunity: {Limit: 0.03, Ceiling: 0.10},
			api.FamilyOdds:        {Limit: 0.03, Ceiling: 0.10},
			api.FamilyCalibration: {Limit: 0.05, Ceiling: 0.15},
		},
		EscalationFactor: 1.5,
		Flags:            make(map[string]bool),
	}
}
