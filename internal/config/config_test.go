package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "equilens.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Monitor.Interval != 24*time.Hour {
		t.Errorf("monitor.interval = %v, want 24h", cfg.Monitor.Interval)
	}
	if cfg.Evaluate.Workers != 4 {
		t.Errorf("evaluate.workers = %d, want 4", cfg.Evaluate.Workers)
	}
	if !cfg.Privacy.Enabled || cfg.Privacy.Mode != "detect" {
		t.Errorf("privacy = %+v, want enabled in detect mode", cfg.Privacy)
	}
	if cfg.Auth.Enabled || !cfg.Auth.RequireVerified {
		t.Errorf("auth = %+v, want disabled but verifying once enabled", cfg.Auth)
	}

	p, err := cfg.TolerancePolicy()
	if err != nil {
		t.Fatalf("TolerancePolicy error: %v", err)
	}
	if _, ok := p.Thresholds[api.FamilyParity]; !ok {
		t.Error("default policy lacks a parity threshold")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9005
store:
  backend: redis
  retention: 720h
schema:
  attributes:
    - name: sex
      values: ["F", "M"]
      reference: M
    - name: age_band
  intersections:
    - [sex, age_band]
  max_arity: 2
policy:
  version: 2.1.0
  name: strict
  escalation_factor: 1.4
  thresholds:
    parity:
      limit: 0.08
      ceiling: 0.2
    opportunity:
      limit: 0.03
fairness:
  bootstrap_samples: 500
monitor:
  interval: 1h
  window_span: 24h
  drift_p_value: 0.05
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != 9005 {
		t.Errorf("server.port = %d, want 9005", cfg.Server.Port)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Retention != 720*time.Hour {
		t.Errorf("store = %+v, want redis with 720h retention", cfg.Store)
	}

	schema := cfg.CohortSchema()
	if len(schema.Attributes) != 2 || schema.Attributes[0].Reference != "M" {
		t.Errorf("schema attributes = %+v", schema.Attributes)
	}
	if len(schema.Intersections) != 1 || len(schema.Intersections[0]) != 2 {
		t.Errorf("schema intersections = %+v", schema.Intersections)
	}

	p, err := cfg.TolerancePolicy()
	if err != nil {
		t.Fatalf("TolerancePolicy error: %v", err)
	}
	if p.Version != "2.1.0" || p.EscalationFactor != 1.4 {
		t.Errorf("policy = version %q factor %v", p.Version, p.EscalationFactor)
	}
	parity, ok := p.Thresholds[api.FamilyParity]
	if !ok || parity.Limit != 0.08 || parity.Ceiling != 0.2 {
		t.Errorf("parity threshold = %+v", parity)
	}
	if _, ok := p.Thresholds[api.FamilyOdds]; ok {
		t.Error("odds family should be unpoliced in this config")
	}

	if cfg.FairnessParams().BootstrapSamples != 500 {
		t.Errorf("bootstrap_samples = %d, want 500", cfg.FairnessParams().BootstrapSamples)
	}
	mc := cfg.MonitorConfig()
	if mc.Interval != time.Hour || mc.Drift.PValue != 0.05 {
		t.Errorf("monitor config = %+v", mc)
	}
}

func TestConfigPolicyPromotes(t *testing.T) {
	path := writeConfig(t, `
policy:
  version: 3.0.0
  thresholds:
    parity:
      limit: 0.05
      ceiling: 0.15
    opportunity:
      limit: 0.03
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p, err := cfg.TolerancePolicy()
	if err != nil {
		t.Fatalf("TolerancePolicy error: %v", err)
	}

	// The server wiring registers and promotes the config-built policy;
	// both must succeed for custom thresholds, not just the defaults.
	reg := policy.NewRegistry()
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Promote(p.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	active, err := reg.GetActive()
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != "3.0.0" || !active.Active {
		t.Errorf("active = %s (active=%v), want promoted 3.0.0", active.Version, active.Active)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "unknown backend",
			yaml:    "store:\n  backend: etcd\n",
			wantSub: "store.backend",
		},
		{
			name:    "postgres without url",
			yaml:    "store:\n  backend: postgres\n",
			wantSub: "database.url",
		},
		{
			name:    "bad logger level",
			yaml:    "logger:\n  level: loud\n",
			wantSub: "logger.level",
		},
		{
			name:    "unknown policy family",
			yaml:    "policy:\n  thresholds:\n    auc:\n      limit: 0.1\n",
			wantSub: "auc",
		},
		{
			name:    "drift p value out of range",
			yaml:    "monitor:\n  drift_p_value: 2.0\n",
			wantSub: "monitor",
		},
		{
			name:    "zero workers",
			yaml:    "evaluate:\n  workers: 0\n",
			wantSub: "workers",
		},
		{
			name:    "window shorter than interval",
			yaml:    "monitor:\n  interval: 24h\n  window_span: 1h\n",
			wantSub: "window span",
		},
		{
			name:    "bad privacy mode",
			yaml:    "privacy:\n  mode: redact\n",
			wantSub: "privacy.mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load accepted a missing explicit config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EQUILENS_SERVER_PORT", "9999")
	t.Setenv("EQUILENS_STORE_BACKEND", "redis")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("server.port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("store.backend = %q, want env override redis", cfg.Store.Backend)
	}
}

func TestNewLoaderReturnsValidatedConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\n")
	loader, cfg, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	if loader == nil || cfg.Server.Port != 9100 {
		t.Errorf("loader config port = %d, want 9100", cfg.Server.Port)
	}
}
