// Package config loads the engine configuration from a YAML file plus
// EQUILENS_-prefixed environment overrides, and turns the declarative
// sections into the domain objects the components consume. A watched
// config file swaps the tolerance policy and cohort declarations without
// restarting the monitoring loop; a reload that fails validation keeps
// the previous configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/internal/fairness"
	"github.com/halcyon-health/equilens/internal/monitor"
	"github.com/halcyon-health/equilens/internal/policy"
)

// Config is the root configuration for the whole engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	WAL      WALConfig      `mapstructure:"wal"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Schema   SchemaConfig   `mapstructure:"schema"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Fairness FairnessConfig `mapstructure:"fairness"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Evaluate EvaluateConfig `mapstructure:"evaluate"`
	Privacy  PrivacyConfig  `mapstructure:"privacy"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Otel     OtelConfig     `mapstructure:"otel"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is requests per second per source on the intake
	// endpoints; RateBurst is the token bucket depth.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// AuthConfig governs the gateway identity contract on the API. The
// gateway terminates credentials; when enabled the engine refuses
// requests that skipped it and binds the forwarded operator and scopes.
type AuthConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequireVerified bool `mapstructure:"require_verified"`
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the result/history backend.
type StoreConfig struct {
	// Backend is memory, redis, or postgres.
	Backend   string        `mapstructure:"backend"`
	Retention time.Duration `mapstructure:"retention"`
}

// WALConfig locates the intake write-ahead log.
type WALConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuditConfig locates the audit chain and its optional Postgres mirror.
type AuditConfig struct {
	Dir    string `mapstructure:"dir"`
	Mirror bool   `mapstructure:"mirror"`
}

// AttributeConfig declares one protected attribute.
type AttributeConfig struct {
	Name      string   `mapstructure:"name"`
	Values    []string `mapstructure:"values"`
	Reference string   `mapstructure:"reference"`
}

// SchemaConfig declares the protected-attribute space.
type SchemaConfig struct {
	Attributes    []AttributeConfig `mapstructure:"attributes"`
	Intersections [][]string        `mapstructure:"intersections"`
	MaxArity      int               `mapstructure:"max_arity"`
	CacheSize     int               `mapstructure:"cache_size"`
}

// ThresholdConfig bounds one metric family.
type ThresholdConfig struct {
	Limit   float64 `mapstructure:"limit"`
	Ceiling float64 `mapstructure:"ceiling"`
}

// PolicyConfig declares the tolerance policy promoted on load.
type PolicyConfig struct {
	Version          string                     `mapstructure:"version"`
	Name             string                     `mapstructure:"name"`
	Description      string                     `mapstructure:"description"`
	EscalationFactor float64                    `mapstructure:"escalation_factor"`
	Thresholds       map[string]ThresholdConfig `mapstructure:"thresholds"`
	Flags            map[string]bool            `mapstructure:"flags"`
}

// FairnessConfig sets the metric engine parameters.
type FairnessConfig struct {
	MinSampleSize     int     `mapstructure:"min_sample_size"`
	CompletenessFloor float64 `mapstructure:"completeness_floor"`
	BootstrapSamples  int     `mapstructure:"bootstrap_samples"`
	CalibrationBins   int     `mapstructure:"calibration_bins"`
	Seed              int64   `mapstructure:"seed"`
}

// MonitorConfig sets the continuous monitoring loop.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	WindowSpan      time.Duration `mapstructure:"window_span"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	DriftPValue     float64       `mapstructure:"drift_p_value"`
	DriftMinSamples int           `mapstructure:"drift_min_samples"`
}

// EvaluateConfig sets the evaluation fan-out.
type EvaluateConfig struct {
	Workers int `mapstructure:"workers"`
}

// PrivacyConfig sets the intake identifier screen. Mode is detect
// (report only) or block.
type PrivacyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    string `mapstructure:"mode"`
}

// LoggerConfig configures zap.
type LoggerConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`
	// Format is json or console.
	Format string `mapstructure:"format"`
}

// OtelConfig configures trace export.
type OtelConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("auth.require_verified", true)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.retention", 90*24*time.Hour)

	v.SetDefault("wal.dir", "data/wal")
	v.SetDefault("audit.dir", "data/audit")

	v.SetDefault("schema.max_arity", cohort.DefaultMaxArity)
	v.SetDefault("schema.cache_size", 128)

	v.SetDefault("policy.version", "1.0.0")
	v.SetDefault("policy.name", "default")
	v.SetDefault("policy.escalation_factor", 1.5)

	v.SetDefault("fairness.min_sample_size", 30)
	v.SetDefault("fairness.completeness_floor", 0.50)
	v.SetDefault("fairness.bootstrap_samples", 1000)
	v.SetDefault("fairness.calibration_bins", 10)

	v.SetDefault("monitor.interval", 24*time.Hour)
	v.SetDefault("monitor.window_span", 7*24*time.Hour)
	v.SetDefault("monitor.history_limit", 100)
	v.SetDefault("monitor.drift_p_value", 0.01)
	v.SetDefault("monitor.drift_min_samples", 30)

	v.SetDefault("evaluate.workers", 4)

	v.SetDefault("privacy.enabled", true)
	v.SetDefault("privacy.mode", "detect")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.sample_ratio", 1.0)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("equilens")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/equilens")
	}

	v.SetEnvPrefix("EQUILENS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return v
}

func read(v *viper.Viper, pathExplicit bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without an explicit path, env and defaults alone are a valid
		// deployment; an explicit path must exist.
		if pathExplicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration once. An empty path searches the standard
// locations and falls back to env plus defaults.
func Load(path string) (*Config, error) {
	return read(newViper(path), path != "")
}

// Validate builds every domain object the config declares, surfacing the
// first construction error.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend must be memory, redis, or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required for the postgres backend")
	}
	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level must be debug, info, warn, or error, got %q", c.Logger.Level)
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format)
	}
	switch c.Privacy.Mode {
	case "", "detect", "block":
	default:
		return fmt.Errorf("privacy.mode must be detect or block, got %q", c.Privacy.Mode)
	}
	if c.Evaluate.Workers < 1 {
		return fmt.Errorf("evaluate.workers must be positive, got %d", c.Evaluate.Workers)
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("server rate limit %.1f burst %d must be positive", c.Server.RateLimit, c.Server.RateBurst)
	}

	if len(c.Schema.Attributes) > 0 {
		if err := c.CohortSchema().Validate(); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	if _, err := c.TolerancePolicy(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.FairnessParams().Validate(); err != nil {
		return fmt.Errorf("fairness: %w", err)
	}
	if err := c.MonitorConfig().Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// CohortSchema builds the declared protected-attribute schema.
func (c *Config) CohortSchema() cohort.Schema {
	attrs := make([]cohort.Attribute, 0, len(c.Schema.Attributes))
	for _, a := range c.Schema.Attributes {
		attrs = append(attrs, cohort.Attribute{
			Name:      a.Name,
			Values:    a.Values,
			Reference: a.Reference,
		})
	}
	return cohort.Schema{
		Attributes:    attrs,
		Intersections: c.Schema.Intersections,
		MaxArity:      c.Schema.MaxArity,
	}
}

// TolerancePolicy builds and validates the declared policy version.
func (c *Config) TolerancePolicy() (*policy.Policy, error) {
	thresholds := make(map[api.MetricFamily]policy.Threshold, len(c.Policy.Thresholds))
	for name, t := range c.Policy.Thresholds {
		family := api.MetricFamily(name)
		if !family.Valid() {
			return nil, fmt.Errorf("unknown metric family %q in policy thresholds", name)
		}
		thresholds[family] = policy.Threshold{Limit: t.Limit, Ceiling: t.Ceiling}
	}
	if len(thresholds) == 0 {
		return policy.DefaultPolicy(), nil
	}

	p := &policy.Policy{
		Version:          c.Policy.Version,
		Name:             c.Policy.Name,
		Description:      c.Policy.Description,
		CreatedAt:        time.Now().UTC(),
		Thresholds:       thresholds,
		EscalationFactor: c.Policy.EscalationFactor,
		Flags:            c.Policy.Flags,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FairnessParams builds the metric engine parameters.
func (c *Config) FairnessParams() fairness.Params {
	return fairness.Params{
		MinSampleSize:     c.Fairness.MinSampleSize,
		CompletenessFloor: c.Fairness.CompletenessFloor,
		BootstrapSamples:  c.Fairness.BootstrapSamples,
		CalibrationBins:   c.Fairness.CalibrationBins,
		Seed:              c.Fairness.Seed,
	}
}

// MonitorConfig builds the continuous monitoring configuration.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:     c.Monitor.Interval,
		WindowSpan:   c.Monitor.WindowSpan,
		HistoryLimit: c.Monitor.HistoryLimit,
		Drift: monitor.DriftParams{
			PValue:     c.Monitor.DriftPValue,
			MinSamples: c.Monitor.DriftMinSamples,
		},
	}
}

// Loader owns a watched configuration file.
type Loader struct {
	v            *viper.Viper
	pathExplicit bool
	logger       *zap.Logger
}

// NewLoader loads the configuration and keeps the viper instance for
// watching. The returned config is the validated initial state.
func NewLoader(path string, logger *zap.Logger) (*Loader, *Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	cfg, err := read(v, path != "")
	if err != nil {
		return nil, nil, err
	}
	return &Loader{v: v, pathExplicit: path != "", logger: logger}, cfg, nil
}

// Watch re-reads the file on change and hands every validated new config
// to onChange. Invalid reloads are logged and dropped, keeping the
// previous configuration live.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			l.logger.Error("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := cfg.Validate(); err != nil {
			l.logger.Error("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.logger.Info("config reloaded", zap.String("file", e.Name))
		onChange(&cfg)
	})
	l.v.WatchConfig()
}
