package profileauthz

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete engine configuration.
type Config struct {
	Version       int                `json:"version" yaml:"version"`
	Engine        EngineConfig       `json:"engine" yaml:"engine"`
	Roles         []RoleDefinition   `json:"roles" yaml:"roles"`
	Policies      []*Policy          `json:"policies" yaml:"policies"`
	Memberships   []RoleMembership   `json:"memberships,omitempty" yaml:"memberships,omitempty"`
	Relationships []RelationshipEdge `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// RoleMembership seeds an identity provider with a user's role.
type RoleMembership struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   RoleID `json:"role" yaml:"role"`
}

// RelationshipEdge seeds an identity provider with a requester/owner relationship.
type RelationshipEdge struct {
	UserID       string       `json:"user_id" yaml:"user_id"`
	OwnerID      string       `json:"owner_id" yaml:"owner_id"`
	Relationship Relationship `json:"relationship" yaml:"relationship"`
}

// EngineConfig holds the engine's tunables. Zero values take defaults.
type EngineConfig struct {
	CriticalPriority       int     `json:"critical_priority" yaml:"critical_priority"`
	RiskCeiling            int     `json:"risk_ceiling" yaml:"risk_ceiling"`
	NoPolicyRisk           int     `json:"no_policy_risk" yaml:"no_policy_risk"`
	ConditionErrorRisk     int     `json:"condition_error_risk" yaml:"condition_error_risk"`
	AnomalyThreshold       float64 `json:"anomaly_threshold" yaml:"anomaly_threshold"`
	AnomalyMinObservations int     `json:"anomaly_min_observations" yaml:"anomaly_min_observations"`
	AnomalyLongAlpha       float64 `json:"anomaly_long_alpha" yaml:"anomaly_long_alpha"`
	AnomalyShortAlpha      float64 `json:"anomaly_short_alpha" yaml:"anomaly_short_alpha"`
	AuditRetain            int     `json:"audit_retain" yaml:"audit_retain"`
	AuditFlushBatch        int     `json:"audit_flush_batch" yaml:"audit_flush_batch"`
	BatchWorkers           int     `json:"batch_workers" yaml:"batch_workers"`
	RegexCacheCounters     int64   `json:"regex_cache_counters" yaml:"regex_cache_counters"`
	RegexCacheMaxCost      int64   `json:"regex_cache_max_cost" yaml:"regex_cache_max_cost"`
	RegexCacheBuffer       int64   `json:"regex_cache_buffer" yaml:"regex_cache_buffer"`
}

// DefaultEngineConfig returns the stock thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CriticalPriority:       7,
		RiskCeiling:            90,
		NoPolicyRisk:           50,
		ConditionErrorRisk:     25,
		AnomalyThreshold:       70,
		AnomalyMinObservations: 10,
		AnomalyLongAlpha:       0.05,
		AnomalyShortAlpha:      0.3,
		AuditFlushBatch:        256,
		BatchWorkers:           4,
		RegexCacheCounters:     10_000,
		RegexCacheMaxCost:      1_000,
		RegexCacheBuffer:       64,
	}
}

// merge overlays the non-zero fields of o onto c.
func (c EngineConfig) merge(o EngineConfig) EngineConfig {
	if o.CriticalPriority != 0 {
		c.CriticalPriority = o.CriticalPriority
	}
	if o.RiskCeiling != 0 {
		c.RiskCeiling = o.RiskCeiling
	}
	if o.NoPolicyRisk != 0 {
		c.NoPolicyRisk = o.NoPolicyRisk
	}
	if o.ConditionErrorRisk != 0 {
		c.ConditionErrorRisk = o.ConditionErrorRisk
	}
	if o.AnomalyThreshold != 0 {
		c.AnomalyThreshold = o.AnomalyThreshold
	}
	if o.AnomalyMinObservations != 0 {
		c.AnomalyMinObservations = o.AnomalyMinObservations
	}
	if o.AnomalyLongAlpha != 0 {
		c.AnomalyLongAlpha = o.AnomalyLongAlpha
	}
	if o.AnomalyShortAlpha != 0 {
		c.AnomalyShortAlpha = o.AnomalyShortAlpha
	}
	if o.AuditRetain != 0 {
		c.AuditRetain = o.AuditRetain
	}
	if o.AuditFlushBatch != 0 {
		c.AuditFlushBatch = o.AuditFlushBatch
	}
	if o.BatchWorkers != 0 {
		c.BatchWorkers = o.BatchWorkers
	}
	if o.RegexCacheCounters != 0 {
		c.RegexCacheCounters = o.RegexCacheCounters
	}
	if o.RegexCacheMaxCost != 0 {
		c.RegexCacheMaxCost = o.RegexCacheMaxCost
	}
	if o.RegexCacheBuffer != 0 {
		c.RegexCacheBuffer = o.RegexCacheBuffer
	}
	return c
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything but .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig overlays runtime thresholds, registers roles in inheritance order and
// upserts policies. The whole config is checked first; when any part is rejected nothing
// is committed. Anomaly, audit and cache sizing only take effect at NewEngine.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := e.apply(ctx, cfg, false, time.Time{}); err != nil {
		return err
	}
	return e.seedIdentity(ctx, cfg)
}

// apply stages cfg against a copy of the role registry and commits roles, policies and
// thresholds together under the engine write lock. With replace set the registry and
// store are reconciled to cfg: roles and policies it does not name are dropped, and
// generatedAt must not predate the last replacement.
func (e *Engine) apply(ctx context.Context, cfg *Config, replace bool, generatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c := cfg.Engine.RiskCeiling; c < 0 || c > 100 {
		return &ValidationError{Object: "engine", Field: "risk_ceiling", Reason: fmt.Sprintf("%d outside 0..100", c)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if replace && generatedAt.Before(e.bundleAt) {
		return fmt.Errorf("%w: generated %s, last applied %s", ErrStaleBundle,
			generatedAt.Format(time.RFC3339Nano), e.bundleAt.Format(time.RFC3339Nano))
	}

	roles := NewRoleRegistry()
	if !replace {
		roles = e.roles.clone()
	}
	for _, def := range OrderRoleDefinitions(cfg.Roles) {
		if err := roles.Register(def.ID, def); err != nil {
			return fmt.Errorf("register role %s: %w", def.ID, err)
		}
	}
	keep := make(map[string]bool, len(cfg.Policies))
	for _, p := range cfg.Policies {
		id := ""
		if p != nil {
			id = p.ID
		}
		if err := e.policies.Validate(p); err != nil {
			return fmt.Errorf("upsert policy %s: %w", id, err)
		}
		if keep[id] {
			return fmt.Errorf("upsert policy %s: %w", id, &ValidationError{Object: "policy", ID: id, Field: "id", Reason: "duplicate policy id"})
		}
		keep[id] = true
	}
	for _, m := range cfg.Memberships {
		if !m.Role.Valid() {
			return fmt.Errorf("seed membership %s: %w", m.UserID, &ValidationError{Object: "membership", ID: m.UserID, Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)})
		}
	}
	for _, r := range cfg.Relationships {
		if !r.Relationship.Valid() {
			return fmt.Errorf("seed relationship %s->%s: %w", r.UserID, r.OwnerID, &ValidationError{Object: "relationship", ID: r.UserID, Field: "relationship", Reason: fmt.Sprintf("unknown relationship %q", r.Relationship)})
		}
	}

	e.roles.replace(roles)
	if replace {
		for _, id := range e.policies.ids() {
			if !keep[id] {
				_ = e.policies.Remove(id)
			}
		}
		e.bundleAt = generatedAt
	}
	for _, p := range cfg.Policies {
		if replace && e.policies.unchanged(p) {
			continue
		}
		if err := e.policies.Upsert(p); err != nil {
			return fmt.Errorf("upsert policy %s: %w", p.ID, err)
		}
	}
	e.cfg.Store(ptr(e.cfg.Load().merge(cfg.Engine)))
	return nil
}

func (e *Engine) seedIdentity(ctx context.Context, cfg *Config) error {
	seeder, ok := e.identity.(IdentitySeeder)
	if !ok {
		return nil
	}
	for _, m := range cfg.Memberships {
		if err := seeder.SetRole(ctx, m.UserID, m.Role); err != nil {
			return fmt.Errorf("seed membership %s: %w", m.UserID, err)
		}
	}
	for _, r := range cfg.Relationships {
		if err := seeder.SetRelationship(ctx, r.UserID, r.OwnerID, r.Relationship); err != nil {
			return fmt.Errorf("seed relationship %s->%s: %w", r.UserID, r.OwnerID, err)
		}
	}
	return nil
}

// ValidateConfig checks every role and policy in cfg against a scratch registry and store.
// All problems are returned, not just the first.
func ValidateConfig(cfg *Config) []error {
	var errs []error
	roles := NewRoleRegistry()
	for _, def := range OrderRoleDefinitions(cfg.Roles) {
		if err := roles.Register(def.ID, def); err != nil {
			errs = append(errs, fmt.Errorf("role %s: %w", def.ID, err))
		}
	}
	store := NewPolicyStore(nil, nil)
	seen := make(map[string]bool, len(cfg.Policies))
	for i, p := range cfg.Policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("policy[%d]: nil", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, &ValidationError{Object: "policy", ID: p.ID, Field: "id", Reason: "duplicate policy id"}))
			continue
		}
		seen[p.ID] = true
		if err := store.Validate(p); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
		}
	}
	for _, m := range cfg.Memberships {
		if !m.Role.Valid() {
			errs = append(errs, fmt.Errorf("membership %s: unknown role %q", m.UserID, m.Role))
		}
	}
	for _, r := range cfg.Relationships {
		if !r.Relationship.Valid() {
			errs = append(errs, fmt.Errorf("relationship %s->%s: unknown relationship %q", r.UserID, r.OwnerID, r.Relationship))
		}
	}
	return errs
}

func ptr[T any](v T) *T { return &v }
