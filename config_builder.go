package profileauthz

import "errors"

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:  1,
			Roles:    []RoleDefinition{},
			Policies: []*Policy{},
		},
	}
}

func (b *ConfigBuilder) Version(v int) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddRole(def RoleDefinition) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, def)
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) AddMembership(userID string, role RoleID) *ConfigBuilder {
	b.cfg.Memberships = append(b.cfg.Memberships, RoleMembership{UserID: userID, Role: role})
	return b
}

func (b *ConfigBuilder) AddRelationship(userID, ownerID string, rel Relationship) *ConfigBuilder {
	b.cfg.Relationships = append(b.cfg.Relationships, RelationshipEdge{UserID: userID, OwnerID: ownerID, Relationship: rel})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

// Build returns the config and every validation problem joined into one error.
func (b *ConfigBuilder) Build() (*Config, error) {
	return b.cfg, errors.Join(ValidateConfig(b.cfg)...)
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
