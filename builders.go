package profileauthz

import "time"

// Builders provide a fluent API for creating Policies, Roles and Conditions

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder(id string) *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{ID: id, Name: id, Type: PolicyAccess, Active: true}}
}

func (b *PolicyBuilder) Name(n string) *PolicyBuilder         { b.p.Name = n; return b }
func (b *PolicyBuilder) Type(t PolicyType) *PolicyBuilder     { b.p.Type = t; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder        { b.p.Priority = p; return b }
func (b *PolicyBuilder) Active(active bool) *PolicyBuilder    { b.p.Active = active; return b }
func (b *PolicyBuilder) RiskLevel(r RiskLevel) *PolicyBuilder { b.p.Metadata.RiskLevel = r; return b }
func (b *PolicyBuilder) Resources(r ...string) *PolicyBuilder {
	b.p.Resources = append(b.p.Resources, r...)
	return b
}
func (b *PolicyBuilder) Permissions(p ...Permission) *PolicyBuilder {
	b.p.Permissions = append(b.p.Permissions, p...)
	return b
}
func (b *PolicyBuilder) When(c ...Condition) *PolicyBuilder {
	b.p.Conditions = append(b.p.Conditions, c...)
	return b
}
func (b *PolicyBuilder) Grant(p ...Permission) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionGrant, Permissions: p})
	return b
}

// GrantFor adds a grant that expires after d and optionally needs revalidation.
func (b *PolicyBuilder) GrantFor(d time.Duration, revalidate bool, p ...Permission) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionGrant, Permissions: p, ValidFor: d, Revalidate: revalidate})
	return b
}
func (b *PolicyBuilder) Deny(p ...Permission) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionDeny, Permissions: p})
	return b
}
func (b *PolicyBuilder) RequireApproval(requirement string, p ...Permission) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionRequireApproval, Permissions: p, Requirement: requirement})
	return b
}
func (b *PolicyBuilder) Escalate(requirement string, p ...Permission) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionEscalate, Permissions: p, Requirement: requirement})
	return b
}
func (b *PolicyBuilder) Audit() *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionAudit})
	return b
}
func (b *PolicyBuilder) Notify(targets ...string) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, Action{Type: ActionNotify, Targets: targets})
	return b
}
func (b *PolicyBuilder) Except(ex Exception) *PolicyBuilder {
	b.p.Exceptions = append(b.p.Exceptions, ex)
	return b
}
func (b *PolicyBuilder) ComplianceTags(tags ...string) *PolicyBuilder {
	b.p.Metadata.ComplianceTags = append(b.p.Metadata.ComplianceTags, tags...)
	return b
}
func (b *PolicyBuilder) Build() *Policy { return b.p }

// RoleBuilder builds a RoleDefinition
type RoleBuilder struct {
	r RoleDefinition
}

func NewRoleBuilder(id RoleID) *RoleBuilder {
	return &RoleBuilder{r: RoleDefinition{ID: id}}
}

func (b *RoleBuilder) Permissions(p ...Permission) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, p...)
	return b
}
func (b *RoleBuilder) Restrict(p ...Permission) *RoleBuilder {
	b.r.Restricted = append(b.r.Restricted, p...)
	return b
}
func (b *RoleBuilder) Inherits(ids ...RoleID) *RoleBuilder {
	b.r.Inherits = append(b.r.Inherits, ids...)
	return b
}
func (b *RoleBuilder) Conditional(p Permission, validFor time.Duration, conds ...Condition) *RoleBuilder {
	b.r.Conditional = append(b.r.Conditional, ConditionalPermission{Permission: p, Conditions: conds, ValidFor: validFor})
	return b
}
func (b *RoleBuilder) Field(rule FieldAccessRule) *RoleBuilder {
	if b.r.Fields == nil {
		b.r.Fields = make(map[string]FieldAccessRule)
	}
	b.r.Fields[rule.Field] = rule
	return b
}
func (b *RoleBuilder) Build() RoleDefinition { return b.r }

// Condition shorthands.

func RoleIs(roles ...RoleID) Condition {
	if len(roles) == 1 {
		return Condition{Kind: ConditionRole, Operator: OpEquals, Value: string(roles[0])}
	}
	vals := make([]any, len(roles))
	for i, r := range roles {
		vals[i] = string(r)
	}
	return Condition{Kind: ConditionRole, Operator: OpContains, Value: vals}
}

func Attr(path string, op Operator, value any) Condition {
	return Condition{Kind: ConditionAttribute, Field: path, Operator: op, Value: value}
}

// RelationshipAtLeast holds when the requester is at least as close as rel.
func RelationshipAtLeast(rel Relationship) Condition {
	return Condition{Kind: ConditionRelationship, Value: string(rel)}
}

func RelationshipNot(rel Relationship) Condition {
	return Condition{Kind: ConditionRelationship, Operator: OpNotEquals, Value: string(rel)}
}

// HoursBetween holds for start <= hour < end in tz; ranges wrap past midnight.
func HoursBetween(start, end int, tz string) Condition {
	return Condition{Kind: ConditionTime, Field: "hour", Operator: OpInRange, Value: []any{start, end}, Timezone: tz}
}

// FromNetworks holds when the request IP is in one of the CIDRs or IPs.
func FromNetworks(cidrs ...string) Condition {
	vals := make([]any, len(cidrs))
	for i, c := range cidrs {
		vals[i] = c
	}
	return Condition{Kind: ConditionLocation, Field: "ip", Operator: OpContains, Value: vals}
}

func Security(field string, op Operator, value any) Condition {
	return Condition{Kind: ConditionSecurity, Field: field, Operator: op, Value: value}
}

func Custom(name string, value any) Condition {
	return Condition{Kind: ConditionCustom, Field: name, Value: value}
}

// Not negates c.
func Not(c Condition) Condition {
	c.Negated = !c.Negated
	return c
}
