package profileauthz

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// PERMISSIONS
// ============================================================================

// Permission is one of the closed set of profile permissions.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionEdit     Permission = "edit"
	PermissionDelete   Permission = "delete"
	PermissionAdmin    Permission = "admin"
	PermissionModerate Permission = "moderate"
	PermissionExport   Permission = "export"
	PermissionAudit    Permission = "audit"
)

// AllPermissions lists the closed permission set in bit order.
var AllPermissions = []Permission{
	PermissionRead,
	PermissionEdit,
	PermissionDelete,
	PermissionAdmin,
	PermissionModerate,
	PermissionExport,
	PermissionAudit,
}

func (p Permission) bit() PermissionSet {
	for i, ap := range AllPermissions {
		if ap == p {
			return 1 << i
		}
	}
	return 0
}

// Valid reports whether p belongs to the closed permission set.
func (p Permission) Valid() bool { return p.bit() != 0 }

// PermissionSet is a bitset over AllPermissions. The zero value is the empty set.
type PermissionSet uint8

func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s |= p.bit()
	}
	return s
}

func (s PermissionSet) Has(p Permission) bool {
	b := p.bit()
	return b != 0 && s&b != 0
}

func (s PermissionSet) Add(p Permission) PermissionSet    { return s | p.bit() }
func (s PermissionSet) Remove(p Permission) PermissionSet { return s &^ p.bit() }
func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	return s | o
}
func (s PermissionSet) Minus(o PermissionSet) PermissionSet { return s &^ o }
func (s PermissionSet) Intersects(o PermissionSet) bool     { return s&o != 0 }
func (s PermissionSet) IsEmpty() bool                       { return s == 0 }

func (s PermissionSet) Len() int {
	n := 0
	for _, p := range AllPermissions {
		if s.Has(p) {
			n++
		}
	}
	return n
}

// Slice returns the members in AllPermissions order.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, s.Len())
	for _, p := range AllPermissions {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PermissionSet) String() string {
	parts := make([]string, 0, 7)
	for _, p := range s.Slice() {
		parts = append(parts, string(p))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	return s.fromSlice(perms)
}

func (s PermissionSet) MarshalYAML() (any, error) {
	return s.Slice(), nil
}

func (s *PermissionSet) UnmarshalYAML(node *yaml.Node) error {
	var perms []Permission
	if err := node.Decode(&perms); err != nil {
		return err
	}
	return s.fromSlice(perms)
}

func (s *PermissionSet) fromSlice(perms []Permission) error {
	var out PermissionSet
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("unknown permission %q", p)
		}
		out = out.Add(p)
	}
	*s = out
	return nil
}

// ============================================================================
// ROLES & RELATIONSHIPS
// ============================================================================

// RoleID identifies a role from the closed role enumeration.
type RoleID string

const (
	RoleGuest        RoleID = "guest"
	RoleUser         RoleID = "user"
	RoleVerifiedUser RoleID = "verified_user"
	RoleModerator    RoleID = "moderator"
	RoleAdmin        RoleID = "admin"
	RoleSuperadmin   RoleID = "superadmin"
)

// AllRoles lists the closed role enumeration from least to most privileged.
var AllRoles = []RoleID{RoleGuest, RoleUser, RoleVerifiedUser, RoleModerator, RoleAdmin, RoleSuperadmin}

func (r RoleID) Valid() bool {
	for _, ar := range AllRoles {
		if ar == r {
			return true
		}
	}
	return false
}

// ConditionalPermission is granted by a role only while its conditions hold.
type ConditionalPermission struct {
	Permission Permission    `json:"permission" yaml:"permission" validate:"required"`
	Conditions []Condition   `json:"conditions" yaml:"conditions" validate:"dive"`
	ValidFor   time.Duration `json:"valid_for,omitempty" yaml:"valid_for,omitempty"`
	Revalidate bool          `json:"revalidate,omitempty" yaml:"revalidate,omitempty"`
}

// RoleDefinition describes a role's permissions, restrictions, parents and field rules.
type RoleDefinition struct {
	ID          RoleID                     `json:"id" yaml:"id" validate:"required"`
	Permissions []Permission               `json:"permissions" yaml:"permissions"`
	Restricted  []Permission               `json:"restricted,omitempty" yaml:"restricted,omitempty"`
	Inherits    []RoleID                   `json:"inherits,omitempty" yaml:"inherits,omitempty"`
	Conditional []ConditionalPermission    `json:"conditional,omitempty" yaml:"conditional,omitempty" validate:"dive"`
	Fields      map[string]FieldAccessRule `json:"fields,omitempty" yaml:"fields,omitempty" validate:"dive"`
}

// Relationship between the requester and the profile owner.
type Relationship string

const (
	RelationshipSelf       Relationship = "self"
	RelationshipFriend     Relationship = "friend"
	RelationshipConnection Relationship = "connection"
	RelationshipStranger   Relationship = "stranger"
)

// Strength orders relationships self > friend > connection > stranger. Unknown is 0.
func (r Relationship) Strength() int {
	switch r {
	case RelationshipSelf:
		return 4
	case RelationshipFriend:
		return 3
	case RelationshipConnection:
		return 2
	case RelationshipStranger:
		return 1
	}
	return 0
}

func (r Relationship) Valid() bool { return r.Strength() > 0 }

// ============================================================================
// CONDITIONS
// ============================================================================

// ConditionKind selects the evaluation strategy of a condition.
type ConditionKind string

const (
	ConditionRole         ConditionKind = "role"
	ConditionAttribute    ConditionKind = "attribute"
	ConditionTime         ConditionKind = "time"
	ConditionLocation     ConditionKind = "location"
	ConditionRelationship ConditionKind = "relationship"
	ConditionSecurity     ConditionKind = "security"
	ConditionCustom       ConditionKind = "custom"
)

// Operator compares a resolved value with the condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
	OpRegex       Operator = "regex"
)

// Condition is a typed predicate over an AccessContext.
type Condition struct {
	Kind     ConditionKind `json:"kind" yaml:"kind" validate:"required,oneof=role attribute time location relationship security custom"`
	Field    string        `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator      `json:"operator,omitempty" yaml:"operator,omitempty" validate:"omitempty,oneof=equals not_equals contains greater_than less_than in_range regex"`
	Value    any           `json:"value,omitempty" yaml:"value,omitempty"`
	Negated  bool          `json:"negated,omitempty" yaml:"negated,omitempty"`
	Timezone string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

func (c Condition) String() string {
	op := string(c.Operator)
	if op == "" {
		op = "default"
	}
	s := fmt.Sprintf("%s(%s %s %v)", c.Kind, c.Field, op, c.Value)
	if c.Negated {
		return "NOT " + s
	}
	return s
}

// ============================================================================
// POLICIES
// ============================================================================

// PolicyType classifies a policy.
type PolicyType string

const (
	PolicyAccess         PolicyType = "access"
	PolicyDataProtection PolicyType = "data_protection"
	PolicyCompliance     PolicyType = "compliance"
	PolicySecurity       PolicyType = "security"
	PolicyDelegation     PolicyType = "delegation"
	PolicyEmergency      PolicyType = "emergency"
)

// ActionType is what a policy does once its conditions pass.
type ActionType string

const (
	ActionGrant           ActionType = "grant"
	ActionDeny            ActionType = "deny"
	ActionRequireApproval ActionType = "require_approval"
	ActionEscalate        ActionType = "escalate"
	ActionAudit           ActionType = "audit"
	ActionNotify          ActionType = "notify"
)

// RiskLevel categorizes policies and deviations.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is one step of a policy. An empty Permissions list applies to every permission.
type Action struct {
	Type        ActionType    `json:"type" yaml:"type" validate:"required,oneof=grant deny require_approval escalate audit notify"`
	Permissions []Permission  `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Requirement string        `json:"requirement,omitempty" yaml:"requirement,omitempty"`
	Fallback    Outcome       `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Targets     []string      `json:"targets,omitempty" yaml:"targets,omitempty"`
	ValidFor    time.Duration `json:"valid_for,omitempty" yaml:"valid_for,omitempty"`
	Revalidate  bool          `json:"revalidate,omitempty" yaml:"revalidate,omitempty"`
}

func (a Action) covers(p Permission) bool {
	if len(a.Permissions) == 0 {
		return true
	}
	for _, ap := range a.Permissions {
		if ap == p {
			return true
		}
	}
	return false
}

// Exception exempts matching users or roles from a policy inside [From, Until).
type Exception struct {
	ID      string    `json:"id" yaml:"id"`
	Reason  string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	UserIDs []string  `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	Roles   []RoleID  `json:"roles,omitempty" yaml:"roles,omitempty"`
	From    time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	Until   time.Time `json:"until,omitempty" yaml:"until,omitempty"`
}

// Applies reports whether the exception is active for ac at time now.
func (e Exception) Applies(ac *AccessContext, now time.Time) bool {
	if !e.From.IsZero() && now.Before(e.From) {
		return false
	}
	if !e.Until.IsZero() && !now.Before(e.Until) {
		return false
	}
	for _, u := range e.UserIDs {
		if u == ac.UserID {
			return true
		}
	}
	for _, r := range e.Roles {
		if r == ac.Role {
			return true
		}
	}
	return false
}

// PolicyMetadata carries compliance tags and the declared risk level.
type PolicyMetadata struct {
	ComplianceTags []string  `json:"compliance_tags,omitempty" yaml:"compliance_tags,omitempty"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty" yaml:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

// Policy is a prioritized rule mapping AND-combined conditions to actions.
type Policy struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name" yaml:"name"`
	Type        PolicyType     `json:"type" yaml:"type" validate:"omitempty,oneof=access data_protection compliance security delegation emergency"`
	Priority    int            `json:"priority" yaml:"priority"` // higher = evaluated first
	Active      bool           `json:"active" yaml:"active"`
	Resources   []string       `json:"resources,omitempty" yaml:"resources,omitempty"` // patterns: "profile:*", "field:ssn"
	Permissions []Permission   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Conditions  []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Actions     []Action       `json:"actions" yaml:"actions" validate:"min=1,dive"`
	Exceptions  []Exception    `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
	Metadata    PolicyMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Version     int            `json:"version" yaml:"version"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Checksum returns a deterministic hash of the policy's decision-relevant content.
func (p *Policy) Checksum() string {
	conds := make([]string, len(p.Conditions))
	for i, c := range p.Conditions {
		conds[i] = c.String()
	}
	data, _ := json.Marshal(struct {
		Type        PolicyType
		Priority    int
		Active      bool
		Resources   []string
		Permissions []Permission
		Conditions  []string
		Actions     []Action
		Exceptions  []Exception
		Metadata    PolicyMetadata
	}{p.Type, p.Priority, p.Active, p.Resources, p.Permissions, conds, p.Actions, p.Exceptions, p.Metadata})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (p *Policy) clone() *Policy {
	cp := *p
	cp.Resources = append([]string(nil), p.Resources...)
	cp.Permissions = append([]Permission(nil), p.Permissions...)
	cp.Conditions = cloneConditions(p.Conditions)
	cp.Actions = make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		a.Permissions = append([]Permission(nil), a.Permissions...)
		a.Targets = append([]string(nil), a.Targets...)
		cp.Actions[i] = a
	}
	if p.Exceptions != nil {
		cp.Exceptions = make([]Exception, len(p.Exceptions))
		for i, ex := range p.Exceptions {
			ex.UserIDs = append([]string(nil), ex.UserIDs...)
			ex.Roles = append([]RoleID(nil), ex.Roles...)
			cp.Exceptions[i] = ex
		}
	}
	cp.Metadata.ComplianceTags = append([]string(nil), p.Metadata.ComplianceTags...)
	return &cp
}

// ============================================================================
// FIELD ACCESS
// ============================================================================

// AccessType is the kind of field access requested.
type AccessType string

const (
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDelete AccessType = "delete"
)

// accessTypeFor maps a permission onto a field access type.
func accessTypeFor(p Permission) (AccessType, bool) {
	switch p {
	case PermissionRead, PermissionExport:
		return AccessRead, true
	case PermissionEdit:
		return AccessWrite, true
	case PermissionDelete:
		return AccessDelete, true
	}
	return "", false
}

// Visibility is the minimum relationship a reader needs to see a field.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityConnections Visibility = "connections"
	VisibilityFriends     Visibility = "friends"
	VisibilityPrivate     Visibility = "private"
)

func (v Visibility) minimum() Relationship {
	switch v {
	case VisibilityConnections:
		return RelationshipConnection
	case VisibilityFriends:
		return RelationshipFriend
	case VisibilityPrivate:
		return RelationshipSelf
	}
	return ""
}

// MaskType selects how a masked field value is transformed.
type MaskType string

const (
	MaskPartial MaskType = "partial"
	MaskFull    MaskType = "full"
	MaskHash    MaskType = "hash"
	MaskEncrypt MaskType = "encrypt"
	MaskRedact  MaskType = "redact"
)

// DataMaskingRule masks a field when all its guard conditions hold.
type DataMaskingRule struct {
	Type        MaskType    `json:"type" yaml:"type" validate:"required,oneof=partial full hash encrypt redact"`
	Replacement string      `json:"replacement,omitempty" yaml:"replacement,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
}

// FieldAccessRule controls read/write/delete of a single profile field for a role.
type FieldAccessRule struct {
	Field         string            `json:"field" yaml:"field"`
	Read          bool              `json:"read" yaml:"read"`
	Write         bool              `json:"write" yaml:"write"`
	Delete        bool              `json:"delete" yaml:"delete"`
	Visibility    Visibility        `json:"visibility,omitempty" yaml:"visibility,omitempty" validate:"omitempty,oneof=public connections friends private"`
	GDPRProtected bool              `json:"gdpr_protected,omitempty" yaml:"gdpr_protected,omitempty"`
	Masking       []DataMaskingRule `json:"masking,omitempty" yaml:"masking,omitempty" validate:"dive"`
}

func (r FieldAccessRule) allows(t AccessType) bool {
	switch t {
	case AccessRead:
		return r.Read
	case AccessWrite:
		return r.Write
	case AccessDelete:
		return r.Delete
	}
	return false
}

// FieldAccessResult is the outcome of a field-level check.
type FieldAccessResult struct {
	Allowed       bool             `json:"allowed"`
	Masked        bool             `json:"masked"`
	MaskingRule   *DataMaskingRule `json:"masking_rule,omitempty"`
	AuditRequired bool             `json:"audit_required"`
	GDPRBlocked   bool             `json:"gdpr_blocked,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// ============================================================================
// REQUEST CONTEXT
// ============================================================================

// ResourceType is the kind of target a request addresses.
type ResourceType string

const (
	ResourceProfile ResourceType = "profile"
	ResourceField   ResourceType = "field"
)

// AccessContext describes who asks for what, when and from where.
// All values are resolved by the caller before evaluation.
type AccessContext struct {
	UserID       string         `json:"user_id"`
	Role         RoleID         `json:"role"`
	OwnerID      string         `json:"owner_id"`
	Relationship Relationship   `json:"relationship,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	IP           string         `json:"ip,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Permission   Permission     `json:"permission"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Resource renders the target as "type:id".
func (ac *AccessContext) Resource() string {
	return string(ac.ResourceType) + ":" + ac.ResourceID
}

// parentResource is the owning profile of a field target.
func (ac *AccessContext) parentResource() string {
	if ac.ResourceType != ResourceField || ac.OwnerID == "" {
		return ""
	}
	return string(ResourceProfile) + ":" + ac.OwnerID
}

func (ac AccessContext) snapshot() AccessContext {
	ac.Attributes = cloneAttributes(ac.Attributes)
	return ac
}

func cloneAttributes(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneAttributes(vv)
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = cloneValue(vv[i])
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	case []int:
		return append([]int(nil), vv...)
	case []float64:
		return append([]float64(nil), vv...)
	case map[string]string:
		out := make(map[string]string, len(vv))
		for k, x := range vv {
			out[k] = x
		}
		return out
	}
	return v
}

// cloneConditions copies cs including slice and map values.
func cloneConditions(cs []Condition) []Condition {
	if len(cs) == 0 {
		return nil
	}
	out := make([]Condition, len(cs))
	for i, c := range cs {
		c.Value = cloneValue(c.Value)
		out[i] = c
	}
	return out
}

// ============================================================================
// DECISIONS
// ============================================================================

// Outcome is the closed set of final decision states. The zero value is denied.
type Outcome uint8

const (
	OutcomeDenied Outcome = iota
	OutcomeGranted
	OutcomeConditional
	OutcomeInherited
	OutcomeDelegated
	OutcomeEscalated
)

var outcomeNames = [...]string{"denied", "granted", "conditional", "inherited", "delegated", "escalated"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", o)
}

// ParseOutcome parses the textual form of an outcome.
func ParseOutcome(s string) (Outcome, error) {
	for i, n := range outcomeNames {
		if n == s {
			return Outcome(i), nil
		}
	}
	return OutcomeDenied, fmt.Errorf("unknown outcome %q", s)
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Allowed reports whether the outcome lets the request proceed without further requirements.
func (o Outcome) Allowed() bool {
	switch o {
	case OutcomeGranted, OutcomeInherited, OutcomeDelegated:
		return true
	}
	return false
}

// ConditionalGrant is a grant that expires or must be revalidated.
type ConditionalGrant struct {
	Permission Permission `json:"permission"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revalidate bool       `json:"revalidate"`
	Source     string     `json:"source"` // policy id or "role:<id>"
}

// RequirementKind distinguishes approval from escalation requirements.
type RequirementKind string

const (
	RequirementApproval   RequirementKind = "approval"
	RequirementEscalation RequirementKind = "escalation"
)

// PermissionRequirement must be satisfied before a conditional decision becomes a grant.
type PermissionRequirement struct {
	Kind        RequirementKind `json:"kind"`
	Permission  Permission      `json:"permission"`
	Description string          `json:"description"`
	PolicyID    string          `json:"policy_id"`
	Fallback    Outcome         `json:"fallback"`
}

// ComplianceFlag records a compliance concern raised during evaluation.
type ComplianceFlag struct {
	Tag      string `json:"tag"`
	Blocking bool   `json:"blocking"`
	Reason   string `json:"reason"`
}

// EvaluationStatus is the per-policy state reached during a pass.
type EvaluationStatus string

const (
	StatusSkipped     EvaluationStatus = "skipped"
	StatusExcepted    EvaluationStatus = "excepted"
	StatusContributed EvaluationStatus = "contributed"
)

// PolicyEvaluation traces what one policy did during an evaluation.
type PolicyEvaluation struct {
	PolicyID string           `json:"policy_id"`
	Priority int              `json:"priority"`
	Status   EvaluationStatus `json:"status"`
	Errors   []string         `json:"errors,omitempty"`
}

// AccessDecision is the immutable result of one evaluation.
type AccessDecision struct {
	Outcome          Outcome                 `json:"outcome"`
	Permission       Permission              `json:"permission"`
	Reason           string                  `json:"reason"`
	Granted          PermissionSet           `json:"granted"`
	Denied           PermissionSet           `json:"denied"`
	Conditional      []ConditionalGrant      `json:"conditional,omitempty"`
	Requirements     []PermissionRequirement `json:"requirements,omitempty"`
	AuditRequired    bool                    `json:"audit_required"`
	Notifications    []string                `json:"notifications,omitempty"`
	RiskScore        int                     `json:"risk_score"`
	PolicyReferences []string                `json:"policy_references,omitempty"`
	ComplianceFlags  []ComplianceFlag        `json:"compliance_flags,omitempty"`
	Evaluated        []PolicyEvaluation      `json:"evaluated,omitempty"`
	Errors           []string                `json:"errors,omitempty"`
	Masking          *DataMaskingRule        `json:"masking,omitempty"`
	Timestamp        time.Time               `json:"timestamp"`
	AuditSeq         uint64                  `json:"audit_seq"`
}

// Allowed is shorthand for d.Outcome.Allowed().
func (d AccessDecision) Allowed() bool { return d.Outcome.Allowed() }

func (d AccessDecision) clone() AccessDecision {
	d.Conditional = append([]ConditionalGrant(nil), d.Conditional...)
	d.Requirements = append([]PermissionRequirement(nil), d.Requirements...)
	d.Notifications = append([]string(nil), d.Notifications...)
	d.PolicyReferences = append([]string(nil), d.PolicyReferences...)
	d.ComplianceFlags = append([]ComplianceFlag(nil), d.ComplianceFlags...)
	d.Errors = append([]string(nil), d.Errors...)
	if d.Evaluated != nil {
		ev := make([]PolicyEvaluation, len(d.Evaluated))
		for i, e := range d.Evaluated {
			e.Errors = append([]string(nil), e.Errors...)
			ev[i] = e
		}
		d.Evaluated = ev
	}
	if d.Masking != nil {
		m := *d.Masking
		m.Conditions = cloneConditions(d.Masking.Conditions)
		d.Masking = &m
	}
	return d
}

// ============================================================================
// AUDIT & ANOMALY RECORDS
// ============================================================================

// AuditEntry is the immutable record of one evaluation.
type AuditEntry struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Context   AccessContext  `json:"context"`
	Decision  AccessDecision `json:"decision"`
	PolicyIDs []string       `json:"policy_ids,omitempty"`
	RiskScore int            `json:"risk_score"`
}

func (e AuditEntry) clone() AuditEntry {
	e.Context = e.Context.snapshot()
	e.Decision = e.Decision.clone()
	e.PolicyIDs = append([]string(nil), e.PolicyIDs...)
	return e
}

// AuditFilter narrows QueryAuditLog results. Zero fields match everything.
type AuditFilter struct {
	From       time.Time
	To         time.Time
	UserID     string
	Permission Permission
	Outcome    *Outcome
	Limit      int
}

// DeviationType names the dimension a behavioral deviation was found in.
type DeviationType string

const (
	DeviationUnusualTime       DeviationType = "unusual_time"
	DeviationNewDevice         DeviationType = "new_device"
	DeviationNewLocation       DeviationType = "new_location"
	DeviationUnusualPermission DeviationType = "unusual_permission"
	DeviationUnusualResource   DeviationType = "unusual_resource"
	DeviationDenialSpike       DeviationType = "denial_spike"
)

// PatternDeviation is a detected departure from a user's baseline.
type PatternDeviation struct {
	UserID     string        `json:"user_id"`
	Type       DeviationType `json:"type"`
	Severity   RiskLevel     `json:"severity"`
	Confidence float64       `json:"confidence"`
	Detail     string        `json:"detail"`
	Timestamp  time.Time     `json:"timestamp"`
}

// sortedKeys returns the keys of a float histogram in stable order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
