package profileauthz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/profileauthz/logger"
)

// Engine is the profile access decision engine. It combines the role registry,
// condition evaluator and policy store into an AccessDecision, records every decision
// in the audit log and feeds the anomaly detector.
type Engine struct {
	cfg      atomic.Pointer[EngineConfig]
	clock    Clock
	logger   logger.Logger
	metrics  *Metrics
	identity IdentityProvider
	sink     AuditSink
	masker   *Masker

	// mu makes roles and policies one snapshot: evaluations read under RLock,
	// mutations and config or bundle application commit under Lock.
	mu       sync.RWMutex
	bundleAt time.Time
	roles    *RoleRegistry
	conds    *ConditionEvaluator
	policies *PolicyStore
	fields   *FieldAccessEvaluator
	audit    *AuditLog
	anomaly  *AnomalyDetector

	pendingCustom map[string]CustomPredicate
	initCfg       EngineConfig
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("nil clock")
		}
		e.clock = c
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		e.sink = s
		return nil
	}
}

func WithIdentityProvider(p IdentityProvider) EngineOption {
	return func(e *Engine) error {
		e.identity = p
		return nil
	}
}

// WithEngineConfig overlays the non-zero fields of cfg on the defaults.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.RiskCeiling < 0 || cfg.RiskCeiling > 100 {
			return fmt.Errorf("risk ceiling %d outside 0..100", cfg.RiskCeiling)
		}
		e.initCfg = e.initCfg.merge(cfg)
		return nil
	}
}

func WithMasker(m *Masker) EngineOption {
	return func(e *Engine) error {
		e.masker = m
		return nil
	}
}

// WithCustomCondition registers a predicate for custom conditions named name.
func WithCustomCondition(name string, fn CustomPredicate) EngineOption {
	return func(e *Engine) error {
		if name == "" || fn == nil {
			return errors.New("custom condition needs a name and a predicate")
		}
		e.pendingCustom[name] = fn
		return nil
	}
}

func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		clock:         SystemClock{},
		logger:        logger.NewNullLogger(),
		initCfg:       DefaultEngineConfig(),
		pendingCustom: make(map[string]CustomPredicate),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	cfg := e.initCfg
	e.cfg.Store(&cfg)

	conds, err := NewConditionEvaluator(e.clock, RegexCacheConfig{
		NumCounters: cfg.RegexCacheCounters,
		MaxCost:     cfg.RegexCacheMaxCost,
		BufferItems: cfg.RegexCacheBuffer,
	})
	if err != nil {
		return nil, err
	}
	for name, fn := range e.pendingCustom {
		if err := conds.RegisterCustom(name, fn); err != nil {
			return nil, err
		}
	}
	e.conds = conds
	e.roles = NewRoleRegistry()
	e.policies = NewPolicyStore(e.clock, conds.Validate)
	e.fields = NewFieldAccessEvaluator(e.roles, conds)
	e.audit = NewAuditLog(AuditLogOptions{
		Sink:      e.sink,
		Retain:    cfg.AuditRetain,
		FlushSize: cfg.AuditFlushBatch,
		Clock:     e.clock,
		Metrics:   e.metrics,
	})
	e.anomaly = NewAnomalyDetector(AnomalyConfig{
		Threshold:       cfg.AnomalyThreshold,
		MinObservations: cfg.AnomalyMinObservations,
		LongAlpha:       cfg.AnomalyLongAlpha,
		ShortAlpha:      cfg.AnomalyShortAlpha,
	}, e.clock, e.metrics)
	if e.masker == nil {
		e.masker, _ = NewMasker(nil)
	}
	return e, nil
}

// Close releases caches. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.conds.Close()
}

// Config returns the thresholds currently in effect.
func (e *Engine) Config() EngineConfig { return *e.cfg.Load() }

// Component accessors for hosts wiring schedulers and admin tooling.
func (e *Engine) Roles() *RoleRegistry { return e.roles }
func (e *Engine) Policies() *PolicyStore { return e.policies }
func (e *Engine) Conditions() *ConditionEvaluator { return e.conds }
func (e *Engine) AuditLog() *AuditLog { return e.audit }
func (e *Engine) Anomalies() *AnomalyDetector { return e.anomaly }

// ============================================================================
// EVALUATION
// ============================================================================

var roleRisk = map[RoleID]int{
	RoleGuest:        40,
	RoleUser:         20,
	RoleVerifiedUser: 15,
	RoleModerator:    10,
	RoleAdmin:        5,
	RoleSuperadmin:   0,
}

var relationshipRisk = map[Relationship]int{
	RelationshipSelf:       0,
	RelationshipFriend:     10,
	RelationshipConnection: 20,
	RelationshipStranger:   35,
}

var sensitivePermissions = NewPermissionSet(PermissionDelete, PermissionAdmin, PermissionExport, PermissionAudit)

// evaluation accumulates the state of one pass over the applicable policies.
type evaluation struct {
	ac        *AccessContext
	cfg       *EngineConfig
	now       time.Time
	d         AccessDecision
	granted   bool
	denied    bool
	delegated bool
	decidedBy string
	condErrs  int
}

// Evaluate decides ac. It always returns a decision; structural problems (unknown role,
// invalid permission or resource) also return a typed error and the decision is denied.
// Every call is audited.
func (e *Engine) Evaluate(ac AccessContext) (AccessDecision, error) {
	start := time.Now()
	snap := ac.snapshot()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = e.clock.Now()
	}

	d, err := e.decide(&snap)
	entry := e.audit.append(AuditEntry{
		Timestamp: snap.Timestamp,
		Context:   snap,
		Decision:  d,
		PolicyIDs: d.PolicyReferences,
		RiskScore: d.RiskScore,
	})
	d.AuditSeq = entry.Seq
	if err == nil {
		e.anomaly.Observe(&snap, &d)
	}
	e.metrics.decision(&d, time.Since(start).Seconds())

	if err != nil {
		e.logger.Error("structural evaluation error", "user", snap.UserID, "role", string(snap.Role),
			"permission", string(snap.Permission), "resource", snap.Resource(), "error", err.Error())
	} else {
		e.logger.Debug("access decision", "user", snap.UserID, "permission", string(snap.Permission),
			"resource", snap.Resource(), "outcome", d.Outcome.String(), "risk", d.RiskScore,
			"policies", d.PolicyReferences, "seq", int(d.AuditSeq))
	}
	return d, err
}

func (e *Engine) decide(ac *AccessContext) (AccessDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev := &evaluation{
		ac:  ac,
		cfg: e.cfg.Load(),
		now: ac.Timestamp,
		d:   AccessDecision{Outcome: OutcomeDenied, Permission: ac.Permission, Timestamp: ac.Timestamp},
	}
	if err := validateContext(ac); err != nil {
		return ev.structural(err.(*ValidationError).Reason, err), err
	}
	eff, err := e.roles.EffectivePermissions(ac.Role)
	if err != nil {
		return ev.structural("unknown role", err), err
	}

	policies := e.policies.applicable(ac)
	if len(policies) == 0 {
		ev.d.Reason = "no applicable policy"
		ev.d.RiskScore = ev.cfg.NoPolicyRisk
		ev.d.Denied = NewPermissionSet(ac.Permission)
		return ev.d, nil
	}

	for _, p := range policies {
		if ev.apply(e, p) {
			break
		}
	}
	ev.resolve()
	if ev.decidedBy == "" {
		e.inherit(ev, eff)
	}
	if ac.ResourceType == ResourceField {
		e.gateField(ev)
	}
	e.score(ev)
	ev.finish()
	return ev.d, nil
}

func validateContext(ac *AccessContext) error {
	if !ac.Permission.Valid() {
		return &ValidationError{Object: "context", Field: "permission", Reason: fmt.Sprintf("unknown permission %q", ac.Permission)}
	}
	if ac.ResourceType != ResourceProfile && ac.ResourceType != ResourceField {
		return &ValidationError{Object: "context", Field: "resource_type", Reason: fmt.Sprintf("unknown resource type %q", ac.ResourceType)}
	}
	if ac.ResourceID == "" {
		return &ValidationError{Object: "context", Field: "resource_id", Reason: "empty resource id"}
	}
	return nil
}

func (ev *evaluation) structural(reason string, err error) AccessDecision {
	ev.d.Reason = reason
	ev.d.RiskScore = 100
	ev.d.Errors = append(ev.d.Errors, err.Error())
	if ev.ac.Permission.Valid() {
		ev.d.Denied = NewPermissionSet(ev.ac.Permission)
	}
	return ev.d
}

// apply runs one policy and reports whether evaluation must stop (critical short-circuit).
func (ev *evaluation) apply(e *Engine, p *Policy) bool {
	trace := PolicyEvaluation{PolicyID: p.ID, Priority: p.Priority}
	for _, ex := range p.Exceptions {
		if ex.Applies(ev.ac, ev.now) {
			trace.Status = StatusExcepted
			ev.d.Evaluated = append(ev.d.Evaluated, trace)
			return false
		}
	}
	ok, errs := e.conds.EvaluateAll(p.Conditions, ev.ac)
	for _, err := range errs {
		ev.conditionError(e, p.ID, err)
		trace.Errors = append(trace.Errors, err.Error())
	}
	if !ok {
		trace.Status = StatusSkipped
		ev.d.Evaluated = append(ev.d.Evaluated, trace)
		return false
	}
	trace.Status = StatusContributed
	ev.d.Evaluated = append(ev.d.Evaluated, trace)

	perm := ev.ac.Permission
	affected, decided := false, false
	for _, a := range p.Actions {
		switch a.Type {
		case ActionGrant:
			if !a.covers(perm) || ev.denied {
				continue
			}
			ev.granted, affected, decided = true, true, true
			if p.Type == PolicyDelegation {
				ev.delegated = true
			}
			if a.ValidFor > 0 {
				ev.d.Conditional = append(ev.d.Conditional, ConditionalGrant{
					Permission: perm,
					ExpiresAt:  ev.now.Add(a.ValidFor),
					Revalidate: a.Revalidate,
					Source:     p.ID,
				})
			}
		case ActionDeny:
			if !a.covers(perm) {
				continue
			}
			ev.denied, affected = true, true
			ev.granted, ev.delegated = false, false
			ev.decidedBy = p.ID
		case ActionRequireApproval, ActionEscalate:
			if !a.covers(perm) || ev.denied {
				continue
			}
			affected, decided = true, true
			ev.d.Requirements = append(ev.d.Requirements, requirementFor(p, a, perm))
		case ActionAudit:
			ev.d.AuditRequired, affected = true, true
		case ActionNotify:
			affected = true
			if len(a.Targets) == 0 {
				ev.d.Notifications = append(ev.d.Notifications, p.ID)
			}
			ev.d.Notifications = append(ev.d.Notifications, a.Targets...)
		}
	}
	if !affected {
		return false
	}
	ev.d.PolicyReferences = append(ev.d.PolicyReferences, p.ID)
	for _, tag := range p.Metadata.ComplianceTags {
		ev.d.ComplianceFlags = append(ev.d.ComplianceFlags, ComplianceFlag{Tag: tag, Reason: "policy " + p.ID})
	}
	if decided && ev.decidedBy == "" {
		ev.decidedBy = p.ID
	}
	critical := p.Priority > ev.cfg.CriticalPriority
	return critical && decided && !ev.denied
}

func requirementFor(p *Policy, a Action, perm Permission) PermissionRequirement {
	kind := RequirementApproval
	if a.Type == ActionEscalate {
		kind = RequirementEscalation
	}
	desc := a.Requirement
	if desc == "" {
		desc = fmt.Sprintf("%s required by policy %s", kind, p.ID)
	}
	return PermissionRequirement{Kind: kind, Permission: perm, Description: desc, PolicyID: p.ID, Fallback: a.Fallback}
}

func (ev *evaluation) conditionError(e *Engine, source string, err error) {
	ev.condErrs++
	ev.d.Errors = append(ev.d.Errors, fmt.Sprintf("%s: %v", source, err))
	var ee *EvaluationError
	if errors.As(err, &ee) {
		e.metrics.conditionError(ee.Kind)
	}
	e.logger.Info("condition evaluation failed", "user", ev.ac.UserID, "source", source, "error", err.Error())
}

// resolve turns the accumulated policy effects into an outcome.
func (ev *evaluation) resolve() {
	switch {
	case ev.denied:
		ev.d.Outcome = OutcomeDenied
		ev.d.Reason = "denied by policy " + ev.decidedBy
	case len(ev.d.Requirements) > 0:
		ev.d.Outcome = OutcomeEscalated
		for _, r := range ev.d.Requirements {
			if r.Kind != RequirementEscalation {
				ev.d.Outcome = OutcomeConditional
				break
			}
		}
		ev.d.Reason = fmt.Sprintf("%d requirement(s) outstanding", len(ev.d.Requirements))
	case ev.granted && ev.delegated:
		ev.d.Outcome = OutcomeDelegated
		ev.d.Reason = "delegated by policy " + ev.decidedBy
	case ev.granted:
		ev.d.Outcome = OutcomeGranted
		ev.d.Reason = "granted by policy " + ev.decidedBy
	default:
		ev.d.Outcome = OutcomeDenied
		ev.d.Reason = "no policy decided"
	}
}

// inherit merges role-based permissions when no policy decided the request.
func (e *Engine) inherit(ev *evaluation, eff PermissionSet) {
	perm := ev.ac.Permission
	if eff.Has(perm) {
		ev.d.Outcome = OutcomeInherited
		ev.d.Reason = fmt.Sprintf("inherited from role %s", ev.ac.Role)
		return
	}
	cps, err := e.roles.ConditionalPermissions(ev.ac.Role)
	if err != nil {
		return
	}
	source := "role:" + string(ev.ac.Role)
	for _, cp := range cps {
		if cp.Permission != perm {
			continue
		}
		ok, errs := e.conds.EvaluateAll(cp.Conditions, ev.ac)
		for _, err := range errs {
			ev.conditionError(e, source, err)
		}
		if !ok {
			continue
		}
		ev.d.Outcome = OutcomeInherited
		ev.d.Reason = fmt.Sprintf("conditionally inherited from role %s", ev.ac.Role)
		grant := ConditionalGrant{Permission: perm, Revalidate: cp.Revalidate, Source: source}
		if cp.ValidFor > 0 {
			grant.ExpiresAt = ev.now.Add(cp.ValidFor)
		}
		ev.d.Conditional = append(ev.d.Conditional, grant)
		return
	}
	ev.d.Reason = fmt.Sprintf("no policy decided and role %s lacks %s", ev.ac.Role, perm)
}

// gateField applies field rules on top of the policy outcome.
func (e *Engine) gateField(ev *evaluation) {
	access, ok := accessTypeFor(ev.ac.Permission)
	if !ok {
		return
	}
	res, errs, err := e.fields.Check(ev.ac, ev.ac.ResourceID, access)
	for _, ge := range errs {
		ev.conditionError(e, "mask:"+ev.ac.ResourceID, ge)
	}
	if err != nil {
		ev.forceDeny(res.Reason)
		ev.d.Errors = append(ev.d.Errors, err.Error())
		return
	}
	if res.AuditRequired {
		ev.d.AuditRequired = true
	}
	if res.GDPRBlocked {
		cerr := &ComplianceError{Tag: "gdpr", Reason: res.Reason}
		ev.d.ComplianceFlags = append(ev.d.ComplianceFlags, ComplianceFlag{Tag: "gdpr", Blocking: true, Reason: res.Reason})
		ev.d.Errors = append(ev.d.Errors, cerr.Error())
		ev.forceDeny(res.Reason)
		return
	}
	if !res.Allowed {
		ev.forceDeny(res.Reason)
		return
	}
	if res.Masked && ev.d.Outcome != OutcomeDenied {
		ev.d.Masking = res.MaskingRule
	}
}

func (ev *evaluation) forceDeny(reason string) {
	if ev.d.Outcome == OutcomeDenied {
		return
	}
	ev.d.Outcome = OutcomeDenied
	ev.d.Reason = reason
}

// score computes the risk score and applies the hard ceiling.
func (e *Engine) score(ev *evaluation) {
	rel, ok := relationshipRisk[ev.ac.Relationship]
	if !ok {
		rel = relationshipRisk[RelationshipStranger]
	}
	score := roleRisk[ev.ac.Role] + rel
	if sensitivePermissions.Has(ev.ac.Permission) {
		score += 10
	}
	score += e.anomaly.ContextRisk(ev.ac)
	score += ev.condErrs * ev.cfg.ConditionErrorRisk
	score = max(0, min(100, score))
	ev.d.RiskScore = score
	if score > ev.cfg.RiskCeiling {
		ev.forceDeny(fmt.Sprintf("risk score %d exceeds ceiling %d", score, ev.cfg.RiskCeiling))
	}
}

// finish derives the permission sets and drops state that no longer applies.
func (ev *evaluation) finish() {
	for _, f := range ev.d.ComplianceFlags {
		if f.Blocking {
			ev.forceDeny(ev.d.Reason)
		}
	}
	perm := NewPermissionSet(ev.ac.Permission)
	switch {
	case ev.d.Outcome.Allowed():
		ev.d.Granted = perm
		ev.d.Requirements = nil
	case ev.d.Outcome == OutcomeDenied:
		ev.d.Denied = perm
		ev.d.Requirements = nil
		ev.d.Conditional = nil
		ev.d.Masking = nil
	default:
		ev.d.Conditional = nil
	}
}

// ============================================================================
// CONVENIENCE & ADMINISTRATION
// ============================================================================

// HasPermission evaluates userID acting as role on resource. The relationship to the owner is
// resolved through the identity provider when one is configured. Errors count as false.
func (e *Engine) HasPermission(ctx context.Context, userID string, role RoleID, perm Permission, resource string) bool {
	rt, id, owner, err := ParseResource(resource)
	if err != nil {
		e.logger.Error("invalid resource", "resource", resource, "error", err.Error())
		return false
	}
	ac := AccessContext{
		UserID:       userID,
		Role:         role,
		OwnerID:      owner,
		Permission:   perm,
		ResourceType: rt,
		ResourceID:   id,
		Timestamp:    e.clock.Now(),
	}
	rel, err := NewContextBuilder(e.identity, e.clock).relationship(ctx, userID, owner)
	if err != nil {
		e.logger.Error("resolve relationship", "user", userID, "owner", owner, "error", err.Error())
		return false
	}
	ac.Relationship = rel
	d, err := e.Evaluate(ac)
	return err == nil && d.Allowed()
}

// EffectivePermissions lists the role's effective permissions.
func (e *Engine) EffectivePermissions(userID string, role RoleID) ([]Permission, error) {
	e.mu.RLock()
	set, err := e.roles.EffectivePermissions(role)
	e.mu.RUnlock()
	if err != nil {
		e.logger.Error("effective permissions", "user", userID, "role", string(role), "error", err.Error())
		return nil, err
	}
	return set.Slice(), nil
}

// CanAccessField checks field access for role without request context.
func (e *Engine) CanAccessField(role RoleID, field string, access AccessType) (FieldAccessResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fields.CanAccessField(role, field, access)
}

// CheckField checks field access for a full request context, including masking guards.
func (e *Engine) CheckField(ac AccessContext, field string, access AccessType) (FieldAccessResult, error) {
	e.mu.RLock()
	res, errs, err := e.fields.Check(&ac, field, access)
	e.mu.RUnlock()
	for _, ge := range errs {
		e.logger.Info("masking guard failed", "user", ac.UserID, "field", field, "error", ge.Error())
	}
	return res, err
}

// MaskValue applies rule to value.
func (e *Engine) MaskValue(rule *DataMaskingRule, value string) (string, error) {
	if rule == nil {
		return value, nil
	}
	return e.masker.Apply(*rule, value)
}

func (e *Engine) RegisterRole(def RoleDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.roles.Register(def.ID, def); err != nil {
		e.logger.Error("role rejected", "role", string(def.ID), "error", err.Error())
		return err
	}
	e.logger.Info("role registered", "role", string(def.ID), "inherits", def.Inherits)
	return nil
}

func (e *Engine) RemoveRole(id RoleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.roles.Remove(id); err != nil {
		return err
	}
	e.logger.Info("role removed", "role", string(id))
	return nil
}

func (e *Engine) UpsertPolicy(p *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.policies.Upsert(p); err != nil {
		e.logger.Error("policy rejected", "error", err.Error())
		return err
	}
	e.logger.Info("policy upserted", "policy", p.ID, "priority", p.Priority, "active", p.Active)
	return nil
}

func (e *Engine) RemovePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.policies.Remove(id); err != nil {
		return err
	}
	e.logger.Info("policy removed", "policy", id)
	return nil
}

func (e *Engine) GetPolicy(id string) (*Policy, error) { return e.policies.Get(id) }

func (e *Engine) ListPolicies() []*Policy { return e.policies.List() }

func (e *Engine) PolicyHistory(id string) ([]*Policy, error) { return e.policies.History(id) }

// QueryAuditLog returns in-process audit entries matching filter, newest first.
func (e *Engine) QueryAuditLog(filter AuditFilter) ([]AuditEntry, error) {
	return e.audit.Query(filter)
}

// FlushAudit ships pending audit entries to the configured sink.
func (e *Engine) FlushAudit(ctx context.Context) (int, error) {
	n, err := e.audit.Flush(ctx)
	if err != nil {
		e.logger.Error("audit flush failed", "shipped", n, "pending", e.audit.Pending(), "error", err.Error())
		return n, err
	}
	if n > 0 {
		e.logger.Info("audit flushed", "shipped", n)
	}
	return n, nil
}

// DetectAnomalies runs detection for the given users, or every tracked user when none are given.
func (e *Engine) DetectAnomalies(userIDs ...string) []PatternDeviation {
	if len(userIDs) == 0 {
		userIDs = e.anomaly.Users()
	}
	var out []PatternDeviation
	for _, u := range userIDs {
		devs := e.anomaly.Detect(u)
		for _, d := range devs {
			e.logger.Info("access anomaly", "user", d.UserID, "type", string(d.Type),
				"severity", string(d.Severity), "confidence", d.Confidence)
		}
		out = append(out, devs...)
	}
	return out
}

// EngineStats summarizes engine state.
type EngineStats struct {
	Roles        int `json:"roles"`
	Policies     int `json:"policies"`
	AuditEntries int `json:"audit_entries"`
	AuditPending int `json:"audit_pending"`
	TrackedUsers int `json:"tracked_users"`
}

func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	roles, policies := len(e.roles.Roles()), e.policies.Len()
	e.mu.RUnlock()
	return EngineStats{
		Roles:        roles,
		Policies:     policies,
		AuditEntries: e.audit.Len(),
		AuditPending: e.audit.Pending(),
		TrackedUsers: len(e.anomaly.Users()),
	}
}
