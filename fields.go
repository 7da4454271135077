package profileauthz

import "fmt"

// FieldAccessEvaluator resolves per-field access and masking for a role.
type FieldAccessEvaluator struct {
	roles *RoleRegistry
	conds *ConditionEvaluator
}

func NewFieldAccessEvaluator(roles *RoleRegistry, conds *ConditionEvaluator) *FieldAccessEvaluator {
	return &FieldAccessEvaluator{roles: roles, conds: conds}
}

// CanAccessField checks field access for a role with no request context. Relationship-dependent
// rules see an unresolved relationship and fail closed.
func (f *FieldAccessEvaluator) CanAccessField(role RoleID, field string, access AccessType) (FieldAccessResult, error) {
	res, _, err := f.Check(&AccessContext{Role: role, ResourceType: ResourceField, ResourceID: field}, field, access)
	return res, err
}

// Check resolves field access for ac. Guard errors on masking rules are returned and the
// value is masked.
func (f *FieldAccessEvaluator) Check(ac *AccessContext, field string, access AccessType) (FieldAccessResult, []error, error) {
	switch access {
	case AccessRead, AccessWrite, AccessDelete:
	default:
		return FieldAccessResult{Reason: "unknown access type"}, nil, &ValidationError{Object: "field access", ID: field, Field: "access", Reason: fmt.Sprintf("unknown access type %q", access)}
	}
	eff, err := f.roles.EffectivePermissions(ac.Role)
	if err != nil {
		return FieldAccessResult{Reason: "unknown role"}, nil, err
	}
	rule, found, err := f.roles.FieldRule(ac.Role, field)
	if err != nil {
		return FieldAccessResult{Reason: "unknown role"}, nil, err
	}
	if !found {
		perm := map[AccessType]Permission{AccessRead: PermissionRead, AccessWrite: PermissionEdit, AccessDelete: PermissionDelete}[access]
		if eff.Has(perm) {
			return FieldAccessResult{Allowed: true, Reason: "no field rule; role permission " + string(perm)}, nil, nil
		}
		return FieldAccessResult{Reason: "no field rule; role lacks " + string(perm)}, nil, nil
	}

	res := FieldAccessResult{AuditRequired: rule.GDPRProtected}
	if !rule.allows(access) {
		res.Reason = fmt.Sprintf("field rule denies %s on %s", access, field)
		return res, nil, nil
	}
	if access == AccessRead {
		if need := rule.Visibility.minimum(); need != "" && !eff.Has(PermissionAdmin) {
			if !ac.Relationship.Valid() {
				res.Reason = fmt.Sprintf("%s visibility needs a resolved relationship", rule.Visibility)
				return res, nil, nil
			}
			if ac.Relationship.Strength() < need.Strength() {
				res.Reason = fmt.Sprintf("%s visibility excludes %s", rule.Visibility, ac.Relationship)
				return res, nil, nil
			}
		}
		if rule.GDPRProtected && !eff.Has(PermissionAudit) {
			res.GDPRBlocked = true
			res.Reason = "gdpr-protected field requires audit permission"
			return res, nil, nil
		}
	}
	res.Allowed = true
	res.Reason = "field rule allows " + string(access)
	if access != AccessRead {
		return res, nil, nil
	}

	var errs []error
	for i := range rule.Masking {
		m := rule.Masking[i]
		ok, condErrs := f.conds.EvaluateAll(m.Conditions, ac)
		errs = append(errs, condErrs...)
		if ok || len(condErrs) > 0 {
			res.Masked = true
			res.MaskingRule = &m
			res.Reason = fmt.Sprintf("field rule allows read; %s mask applies", m.Type)
			break
		}
	}
	return res, errs, nil
}
