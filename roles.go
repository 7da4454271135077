package profileauthz

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// RoleRegistry stores role definitions and their resolved effective permissions.
// Effective sets are recomputed on every write so reads never walk the hierarchy.
type RoleRegistry struct {
	mu         sync.RWMutex
	defs       map[RoleID]*RoleDefinition
	effective  map[RoleID]PermissionSet
	restricted map[RoleID]PermissionSet
	validate   *validator.Validate
}

func NewRoleRegistry() *RoleRegistry {
	return &RoleRegistry{
		defs:       make(map[RoleID]*RoleDefinition),
		effective:  make(map[RoleID]PermissionSet),
		restricted: make(map[RoleID]PermissionSet),
		validate:   validator.New(),
	}
}

// clone returns a registry sharing the current maps. Writes replace maps rather than
// mutating them, so the copy can be modified independently.
func (r *RoleRegistry) clone() *RoleRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &RoleRegistry{defs: r.defs, effective: r.effective, restricted: r.restricted, validate: r.validate}
}

// replace swaps in the contents of src in one step.
func (r *RoleRegistry) replace(src *RoleRegistry) {
	src.mu.RLock()
	defs, effective, restricted := src.defs, src.effective, src.restricted
	src.mu.RUnlock()
	r.mu.Lock()
	r.defs, r.effective, r.restricted = defs, effective, restricted
	r.mu.Unlock()
}

// Register validates def and commits it under id, replacing any previous definition.
// Parents must already be registered and the resulting hierarchy must stay acyclic.
func (r *RoleRegistry) Register(id RoleID, def RoleDefinition) error {
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		return &ValidationError{Object: "role", ID: string(id), Field: "id", Reason: fmt.Sprintf("definition id %q does not match", def.ID)}
	}
	if err := r.validateDefinition(&def); err != nil {
		return err
	}
	def = cloneRoleDefinition(def)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, parent := range def.Inherits {
		if parent == id {
			return &ValidationError{Object: "role", ID: string(id), Field: "inherits", Reason: "role inherits itself"}
		}
		if _, ok := r.defs[parent]; !ok {
			return &ValidationError{Object: "role", ID: string(id), Field: "inherits", Reason: fmt.Sprintf("unknown parent role %q", parent)}
		}
	}
	next := make(map[RoleID]*RoleDefinition, len(r.defs)+1)
	for k, v := range r.defs {
		next[k] = v
	}
	next[id] = &def
	if cycle := findCycle(next, id); cycle != nil {
		return &ValidationError{Object: "role", ID: string(id), Field: "inherits", Reason: fmt.Sprintf("cyclic inheritance %v", cycle)}
	}
	r.defs = next
	r.effective, r.restricted = computeEffective(next)
	return nil
}

// Remove deletes a role that no other role inherits from.
func (r *RoleRegistry) Remove(id RoleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return &NotFoundError{Kind: "role", ID: string(id)}
	}
	for child, def := range r.defs {
		for _, p := range def.Inherits {
			if p == id {
				return &ValidationError{Object: "role", ID: string(id), Reason: fmt.Sprintf("inherited by %q", child)}
			}
		}
	}
	next := make(map[RoleID]*RoleDefinition, len(r.defs))
	for k, v := range r.defs {
		if k != id {
			next[k] = v
		}
	}
	r.defs = next
	r.effective, r.restricted = computeEffective(next)
	return nil
}

func (r *RoleRegistry) validateDefinition(def *RoleDefinition) error {
	if !def.ID.Valid() {
		return &ValidationError{Object: "role", ID: string(def.ID), Field: "id", Reason: "not a known role"}
	}
	if err := r.validate.Struct(def); err != nil {
		return fromValidator("role", string(def.ID), err)
	}
	for _, p := range append(append([]Permission(nil), def.Permissions...), def.Restricted...) {
		if !p.Valid() {
			return &ValidationError{Object: "role", ID: string(def.ID), Field: "permissions", Reason: fmt.Sprintf("unknown permission %q", p)}
		}
	}
	base, restricted := NewPermissionSet(def.Permissions...), NewPermissionSet(def.Restricted...)
	if overlap := base & restricted; overlap != 0 {
		return &ValidationError{Object: "role", ID: string(def.ID), Field: "restricted", Reason: fmt.Sprintf("permissions %s are both granted and restricted", overlap)}
	}
	for _, c := range def.Conditional {
		if !c.Permission.Valid() {
			return &ValidationError{Object: "role", ID: string(def.ID), Field: "conditional", Reason: fmt.Sprintf("unknown permission %q", c.Permission)}
		}
		if restricted.Has(c.Permission) {
			return &ValidationError{Object: "role", ID: string(def.ID), Field: "conditional", Reason: fmt.Sprintf("permission %q is restricted", c.Permission)}
		}
	}
	for name, rule := range def.Fields {
		if rule.Field != "" && rule.Field != name {
			return &ValidationError{Object: "role", ID: string(def.ID), Field: "fields." + name, Reason: fmt.Sprintf("rule names field %q", rule.Field)}
		}
	}
	return nil
}

// findCycle runs a DFS from start and returns the offending path if it loops back.
func findCycle(defs map[RoleID]*RoleDefinition, start RoleID) []RoleID {
	const (
		white = iota
		grey
		black
	)
	color := make(map[RoleID]int, len(defs))
	var path []RoleID
	var visit func(id RoleID) []RoleID
	visit = func(id RoleID) []RoleID {
		color[id] = grey
		path = append(path, id)
		if def, ok := defs[id]; ok {
			for _, p := range def.Inherits {
				switch color[p] {
				case grey:
					return append(append([]RoleID(nil), path...), p)
				case white:
					if c := visit(p); c != nil {
						return c
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}
	return visit(start)
}

// computeEffective resolves every role to the union of base permissions across its
// inheritance closure minus the restrictions carried down from itself and its ancestors.
// A role lifts an inherited restriction only by listing the permission itself.
func computeEffective(defs map[RoleID]*RoleDefinition) (effective, restricted map[RoleID]PermissionSet) {
	base := make(map[RoleID]PermissionSet, len(defs))
	restricted = make(map[RoleID]PermissionSet, len(defs))
	var resolve func(id RoleID)
	resolve = func(id RoleID) {
		if _, ok := base[id]; ok {
			return
		}
		def := defs[id]
		own := NewPermissionSet(def.Permissions...)
		set, carried := own, NewPermissionSet(def.Restricted...)
		for _, p := range def.Inherits {
			resolve(p)
			set = set.Union(base[p])
			carried = carried.Union(restricted[p])
		}
		base[id] = set
		restricted[id] = carried.Minus(own)
	}
	for id := range defs {
		resolve(id)
	}
	effective = make(map[RoleID]PermissionSet, len(defs))
	for id, set := range base {
		effective[id] = set.Minus(restricted[id])
	}
	return effective, restricted
}

// HasRole reports whether id is registered.
func (r *RoleRegistry) HasRole(id RoleID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// EffectivePermissions returns base permissions across the inheritance closure minus inherited restrictions.
func (r *RoleRegistry) EffectivePermissions(id RoleID) (PermissionSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.effective[id]
	if !ok {
		return 0, &NotFoundError{Kind: "role", ID: string(id)}
	}
	return set, nil
}

// Definition returns a copy of the registered definition.
func (r *RoleRegistry) Definition(id RoleID) (RoleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return RoleDefinition{}, false
	}
	return cloneRoleDefinition(*def), true
}

// Roles lists the registered role ids in sorted order.
func (r *RoleRegistry) Roles() []RoleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoleID, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// lineage returns id followed by its ancestors in depth-first order, each once. Caller holds mu.
func (r *RoleRegistry) lineage(id RoleID) []RoleID {
	var out []RoleID
	seen := make(map[RoleID]bool)
	var walk func(RoleID)
	walk = func(cur RoleID) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		def, ok := r.defs[cur]
		if !ok {
			return
		}
		out = append(out, cur)
		for _, p := range def.Inherits {
			walk(p)
		}
	}
	walk(id)
	return out
}

// FieldRule finds the rule for field on the role or, failing that, its nearest ancestor.
func (r *RoleRegistry) FieldRule(id RoleID, field string) (FieldAccessRule, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.defs[id]; !ok {
		return FieldAccessRule{}, false, &NotFoundError{Kind: "role", ID: string(id)}
	}
	for _, rid := range r.lineage(id) {
		if rule, ok := r.defs[rid].Fields[field]; ok {
			rule.Field = field
			return cloneFieldRule(rule), true, nil
		}
	}
	return FieldAccessRule{}, false, nil
}

// ConditionalPermissions collects the conditional grants of the role and its ancestors,
// skipping any permission restricted on the role or carried down from an ancestor.
func (r *RoleRegistry) ConditionalPermissions(id RoleID) ([]ConditionalPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.defs[id]; !ok {
		return nil, &NotFoundError{Kind: "role", ID: string(id)}
	}
	restricted := r.restricted[id]
	var out []ConditionalPermission
	for _, rid := range r.lineage(id) {
		for _, cp := range r.defs[rid].Conditional {
			if restricted.Has(cp.Permission) {
				continue
			}
			cp.Conditions = cloneConditions(cp.Conditions)
			out = append(out, cp)
		}
	}
	return out, nil
}

func cloneFieldRule(rule FieldAccessRule) FieldAccessRule {
	if rule.Masking != nil {
		masks := make([]DataMaskingRule, len(rule.Masking))
		for i, m := range rule.Masking {
			m.Conditions = cloneConditions(m.Conditions)
			masks[i] = m
		}
		rule.Masking = masks
	}
	return rule
}

func cloneRoleDefinition(def RoleDefinition) RoleDefinition {
	def.Permissions = append([]Permission(nil), def.Permissions...)
	def.Restricted = append([]Permission(nil), def.Restricted...)
	def.Inherits = append([]RoleID(nil), def.Inherits...)
	if def.Conditional != nil {
		cps := make([]ConditionalPermission, len(def.Conditional))
		for i, cp := range def.Conditional {
			cp.Conditions = cloneConditions(cp.Conditions)
			cps[i] = cp
		}
		def.Conditional = cps
	}
	if def.Fields != nil {
		fields := make(map[string]FieldAccessRule, len(def.Fields))
		for k, v := range def.Fields {
			fields[k] = cloneFieldRule(v)
		}
		def.Fields = fields
	}
	return def
}

// OrderRoleDefinitions sorts definitions so every role follows the roles it inherits from.
// Definitions referencing unknown parents or forming a cycle keep their relative order at the end.
func OrderRoleDefinitions(defs []RoleDefinition) []RoleDefinition {
	byID := make(map[RoleID]int, len(defs))
	for i, d := range defs {
		byID[d.ID] = i
	}
	state := make([]int, len(defs))
	out := make([]RoleDefinition, 0, len(defs))
	var stuck []RoleDefinition
	var visit func(i int) bool
	visit = func(i int) bool {
		switch state[i] {
		case 1:
			return false
		case 2:
			return true
		}
		state[i] = 1
		for _, p := range defs[i].Inherits {
			if j, ok := byID[p]; ok && !visit(j) {
				return false
			}
		}
		state[i] = 2
		out = append(out, defs[i])
		return true
	}
	for i := range defs {
		if state[i] != 2 && !visit(i) {
			stuck = append(stuck, defs[i])
		}
	}
	return append(out, stuck...)
}
