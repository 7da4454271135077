package profileauthz

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/oarkflow/profileauthz/utils"
)

type storedPolicy struct {
	policy *Policy
	seq    uint64 // insertion order, kept across updates
}

// PolicyStore holds versioned policies ordered by (priority desc, insertion asc).
// Stored policies are never mutated; an update swaps in a new copy.
type PolicyStore struct {
	mu        sync.RWMutex
	policies  map[string]*storedPolicy
	histories map[string][]*Policy
	ordered   []*storedPolicy
	seq       uint64

	validate       *validator.Validate
	checkCondition func(Condition) error
	clock          Clock
}

// NewPolicyStore creates an empty store. check validates each condition on insert;
// nil uses ValidateCondition.
func NewPolicyStore(clock Clock, check func(Condition) error) *PolicyStore {
	if clock == nil {
		clock = SystemClock{}
	}
	if check == nil {
		check = ValidateCondition
	}
	return &PolicyStore{
		policies:       make(map[string]*storedPolicy),
		histories:      make(map[string][]*Policy),
		validate:       validator.New(),
		checkCondition: check,
		clock:          clock,
	}
}

// Validate checks a policy without storing it.
func (s *PolicyStore) Validate(p *Policy) error {
	if p == nil {
		return &ValidationError{Object: "policy", Reason: "nil policy"}
	}
	if err := s.validate.Struct(p); err != nil {
		return fromValidator("policy", p.ID, err)
	}
	for _, perm := range p.Permissions {
		if !perm.Valid() {
			return &ValidationError{Object: "policy", ID: p.ID, Field: "permissions", Reason: fmt.Sprintf("unknown permission %q", perm)}
		}
	}
	for i, r := range p.Resources {
		if r == "" {
			return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("resources[%d]", i), Reason: "empty pattern"}
		}
	}
	for i, c := range p.Conditions {
		if err := s.checkCondition(c); err != nil {
			return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("conditions[%d]", i), Reason: err.Error()}
		}
	}
	for i, a := range p.Actions {
		for _, perm := range a.Permissions {
			if !perm.Valid() {
				return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("actions[%d].permissions", i), Reason: fmt.Sprintf("unknown permission %q", perm)}
			}
		}
		if a.ValidFor < 0 {
			return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("actions[%d].valid_for", i), Reason: "negative duration"}
		}
		if (a.Type == ActionRequireApproval || a.Type == ActionEscalate) && a.Fallback != OutcomeDenied && a.Fallback != OutcomeGranted {
			return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("actions[%d].fallback", i), Reason: fmt.Sprintf("fallback %s is not supported", a.Fallback)}
		}
	}
	for i, ex := range p.Exceptions {
		if !ex.From.IsZero() && !ex.Until.IsZero() && !ex.From.Before(ex.Until) {
			return &ValidationError{Object: "policy", ID: p.ID, Field: fmt.Sprintf("exceptions[%d]", i), Reason: "from must precede until"}
		}
	}
	return nil
}

// Upsert validates p and commits a copy. Updating an existing id archives the old version
// and keeps its original insertion position for tie-breaking.
func (s *PolicyStore) Upsert(p *Policy) error {
	return s.commit(p, true)
}

// Insert is Upsert that refuses to replace an existing id.
func (s *PolicyStore) Insert(p *Policy) error {
	return s.commit(p, false)
}

func (s *PolicyStore) commit(p *Policy, replace bool) error {
	if err := s.Validate(p); err != nil {
		return err
	}
	cp := p.clone()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.policies[cp.ID]; ok {
		if !replace {
			return &ValidationError{Object: "policy", ID: cp.ID, Field: "id", Reason: "duplicate policy id"}
		}
		s.histories[cp.ID] = append(s.histories[cp.ID], old.policy)
		cp.Version = old.policy.Version + 1
		cp.CreatedAt = old.policy.CreatedAt
		cp.UpdatedAt = now
		s.policies[cp.ID] = &storedPolicy{policy: cp, seq: old.seq}
	} else {
		s.seq++
		cp.Version = 1
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.policies[cp.ID] = &storedPolicy{policy: cp, seq: s.seq}
	}
	s.reorder()
	return nil
}

// Remove deletes the policy; its last version stays in history.
func (s *PolicyStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[id]
	if !ok {
		return &NotFoundError{Kind: "policy", ID: id}
	}
	s.histories[id] = append(s.histories[id], old.policy)
	delete(s.policies, id)
	s.reorder()
	return nil
}

// reorder rebuilds the evaluation order. Caller holds mu.
func (s *PolicyStore) reorder() {
	ordered := make([]*storedPolicy, 0, len(s.policies))
	for _, sp := range s.policies {
		ordered = append(ordered, sp)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].policy.Priority != ordered[j].policy.Priority {
			return ordered[i].policy.Priority > ordered[j].policy.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})
	s.ordered = ordered
}

// applicable returns the stored (immutable) policies matching ac, in evaluation order.
func (s *PolicyStore) applicable(ac *AccessContext) []*Policy {
	resource, parent := ac.Resource(), ac.parentResource()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, sp := range s.ordered {
		p := sp.policy
		if !p.Active {
			continue
		}
		if !matchesPermission(p.Permissions, ac.Permission) {
			continue
		}
		if !matchesResource(p.Resources, resource, parent) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ApplicablePolicies returns copies of the active policies whose resource and permission
// patterns match ac, sorted by priority desc then insertion order.
func (s *PolicyStore) ApplicablePolicies(ac *AccessContext) []*Policy {
	ps := s.applicable(ac)
	out := make([]*Policy, len(ps))
	for i, p := range ps {
		out[i] = p.clone()
	}
	return out
}

func matchesPermission(perms []Permission, want Permission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

func matchesResource(patterns []string, resource, parent string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if utils.MatchResource(resource, pat) {
			return true
		}
		if parent != "" && utils.MatchResource(parent, pat) {
			return true
		}
	}
	return false
}

func (s *PolicyStore) Get(id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.policies[id]
	if !ok {
		return nil, &NotFoundError{Kind: "policy", ID: id}
	}
	return sp.policy.clone(), nil
}

// List returns every policy in evaluation order.
func (s *PolicyStore) List() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, len(s.ordered))
	for i, sp := range s.ordered {
		out[i] = sp.policy.clone()
	}
	return out
}

// History returns previous versions of a policy, oldest first.
func (s *PolicyStore) History(id string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		if _, live := s.policies[id]; live {
			return []*Policy{}, nil
		}
		return nil, &NotFoundError{Kind: "policy", ID: id}
	}
	out := make([]*Policy, len(h))
	for i, p := range h {
		out[i] = p.clone()
	}
	return out, nil
}

// unchanged reports whether a policy with p's id is stored with the same content.
func (s *PolicyStore) unchanged(p *Policy) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.policies[p.ID]
	return ok && sp.policy.Checksum() == p.Checksum()
}

func (s *PolicyStore) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.policies))
	for id := range s.policies {
		out = append(out, id)
	}
	return out
}

func (s *PolicyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}
