package profileauthz_test

import (
	"errors"
	"testing"
	"time"

	authz "github.com/oarkflow/profileauthz"
)

func newPolicyStore(t *testing.T) *authz.PolicyStore {
	t.Helper()
	return authz.NewPolicyStore(authz.NewStepClock(baseTime, time.Minute), nil)
}

func policyIDs(ps []*authz.Policy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestPolicyStoreOrdering(t *testing.T) {
	store := newPolicyStore(t)
	for _, p := range []*authz.Policy{
		authz.NewPolicyBuilder("low").Priority(1).Grant().Build(),
		authz.NewPolicyBuilder("tie-a").Priority(5).Grant().Build(),
		authz.NewPolicyBuilder("high").Priority(9).Grant().Build(),
		authz.NewPolicyBuilder("tie-b").Priority(5).Grant().Build(),
	} {
		if err := store.Upsert(p); err != nil {
			t.Fatalf("upsert %s: %v", p.ID, err)
		}
	}
	want := []string{"high", "tie-a", "tie-b", "low"}
	got := policyIDs(store.List())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	// An update keeps the original insertion slot for tie-breaking.
	if err := store.Upsert(authz.NewPolicyBuilder("tie-a").Priority(5).Name("renamed").Grant().Build()); err != nil {
		t.Fatalf("update tie-a: %v", err)
	}
	got = policyIDs(store.List())
	if got[1] != "tie-a" || got[2] != "tie-b" {
		t.Fatalf("update changed tie order: %v", got)
	}
}

func TestPolicyStoreApplicablePolicies(t *testing.T) {
	store := newPolicyStore(t)
	for _, p := range []*authz.Policy{
		authz.NewPolicyBuilder("profiles").Resources("profile:*").Permissions(authz.PermissionRead).Grant().Build(),
		authz.NewPolicyBuilder("ssn-only").Resources("field:ssn").Grant().Build(),
		authz.NewPolicyBuilder("edits").Permissions(authz.PermissionEdit).Grant().Build(),
		authz.NewPolicyBuilder("disabled").Active(false).Grant().Build(),
	} {
		if err := store.Upsert(p); err != nil {
			t.Fatalf("upsert %s: %v", p.ID, err)
		}
	}
	cases := []struct {
		name     string
		ac       authz.AccessContext
		expected []string
	}{
		{"profile read", accessContext(t, "a", authz.RoleUser, authz.RelationshipFriend, authz.PermissionRead, "profile:bob"), []string{"profiles"}},
		{"nested field read matches parent", accessContext(t, "a", authz.RoleUser, authz.RelationshipFriend, authz.PermissionRead, "profile:bob/field:ssn"), []string{"profiles", "ssn-only"}},
		{"bare field edit", accessContext(t, "a", authz.RoleUser, authz.RelationshipFriend, authz.PermissionEdit, "field:email"), []string{"edits"}},
		{"delete", accessContext(t, "a", authz.RoleUser, authz.RelationshipFriend, authz.PermissionDelete, "profile:bob"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policyIDs(store.ApplicablePolicies(&tc.ac))
			if len(got) != len(tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
			for i := range got {
				if got[i] != tc.expected[i] {
					t.Fatalf("expected %v, got %v", tc.expected, got)
				}
			}
		})
	}
}

func TestPolicyStoreVersionsAndHistory(t *testing.T) {
	store := newPolicyStore(t)
	p := authz.NewPolicyBuilder("friends-read").Priority(3).Grant(authz.PermissionRead).Build()
	if err := store.Upsert(p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p.Priority = 4
	if err := store.Upsert(p); err != nil {
		t.Fatalf("update: %v", err)
	}
	current, err := store.Get("friends-read")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Version != 2 || current.Priority != 4 {
		t.Fatalf("expected version 2 at priority 4, got v%d at %d", current.Version, current.Priority)
	}
	if !current.UpdatedAt.After(current.CreatedAt) {
		t.Fatalf("expected updated_at after created_at, got %s / %s", current.UpdatedAt, current.CreatedAt)
	}
	history, err := store.History("friends-read")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Version != 1 || history[0].Priority != 3 {
		t.Fatalf("unexpected history %+v", history)
	}

	// Callers cannot mutate stored policies through returned copies.
	current.Priority = 99
	again, _ := store.Get("friends-read")
	if again.Priority != 4 {
		t.Fatalf("stored policy was mutated through a copy")
	}

	if err := store.Remove("friends-read"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get("friends-read"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	history, _ = store.History("friends-read")
	if len(history) != 2 {
		t.Fatalf("removal should archive the last version, got %d entries", len(history))
	}
	if err := store.Remove("friends-read"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("removing twice must fail with not found, got %v", err)
	}
	if _, err := store.History("never-existed"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected not found history, got %v", err)
	}
}

func TestPolicyStoreValidation(t *testing.T) {
	store := newPolicyStore(t)
	cases := []struct {
		name   string
		policy *authz.Policy
	}{
		{"nil", nil},
		{"missing id", &authz.Policy{Actions: []authz.Action{{Type: authz.ActionGrant}}}},
		{"no actions", authz.NewPolicyBuilder("empty").Build()},
		{"unknown action", &authz.Policy{ID: "x", Actions: []authz.Action{{Type: "allow"}}}},
		{"unknown permission", authz.NewPolicyBuilder("x").Permissions("share").Grant().Build()},
		{"unknown condition kind", authz.NewPolicyBuilder("x").When(authz.Condition{Kind: "weather"}).Grant().Build()},
		{"bad regex", authz.NewPolicyBuilder("x").When(authz.Attr("email", authz.OpRegex, "(")).Grant().Build()},
		{"empty resource pattern", authz.NewPolicyBuilder("x").Resources("").Grant().Build()},
		{"negative validity", authz.NewPolicyBuilder("x").GrantFor(-time.Minute, false).Build()},
		{"inverted exception window", authz.NewPolicyBuilder("x").Grant().
			Except(authz.Exception{ID: "e", From: baseTime, Until: baseTime.Add(-time.Hour)}).Build()},
		{"unsupported fallback", &authz.Policy{ID: "x", Actions: []authz.Action{{Type: authz.ActionEscalate, Fallback: authz.OutcomeDelegated}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Upsert(tc.policy); !errors.Is(err, authz.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if store.Len() != 0 {
		t.Fatalf("invalid policies must not be stored")
	}

	if err := store.Insert(authz.NewPolicyBuilder("dup").Grant().Build()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(authz.NewPolicyBuilder("dup").Grant().Build()); !errors.Is(err, authz.ErrValidation) {
		t.Fatalf("expected duplicate insert to fail, got %v", err)
	}
}

func TestPolicyChecksumTracksContent(t *testing.T) {
	a := authz.NewPolicyBuilder("p").Priority(3).When(authz.RoleIs(authz.RoleUser)).Grant(authz.PermissionRead).Build()
	b := authz.NewPolicyBuilder("p").Priority(3).When(authz.RoleIs(authz.RoleUser)).Grant(authz.PermissionRead).Build()
	if a.Checksum() != b.Checksum() {
		t.Fatalf("identical policies must share a checksum")
	}
	b.Priority = 4
	if a.Checksum() == b.Checksum() {
		t.Fatalf("priority change must alter the checksum")
	}
}

func TestPolicyStoreCopiesAreIndependent(t *testing.T) {
	store := newPolicyStore(t)
	p := authz.NewPolicyBuilder("teams").
		When(authz.Attr("team", authz.OpInRange, []any{1, 5})).
		Except(authz.Exception{ID: "ops", UserIDs: []string{"alice"}, Roles: []authz.RoleID{authz.RoleAdmin}}).
		Grant(authz.PermissionRead).Build()
	if err := store.Upsert(p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Conditions[0].Value.([]any)[0] = 100
	p.Exceptions[0].UserIDs[0] = "mallory"

	got, err := store.Get("teams")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Conditions[0].Value.([]any)[1] = 200
	got.Exceptions[0].UserIDs[0] = "eve"
	got.Exceptions[0].Roles[0] = authz.RoleGuest

	for _, listed := range [][]*authz.Policy{store.List(), {mustGet(t, store, "teams")}} {
		c, ex := listed[0].Conditions[0], listed[0].Exceptions[0]
		if bounds := c.Value.([]any); bounds[0] != 1 || bounds[1] != 5 {
			t.Fatalf("stored condition value was mutated through a copy: %v", bounds)
		}
		if ex.UserIDs[0] != "alice" || ex.Roles[0] != authz.RoleAdmin {
			t.Fatalf("stored exception was mutated through a copy: %+v", ex)
		}
	}
}

func mustGet(t *testing.T, store *authz.PolicyStore, id string) *authz.Policy {
	t.Helper()
	p, err := store.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p
}
