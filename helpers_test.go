package profileauthz_test

import (
	"testing"
	"time"

	authz "github.com/oarkflow/profileauthz"
)

var baseTime = time.Date(2026, time.March, 2, 14, 0, 0, 0, time.UTC)

// standardRoles is the stock hierarchy guest < user < verified_user < moderator < admin < superadmin.
func standardRoles() []authz.RoleDefinition {
	return []authz.RoleDefinition{
		authz.NewRoleBuilder(authz.RoleGuest).Permissions(authz.PermissionRead).Build(),
		authz.NewRoleBuilder(authz.RoleUser).Inherits(authz.RoleGuest).Permissions(authz.PermissionEdit).Build(),
		authz.NewRoleBuilder(authz.RoleVerifiedUser).Inherits(authz.RoleUser).Permissions(authz.PermissionAudit).Build(),
		authz.NewRoleBuilder(authz.RoleModerator).Inherits(authz.RoleVerifiedUser).Permissions(authz.PermissionModerate).Build(),
		authz.NewRoleBuilder(authz.RoleAdmin).Inherits(authz.RoleModerator).
			Permissions(authz.PermissionDelete, authz.PermissionAdmin, authz.PermissionExport).Build(),
		authz.NewRoleBuilder(authz.RoleSuperadmin).Inherits(authz.RoleAdmin).Build(),
	}
}

func newTestEngine(t *testing.T, opts ...authz.EngineOption) *authz.Engine {
	t.Helper()
	all := append([]authz.EngineOption{authz.WithClock(authz.NewStepClock(baseTime, time.Second))}, opts...)
	engine, err := authz.NewEngine(all...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	for _, def := range standardRoles() {
		if err := engine.RegisterRole(def); err != nil {
			t.Fatalf("register role %s: %v", def.ID, err)
		}
	}
	return engine
}

func mustUpsert(t *testing.T, engine *authz.Engine, policies ...*authz.Policy) {
	t.Helper()
	for _, p := range policies {
		if err := engine.UpsertPolicy(p); err != nil {
			t.Fatalf("upsert policy %s: %v", p.ID, err)
		}
	}
}

func accessContext(t *testing.T, user string, role authz.RoleID, rel authz.Relationship, perm authz.Permission, resource string) authz.AccessContext {
	t.Helper()
	rt, id, owner, err := authz.ParseResource(resource)
	if err != nil {
		t.Fatalf("parse resource %q: %v", resource, err)
	}
	return authz.AccessContext{
		UserID:       user,
		Role:         role,
		OwnerID:      owner,
		Relationship: rel,
		Permission:   perm,
		ResourceType: rt,
		ResourceID:   id,
	}
}

func evaluate(t *testing.T, engine *authz.Engine, ac authz.AccessContext) authz.AccessDecision {
	t.Helper()
	d, err := engine.Evaluate(ac)
	if err != nil {
		t.Fatalf("evaluate %s %s: %v", ac.Permission, ac.Resource(), err)
	}
	return d
}
