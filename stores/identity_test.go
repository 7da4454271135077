package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/profileauthz"
)

type identityStore interface {
	profileauthz.IdentityProvider
	profileauthz.IdentitySeeder
}

func exerciseIdentity(t *testing.T, p identityStore) {
	t.Helper()
	ctx := context.Background()
	if _, err := p.Role(ctx, "ghost"); !errors.Is(err, profileauthz.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
	if err := p.SetRole(ctx, "alice", profileauthz.RoleVerifiedUser); err != nil {
		t.Fatalf("set role: %v", err)
	}
	role, err := p.Role(ctx, "alice")
	if err != nil || role != profileauthz.RoleVerifiedUser {
		t.Fatalf("expected verified_user, got %q %v", role, err)
	}
	rel, err := p.Relationship(ctx, "alice", "bob")
	if err != nil || rel != profileauthz.RelationshipStranger {
		t.Fatalf("expected stranger default, got %q %v", rel, err)
	}
	if err := p.SetRelationship(ctx, "alice", "bob", profileauthz.RelationshipFriend); err != nil {
		t.Fatalf("set relationship: %v", err)
	}
	rel, err = p.Relationship(ctx, "alice", "bob")
	if err != nil || rel != profileauthz.RelationshipFriend {
		t.Fatalf("expected friend, got %q %v", rel, err)
	}
	// relationships are directional
	rel, _ = p.Relationship(ctx, "bob", "alice")
	if rel != profileauthz.RelationshipStranger {
		t.Fatalf("expected reverse edge to be stranger, got %q", rel)
	}
	if err := p.SetRelationship(ctx, "alice", "bob", "enemy"); !errors.Is(err, profileauthz.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryIdentityProvider(t *testing.T) {
	exerciseIdentity(t, NewMemoryIdentityProvider())
}

func TestSQLIdentityProvider(t *testing.T) {
	p := NewSQLIdentityProvider(openTestDB(t))
	exerciseIdentity(t, p)
	ctx := context.Background()
	if err := p.RemoveRelationship(ctx, "alice", "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rel, _ := p.Relationship(ctx, "alice", "bob"); rel != profileauthz.RelationshipStranger {
		t.Fatalf("expected stranger after removal, got %q", rel)
	}
}

func TestRedisIdentityProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	p := NewRedisIdentityProvider(client, "")
	exerciseIdentity(t, p)

	ctx := context.Background()
	users, err := p.Users(ctx)
	if err != nil || len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected [alice], got %v %v", users, err)
	}
	if err := p.RemoveUser(ctx, "alice"); err != nil {
		t.Fatalf("remove user: %v", err)
	}
	if _, err := p.Role(ctx, "alice"); !errors.Is(err, profileauthz.ErrNotFound) {
		t.Fatalf("expected role gone, got %v", err)
	}
}

func TestContextBuilderWithRedisIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	p := NewRedisIdentityProvider(client, "test")
	if err := p.SetRole(ctx, "alice", profileauthz.RoleUser); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := p.SetRelationship(ctx, "alice", "bob", profileauthz.RelationshipConnection); err != nil {
		t.Fatalf("set rel: %v", err)
	}
	ac, err := profileauthz.NewContextBuilder(p, nil).Build(ctx, profileauthz.Request{
		UserID:     "alice",
		Resource:   "profile:bob/field:email",
		Permission: profileauthz.PermissionRead,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ac.Role != profileauthz.RoleUser || ac.Relationship != profileauthz.RelationshipConnection {
		t.Fatalf("unexpected identity: %+v", ac)
	}
	if ac.ResourceType != profileauthz.ResourceField || ac.ResourceID != "email" || ac.OwnerID != "bob" {
		t.Fatalf("unexpected resource: %+v", ac)
	}
}
