package profileauthz_test

import (
	"fmt"
	"testing"
	"time"

	authz "github.com/oarkflow/profileauthz"
)

func benchEngine(b *testing.B, numPolicies int) *authz.Engine {
	b.Helper()
	engine, err := authz.NewEngine(authz.WithClock(authz.NewStepClock(baseTime, time.Millisecond)))
	if err != nil {
		b.Fatalf("new engine: %v", err)
	}
	b.Cleanup(engine.Close)
	for _, def := range standardRoles() {
		if err := engine.RegisterRole(def); err != nil {
			b.Fatalf("register role: %v", err)
		}
	}
	// Non-matching policies ahead of the one that decides force a full scan.
	for i := 0; i < numPolicies; i++ {
		p := authz.NewPolicyBuilder(fmt.Sprintf("p-%d", i)).Priority(5).
			When(authz.Attr("clearance", authz.OpGreaterThan, i+1000)).Grant(authz.PermissionRead).Build()
		if err := engine.UpsertPolicy(p); err != nil {
			b.Fatalf("upsert: %v", err)
		}
	}
	if err := engine.UpsertPolicy(authz.NewPolicyBuilder("match").Priority(1).Grant(authz.PermissionRead).Build()); err != nil {
		b.Fatalf("upsert: %v", err)
	}
	return engine
}

func benchEvaluate(b *testing.B, numPolicies int) {
	engine := benchEngine(b, numPolicies)
	ac := authz.AccessContext{
		UserID:       "bench-user",
		Role:         authz.RoleUser,
		OwnerID:      "alice",
		Relationship: authz.RelationshipFriend,
		Permission:   authz.PermissionRead,
		ResourceType: authz.ResourceProfile,
		ResourceID:   "alice",
		Attributes:   map[string]any{"clearance": 50},
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = engine.Evaluate(ac)
	}
}

func BenchmarkEvaluate_10Policies(b *testing.B) { benchEvaluate(b, 10) }
func BenchmarkEvaluate_1kPolicies(b *testing.B)  { benchEvaluate(b, 1000) }

func BenchmarkEvaluateParallel(b *testing.B) {
	engine := benchEngine(b, 10)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			_, _ = engine.Evaluate(authz.AccessContext{
				UserID:       fmt.Sprintf("user-%d", i%64),
				Role:         authz.RoleVerifiedUser,
				Relationship: authz.RelationshipConnection,
				Permission:   authz.PermissionRead,
				ResourceType: authz.ResourceProfile,
				ResourceID:   "alice",
			})
		}
	})
}

func generateTestConfig(numPolicies int) *authz.Config {
	cb := authz.NewConfigBuilder()
	for _, def := range standardRoles() {
		cb.AddRole(def)
	}
	for i := 0; i < numPolicies; i++ {
		cb.AddPolicy(authz.NewPolicyBuilder(fmt.Sprintf("policy-%d", i)).Priority(i%10).
			Resources("profile:*").When(authz.RelationshipAtLeast(authz.RelationshipFriend)).
			Grant(authz.PermissionRead).Build())
		cb.AddMembership(fmt.Sprintf("user-%d", i), authz.RoleUser)
	}
	cfg, _ := cb.Build()
	return cfg
}

func BenchmarkYAMLDecode(b *testing.B) {
	data, err := generateTestConfig(500).ToYAML()
	if err != nil {
		b.Fatalf("encode: %v", err)
	}
	loader := authz.NewConfigLoader()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loader.LoadYAML(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkJSONDecode(b *testing.B) {
	data, err := generateTestConfig(500).ToJSON()
	if err != nil {
		b.Fatalf("encode: %v", err)
	}
	loader := authz.NewConfigLoader()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loader.LoadJSON(data); err != nil {
			b.Fatal(err)
		}
	}
}
