package profileauthz_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	authz "github.com/oarkflow/profileauthz"
)

func ssnRule() authz.FieldAccessRule {
	return authz.FieldAccessRule{
		Field:         "ssn",
		Read:          true,
		Visibility:    authz.VisibilityFriends,
		GDPRProtected: true,
		Masking: []authz.DataMaskingRule{{
			Type:       authz.MaskPartial,
			Conditions: []authz.Condition{authz.RelationshipNot(authz.RelationshipSelf)},
		}},
	}
}

// newFieldEngine attaches the ssn rule to user and verified_user; only the latter holds audit.
func newFieldEngine(t *testing.T) *authz.Engine {
	t.Helper()
	engine := newTestEngine(t)
	defs := []authz.RoleDefinition{
		authz.NewRoleBuilder(authz.RoleUser).Inherits(authz.RoleGuest).Permissions(authz.PermissionEdit).Field(ssnRule()).Build(),
		authz.NewRoleBuilder(authz.RoleVerifiedUser).Inherits(authz.RoleUser).Permissions(authz.PermissionAudit).Field(ssnRule()).Build(),
	}
	for _, def := range defs {
		if err := engine.RegisterRole(def); err != nil {
			t.Fatalf("register %s: %v", def.ID, err)
		}
	}
	mustUpsert(t, engine, authz.NewPolicyBuilder("profile-read").Priority(3).
		Resources("profile:*").Permissions(authz.PermissionRead).Grant(authz.PermissionRead).Build())
	return engine
}

func TestFieldAccessMaskedForFriend(t *testing.T) {
	engine := newFieldEngine(t)
	ac := accessContext(t, "alice", authz.RoleVerifiedUser, authz.RelationshipFriend, authz.PermissionRead, "profile:bob/field:ssn")

	res, err := engine.CheckField(ac, "ssn", authz.AccessRead)
	if err != nil {
		t.Fatalf("check field: %v", err)
	}
	if !res.Allowed || !res.Masked || !res.AuditRequired {
		t.Fatalf("expected allowed, masked and audited, got %+v", res)
	}
	if res.MaskingRule == nil || res.MaskingRule.Type != authz.MaskPartial {
		t.Fatalf("expected partial masking rule, got %+v", res.MaskingRule)
	}

	d := evaluate(t, engine, ac)
	if d.Outcome != authz.OutcomeGranted {
		t.Fatalf("expected granted, got %s (%s)", d.Outcome, d.Reason)
	}
	if d.Masking == nil || !d.AuditRequired {
		t.Fatalf("expected decision to carry masking and audit flag, got %+v", d)
	}
	masked, err := engine.MaskValue(d.Masking, "123-45-6789")
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if masked != "*******6789" {
		t.Fatalf("unexpected masked value %q", masked)
	}

	owner := accessContext(t, "bob", authz.RoleVerifiedUser, authz.RelationshipSelf, authz.PermissionRead, "profile:bob/field:ssn")
	res, _ = engine.CheckField(owner, "ssn", authz.AccessRead)
	if !res.Allowed || res.Masked {
		t.Fatalf("owner should see the unmasked value, got %+v", res)
	}
}

func TestFieldAccessGDPRRequiresAudit(t *testing.T) {
	engine := newFieldEngine(t)
	ac := accessContext(t, "carol", authz.RoleUser, authz.RelationshipFriend, authz.PermissionRead, "profile:bob/field:ssn")

	res, err := engine.CheckField(ac, "ssn", authz.AccessRead)
	if err != nil {
		t.Fatalf("check field: %v", err)
	}
	if res.Allowed || !res.GDPRBlocked {
		t.Fatalf("expected gdpr block, got %+v", res)
	}

	d := evaluate(t, engine, ac)
	if d.Outcome != authz.OutcomeDenied {
		t.Fatalf("policy grant on the parent profile must not bypass gdpr, got %s", d.Outcome)
	}
	blocking := false
	for _, f := range d.ComplianceFlags {
		if f.Tag == "gdpr" && f.Blocking {
			blocking = true
		}
	}
	if !blocking {
		t.Fatalf("expected blocking gdpr compliance flag, got %+v", d.ComplianceFlags)
	}
	if d.Masking != nil {
		t.Fatalf("denied decisions must not carry masking")
	}
}

func TestFieldAccessVisibility(t *testing.T) {
	engine := newFieldEngine(t)

	stranger := accessContext(t, "eve", authz.RoleVerifiedUser, authz.RelationshipStranger, authz.PermissionRead, "profile:bob/field:ssn")
	res, _ := engine.CheckField(stranger, "ssn", authz.AccessRead)
	if res.Allowed {
		t.Fatalf("friends-only field must be hidden from strangers, got %+v", res)
	}

	admin := accessContext(t, "root", authz.RoleAdmin, authz.RelationshipStranger, authz.PermissionRead, "profile:bob/field:ssn")
	res, _ = engine.CheckField(admin, "ssn", authz.AccessRead)
	if !res.Allowed || !res.Masked {
		t.Fatalf("admin bypasses visibility but stays masked, got %+v", res)
	}

	write := accessContext(t, "alice", authz.RoleVerifiedUser, authz.RelationshipFriend, authz.PermissionEdit, "profile:bob/field:ssn")
	res, _ = engine.CheckField(write, "ssn", authz.AccessWrite)
	if res.Allowed {
		t.Fatalf("rule grants read only, got %+v", res)
	}
}

func TestCanAccessFieldWithoutContext(t *testing.T) {
	engine := newFieldEngine(t)

	res, err := engine.CanAccessField(authz.RoleVerifiedUser, "ssn", authz.AccessRead)
	if err != nil {
		t.Fatalf("can access: %v", err)
	}
	if res.Allowed {
		t.Fatalf("relationship-dependent rule must fail closed without context, got %+v", res)
	}

	res, _ = engine.CanAccessField(authz.RoleUser, "bio", authz.AccessWrite)
	if !res.Allowed {
		t.Fatalf("no rule falls back to role edit permission, got %+v", res)
	}
	res, _ = engine.CanAccessField(authz.RoleGuest, "bio", authz.AccessWrite)
	if res.Allowed {
		t.Fatalf("guest lacks edit, got %+v", res)
	}

	if _, err := engine.CanAccessField("ghost", "bio", authz.AccessRead); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected not found for unknown role, got %v", err)
	}
	if _, err := engine.CanAccessField(authz.RoleUser, "bio", "rename"); !errors.Is(err, authz.ErrValidation) {
		t.Fatalf("expected validation error for unknown access type, got %v", err)
	}
}

func TestMaskingGuardErrorMasks(t *testing.T) {
	engine := newTestEngine(t)
	def := authz.NewRoleBuilder(authz.RoleUser).Inherits(authz.RoleGuest).Permissions(authz.PermissionEdit).
		Field(authz.FieldAccessRule{
			Field: "phone",
			Read:  true,
			Masking: []authz.DataMaskingRule{{
				Type:       authz.MaskRedact,
				Conditions: []authz.Condition{authz.Attr("viewer.clearance", authz.OpLessThan, 3)},
			}},
		}).Build()
	if err := engine.RegisterRole(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	ac := accessContext(t, "alice", authz.RoleUser, authz.RelationshipFriend, authz.PermissionRead, "profile:bob/field:phone")
	res, err := engine.CheckField(ac, "phone", authz.AccessRead)
	if err != nil {
		t.Fatalf("check field: %v", err)
	}
	if !res.Allowed || !res.Masked {
		t.Fatalf("a guard that cannot be evaluated must mask, got %+v", res)
	}

	ac.Attributes = map[string]any{"viewer": map[string]any{"clearance": 5}}
	res, _ = engine.CheckField(ac, "phone", authz.AccessRead)
	if res.Masked {
		t.Fatalf("cleared viewer should see the raw value, got %+v", res)
	}
}

func TestMaskerTypes(t *testing.T) {
	m, err := authz.NewMasker(nil)
	if err != nil {
		t.Fatalf("new masker: %v", err)
	}
	sum := sha256.Sum256([]byte("alice@example.com"))
	cases := []struct {
		rule  authz.DataMaskingRule
		value string
		want  string
	}{
		{authz.DataMaskingRule{Type: authz.MaskPartial}, "4111111111111111", "************1111"},
		{authz.DataMaskingRule{Type: authz.MaskPartial}, "abc", "***"},
		{authz.DataMaskingRule{Type: authz.MaskPartial, Replacement: "#"}, "555-0199", "####0199"},
		{authz.DataMaskingRule{Type: authz.MaskFull}, "secret", "******"},
		{authz.DataMaskingRule{Type: authz.MaskFull}, "héllo", "*****"},
		{authz.DataMaskingRule{Type: authz.MaskHash}, "alice@example.com", hex.EncodeToString(sum[:])},
		{authz.DataMaskingRule{Type: authz.MaskRedact}, "anything", "[REDACTED]"},
		{authz.DataMaskingRule{Type: authz.MaskRedact, Replacement: "<hidden>"}, "anything", "<hidden>"},
	}
	for _, tc := range cases {
		got, err := m.Apply(tc.rule, tc.value)
		if err != nil {
			t.Fatalf("%s: %v", tc.rule.Type, err)
		}
		if got != tc.want {
			t.Fatalf("%s(%q): expected %q, got %q", tc.rule.Type, tc.value, tc.want, got)
		}
	}
	if _, err := m.Apply(authz.DataMaskingRule{Type: authz.MaskEncrypt}, "x"); !errors.Is(err, authz.ErrNoEncryptionKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := m.Apply(authz.DataMaskingRule{Type: "shuffle"}, "x"); err == nil {
		t.Fatalf("expected unknown mask type to fail")
	}
}

func TestMaskerEncryptRoundTrip(t *testing.T) {
	if _, err := authz.NewMasker([]byte("short")); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	m, err := authz.NewMasker([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("new masker: %v", err)
	}
	rule := authz.DataMaskingRule{Type: authz.MaskEncrypt}
	a, err := m.Apply(rule, "123-45-6789")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, _ := m.Apply(rule, "123-45-6789")
	if a == b {
		t.Fatalf("expected distinct ciphertexts from random nonces")
	}
	plain, err := m.Decrypt(a)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "123-45-6789" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
	if _, err := m.Decrypt("not base64!"); err == nil {
		t.Fatalf("expected decode failure")
	}
}
