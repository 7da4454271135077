package profileauthz

import (
	"context"
	"fmt"
	"strings"
)

// IdentityProvider resolves roles and relationships. Implementations may do I/O; the
// engine never calls it from Evaluate.
type IdentityProvider interface {
	Role(ctx context.Context, userID string) (RoleID, error)
	// Relationship returns RelationshipStranger when nothing is recorded.
	Relationship(ctx context.Context, userID, ownerID string) (Relationship, error)
}

// IdentitySeeder is implemented by providers that accept writes from configuration.
type IdentitySeeder interface {
	SetRole(ctx context.Context, userID string, role RoleID) error
	SetRelationship(ctx context.Context, userID, ownerID string, rel Relationship) error
}

// Request is the caller-side description of an access before identity resolution.
type Request struct {
	UserID     string
	Resource   string // "profile:<owner>", "profile:<owner>/field:<name>" or "field:<name>"
	OwnerID    string // overrides the owner parsed from Resource
	Permission Permission
	SessionID  string
	DeviceID   string
	IP         string
	Attributes map[string]any
}

// ContextBuilder turns a Request into an AccessContext, doing identity I/O up front.
type ContextBuilder struct {
	identity IdentityProvider
	clock    Clock
}

func NewContextBuilder(identity IdentityProvider, clock Clock) *ContextBuilder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ContextBuilder{identity: identity, clock: clock}
}

// Build resolves the role and relationship for req.
func (b *ContextBuilder) Build(ctx context.Context, req Request) (AccessContext, error) {
	rt, id, owner, err := ParseResource(req.Resource)
	if err != nil {
		return AccessContext{}, err
	}
	if req.OwnerID != "" {
		owner = req.OwnerID
	}
	ac := AccessContext{
		UserID:       req.UserID,
		OwnerID:      owner,
		SessionID:    req.SessionID,
		DeviceID:     req.DeviceID,
		IP:           req.IP,
		Timestamp:    b.clock.Now(),
		Permission:   req.Permission,
		ResourceType: rt,
		ResourceID:   id,
		Attributes:   cloneAttributes(req.Attributes),
	}
	if b.identity == nil {
		return ac, fmt.Errorf("no identity provider configured")
	}
	role, err := b.identity.Role(ctx, req.UserID)
	if err != nil {
		return ac, fmt.Errorf("resolve role for %s: %w", req.UserID, err)
	}
	ac.Role = role
	rel, err := b.relationship(ctx, req.UserID, owner)
	if err != nil {
		return ac, err
	}
	ac.Relationship = rel
	return ac, nil
}

func (b *ContextBuilder) relationship(ctx context.Context, userID, ownerID string) (Relationship, error) {
	switch {
	case ownerID == "":
		return RelationshipStranger, nil
	case userID == ownerID:
		return RelationshipSelf, nil
	case b.identity == nil:
		return RelationshipStranger, nil
	}
	rel, err := b.identity.Relationship(ctx, userID, ownerID)
	if err != nil {
		return "", fmt.Errorf("resolve relationship %s->%s: %w", userID, ownerID, err)
	}
	return rel, nil
}

// ParseResource splits a resource string into type, id and the owning profile.
func ParseResource(s string) (ResourceType, string, string, error) {
	head, tail, nested := strings.Cut(s, "/")
	rt, id, ok := strings.Cut(head, ":")
	if !ok || id == "" {
		return "", "", "", &ValidationError{Object: "resource", ID: s, Reason: "expected type:id"}
	}
	switch ResourceType(rt) {
	case ResourceProfile:
		if !nested {
			return ResourceProfile, id, id, nil
		}
		ft, field, ok := strings.Cut(tail, ":")
		if !ok || ResourceType(ft) != ResourceField || field == "" {
			return "", "", "", &ValidationError{Object: "resource", ID: s, Reason: "expected profile:<owner>/field:<name>"}
		}
		return ResourceField, field, id, nil
	case ResourceField:
		if nested {
			return "", "", "", &ValidationError{Object: "resource", ID: s, Reason: "field resources cannot be nested"}
		}
		return ResourceField, id, "", nil
	}
	return "", "", "", &ValidationError{Object: "resource", ID: s, Reason: fmt.Sprintf("unknown resource type %q", rt)}
}
