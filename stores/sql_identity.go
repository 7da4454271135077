package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/profileauthz"
)

// SQLIdentityProvider implements IdentityProvider backed by a SQL DB (squealx)
type SQLIdentityProvider struct {
	db *squealx.DB
}

func NewSQLIdentityProvider(db *squealx.DB) *SQLIdentityProvider {
	return &SQLIdentityProvider{db: db}
}

func (s *SQLIdentityProvider) Role(ctx context.Context, userID string) (profileauthz.RoleID, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = :user_id`, map[string]any{"user_id": userID})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return "", &profileauthz.NotFoundError{Kind: "user role", ID: userID}
	}
	var role string
	if err := r.Scan(&role); err != nil {
		return "", err
	}
	return profileauthz.RoleID(role), nil
}

func (s *SQLIdentityProvider) Relationship(ctx context.Context, userID, ownerID string) (profileauthz.Relationship, error) {
	q := `SELECT relationship FROM relationships WHERE user_id = :user_id AND owner_id = :owner_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "owner_id": ownerID})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return profileauthz.RelationshipStranger, nil
	}
	var rel string
	if err := r.Scan(&rel); err != nil {
		return "", err
	}
	return profileauthz.Relationship(rel), nil
}

func (s *SQLIdentityProvider) SetRole(ctx context.Context, userID string, role profileauthz.RoleID) error {
	q := `INSERT OR REPLACE INTO user_roles(user_id, role) VALUES(:user_id, :role)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role": string(role)})
	return err
}

func (s *SQLIdentityProvider) SetRelationship(ctx context.Context, userID, ownerID string, rel profileauthz.Relationship) error {
	if !rel.Valid() {
		return &profileauthz.ValidationError{Object: "relationship", ID: userID + "->" + ownerID, Field: "relationship", Reason: "unknown relationship " + string(rel)}
	}
	q := `INSERT OR REPLACE INTO relationships(user_id, owner_id, relationship) VALUES(:user_id, :owner_id, :relationship)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "owner_id": ownerID, "relationship": string(rel)})
	return err
}

func (s *SQLIdentityProvider) RemoveRelationship(ctx context.Context, userID, ownerID string) error {
	q := `DELETE FROM relationships WHERE user_id = :user_id AND owner_id = :owner_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "owner_id": ownerID})
	return err
}
