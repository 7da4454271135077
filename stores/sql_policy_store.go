package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/profileauthz"
	"github.com/oarkflow/squealx"
)

// SQLPolicyStore persists policies as JSON documents in SQL (squealx). Replaced
// versions are archived in policy_history.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// Save archives the stored version of p, if any, and writes p in its place.
func (s *SQLPolicyStore) Save(ctx context.Context, p *profileauthz.Policy) error {
	if p == nil || p.ID == "" {
		return &profileauthz.ValidationError{Object: "policy", Field: "id", Reason: "missing id"}
	}
	if old, err := s.Get(ctx, p.ID); err == nil {
		if err := s.archive(ctx, old); err != nil {
			return err
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	q := `INSERT INTO policies(id, priority, active, version, checksum, policy_json, updated_at) VALUES(:id, :priority, :active, :version, :checksum, :policy_json, :updated_at)
ON CONFLICT(id) DO UPDATE SET priority=excluded.priority, active=excluded.active, version=excluded.version, checksum=excluded.checksum, policy_json=excluded.policy_json, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          p.ID,
		"priority":    p.Priority,
		"active":      boolToInt(p.Active),
		"version":     p.Version,
		"checksum":    p.Checksum(),
		"policy_json": string(b),
		"updated_at":  updated,
	})
	return err
}

func (s *SQLPolicyStore) Delete(ctx context.Context, id string) error {
	old, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.archive(ctx, old); err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) Get(ctx context.Context, id string) (*profileauthz.Policy, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT policy_json FROM policies WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &profileauthz.NotFoundError{Kind: "policy", ID: id}
	}
	var raw string
	if err := r.Scan(&raw); err != nil {
		return nil, err
	}
	return decodePolicy(raw)
}

// List returns stored policies by descending priority.
func (s *SQLPolicyStore) List(ctx context.Context) ([]*profileauthz.Policy, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT policy_json FROM policies ORDER BY priority DESC, id ASC`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*profileauthz.Policy, 0)
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := decodePolicy(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, r.Err()
}

// PolicyVersion is an archived policy with the time it was replaced.
type PolicyVersion struct {
	Policy     *profileauthz.Policy
	ArchivedAt time.Time
}

// History returns archived versions of id, oldest first.
func (s *SQLPolicyStore) History(ctx context.Context, id string) ([]PolicyVersion, error) {
	q := `SELECT policy_json, archived_at FROM policy_history WHERE policy_id = :policy_id ORDER BY version ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]PolicyVersion, 0)
	for r.Next() {
		var raw string
		var archivedRaw any
		if err := r.Scan(&raw, &archivedRaw); err != nil {
			return nil, err
		}
		p, err := decodePolicy(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, PolicyVersion{Policy: p, ArchivedAt: scanTime(archivedRaw)})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &profileauthz.NotFoundError{Kind: "policy history", ID: id}
	}
	return out, nil
}

// LoadInto upserts every stored policy into e and returns how many were applied.
func (s *SQLPolicyStore) LoadInto(ctx context.Context, e *profileauthz.Engine) (int, error) {
	policies, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	for i, p := range policies {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := e.UpsertPolicy(p); err != nil {
			return i, fmt.Errorf("load policy %s: %w", p.ID, err)
		}
	}
	return len(policies), nil
}

func (s *SQLPolicyStore) archive(ctx context.Context, p *profileauthz.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	q := `INSERT OR REPLACE INTO policy_history(policy_id, version, policy_json, archived_at) VALUES(:policy_id, :version, :policy_json, :archived_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":   p.ID,
		"version":     p.Version,
		"policy_json": string(b),
		"archived_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

func decodePolicy(raw string) (*profileauthz.Policy, error) {
	p := &profileauthz.Policy{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}
