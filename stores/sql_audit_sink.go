package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/profileauthz"
	"github.com/oarkflow/squealx"
)

// SQLAuditSink persists audit entries in SQL (squealx). Writes are keyed by seq so a
// batch re-sent after a failed flush does not duplicate rows.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	q := `INSERT OR IGNORE INTO audit_log(seq, id, timestamp, ts_nano, user_id, role, permission, resource, outcome, risk_score, policy_ids_json, entry_json) VALUES(:seq, :id, :timestamp, :ts_nano, :user_id, :role, :permission, :resource, :outcome, :risk_score, :policy_ids_json, :entry_json)`
	for i := range entries {
		e := &entries[i]
		entryB, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit entry %d: %w", e.Seq, err)
		}
		idsB, _ := json.Marshal(e.PolicyIDs)
		_, err = s.db.NamedExecContext(ctx, q, map[string]any{
			"seq":             int64(e.Seq),
			"id":              e.ID,
			"timestamp":       e.Timestamp,
			"ts_nano":         e.Timestamp.UnixNano(),
			"user_id":         e.Context.UserID,
			"role":            string(e.Context.Role),
			"permission":      string(e.Context.Permission),
			"resource":        e.Context.Resource(),
			"outcome":         e.Decision.Outcome.String(),
			"risk_score":      e.RiskScore,
			"policy_ids_json": string(idsB),
			"entry_json":      string(entryB),
		})
		if err != nil {
			return fmt.Errorf("insert audit entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Query returns persisted entries matching filter, newest first.
func (s *SQLAuditSink) Query(ctx context.Context, filter profileauthz.AuditFilter) ([]profileauthz.AuditEntry, error) {
	if err := profileauthz.ValidateAuditFilter(filter); err != nil {
		return nil, err
	}
	q := `SELECT entry_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Permission != "" {
		q += " AND permission = :permission"
		params["permission"] = string(filter.Permission)
	}
	if filter.Outcome != nil {
		q += " AND outcome = :outcome"
		params["outcome"] = filter.Outcome.String()
	}
	if !filter.From.IsZero() {
		q += " AND ts_nano >= :start"
		params["start"] = filter.From.UnixNano()
	}
	if !filter.To.IsZero() {
		q += " AND ts_nano <= :end"
		params["end"] = filter.To.UnixNano()
	}
	q += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]profileauthz.AuditEntry, 0)
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		var e profileauthz.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, r.Err()
}

// LastSeq is the highest persisted sequence number, 0 when empty.
func (s *SQLAuditSink) LastSeq(ctx context.Context) (uint64, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`, map[string]any{})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var seq int64
	if r.Next() {
		if err := r.Scan(&seq); err != nil {
			return 0, err
		}
	}
	return uint64(seq), r.Err()
}
