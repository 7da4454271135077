package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/profileauthz"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// a single connection keeps every statement on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testEntry(seq uint64, user string, perm profileauthz.Permission, outcome profileauthz.Outcome) profileauthz.AuditEntry {
	ts := baseTime.Add(time.Duration(seq) * time.Minute)
	return profileauthz.AuditEntry{
		ID:        "evt-" + user + "-" + string(perm),
		Seq:       seq,
		Timestamp: ts,
		Context: profileauthz.AccessContext{
			UserID:       user,
			Role:         profileauthz.RoleUser,
			OwnerID:      "owner-1",
			Permission:   perm,
			ResourceType: profileauthz.ResourceProfile,
			ResourceID:   "owner-1",
			Timestamp:    ts,
		},
		Decision: profileauthz.AccessDecision{
			Outcome:          outcome,
			Permission:       perm,
			RiskScore:        20,
			PolicyReferences: []string{"p1"},
			Timestamp:        ts,
			AuditSeq:         seq,
		},
		PolicyIDs: []string{"p1"},
		RiskScore: 20,
	}
}

func TestScanTime(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := scanTime(want); !got.Equal(want) {
		t.Fatalf("time.Time: got %v", got)
	}
	if got := scanTime(want.Format(time.RFC3339)); !got.Equal(want) {
		t.Fatalf("string: got %v", got)
	}
	if got := scanTime([]byte(want.Format(time.RFC3339))); !got.Equal(want) {
		t.Fatalf("bytes: got %v", got)
	}
	if got := scanTime(nil); !got.IsZero() {
		t.Fatalf("nil: got %v", got)
	}
}
