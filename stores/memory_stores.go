package stores

import (
	"context"
	"sync"

	"github.com/oarkflow/profileauthz"
)

// MemoryAuditSink keeps shipped audit entries in memory for testing/demo
type MemoryAuditSink struct {
	mu       sync.RWMutex
	entries  []profileauthz.AuditEntry
	seen     map[uint64]struct{}
	failNext int
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{seen: make(map[uint64]struct{})}
}

func (s *MemoryAuditSink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return ErrSinkUnavailable
	}
	for _, e := range entries {
		if _, dup := s.seen[e.Seq]; dup {
			continue
		}
		s.seen[e.Seq] = struct{}{}
		s.entries = append(s.entries, e)
	}
	return nil
}

// FailWrites makes the next n writes fail.
func (s *MemoryAuditSink) FailWrites(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Entries returns shipped entries in write order.
func (s *MemoryAuditSink) Entries() []profileauthz.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]profileauthz.AuditEntry(nil), s.entries...)
}

func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemoryIdentityProvider implements IdentityProvider and IdentitySeeder in-memory
type MemoryIdentityProvider struct {
	mu    sync.RWMutex
	roles map[string]profileauthz.RoleID
	rels  map[[2]string]profileauthz.Relationship
}

func NewMemoryIdentityProvider() *MemoryIdentityProvider {
	return &MemoryIdentityProvider{
		roles: make(map[string]profileauthz.RoleID),
		rels:  make(map[[2]string]profileauthz.Relationship),
	}
}

func (m *MemoryIdentityProvider) Role(ctx context.Context, userID string) (profileauthz.RoleID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[userID]
	if !ok {
		return "", &profileauthz.NotFoundError{Kind: "user role", ID: userID}
	}
	return r, nil
}

func (m *MemoryIdentityProvider) Relationship(ctx context.Context, userID, ownerID string) (profileauthz.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rels[[2]string{userID, ownerID}]; ok {
		return r, nil
	}
	return profileauthz.RelationshipStranger, nil
}

func (m *MemoryIdentityProvider) SetRole(ctx context.Context, userID string, role profileauthz.RoleID) error {
	m.mu.Lock()
	m.roles[userID] = role
	m.mu.Unlock()
	return nil
}

func (m *MemoryIdentityProvider) SetRelationship(ctx context.Context, userID, ownerID string, rel profileauthz.Relationship) error {
	if !rel.Valid() {
		return &profileauthz.ValidationError{Object: "relationship", ID: userID + "->" + ownerID, Field: "relationship", Reason: "unknown relationship " + string(rel)}
	}
	m.mu.Lock()
	m.rels[[2]string{userID, ownerID}] = rel
	m.mu.Unlock()
	return nil
}
