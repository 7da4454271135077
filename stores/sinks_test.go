package stores

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/oarkflow/profileauthz"
)

func TestRedisAuditSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	sink := NewRedisAuditSink(client, "", 2)

	batch := []profileauthz.AuditEntry{
		testEntry(1, "alice", profileauthz.PermissionRead, profileauthz.OutcomeGranted),
		testEntry(2, "alice", profileauthz.PermissionEdit, profileauthz.OutcomeDenied),
	}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if n, _ := sink.Len(ctx); n != 2 {
		t.Fatalf("expected 2 entries after re-delivery, got %d", n)
	}
	if err := sink.Write(ctx, []profileauthz.AuditEntry{testEntry(3, "bob", profileauthz.PermissionRead, profileauthz.OutcomeGranted)}); err != nil {
		t.Fatalf("write 3: %v", err)
	}
	recent, err := sink.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Seq != 3 || recent[1].Seq != 2 {
		t.Fatalf("expected trimmed newest-first [3 2], got %d entries", len(recent))
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaAuditSink(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := &KafkaAuditSink{writer: w}
	batch := []profileauthz.AuditEntry{
		testEntry(7, "alice", profileauthz.PermissionRead, profileauthz.OutcomeGranted),
		testEntry(8, "bob", profileauthz.PermissionDelete, profileauthz.OutcomeDenied),
	}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	m := w.msgs[1]
	if string(m.Key) != "bob" {
		t.Fatalf("expected key bob, got %q", m.Key)
	}
	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["seq"] != "8" || headers["outcome"] != "denied" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if !strings.Contains(string(m.Value), `"user_id":"bob"`) {
		t.Fatalf("payload missing user: %s", m.Value)
	}

	w.err = errors.New("broker down")
	if err := sink.Write(context.Background(), batch); err == nil {
		t.Fatal("expected write error to propagate")
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("expected close, got %v", err)
	}
}

func TestNewKafkaAuditSinkValidation(t *testing.T) {
	if _, err := NewKafkaAuditSink(KafkaConfig{Topic: "audit"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaAuditSink(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	sink, err := NewKafkaAuditSink(KafkaConfig{Brokers: []string{"\t", "127.0.0.1:9092"}, Topic: "audit"})
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var nilSink *KafkaAuditSink
	if err := nilSink.Write(context.Background(), nil); err == nil {
		t.Fatal("expected error from nil sink")
	}
}

func TestFanoutAndFlushRetry(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryAuditSink()
	secondary := NewMemoryAuditSink()
	secondary.FailWrites(1)

	e, err := profileauthz.NewEngine(profileauthz.WithAuditSink(FanoutAuditSink{primary, secondary}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	for i := 0; i < 2; i++ {
		_, _ = e.Evaluate(profileauthz.AccessContext{
			UserID: "u1", Role: profileauthz.RoleGuest, OwnerID: "o1",
			Permission: profileauthz.PermissionRead, ResourceType: profileauthz.ResourceProfile, ResourceID: "o1",
		})
	}
	if _, err := e.FlushAudit(ctx); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if e.Stats().AuditPending != 2 {
		t.Fatalf("expected entries to stay pending, got %d", e.Stats().AuditPending)
	}
	n, err := e.FlushAudit(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected retry to ship 2, got %d %v", n, err)
	}
	// primary saw the batch twice but dedupes by seq
	if primary.Len() != 2 || secondary.Len() != 2 {
		t.Fatalf("expected 2 entries in each sink, got %d and %d", primary.Len(), secondary.Len())
	}
}
