package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/oarkflow/profileauthz"
	"github.com/oarkflow/profileauthz/logger"
)

type flakySink struct {
	fail    int
	shipped int
}

func (s *flakySink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("sink down")
	}
	s.shipped += len(entries)
	return nil
}

func newTestEngine(t *testing.T, opts ...profileauthz.EngineOption) *profileauthz.Engine {
	t.Helper()
	e, err := profileauthz.NewEngine(opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	if err := e.RegisterRole(profileauthz.NewRoleBuilder(profileauthz.RoleUser).Permissions(profileauthz.PermissionRead).Build()); err != nil {
		t.Fatalf("register role: %v", err)
	}
	p := profileauthz.NewPolicyBuilder("read-profiles").Permissions(profileauthz.PermissionRead).Grant(profileauthz.PermissionRead).Build()
	if err := e.UpsertPolicy(p); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
	return e
}

func access(device string, at time.Time) profileauthz.AccessContext {
	return profileauthz.AccessContext{
		UserID: "alice", Role: profileauthz.RoleUser, OwnerID: "bob",
		Relationship: profileauthz.RelationshipFriend, DeviceID: device, Timestamp: at,
		Permission: profileauthz.PermissionRead, ResourceType: profileauthz.ResourceProfile, ResourceID: "bob",
	}
}

func TestHandleDetectReportsNewDevice(t *testing.T) {
	e := newTestEngine(t)
	at := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		if _, err := e.Evaluate(access("laptop", at)); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(access("unknown-phone", at)); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	var got []profileauthz.PatternDeviation
	h := NewHandlers(e, logger.NewMemoryLogger())
	h.OnDeviation = func(_ context.Context, d profileauthz.PatternDeviation) error {
		got = append(got, d)
		return nil
	}
	task, err := NewDetectTask(DetectPayload{UserIDs: []string{"alice"}})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := h.HandleDetect(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(got) != 1 || got[0].Type != profileauthz.DeviationNewDevice {
		t.Fatalf("expected a single new_device deviation, got %+v", got)
	}
	if got[0].Confidence < 70 {
		t.Fatalf("confidence below threshold: %v", got[0].Confidence)
	}
}

func TestHandleDetectBadPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(newTestEngine(t), nil)
	err := h.HandleDetect(context.Background(), asynq.NewTask(TaskDetectAnomalies, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleDetectDeliveryError(t *testing.T) {
	e := newTestEngine(t)
	at := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		_, _ = e.Evaluate(access("laptop", at))
	}
	for i := 0; i < 3; i++ {
		_, _ = e.Evaluate(access("unknown-phone", at))
	}
	h := NewHandlers(e, nil)
	h.OnDeviation = func(context.Context, profileauthz.PatternDeviation) error { return errors.New("queue full") }
	if err := h.HandleDetect(context.Background(), asynq.NewTask(TaskDetectAnomalies, nil)); err == nil {
		t.Fatal("expected delivery error")
	}
}

func TestHandleFlushRetriesFromWatermark(t *testing.T) {
	sink := &flakySink{fail: 1}
	e := newTestEngine(t, profileauthz.WithAuditSink(sink))
	at := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, _ = e.Evaluate(access("laptop", at))
	}
	h := NewHandlers(e, nil)
	if err := h.HandleFlush(context.Background(), NewFlushTask()); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if err := h.HandleFlush(context.Background(), NewFlushTask()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sink.shipped != 4 {
		t.Fatalf("expected 4 shipped, got %d", sink.shipped)
	}
	if e.Stats().AuditPending != 0 {
		t.Fatalf("expected nothing pending, got %d", e.Stats().AuditPending)
	}
}

func TestNewDetectTaskPayload(t *testing.T) {
	task, err := NewDetectTask(DetectPayload{UserIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if task.Type() != TaskDetectAnomalies {
		t.Fatalf("unexpected type %s", task.Type())
	}
	var p DetectPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil || len(p.UserIDs) != 2 {
		t.Fatalf("unexpected payload %s: %v", task.Payload(), err)
	}
	if NewFlushTask().Type() != TaskFlushAudit {
		t.Fatal("unexpected flush task type")
	}
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	if _, err := NewWorker(WorkerConfig{}); err == nil {
		t.Fatal("expected error without handlers")
	}
}
