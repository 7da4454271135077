package profileauthz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// AuditSink durably persists audit entries. Write must be all-or-nothing for a batch.
type AuditSink interface {
	Write(ctx context.Context, entries []AuditEntry) error
}

// AuditLog is the append-only, in-process write-ahead buffer in front of an AuditSink.
// Sequence numbers come from a single atomic counter; entries are never edited.
type AuditLog struct {
	seq     atomic.Uint64
	acked   atomic.Uint64 // every seq <= acked reached the sink
	evicted atomic.Uint64 // every seq <= evicted was dropped from memory after ack
	entries sync.Map      // uint64 -> AuditEntry

	flushMu sync.Mutex
	sink    AuditSink
	retain  int
	batch   int
	clock   Clock
	metrics *Metrics
}

// AuditLogOptions configures an AuditLog.
type AuditLogOptions struct {
	Sink      AuditSink
	Retain    int // acknowledged entries kept in memory; 0 keeps all
	FlushSize int
	Clock     Clock
	Metrics   *Metrics
}

func NewAuditLog(opts AuditLogOptions) *AuditLog {
	if opts.FlushSize <= 0 {
		opts.FlushSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &AuditLog{
		sink:    opts.Sink,
		retain:  opts.Retain,
		batch:   opts.FlushSize,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
}

// Append records entry and returns its id. Seq is always assigned here; ID and Timestamp
// are filled when empty.
func (l *AuditLog) Append(entry AuditEntry) string {
	return l.append(entry).ID
}

func (l *AuditLog) append(entry AuditEntry) AuditEntry {
	entry = entry.clone()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	entry.Seq = l.seq.Add(1)
	entry.Decision.AuditSeq = entry.Seq
	l.entries.Store(entry.Seq, entry)
	return entry
}

// Entry returns the entry with sequence seq.
func (l *AuditLog) Entry(seq uint64) (AuditEntry, error) {
	v, ok := l.entries.Load(seq)
	if !ok {
		return AuditEntry{}, &NotFoundError{Kind: "audit entry", ID: fmt.Sprint(seq)}
	}
	return v.(AuditEntry).clone(), nil
}

// Query returns entries matching filter, newest first. Evicted entries are only
// available from the sink.
func (l *AuditLog) Query(filter AuditFilter) ([]AuditEntry, error) {
	if err := ValidateAuditFilter(filter); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0)
	floor := l.evicted.Load()
	for s := l.seq.Load(); s > floor; s-- {
		v, ok := l.entries.Load(s)
		if !ok {
			continue
		}
		e := v.(AuditEntry)
		if !filter.Matches(&e) {
			continue
		}
		out = append(out, e.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ValidateAuditFilter rejects inverted windows and values outside the closed enums.
func ValidateAuditFilter(f AuditFilter) error {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return &ValidationError{Object: "filter", Field: "from", Reason: "from is after to"}
	}
	if f.Permission != "" && !f.Permission.Valid() {
		return &ValidationError{Object: "filter", Field: "permission", Reason: fmt.Sprintf("unknown permission %q", f.Permission)}
	}
	if f.Outcome != nil && int(*f.Outcome) >= len(outcomeNames) {
		return &ValidationError{Object: "filter", Field: "outcome", Reason: fmt.Sprintf("unknown outcome %d", *f.Outcome)}
	}
	if f.Limit < 0 {
		return &ValidationError{Object: "filter", Field: "limit", Reason: "negative limit"}
	}
	return nil
}

// Matches reports whether e passes the filter. Limit is not considered.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.UserID != "" && e.Context.UserID != f.UserID {
		return false
	}
	if f.Permission != "" && e.Context.Permission != f.Permission {
		return false
	}
	if f.Outcome != nil && e.Decision.Outcome != *f.Outcome {
		return false
	}
	return true
}

// Flush ships contiguous unacknowledged entries to the sink in batches and advances the
// watermark after each successful write. It returns the number of entries shipped.
func (l *AuditLog) Flush(ctx context.Context) (int, error) {
	if l.sink == nil {
		return 0, nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	shipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return shipped, err
		}
		next := l.acked.Load() + 1
		batch := make([]AuditEntry, 0, l.batch)
		for s := next; len(batch) < l.batch; s++ {
			v, ok := l.entries.Load(s)
			if !ok {
				break
			}
			batch = append(batch, v.(AuditEntry).clone())
		}
		if len(batch) == 0 {
			break
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.metrics.auditFlush("error")
			return shipped, fmt.Errorf("audit sink write: %w", err)
		}
		l.metrics.auditFlush("ok")
		l.acked.Store(batch[len(batch)-1].Seq)
		shipped += len(batch)
	}
	l.evict()
	return shipped, nil
}

// evict drops acknowledged entries beyond the retention window. Caller holds flushMu.
func (l *AuditLog) evict() {
	if l.retain <= 0 {
		return
	}
	acked := l.acked.Load()
	if acked <= uint64(l.retain) {
		return
	}
	limit := acked - uint64(l.retain)
	for s := l.evicted.Load() + 1; s <= limit; s++ {
		l.entries.Delete(s)
	}
	l.evicted.Store(limit)
}

// Pending is the number of entries not yet acknowledged by the sink.
func (l *AuditLog) Pending() int {
	return int(l.seq.Load() - l.acked.Load())
}

// Len is the number of entries held in memory.
func (l *AuditLog) Len() int {
	return int(l.seq.Load() - l.evicted.Load())
}

// LastSeq is the most recently assigned sequence number.
func (l *AuditLog) LastSeq() uint64 {
	return l.seq.Load()
}
