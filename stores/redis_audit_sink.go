package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/profileauthz"
)

// RedisAuditSink ships audit entries into a sorted set scored by seq, so re-sent
// batches overwrite rather than duplicate.
type RedisAuditSink struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisAuditSink writes to key; when maxLen > 0 only the newest maxLen entries are kept.
func NewRedisAuditSink(client redis.Cmdable, key string, maxLen int64) *RedisAuditSink {
	if key == "" {
		key = "profileauthz:audit"
	}
	return &RedisAuditSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisAuditSink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(entries))
	for i := range entries {
		b, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("encode audit entry %d: %w", entries[i].Seq, err)
		}
		members = append(members, redis.Z{Score: float64(entries[i].Seq), Member: string(b)})
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.ZRemRangeByScore(ctx, s.key, fmt.Sprint(m.Score), fmt.Sprint(m.Score))
		}
		p.ZAdd(ctx, s.key, members...)
		if s.maxLen > 0 {
			p.ZRemRangeByRank(ctx, s.key, 0, -s.maxLen-1)
		}
		return nil
	})
	return err
}

// Recent returns up to n entries, newest first. n <= 0 returns everything.
func (s *RedisAuditSink) Recent(ctx context.Context, n int64) ([]profileauthz.AuditEntry, error) {
	stop := int64(-1)
	if n > 0 {
		stop = n - 1
	}
	raw, err := s.client.ZRevRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]profileauthz.AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e profileauthz.AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisAuditSink) Len(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
