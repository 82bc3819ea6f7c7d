package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type InvocationRepository interface {
	Create(ctx context.Context, rec *domain.InvocationRecord) error
	Save(ctx context.Context, rec *domain.InvocationRecord) error
	Get(ctx context.Context, id string) (*domain.InvocationRecord, error)
	List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error)
	Count(ctx context.Context, stage domain.Stage) (int64, error)
}

type invocationRedisRepo struct {
	rdb   *redis.Client
	tz    *time.Location
	limit int
}

func NewInvocationRepository(rdb *redis.Client, tz *time.Location, limit int) InvocationRepository {
	if tz == nil {
		tz = time.UTC
	}
	if limit <= 0 {
		limit = 1000
	}
	return &invocationRedisRepo{rdb: rdb, tz: tz, limit: limit}
}

// ===== Redis keys =====
func KeyInvocations() string     { return "contentpipe:invocations" }     // HASH: field = id, value = JSON
func KeyInvocationIndex() string { return "contentpipe:invocations:idx" } // ZSET: member = id, score = createdAt (ms)
func KeyStageIndex(stage domain.Stage) string {
	return fmt.Sprintf("contentpipe:invocations:stage:%s", stage)
}

func (r *invocationRedisRepo) now() time.Time { return time.Now().In(r.tz) }

// KEYS[1]=hash KEYS[2]=global index KEYS[3]=stage index KEYS[4..]=every stage index
// ARGV[1]=id ARGV[2]=json ARGV[3]=score ARGV[4]=limit
var createScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
local limit = tonumber(ARGV[4])
local n = redis.call("ZCARD", KEYS[2])
if n > limit then
  local old = redis.call("ZRANGE", KEYS[2], 0, n - limit - 1)
  for _, id in ipairs(old) do
    redis.call("HDEL", KEYS[1], id)
    redis.call("ZREM", KEYS[2], id)
    for i = 4, #KEYS do
      redis.call("ZREM", KEYS[i], id)
    end
  end
end
return 1
`)

// Only replaces a record that still exists; trimmed ids stay gone.
var saveScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (r *invocationRedisRepo) Create(ctx context.Context, rec *domain.InvocationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	js, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	keys := []string{KeyInvocations(), KeyInvocationIndex(), KeyStageIndex(rec.Stage)}
	for _, s := range domain.Stages {
		keys = append(keys, KeyStageIndex(s))
	}
	score := rec.CreatedAt.UnixMilli()
	n, err := createScript.Run(ctx, r.rdb, keys, rec.ID, string(js), score, r.limit).Int()
	if err != nil {
		return fmt.Errorf("redis create invocation: %w", err)
	}
	if n == 0 {
		return persistence.ErrAlreadyExists
	}
	return nil
}

func (r *invocationRedisRepo) Save(ctx context.Context, rec *domain.InvocationRecord) error {
	rec.UpdatedAt = r.now()
	js, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	n, err := saveScript.Run(ctx, r.rdb, []string{KeyInvocations()}, rec.ID, string(js)).Int()
	if err != nil {
		return fmt.Errorf("redis save invocation: %w", err)
	}
	if n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *invocationRedisRepo) Get(ctx context.Context, id string) (*domain.InvocationRecord, error) {
	js, err := r.rdb.HGet(ctx, KeyInvocations(), id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalInvocation(js)
}

func (r *invocationRedisRepo) List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error) {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}
	idx := KeyInvocationIndex()
	if stage != "" {
		idx = KeyStageIndex(stage)
	}
	ids, err := r.rdb.ZRevRange(ctx, idx, 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.InvocationRecord{}, nil
	}
	vals, err := r.rdb.HMGet(ctx, KeyInvocations(), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.InvocationRecord, 0, len(vals))
	for _, v := range vals {
		js, ok := v.(string)
		if !ok || js == "" {
			continue
		}
		rec, err := unmarshalInvocation(js)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *invocationRedisRepo) Count(ctx context.Context, stage domain.Stage) (int64, error) {
	idx := KeyInvocationIndex()
	if stage != "" {
		idx = KeyStageIndex(stage)
	}
	return r.rdb.ZCard(ctx, idx).Result()
}

func unmarshalInvocation(js string) (*domain.InvocationRecord, error) {
	var rec domain.InvocationRecord
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
