package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type OutputRepository interface {
	// Upsert applies mutate to the record stored under key (nil when absent) and
	// stores the result with a version check, retrying on conflict up to attempts times.
	// It fails with ErrRunEnded once the parent run is terminal.
	Upsert(ctx context.Context, runID, key string, mutate func(existing *domain.Output) *domain.Output) (*domain.Output, error)
	List(ctx context.Context, runID string) ([]domain.Output, error)
}

type outputRedisRepo struct {
	rdb      *redis.Client
	attempts int
}

func NewOutputRepository(rdb *redis.Client) OutputRepository {
	return &outputRedisRepo{rdb: rdb, attempts: 8}
}

func (r *outputRedisRepo) keyOutputs(runID string) string {
	return fmt.Sprintf("runplane:outputs:%s", runID)
}

// LIST of merge keys in first-seen order
func (r *outputRedisRepo) keyOrder(runID string) string {
	return fmt.Sprintf("runplane:outputs:%s:order", runID)
}

// KEYS: outputs hash, order list, runs hash. ARGV: field, expected version (0 = create), json, run id
var outputWriteScript = redis.NewScript(`
local run = redis.call("HGET", KEYS[3], ARGV[4])
if run then
  local st = cjson.decode(run)["status"]
  if st == "success" or st == "failed" or st == "timeout" or st == "cancelled" then return -1 end
end
local cur = redis.call("HGET", KEYS[1], ARGV[1])
local expected = tonumber(ARGV[2])
if expected == 0 then
  if cur then return 0 end
  redis.call("RPUSH", KEYS[2], ARGV[1])
else
  if not cur then return 0 end
  local doc = cjson.decode(cur)
  if tonumber(doc["version"] or 0) ~= expected then return 0 end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
return 1
`)

func (r *outputRedisRepo) get(ctx context.Context, runID, key string) (*domain.Output, error) {
	js, err := r.rdb.HGet(ctx, r.keyOutputs(runID), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET output: %w", err)
	}
	var out domain.Output
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return &out, nil
}

func (r *outputRedisRepo) Upsert(ctx context.Context, runID, key string, mutate func(existing *domain.Output) *domain.Output) (*domain.Output, error) {
	for i := 0; i < r.attempts; i++ {
		existing, err := r.get(ctx, runID, key)
		if err != nil {
			return nil, err
		}
		var expected int64
		if existing != nil {
			expected = existing.Version
		}
		next := mutate(existing)
		next.Version = expected + 1
		b, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		keys := []string{r.keyOutputs(runID), r.keyOrder(runID), runsHashKey}
		res, err := outputWriteScript.Run(ctx, r.rdb, keys, key, expected, string(b), runID).Int()
		if err != nil {
			return nil, fmt.Errorf("redis output write: %w", err)
		}
		switch res {
		case 1:
			return next, nil
		case -1:
			return nil, ErrRunEnded
		}
	}
	return nil, fmt.Errorf("output %s: %w", key, ErrVersionConflict)
}

func (r *outputRedisRepo) List(ctx context.Context, runID string) ([]domain.Output, error) {
	keys, err := r.rdb.LRange(ctx, r.keyOrder(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE outputs: %w", err)
	}
	if len(keys) == 0 {
		return []domain.Output{}, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keyOutputs(runID), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET outputs: %w", err)
	}
	out := make([]domain.Output, 0, len(vals))
	for _, v := range vals {
		js, ok := v.(string)
		if !ok {
			continue
		}
		var o domain.Output
		if err := json.Unmarshal([]byte(js), &o); err == nil {
			out = append(out, o)
		}
	}
	return out, nil
}
