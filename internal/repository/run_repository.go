package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	// ErrVersionConflict is returned by CompareAndSwap when the stored run moved on.
	ErrVersionConflict = errors.New("run version conflict")
	// ErrRunEnded is returned by writes that must not land on a terminal run.
	ErrRunEnded        = errors.New("run already ended")
)

const runsHashKey = "runplane:runs"

type RunRepository interface {
	Create(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	// CompareAndSwap stores run when the persisted version still equals run.Version
	// and bumps run.Version on success. Queue and open-run indexes follow the new status.
	CompareAndSwap(ctx context.Context, run *domain.Run) error

	QueuePosition(ctx context.Context, machineID, runID string) (int, bool, error)
	QueuedRunIDs(ctx context.Context, machineID string, limit int) ([]string, error)
	QueueDepth(ctx context.Context, machineID string) (int64, error)
	OpenRuns(ctx context.Context, machineID string) ([]*domain.Run, error)
	ActiveCount(ctx context.Context, machineID string) (int, error)
	// ScanOpen returns one page of non-terminal runs; a zero next cursor ends the scan.
	ScanOpen(ctx context.Context, cursor uint64, count int) ([]*domain.Run, uint64, error)

	AppendLog(ctx context.Context, runID string, line domain.LogLine) error
	Logs(ctx context.Context, runID string, limit int) ([]domain.LogLine, error)
}

type runRedisRepo struct {
	rdb          *redis.Client
	logLineLimit int
}

func NewRunRepository(rdb *redis.Client, logLineLimit int) RunRepository {
	if logLineLimit <= 0 {
		logLineLimit = 1000
	}
	return &runRedisRepo{rdb: rdb, logLineLimit: logLineLimit}
}

// ===== Keys =====

// HASH: field = id, value = JSON
func (r *runRedisRepo) keyRunsHash() string { return runsHashKey }

// SET of non-terminal run ids
func (r *runRedisRepo) keyOpenSet() string { return "runplane:runs:open" }

func (r *runRedisRepo) keyMachineOpen(machineID string) string {
	return fmt.Sprintf("runplane:m:%s:open", machineID)
}

// ZSET: member = run id, score = queued_at in unix microseconds
func (r *runRedisRepo) keyMachineQueued(machineID string) string {
	return fmt.Sprintf("runplane:m:%s:queued", machineID)
}
func (r *runRedisRepo) keyLogs(runID string) string { return fmt.Sprintf("runplane:logs:%s", runID) }

func queueScore(run *domain.Run) string {
	if run.Status != domain.RunQueued {
		return ""
	}
	at := run.CreatedAt
	if run.QueuedAt != nil {
		at = *run.QueuedAt
	}
	return strconv.FormatInt(at.UnixMicro(), 10)
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func unmarshalRun(js string) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal([]byte(js), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// KEYS: runs hash, open set, machine open set, machine queued zset
// ARGV: id, expected version (-1 = create), new json, queue score ("" = not queued), terminal flag
var runWriteScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
local expected = tonumber(ARGV[2])
if expected < 0 then
  if cur then return 0 end
else
  if not cur then return -1 end
  local doc = cjson.decode(cur)
  if tonumber(doc["version"] or 0) ~= expected then return 0 end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
if ARGV[4] ~= "" then
  redis.call("ZADD", KEYS[4], ARGV[4], ARGV[1])
else
  redis.call("ZREM", KEYS[4], ARGV[1])
end
if ARGV[5] == "1" then
  redis.call("SREM", KEYS[2], ARGV[1])
  redis.call("SREM", KEYS[3], ARGV[1])
else
  redis.call("SADD", KEYS[2], ARGV[1])
  redis.call("SADD", KEYS[3], ARGV[1])
end
return 1
`)

func (r *runRedisRepo) write(ctx context.Context, run *domain.Run, expected int64) (int64, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return 0, fmt.Errorf("marshal run: %w", err)
	}
	keys := []string{r.keyRunsHash(), r.keyOpenSet(), r.keyMachineOpen(run.MachineID), r.keyMachineQueued(run.MachineID)}
	res, err := runWriteScript.Run(ctx, r.rdb, keys, run.ID, expected, string(b), queueScore(run), boolArg(run.Status.IsTerminal())).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis run write: %w", err)
	}
	return res, nil
}

func (r *runRedisRepo) Create(ctx context.Context, run *domain.Run) error {
	run.Version = 1
	res, err := r.write(ctx, run, -1)
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	return nil
}

func (r *runRedisRepo) Get(ctx context.Context, id string) (*domain.Run, error) {
	js, err := r.rdb.HGet(ctx, r.keyRunsHash(), id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, &domain.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET run: %w", err)
	}
	run, err := unmarshalRun(js)
	if err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

func (r *runRedisRepo) CompareAndSwap(ctx context.Context, run *domain.Run) error {
	expected := run.Version
	run.Version = expected + 1
	res, err := r.write(ctx, run, expected)
	if err != nil {
		run.Version = expected
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		run.Version = expected
		return &domain.NotFoundError{Resource: "run", ID: run.ID}
	default:
		run.Version = expected
		return ErrVersionConflict
	}
}

// QueuePosition is the 1-based rank of runID among the machine's queued runs.
func (r *runRedisRepo) QueuePosition(ctx context.Context, machineID, runID string) (int, bool, error) {
	rank, err := r.rdb.ZRank(ctx, r.keyMachineQueued(machineID), runID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis ZRANK queue: %w", err)
	}
	return int(rank) + 1, true, nil
}

func (r *runRedisRepo) QueuedRunIDs(ctx context.Context, machineID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.rdb.ZRange(ctx, r.keyMachineQueued(machineID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE queue: %w", err)
	}
	return ids, nil
}

func (r *runRedisRepo) QueueDepth(ctx context.Context, machineID string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, r.keyMachineQueued(machineID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD queue: %w", err)
	}
	return n, nil
}

func (r *runRedisRepo) loadMany(ctx context.Context, ids []string) ([]*domain.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keyRunsHash(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET runs: %w", err)
	}
	out := make([]*domain.Run, 0, len(vals))
	for _, v := range vals {
		js, ok := v.(string)
		if !ok || js == "" {
			continue
		}
		run, err := unmarshalRun(js)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (r *runRedisRepo) OpenRuns(ctx context.Context, machineID string) ([]*domain.Run, error) {
	ids, err := r.rdb.SMembers(ctx, r.keyMachineOpen(machineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS machine runs: %w", err)
	}
	return r.loadMany(ctx, ids)
}

// ActiveCount is derived from the stored statuses of the machine's open runs.
func (r *runRedisRepo) ActiveCount(ctx context.Context, machineID string) (int, error) {
	runs, err := r.OpenRuns(ctx, machineID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if run.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (r *runRedisRepo) ScanOpen(ctx context.Context, cursor uint64, count int) ([]*domain.Run, uint64, error) {
	if count <= 0 {
		count = 200
	}
	ids, next, err := r.rdb.SScan(ctx, r.keyOpenSet(), cursor, "", int64(count)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis SSCAN open runs: %w", err)
	}
	runs, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	return runs, next, nil
}

func (r *runRedisRepo) AppendLog(ctx context.Context, runID string, line domain.LogLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.keyLogs(runID), string(b))
	pipe.LTrim(ctx, r.keyLogs(runID), int64(-r.logLineLimit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis RPUSH log: %w", err)
	}
	return nil
}

func (r *runRedisRepo) Logs(ctx context.Context, runID string, limit int) ([]domain.LogLine, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := r.rdb.LRange(ctx, r.keyLogs(runID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE logs: %w", err)
	}
	out := make([]domain.LogLine, 0, len(vals))
	for _, v := range vals {
		var line domain.LogLine
		if err := json.Unmarshal([]byte(v), &line); err == nil {
			out = append(out, line)
		}
	}
	return out, nil
}

// ===== Machine admission lock =====

// MachineLock serializes admission decisions for one machine across instances.
type MachineLock interface {
	// TryAcquire returns a release func when the lock was taken, nil otherwise.
	TryAcquire(ctx context.Context, machineID string) (func(), error)
}

type machineRedisLock struct {
	rdb   *redis.Client
	ttl   time.Duration
	token func() string
}

func NewMachineLock(rdb *redis.Client, ttl time.Duration, token func() string) MachineLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if token == nil {
		token = uuid.NewString
	}
	return &machineRedisLock{rdb: rdb, ttl: ttl, token: token}
}

func (l *machineRedisLock) key(machineID string) string {
	return fmt.Sprintf("runplane:lock:machine:%s", machineID)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *machineRedisLock) TryAcquire(ctx context.Context, machineID string) (func(), error) {
	token := l.token()
	ok, err := l.rdb.SetNX(ctx, l.key(machineID), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SETNX lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return func() {
		_ = releaseLockScript.Run(context.WithoutCancel(ctx), l.rdb, []string{l.key(machineID)}, token).Err()
	}, nil
}
