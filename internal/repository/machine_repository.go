package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type MachineRepository interface {
	Put(ctx context.Context, m domain.Machine) error
	Get(ctx context.Context, id string) (*domain.Machine, error)
	ListIDs(ctx context.Context) ([]string, error)
}

type machineRedisRepo struct {
	rdb *redis.Client
}

func NewMachineRepository(rdb *redis.Client) MachineRepository {
	return &machineRedisRepo{rdb: rdb}
}

func (r *machineRedisRepo) keyMachinesHash() string { return "runplane:machines" }

func (r *machineRedisRepo) Put(ctx context.Context, m domain.Machine) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal machine: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.keyMachinesHash(), m.ID, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET machine: %w", err)
	}
	return nil
}

func (r *machineRedisRepo) Get(ctx context.Context, id string) (*domain.Machine, error) {
	js, err := r.rdb.HGet(ctx, r.keyMachinesHash(), id).Result()
	if err == redis.Nil {
		return nil, &domain.NotFoundError{Resource: "machine", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET machine: %w", err)
	}
	var m domain.Machine
	if err := json.Unmarshal([]byte(js), &m); err != nil {
		return nil, fmt.Errorf("unmarshal machine: %w", err)
	}
	return &m, nil
}

func (r *machineRedisRepo) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.HKeys(ctx, r.keyMachinesHash()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HKEYS machines: %w", err)
	}
	return ids, nil
}
