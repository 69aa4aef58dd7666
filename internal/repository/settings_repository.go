package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type SettingsRepository interface {
	PutStorage(ctx context.Context, tenantKey string, s domain.StorageSettings) error
	// GetStorage returns nil without error when the tenant has no settings.
	GetStorage(ctx context.Context, tenantKey string) (*domain.StorageSettings, error)
}

type settingsRedisRepo struct {
	rdb *redis.Client
}

func NewSettingsRepository(rdb *redis.Client) SettingsRepository {
	return &settingsRedisRepo{rdb: rdb}
}

func (r *settingsRedisRepo) keyStorageHash() string { return "runplane:settings:storage" }

func (r *settingsRedisRepo) PutStorage(ctx context.Context, tenantKey string, s domain.StorageSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal storage settings: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.keyStorageHash(), tenantKey, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET storage settings: %w", err)
	}
	return nil
}

func (r *settingsRedisRepo) GetStorage(ctx context.Context, tenantKey string) (*domain.StorageSettings, error) {
	js, err := r.rdb.HGet(ctx, r.keyStorageHash(), tenantKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET storage settings: %w", err)
	}
	var s domain.StorageSettings
	if err := json.Unmarshal([]byte(js), &s); err != nil {
		return nil, fmt.Errorf("unmarshal storage settings: %w", err)
	}
	return &s, nil
}
