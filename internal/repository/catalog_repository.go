package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type CatalogKind string

const (
	KindWorkflow        CatalogKind = "workflows"
	KindWorkflowVersion CatalogKind = "workflow_versions"
	KindDeployment      CatalogKind = "deployments"
	KindModel           CatalogKind = "models"
)

func (k CatalogKind) Valid() bool {
	switch k {
	case KindWorkflow, KindWorkflowVersion, KindDeployment, KindModel:
		return true
	}
	return false
}

// CatalogRepository stores the workflow/deployment records runs are routed through.
type CatalogRepository interface {
	Put(ctx context.Context, kind CatalogKind, id string, v any) error
	Workflow(ctx context.Context, id string) (*domain.Workflow, error)
	WorkflowVersion(ctx context.Context, id string) (*domain.WorkflowVersion, error)
	Deployment(ctx context.Context, id string) (*domain.Deployment, error)
	Model(ctx context.Context, id string) (*domain.Model, error)
}

type catalogRedisRepo struct {
	rdb *redis.Client
}

func NewCatalogRepository(rdb *redis.Client) CatalogRepository {
	return &catalogRedisRepo{rdb: rdb}
}

// HASH per kind: field = id, value = JSON
func (r *catalogRedisRepo) key(kind CatalogKind) string {
	return fmt.Sprintf("runplane:catalog:%s", kind)
}

func (r *catalogRedisRepo) Put(ctx context.Context, kind CatalogKind, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if err := r.rdb.HSet(ctx, r.key(kind), id, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", kind, err)
	}
	return nil
}

func (r *catalogRedisRepo) load(ctx context.Context, kind CatalogKind, resource, id string, out any) error {
	js, err := r.rdb.HGet(ctx, r.key(kind), id).Result()
	if err == redis.Nil {
		return &domain.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return fmt.Errorf("redis HGET %s: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(js), out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return nil
}

func (r *catalogRedisRepo) Workflow(ctx context.Context, id string) (*domain.Workflow, error) {
	var w domain.Workflow
	if err := r.load(ctx, KindWorkflow, "workflow", id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *catalogRedisRepo) WorkflowVersion(ctx context.Context, id string) (*domain.WorkflowVersion, error) {
	var v domain.WorkflowVersion
	if err := r.load(ctx, KindWorkflowVersion, "workflow version", id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *catalogRedisRepo) Deployment(ctx context.Context, id string) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := r.load(ctx, KindDeployment, "deployment", id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *catalogRedisRepo) Model(ctx context.Context, id string) (*domain.Model, error) {
	var m domain.Model
	if err := r.load(ctx, KindModel, "model", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
