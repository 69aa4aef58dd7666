package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

type SettingsService interface {
	// PutStorage replaces the caller's storage settings and returns them redacted.
	PutStorage(ctx context.Context, identity domain.TenantIdentity, s domain.StorageSettings) (*domain.StorageSettings, error)
	GetStorage(ctx context.Context, identity domain.TenantIdentity) (*domain.StorageSettings, error)
	// PutCatalog stores a routing record (workflow, version, deployment or model).
	PutCatalog(ctx context.Context, kind repository.CatalogKind, id string, body json.RawMessage) error
}

type settingsService struct {
	settings repository.SettingsRepository
	catalog  repository.CatalogRepository
	logger   *slog.Logger
	now      func() time.Time
}

func NewSettingsService(settings repository.SettingsRepository, catalog repository.CatalogRepository, logger *slog.Logger) SettingsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &settingsService{settings: settings, catalog: catalog, logger: logger, now: time.Now}
}

func (s *settingsService) PutStorage(ctx context.Context, identity domain.TenantIdentity, in domain.StorageSettings) (*domain.StorageSettings, error) {
	key := identity.Key()
	if key == "" {
		return nil, &domain.ForbiddenError{Detail: "storage settings require an identity"}
	}
	in.AccessKeyID = strings.TrimSpace(in.AccessKeyID)
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if in.UseCustomStorage && (in.AccessKeyID == "" || in.SecretAccessKey == "") {
		return nil, &domain.ValidationError{Field: "s3_access_key_id", Msg: "custom storage needs an access key and a secret"}
	}
	if in.Endpoint != "" {
		u, err := url.Parse(in.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, &domain.ValidationError{Field: "s3_endpoint", Msg: "invalid endpoint url"}
		}
	}
	in.UpdatedAt = s.now().UTC()
	if err := s.settings.PutStorage(ctx, key, in); err != nil {
		return nil, &domain.UpstreamError{Detail: "store storage settings", Err: err}
	}
	s.logger.Info("storage settings updated", "tenant", key, "custom", in.UseCustomStorage)
	out := in.Redacted()
	return &out, nil
}

func (s *settingsService) GetStorage(ctx context.Context, identity domain.TenantIdentity) (*domain.StorageSettings, error) {
	key := identity.Key()
	if key == "" {
		return nil, &domain.ForbiddenError{Detail: "storage settings require an identity"}
	}
	cur, err := s.settings.GetStorage(ctx, key)
	if err != nil {
		return nil, &domain.UpstreamError{Detail: "load storage settings", Err: err}
	}
	if cur == nil {
		return nil, &domain.NotFoundError{Resource: "storage settings", ID: key}
	}
	out := cur.Redacted()
	return &out, nil
}

func (s *settingsService) PutCatalog(ctx context.Context, kind repository.CatalogKind, id string, body json.RawMessage) error {
	if !kind.Valid() {
		return &domain.ValidationError{Field: "kind", Msg: "unknown catalog kind " + string(kind)}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return &domain.ValidationError{Field: "id", Msg: "required"}
	}

	var rec any
	switch kind {
	case repository.KindWorkflow:
		var w domain.Workflow
		if err := json.Unmarshal(body, &w); err != nil {
			return &domain.ValidationError{Msg: "invalid workflow: " + err.Error()}
		}
		w.ID = id
		rec = w
	case repository.KindWorkflowVersion:
		var v domain.WorkflowVersion
		if err := json.Unmarshal(body, &v); err != nil {
			return &domain.ValidationError{Msg: "invalid workflow version: " + err.Error()}
		}
		if v.WorkflowID == "" {
			return &domain.ValidationError{Field: "workflow_id", Msg: "required"}
		}
		v.ID = id
		rec = v
	case repository.KindDeployment:
		var d domain.Deployment
		if err := json.Unmarshal(body, &d); err != nil {
			return &domain.ValidationError{Msg: "invalid deployment: " + err.Error()}
		}
		if d.WorkflowID == "" || d.MachineID == "" {
			return &domain.ValidationError{Msg: "deployment needs workflow_id and machine_id"}
		}
		d.ID = id
		rec = d
	case repository.KindModel:
		var m domain.Model
		if err := json.Unmarshal(body, &m); err != nil {
			return &domain.ValidationError{Msg: "invalid model: " + err.Error()}
		}
		if m.DeploymentID == "" {
			return &domain.ValidationError{Field: "deployment_id", Msg: "required"}
		}
		m.ID = id
		rec = m
	}
	if err := s.catalog.Put(ctx, kind, id, rec); err != nil {
		return &domain.UpstreamError{Detail: "store catalog record", Err: err}
	}
	s.logger.Debug("catalog record stored", "kind", kind, "id", id)
	return nil
}
