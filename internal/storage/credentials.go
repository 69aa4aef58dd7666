package storage

import (
	"context"
	"log/slog"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

// Credentials is a resolved object-storage scope. It lives for one request only.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	// Source is "tenant" or "default"; used for logs and metrics.
	Source string
}

func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type CredentialResolver interface {
	// Resolve returns the credentials for identity, or the process defaults when
	// identity is nil or the tenant has no custom storage.
	Resolve(ctx context.Context, identity *domain.TenantIdentity) (Credentials, error)
}

type credentialResolver struct {
	settings repository.SettingsRepository
	defaults Credentials
	logger   *slog.Logger
}

func NewCredentialResolver(settings repository.SettingsRepository, defaults Credentials, logger *slog.Logger) CredentialResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Region == "" {
		defaults.Region = "us-east-1"
	}
	defaults.Source = "default"
	return &credentialResolver{settings: settings, defaults: defaults, logger: logger}
}

func (r *credentialResolver) Resolve(ctx context.Context, identity *domain.TenantIdentity) (Credentials, error) {
	if identity != nil && identity.Key() != "" && r.settings != nil {
		s, err := r.settings.GetStorage(ctx, identity.Key())
		if err != nil {
			return Credentials{}, &domain.UpstreamError{Detail: "load storage settings", Err: err}
		}
		if s != nil && s.UseCustomStorage && s.AccessKeyID != "" && s.SecretAccessKey != "" {
			region := s.Region
			if region == "" {
				region = r.defaults.Region
			}
			return Credentials{
				AccessKeyID:     s.AccessKeyID,
				SecretAccessKey: s.SecretAccessKey,
				SessionToken:    s.SessionToken,
				Region:          region,
				Endpoint:        s.Endpoint,
				UsePathStyle:    s.Endpoint != "",
				Source:          "tenant",
			}, nil
		}
	}
	if !r.defaults.Valid() {
		r.logger.Error("no storage credentials available", "tenant", tenantKey(identity))
		return Credentials{}, &domain.ConfigurationError{Detail: "S3 credentials not configured"}
	}
	return r.defaults, nil
}

func tenantKey(identity *domain.TenantIdentity) string {
	if identity == nil {
		return ""
	}
	return identity.Key()
}
