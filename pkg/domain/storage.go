package domain

import "time"

// TenantIdentity is the explicit caller identity used for tenant-scoped lookups.
type TenantIdentity struct {
	UserID string `json:"user_id,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
}

// Key is the settings key of the tenant: the organization when present, else the user.
func (t TenantIdentity) Key() string {
	if t.OrgID != "" {
		return "org:" + t.OrgID
	}
	if t.UserID != "" {
		return "user:" + t.UserID
	}
	return ""
}

// Owns reports whether the identity may act on a resource owned by userID/orgID.
func (t TenantIdentity) Owns(userID, orgID string) bool {
	if orgID != "" {
		return t.OrgID == orgID
	}
	if userID != "" {
		return t.UserID == userID && t.OrgID == ""
	}
	return true
}

// StorageSettings is the per-tenant object-storage configuration.
type StorageSettings struct {
	UseCustomStorage bool      `json:"use_custom_storage"`
	AccessKeyID      string    `json:"s3_access_key_id,omitempty"`
	SecretAccessKey  string    `json:"s3_secret_access_key,omitempty"`
	SessionToken     string    `json:"s3_session_token,omitempty"`
	Region           string    `json:"s3_region,omitempty"`
	BucketName       string    `json:"s3_bucket_name,omitempty"`
	Endpoint         string    `json:"s3_endpoint,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Redacted hides the secret parts for API responses.
func (s StorageSettings) Redacted() StorageSettings {
	if s.SecretAccessKey != "" {
		s.SecretAccessKey = "********"
	}
	if s.SessionToken != "" {
		s.SessionToken = "********"
	}
	return s
}
