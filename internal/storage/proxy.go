package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ObjectGetter is the subset of *s3.Client the proxy needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientFactory builds a storage client bound to one credential scope.
type ClientFactory func(ctx context.Context, creds Credentials) (ObjectGetter, error)

// NewS3Client builds an S3 client from static credentials. Retries are disabled:
// a failed fetch is reported to the caller immediately.
func NewS3Client(ctx context.Context, creds Credentials) (ObjectGetter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = creds.UsePathStyle
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
		}
	}), nil
}

type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

type ObjectProxy struct {
	newClient ClientFactory
	logger    *slog.Logger
}

func NewObjectProxy(newClient ClientFactory, logger *slog.Logger) *ObjectProxy {
	if newClient == nil {
		newClient = NewS3Client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectProxy{newClient: newClient, logger: logger}
}

// SplitPath turns "bucket/key/with/slashes" into its bucket and key.
func SplitPath(path string) (bucket, key string, err error) {
	path = strings.TrimPrefix(path, "/")
	bucket, key, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", &domain.ValidationError{Msg: "Invalid S3 path format"}
	}
	return bucket, key, nil
}

// Fetch retrieves bucket/key with creds. The returned body always carries a known length.
func (p *ObjectProxy) Fetch(ctx context.Context, bucket, key string, creds Credentials) (*Object, error) {
	obj, err := p.fetch(ctx, bucket, key, creds)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
	}
	metrics.ProxyFetchesTotal.WithLabelValues(creds.Source, outcome).Inc()
	return obj, err
}

func (p *ObjectProxy) fetch(ctx context.Context, bucket, key string, creds Credentials) (*Object, error) {
	if !creds.Valid() {
		return nil, &domain.ConfigurationError{Detail: "S3 credentials not configured"}
	}
	client, err := p.newClient(ctx, creds)
	if err != nil {
		return nil, &domain.ConfigurationError{Detail: "S3 credentials not configured", Err: err}
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := classify(err)
		p.logger.Warn("object fetch failed", "bucket", bucket, "key", key, "err", err)
		return nil, mapped
	}

	contentType := aws.ToString(out.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if out.ContentLength != nil && *out.ContentLength >= 0 {
		return &Object{Body: out.Body, ContentType: contentType, ContentLength: *out.ContentLength}, nil
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &domain.UpstreamError{Detail: "Error accessing S3 storage", Err: err}
	}
	return &Object{Body: io.NopCloser(bytes.NewReader(data)), ContentType: contentType, ContentLength: int64(len(data))}, nil
}

func classify(err error) error {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return &domain.NotFoundError{Resource: "object", Detail: "Model file not found"}
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return &domain.NotFoundError{Resource: "bucket", Detail: "S3 bucket not found"}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &domain.NotFoundError{Resource: "object", Detail: "Model file not found"}
		case "NoSuchBucket":
			return &domain.NotFoundError{Resource: "bucket", Detail: "S3 bucket not found"}
		case "AccessDenied", "Forbidden":
			return &domain.ForbiddenError{Detail: "Access denied to model file"}
		}
	}
	return &domain.UpstreamError{Detail: "Error accessing S3 storage", Err: err}
}

func outcomeOf(err error) string {
	var nf *domain.NotFoundError
	var fb *domain.ForbiddenError
	var ce *domain.ConfigurationError
	switch {
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &fb):
		return "forbidden"
	case errors.As(err, &ce):
		return "config"
	}
	return "error"
}
