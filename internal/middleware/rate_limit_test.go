package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/runplane/internal/ratelimit"
	"github.com/osvaldoandrade/runplane/pkg/config"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

// mockLimiter implements ratelimit.Limiter for testing
type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	scopes   []ratelimit.Scope
	subjects []ratelimit.Subject
}

func (m *mockLimiter) Allow(ctx context.Context, scope ratelimit.Scope, subject ratelimit.Subject, bucket ratelimit.Bucket) (ratelimit.Decision, error) {
	m.scopes = append(m.scopes, scope)
	m.subjects = append(m.subjects, subject)
	return m.decision, m.err
}

func limitedConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			Submit: config.RateLimitBucket{RequestsPerMinute: 100, BurstSize: 10},
			Proxy:  config.RateLimitBucket{RequestsPerMinute: 100, BurstSize: 10},
		},
	}
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(method, path, nil)
	return ctx, rec
}

func TestRateLimitSubmit_DisabledBucket(t *testing.T) {
	cfg := &config.Config{}
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}

	ctx, _ := newTestContext(http.MethodPost, "/v1/runs")
	ctx.Request.Header.Set("Authorization", "Bearer test-token")
	RateLimitSubmit(limiter, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through for disabled bucket")
	}
	if len(limiter.subjects) != 0 {
		t.Fatal("limiter should not be consulted for a disabled bucket")
	}
}

func TestRateLimitSubmit_AllowedDecision(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 7}}

	ctx, rec := newTestContext(http.MethodPost, "/v1/runs")
	ctx.Request.Header.Set("Authorization", "Bearer test-token")
	RateLimitSubmit(limiter, limitedConfig())(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when rate limit allows")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "7" {
		t.Fatalf("expected X-RateLimit-Remaining: 7, got %q", got)
	}
	if len(limiter.scopes) != 1 || limiter.scopes[0] != ratelimit.ScopeSubmit {
		t.Fatalf("scopes = %v", limiter.scopes)
	}
}

func TestRateLimitSubmit_DeniedDecision(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 5 * time.Second}}

	ctx, rec := newTestContext(http.MethodPost, "/v1/runs")
	ctx.Request.Header.Set("Authorization", "Bearer test-token")
	RateLimitSubmit(limiter, limitedConfig())(ctx)

	if !ctx.IsAborted() {
		t.Fatal("expected request to be aborted when rate limited")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Fatalf("expected Retry-After: 5, got %s", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal JSON response: %v", err)
	}
	if body["error"] != "rate limit exceeded" || body["scope"] != "submit" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["retryAfterSeconds"] != float64(5) {
		t.Fatalf("expected retryAfterSeconds=5, got %v", body["retryAfterSeconds"])
	}
}

func TestRateLimitProxy_RedisErrorFailsOpen(t *testing.T) {
	limiter := &mockLimiter{err: context.DeadlineExceeded}

	ctx, _ := newTestContext(http.MethodGet, "/proxy/model/b/k")
	RateLimitProxy(limiter, limitedConfig())(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through on limiter error")
	}
}

func TestRateLimitProxy_RetryAfterAtLeastOne(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 500 * time.Millisecond}}

	ctx, rec := newTestContext(http.MethodGet, "/proxy/model/b/k")
	RateLimitProxy(limiter, limitedConfig())(ctx)

	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1 (minimum), got %s", got)
	}
}

func TestRateLimitSubject(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	mw := RateLimitProxy(limiter, limitedConfig())

	ctx, _ := newTestContext(http.MethodGet, "/proxy/model/b/k")
	ctx.Set(ctxIdentity, domain.TenantIdentity{UserID: "u1", OrgID: "o1"})
	mw(ctx)

	ctx, _ = newTestContext(http.MethodGet, "/proxy/model/b/k")
	ctx.Request.Header.Set("Authorization", "Bearer tok")
	mw(ctx)

	ctx, _ = newTestContext(http.MethodGet, "/proxy/model/b/k")
	ctx.Request.RemoteAddr = "10.1.2.3:5555"
	mw(ctx)

	want := []ratelimit.Subject{{Tenant: "org:o1"}, {Token: "tok"}, {Addr: "10.1.2.3"}}
	if len(limiter.subjects) != len(want) {
		t.Fatalf("subjects = %v", limiter.subjects)
	}
	for i := range want {
		if limiter.subjects[i] != want[i] {
			t.Fatalf("subject %d = %+v, want %+v", i, limiter.subjects[i], want[i])
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{
			name:   "valid bearer token",
			header: "Bearer abc123",
			want:   "abc123",
		},
		{
			name:   "valid with extra spaces",
			header: "  Bearer   def456  ",
			want:   "def456",
		},
		{
			name:   "case insensitive bearer",
			header: "bearer xyz789",
			want:   "xyz789",
		},
		{
			name:   "empty header",
			header: "",
			want:   "",
		},
		{
			name:   "missing token",
			header: "Bearer",
			want:   "",
		},
		{
			name:   "wrong scheme",
			header: "Basic abc123",
			want:   "",
		},
		{
			name:   "no scheme",
			header: "justtoken",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bearerToken(tt.header)
			if got != tt.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
