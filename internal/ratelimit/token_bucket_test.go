package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newLimiter(t *testing.T) (*TokenBucketLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTokenBucketLimiter(rdb), mr
}

func TestTokenBucketLimiter_Allow_Disabled(t *testing.T) {
	lim, mr := newLimiter(t)

	dec, err := lim.Allow(context.Background(), ScopeSubmit, Subject{Tenant: "org:o1"}, Bucket{})
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed when bucket disabled")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("disabled bucket should not touch redis: %v", mr.Keys())
	}
}

func TestTokenBucketLimiter_Allow_BlocksAfterBurstAndRefills(t *testing.T) {
	lim, _ := newLimiter(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }
	bucket := Bucket{RequestsPerMinute: 60, BurstSize: 2} // 1 token/sec
	tenant := Subject{Tenant: "org:o1"}
	ctx := context.Background()

	for i, wantLeft := range []int{1, 0} {
		dec, err := lim.Allow(ctx, ScopeSubmit, tenant, bucket)
		if err != nil || !dec.Allowed {
			t.Fatalf("request %d should pass: %+v err=%v", i, dec, err)
		}
		if dec.Remaining != wantLeft {
			t.Fatalf("request %d remaining = %d, want %d", i, dec.Remaining, wantLeft)
		}
	}

	dec, err := lim.Allow(ctx, ScopeSubmit, tenant, bucket)
	if err != nil || dec.Allowed {
		t.Fatalf("third request should be limited: %+v err=%v", dec, err)
	}
	if dec.RetryAfter != time.Second {
		t.Fatalf("retry after = %v, want 1s", dec.RetryAfter)
	}

	if dec, _ := lim.Allow(ctx, ScopeSubmit, Subject{Tenant: "org:o2"}, bucket); !dec.Allowed {
		t.Fatalf("other tenant has its own bucket")
	}

	now = now.Add(time.Second)
	if dec, _ := lim.Allow(ctx, ScopeSubmit, tenant, bucket); !dec.Allowed {
		t.Fatalf("bucket should refill after a second")
	}
}

func TestTokenBucketLimiter_ScopesAreIndependent(t *testing.T) {
	lim, mr := newLimiter(t)
	bucket := Bucket{RequestsPerMinute: 60, BurstSize: 1}

	for _, scope := range []Scope{ScopeSubmit, ScopeProxy} {
		dec, err := lim.Allow(context.Background(), scope, Subject{Addr: "10.0.0.1"}, bucket)
		if err != nil || !dec.Allowed {
			t.Fatalf("%s: first request should pass (err=%v)", scope, err)
		}
	}
	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected one bucket per scope, got %v", keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "runplane:rl:") || !strings.HasSuffix(k, ":ip:10.0.0.1") {
			t.Fatalf("unexpected key %q", k)
		}
	}

	if _, err := lim.Allow(context.Background(), Scope("uploads"), Subject{Addr: "10.0.0.1"}, bucket); err == nil {
		t.Fatalf("unknown scope should be rejected")
	}
}

func TestSubjectKeys(t *testing.T) {
	tests := []struct {
		subject Subject
		prefix  string
		logged  string
	}{
		{Subject{Tenant: "org:o1", Token: "secret"}, "tenant:org:o1", "org:o1"},
		{Subject{Token: "secret", Addr: "10.0.0.1"}, "token:", "token"},
		{Subject{Addr: "10.0.0.1"}, "ip:10.0.0.1", "ip:10.0.0.1"},
		{Subject{}, "anonymous", "anonymous"},
	}
	for _, tt := range tests {
		key := tt.subject.key()
		if !strings.HasPrefix(key, tt.prefix) || strings.Contains(key, "secret") {
			t.Fatalf("key(%+v) = %q", tt.subject, key)
		}
		if got := tt.subject.String(); got != tt.logged {
			t.Fatalf("String(%+v) = %q, want %q", tt.subject, got, tt.logged)
		}
	}
}
