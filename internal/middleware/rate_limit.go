package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/ratelimit"
	"github.com/osvaldoandrade/runplane/pkg/config"
)

func RateLimitSubmit(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimit(lim, ratelimit.ScopeSubmit, cfg.RateLimit.Submit)
}

func RateLimitProxy(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimit(lim, ratelimit.ScopeProxy, cfg.RateLimit.Proxy)
}

func rateLimit(lim ratelimit.Limiter, scope ratelimit.Scope, bcfg config.RateLimitBucket) gin.HandlerFunc {
	bucket := ratelimit.Bucket{RequestsPerMinute: bcfg.RequestsPerMinute, BurstSize: bcfg.BurstSize}
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := rateSubject(c)
		dec, err := lim.Allow(c.Request.Context(), scope, subject, bucket)
		if err != nil {
			// fail open
			Logger(c).Warn("rate limit check failed", "scope", scope, "subject", subject.String(), "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.Header("X-RateLimit-Remaining", "0")
		metrics.RateLimitHitsTotal.WithLabelValues(string(scope)).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"scope":             scope,
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

// rateSubject keys the bucket on the caller's tenant when known, then on the
// bearer token, then on the client IP (anonymous proxy downloads).
func rateSubject(c *gin.Context) ratelimit.Subject {
	if id, ok := GetIdentity(c); ok && id.Key() != "" {
		return ratelimit.Subject{Tenant: id.Key()}
	}
	if token := bearerToken(c.GetHeader("Authorization")); token != "" {
		return ratelimit.Subject{Token: token}
	}
	return ratelimit.Subject{Addr: c.ClientIP()}
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
