package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/contentpipe/internal/metrics"
	"github.com/osvaldoandrade/contentpipe/internal/ratelimit"
	"github.com/osvaldoandrade/contentpipe/pkg/config"
)

// RateLimitInvoke spends one token from the invoke bucket of the caller
// for the tool in the route. It fails open when the limiter errors.
func RateLimitInvoke(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	bucket := ratelimit.Bucket{
		RequestsPerMinute: cfg.RateLimit.Invoke.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.Invoke.BurstSize,
	}
	limit := strconv.Itoa(bucket.BurstSize)
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}
		scope := "invoke:" + c.Param("name")
		dec, err := lim.Allow(c.Request.Context(), scope, rateSubject(c), bucket)
		if err != nil {
			slog.Default().Warn("rate limit check failed", "scope", scope, "err", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if dec.Allowed {
			c.Next()
			return
		}

		secs := max(int(dec.RetryAfter.Seconds()), 1)
		c.Header("Retry-After", strconv.Itoa(secs))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, "invoke").Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"scope":             scope,
			"operation":         "invoke",
			"retryAfterSeconds": secs,
		})
	}
}

// rateSubject picks the bucket owner: the authenticated subject, so token
// rotation does not reset the bucket, then the raw bearer, then the client
// address. The limiter hashes whatever it is given.
func rateSubject(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok && strings.TrimSpace(claims.Subject) != "" {
		return "sub:" + claims.Subject
	}
	if tok := bearerToken(c.GetHeader("Authorization")); tok != "" {
		return "token:" + tok
	}
	return "ip:" + c.ClientIP()
}

func bearerToken(authHeader string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
