package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"
)

// Bucket is a token bucket refilled at RequestsPerMinute up to BurstSize.
type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

func (b Bucket) perSecond() float64 { return float64(b.RequestsPerMinute) / 60.0 }

type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this call.
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether subject may spend one token of scope's bucket.
// Scopes look like "invoke:crawl" or "callback".
type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

const keyPrefix = "contentpipe:rl:"

// bucketKey never contains the raw subject; callers pass bearer tokens.
func bucketKey(scope, subject string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}
	sum := sha256.Sum256([]byte(subject))
	return keyPrefix + scope + ":" + hex.EncodeToString(sum[:])
}

// retryAfter rounds the wait for the next token up to whole seconds.
func retryAfter(missing, ratePerSec float64) time.Duration {
	if ratePerSec <= 0 {
		return time.Minute
	}
	s := math.Ceil(missing / ratePerSec)
	if s < 1 {
		s = 1
	}
	return time.Duration(s) * time.Second
}
