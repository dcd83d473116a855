package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/codegrade/internal/ratelimit"
	"github.com/osvaldoandrade/codegrade/pkg/config"
)

// mockLimiter implements ratelimit.Limiter for testing
type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	subject  string
	calls    int
}

func (m *mockLimiter) Allow(ctx context.Context, scope string, subject string, bucket ratelimit.Bucket) (ratelimit.Decision, error) {
	m.calls++
	m.subject = subject
	return m.decision, m.err
}

func evaluateConfig(rpm, burst int) *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			Evaluate: config.RateLimitBucketConfig{RequestsPerMinute: rpm, BurstSize: burst},
		},
	}
}

func newEvaluateContext() (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	ctx.Request.RemoteAddr = "203.0.113.7:5555"
	return ctx, rec
}

func TestRateLimitEvaluateDisabledBucket(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}
	ctx, _ := newEvaluateContext()

	RateLimitEvaluate(limiter, evaluateConfig(0, 0))(ctx)

	if ctx.IsAborted() || limiter.calls != 0 {
		t.Fatal("expected request to pass through without consulting the limiter")
	}
}

func TestRateLimitEvaluateAllowed(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	ctx, _ := newEvaluateContext()

	RateLimitEvaluate(limiter, evaluateConfig(100, 10))(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when rate limit allows")
	}
	if limiter.subject != "203.0.113.7" {
		t.Fatalf("expected client ip as subject, got %q", limiter.subject)
	}
}

func TestRateLimitEvaluateDenied(t *testing.T) {
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 5 * time.Second}}
	ctx, rec := newEvaluateContext()

	RateLimitEvaluate(limiter, evaluateConfig(100, 10))(ctx)

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
	if body["error"] != "rate limit exceeded" || body["operation"] != "evaluate" || body["retryAfterSeconds"] != float64(5) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRateLimitEvaluateFailsOpen(t *testing.T) {
	limiter := &mockLimiter{err: context.DeadlineExceeded}
	ctx, _ := newEvaluateContext()

	RateLimitEvaluate(limiter, evaluateConfig(100, 10))(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when limiter returns error")
	}
}

func TestRateLimitEvaluateNilLimiter(t *testing.T) {
	ctx, _ := newEvaluateContext()
	RateLimitEvaluate(nil, evaluateConfig(100, 10))(ctx)
	if ctx.IsAborted() {
		t.Fatal("nil limiter must not block")
	}
}
