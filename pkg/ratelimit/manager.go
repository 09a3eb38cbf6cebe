package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Limit describes the request budget for a tenant against one platform.
type Limit struct {
	Requests   int
	WindowSecs int
}

// DefaultLimit is used when a platform has no configured budget.
var DefaultLimit = Limit{Requests: 40, WindowSecs: 60}

// Manager gates outbound platform calls behind shared sliding windows so that
// every worker in the fleet draws from the same budget.
type Manager struct {
	limiter *redis.RateLimiter
	logger  ectologger.Logger
	limits  map[string]Limit
}

// NewManager creates a new rate limit manager. limits maps platform name to
// its request budget; unknown platforms fall back to DefaultLimit.
func NewManager(redisClient *redis.Client, limits map[string]Limit, logger ectologger.Logger) *Manager {
	return &Manager{
		limiter: redis.NewRateLimiter(redisClient, "fern:ratelimit:"),
		logger:  logger,
		limits:  limits,
	}
}

// CheckResult represents the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int64
}

func (m *Manager) limitFor(platform string) Limit {
	if l, ok := m.limits[platform]; ok && l.Requests > 0 && l.WindowSecs > 0 {
		return l
	}
	return DefaultLimit
}

func buildKey(tenantID uuid.UUID, platform string) string {
	return fmt.Sprintf("%s:%s", tenantID, platform)
}

// Check checks if a request to the platform is allowed for the tenant.
func (m *Manager) Check(ctx context.Context, tenantID uuid.UUID, platform string) (*CheckResult, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.Check")
	defer span.End()

	limit := m.limitFor(platform)
	key := buildKey(tenantID, platform)
	window := time.Duration(limit.WindowSecs) * time.Second

	// Dynamic block (e.g. Retry-After) takes precedence over the sliding window.
	if blocked, ttl, err := m.limiter.IsBlocked(ctx, key); err == nil && blocked {
		return &CheckResult{
			Allowed:    false,
			RetryAfter: ttl,
		}, nil
	}

	result, err := m.limiter.Allow(ctx, key, int64(limit.Requests), window)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Errorf("Rate limit check failed for %s", platform)
		// On error, allow the request (fail open)
		return &CheckResult{Allowed: true}, nil
	}

	if !result.Allowed {
		m.logger.WithContext(ctx).Warnf("Rate limit exceeded for %s: retry in %v", platform, result.RetryIn)
		return &CheckResult{
			Allowed:    false,
			RetryAfter: result.RetryIn,
		}, nil
	}

	return &CheckResult{Allowed: true, Remaining: result.Remaining}, nil
}

// WaitForLimit waits until the rate limit allows the request
// Returns an error if the context is cancelled or maxWait would be exceeded
func (m *Manager) WaitForLimit(ctx context.Context, tenantID uuid.UUID, platform string, maxWait time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.WaitForLimit")
	defer span.End()

	deadline := time.Now().Add(maxWait)

	for {
		result, err := m.Check(ctx, tenantID, platform)
		if err != nil {
			return err
		}

		if result.Allowed {
			return nil
		}

		retryAfter := result.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 500 * time.Millisecond
		}

		if time.Now().Add(retryAfter).After(deadline) {
			return fmt.Errorf("rate limit for %s would exceed max wait time of %v", platform, maxWait)
		}

		m.logger.WithContext(ctx).Infof("Rate limited by %s, waiting %v", platform, retryAfter)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
			// Continue and check again
		}
	}
}

// Block blocks the tenant's budget for the platform for the given duration.
// Used when the remote returns 429 with a Retry-After hint.
func (m *Manager) Block(ctx context.Context, tenantID uuid.UUID, platform string, d time.Duration) error {
	return m.limiter.BlockFor(ctx, buildKey(tenantID, platform), d)
}

// UpdateFromResponse inspects response headers and blocks the budget when the
// remote reports it has been exhausted.
func (m *Manager) UpdateFromResponse(ctx context.Context, tenantID uuid.UUID, platform string, headers map[string]string) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.UpdateFromResponse")
	defer span.End()

	if retryAfter, ok := headers["Retry-After"]; ok {
		if d, err := ParseRetryAfter(retryAfter); err == nil && d > 0 {
			m.logger.WithContext(ctx).Infof("Blocking %s for %v from Retry-After header", platform, d)
			_ = m.Block(ctx, tenantID, platform, d)
			return
		}
	}

	remaining, hasRemaining := headers["X-RateLimit-Remaining"]
	reset, hasReset := headers["X-RateLimit-Reset"]
	if hasRemaining && hasReset {
		if remainingInt, err := strconv.ParseInt(remaining, 10, 64); err == nil && remainingInt == 0 {
			if resetEpoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				d := time.Until(time.Unix(resetEpoch, 0))
				if d > 0 {
					m.logger.WithContext(ctx).Infof("Blocking %s for %v from rate limit headers", platform, d)
					_ = m.Block(ctx, tenantID, platform, d)
				}
			}
		}
	}
}

// ParseRetryAfter parses a Retry-After header value
// Returns the duration to wait before retrying
func ParseRetryAfter(value string) (time.Duration, error) {
	// Try parsing as seconds
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	// Try parsing as HTTP date (RFC 1123)
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}

// Reset clears the budget for a tenant and platform
func (m *Manager) Reset(ctx context.Context, tenantID uuid.UUID, platform string) error {
	return m.limiter.Reset(ctx, buildKey(tenantID, platform))
}
