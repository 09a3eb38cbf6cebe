package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrTokenNotFound is returned when a cached token is not found
	ErrTokenNotFound = errors.New("cached token not found")

	// ErrNoTokenSource is returned when no token source is registered for a platform
	ErrNoTokenSource = errors.New("no token source registered for platform")
)

const (
	// DefaultTTLSeconds is the default cache TTL if the source reports no expiry
	DefaultTTLSeconds = 3600

	// DefaultSkewSeconds is refreshed this long before actual expiry
	DefaultSkewSeconds = 60

	// CacheKeyPrefix is the prefix for auth token cache keys
	CacheKeyPrefix = "auth:token:"
)

// CachedToken represents a cached platform credential
type CachedToken struct {
	Token        string            `json:"token"`
	TokenType    string            `json:"token_type,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    int64             `json:"expires_at,omitempty"`
	Headers      map[string]string `json:"headers"`
	CreatedAt    int64             `json:"created_at"`
}

// IsExpired checks if the token is expired (with skew)
func (t *CachedToken) IsExpired(skewSeconds int) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	now := time.Now().Unix()
	return now >= (t.ExpiresAt - int64(skewSeconds))
}

// AuthHeaders returns the headers to attach to outbound requests.
func (t *CachedToken) AuthHeaders() map[string]string {
	if len(t.Headers) > 0 {
		return t.Headers
	}
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return map[string]string{"Authorization": tokenType + " " + t.Token}
}

// TokenSource obtains a fresh credential for a tenant from a platform. The
// previous refresh token is passed when one was cached.
type TokenSource interface {
	Refresh(ctx context.Context, tenantID uuid.UUID, refreshToken string) (*CachedToken, error)
}

// Manager caches platform credentials in Redis so workers do not refresh on
// every request, and supports a forced refresh after a 401.
type Manager struct {
	redisClient *redis.Client
	sources     map[string]TokenSource
	logger      ectologger.Logger
}

// NewManager creates a new auth manager. sources maps platform name to its
// token source.
func NewManager(redisClient *redis.Client, sources map[string]TokenSource, logger ectologger.Logger) *Manager {
	if sources == nil {
		sources = make(map[string]TokenSource)
	}
	return &Manager{
		redisClient: redisClient,
		sources:     sources,
		logger:      logger,
	}
}

// Register adds a token source for a platform.
func (m *Manager) Register(platform string, source TokenSource) {
	m.sources[platform] = source
}

// GetToken returns a valid credential for the tenant and platform, refreshing
// through the platform's token source when the cache misses or is stale.
func (m *Manager) GetToken(ctx context.Context, tenantID uuid.UUID, platform string) (*CachedToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.GetToken")
	defer span.End()

	cacheKey := m.cacheKey(tenantID, platform)

	cachedToken, err := m.getCachedToken(ctx, cacheKey)
	if err == nil && !cachedToken.IsExpired(DefaultSkewSeconds) {
		m.logger.WithContext(ctx).Debugf("Using cached auth token for %s", platform)
		return cachedToken, nil
	}

	var refreshToken string
	if cachedToken != nil {
		refreshToken = cachedToken.RefreshToken
		m.logger.WithContext(ctx).Debugf("Cached token expired, refreshing for %s", platform)
	}

	return m.refresh(ctx, tenantID, platform, refreshToken)
}

// ForceRefresh discards any cached credential and obtains a fresh one. Called
// when the remote rejects a request with 401.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID uuid.UUID, platform string) (*CachedToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.ForceRefresh")
	defer span.End()

	cacheKey := m.cacheKey(tenantID, platform)

	var refreshToken string
	if cachedToken, err := m.getCachedToken(ctx, cacheKey); err == nil {
		refreshToken = cachedToken.RefreshToken
	}

	if err := m.redisClient.Del(ctx, cacheKey); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to invalidate cached auth token")
	}

	return m.refresh(ctx, tenantID, platform, refreshToken)
}

// InvalidateToken removes a cached credential
func (m *Manager) InvalidateToken(ctx context.Context, tenantID uuid.UUID, platform string) error {
	return m.redisClient.Del(ctx, m.cacheKey(tenantID, platform))
}

func (m *Manager) refresh(ctx context.Context, tenantID uuid.UUID, platform, refreshToken string) (*CachedToken, error) {
	source, ok := m.sources[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTokenSource, platform)
	}

	m.logger.WithContext(ctx).Infof("Refreshing auth token for %s", platform)

	newToken, err := source.Refresh(ctx, tenantID, refreshToken)
	if err != nil {
		metrics.AuthTokenRefreshes.WithLabelValues(platform, "error").Inc()
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.AuthTokenRefreshes.WithLabelValues(platform, "success").Inc()

	if newToken.CreatedAt == 0 {
		newToken.CreatedAt = time.Now().Unix()
	}

	ttl := calculateTTL(newToken)
	if err := m.cacheToken(ctx, m.cacheKey(tenantID, platform), newToken, ttl); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache auth token")
	}

	return newToken, nil
}

// getCachedToken retrieves a token from Redis cache
func (m *Manager) getCachedToken(ctx context.Context, key string) (*CachedToken, error) {
	data, err := m.redisClient.Get(ctx, key)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	return &token, nil
}

// cacheToken stores a token in Redis cache
func (m *Manager) cacheToken(ctx context.Context, key string, token *CachedToken, ttl time.Duration) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return m.redisClient.Set(ctx, key, string(data), ttl)
}

func calculateTTL(token *CachedToken) time.Duration {
	if token.ExpiresAt > 0 {
		remaining := token.ExpiresAt - time.Now().Unix() - int64(DefaultSkewSeconds)
		if remaining > 0 {
			return time.Duration(remaining) * time.Second
		}
	}
	return time.Duration(DefaultTTLSeconds) * time.Second
}

func (m *Manager) cacheKey(tenantID uuid.UUID, platform string) string {
	return fmt.Sprintf("%s%s:%s", CacheKeyPrefix, tenantID, platform)
}
