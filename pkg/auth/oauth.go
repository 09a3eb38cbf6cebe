package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/httpclient"
)

// OAuthSource refreshes credentials against a platform's OAuth2 token
// endpoint. It uses the refresh_token grant when a refresh token was cached,
// and falls back to client_credentials otherwise.
type OAuthSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *httpclient.Client
	logger       ectologger.Logger
}

// NewOAuthSource creates a token source for one platform's token endpoint.
func NewOAuthSource(tokenURL, clientID, clientSecret string, httpClient *httpclient.Client, logger ectologger.Logger) *OAuthSource {
	return &OAuthSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh obtains a fresh credential from the token endpoint.
func (s *OAuthSource) Refresh(ctx context.Context, tenantID uuid.UUID, refreshToken string) (*CachedToken, error) {
	form := url.Values{}
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	if refreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	resp, err := s.httpClient.Send(ctx, "POST", s.tokenURL, []byte(form.Encode()), headers)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"status_code": resp.StatusCode,
			"tenant_id":   tenantID,
		}).Error("token endpoint rejected refresh")
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	token := &CachedToken{
		Token:        body.AccessToken,
		TokenType:    body.TokenType,
		RefreshToken: body.RefreshToken,
		CreatedAt:    time.Now().Unix(),
	}
	if body.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Unix() + body.ExpiresIn
	}
	return token, nil
}
