package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// RefreshURLTemplate is the AWS identity-center token endpoint template.
	RefreshURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout bounds a single token refresh exchange.
	RefreshTimeout = 15 * time.Second
	// DefaultTokenLifetime applies when the response omits expires_in.
	DefaultTokenLifetime = time.Hour
)

// Refresh error codes. Every backend error code passes through verbatim;
// these are the ones produced locally.
const (
	RefreshCodeMissingCredentials = "MISSING_CREDENTIALS"
	RefreshCodeInvalidResponse    = "INVALID_RESPONSE"
	// RefreshCodeInvalidGrant is the one classification that is fatal to the
	// credential itself: the dispatch engine removes the account on it.
	RefreshCodeInvalidGrant = "invalid_grant"
)

// RefreshError is a typed token refresh failure carrying the backend's
// error code (or a local classification).
type RefreshError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s): %s", e.Code, e.Message)
}

// IsInvalidGrant reports whether the refresh credential itself is dead.
func (e *RefreshError) IsInvalidGrant() bool {
	return e.Code == RefreshCodeInvalidGrant
}

// RefreshAccessToken exchanges the refresh credential for a new access
// token. On success it returns updated auth details with a re-encoded
// refresh credential (the endpoint may rotate the refresh token).
func (c *Client) RefreshAccessToken(ctx context.Context, auth AuthDetails) (AuthDetails, error) {
	parts, err := DecodeRefreshToken(auth.Refresh)
	if err != nil {
		return auth, &RefreshError{Code: RefreshCodeMissingCredentials, Message: err.Error()}
	}
	if parts.ClientID == "" || parts.ClientSecret == "" {
		return auth, &RefreshError{Code: RefreshCodeMissingCredentials, Message: "client id or secret missing"}
	}

	endpoint := c.refreshEndpoint
	if endpoint == "" {
		region := auth.Region
		if region == "" {
			region = DefaultRegion
		}
		endpoint = fmt.Sprintf(RefreshURLTemplate, region)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {parts.RefreshToken},
		"client_id":     {parts.ClientID},
		"client_secret": {parts.ClientSecret},
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return auth, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("refreshing token", "url", endpoint, "email", auth.Email)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return auth, classifyRefreshFailure(resp.StatusCode, body)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		AccessTokenU string `json:"accessToken"`
		RefreshToken string `json:"refresh_token"`
		RefreshTokU  string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return auth, &RefreshError{Code: RefreshCodeInvalidResponse, Message: err.Error()}
	}

	access := parsed.AccessToken
	if access == "" {
		access = parsed.AccessTokenU
	}
	if access == "" {
		return auth, &RefreshError{Code: RefreshCodeInvalidResponse, Message: "no access token in response"}
	}

	refreshTok := parsed.RefreshToken
	if refreshTok == "" {
		refreshTok = parsed.RefreshTokU
	}
	if refreshTok == "" {
		refreshTok = parts.RefreshToken
	}

	lifetime := DefaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}

	updated := auth
	updated.Refresh = EncodeRefreshToken(RefreshParts{
		RefreshToken: refreshTok,
		ClientID:     parts.ClientID,
		ClientSecret: parts.ClientSecret,
		AuthMethod:   parts.AuthMethod,
	})
	updated.Access = access
	updated.ExpiresAt = time.Now().Add(lifetime).UnixMilli()

	c.logger.Info("token refreshed successfully", "email", auth.Email)
	return updated, nil
}

// classifyRefreshFailure maps a non-2xx token endpoint response to a typed
// refresh error, preferring the backend's structured error code.
func classifyRefreshFailure(status int, body []byte) *RefreshError {
	var parsed struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		msg := parsed.ErrorDescription
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = string(body)
		}
		return &RefreshError{Code: parsed.Error, Message: msg}
	}
	return &RefreshError{Code: fmt.Sprintf("HTTP_%d", status), Message: string(body)}
}
