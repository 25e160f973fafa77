// Package auth implements the identity-center login flow: client
// registration, device authorization and token polling against the AWS
// OIDC endpoint, plus pool enrollment of the authorized account.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	oidcURLTemplate = "https://oidc.%s.amazonaws.com"

	clientName = "kiro-gateway"
	clientType = "public"

	defaultPollInterval = 5 * time.Second
)

var registrationScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
}

// AuthResult is the credential set produced by a completed authorization.
type AuthResult struct {
	Email        string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64 // unix milliseconds
}

// Authorization is a started device flow: the URL the user opens in a
// browser and the code displayed there.
type Authorization struct {
	URL        string
	UserCode   string
	DeviceCode string
	Interval   time.Duration
	ExpiresAt  time.Time

	clientID     string
	clientSecret string
}

// Authorizer starts device authorizations and polls them to completion.
type Authorizer interface {
	Authorize(ctx context.Context, region string) (*Authorization, error)
	Wait(ctx context.Context, region string, authz *Authorization) (*AuthResult, error)
}

// IDCAuthorizer is the AWS identity-center implementation of Authorizer.
type IDCAuthorizer struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // override for tests
}

// IDCAuthorizerOptions configures the authorizer.
type IDCAuthorizerOptions struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Endpoint string
}

// NewIDCAuthorizer creates an identity-center authorizer.
func NewIDCAuthorizer(opts IDCAuthorizerOptions) *IDCAuthorizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IDCAuthorizer{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		endpoint:   opts.Endpoint,
	}
}

func (a *IDCAuthorizer) baseURL(region string) string {
	if a.endpoint != "" {
		return a.endpoint
	}
	return fmt.Sprintf(oidcURLTemplate, region)
}

// Authorize registers a client and starts a device authorization,
// returning the verification URL for the user's browser.
func (a *IDCAuthorizer) Authorize(ctx context.Context, region string) (*Authorization, error) {
	base := a.baseURL(region)

	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	err := a.postJSON(ctx, base+"/client/register", map[string]interface{}{
		"clientName": clientName,
		"clientType": clientType,
		"scopes":     registrationScopes,
	}, &reg)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}

	var dev struct {
		DeviceCode              string `json:"deviceCode"`
		UserCode                string `json:"userCode"`
		VerificationURI         string `json:"verificationUri"`
		VerificationURIComplete string `json:"verificationUriComplete"`
		ExpiresIn               int64  `json:"expiresIn"`
		Interval                int64  `json:"interval"`
	}
	err = a.postJSON(ctx, base+"/device_authorization", map[string]interface{}{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     "https://view.awsapps.com/start",
	}, &dev)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	url := dev.VerificationURIComplete
	if url == "" {
		url = dev.VerificationURI
	}
	interval := defaultPollInterval
	if dev.Interval > 0 {
		interval = time.Duration(dev.Interval) * time.Second
	}

	a.logger.Info("device authorization started", "url", url, "user_code", dev.UserCode)

	return &Authorization{
		URL:          url,
		UserCode:     dev.UserCode,
		DeviceCode:   dev.DeviceCode,
		Interval:     interval,
		ExpiresAt:    time.Now().Add(time.Duration(dev.ExpiresIn) * time.Second),
		clientID:     reg.ClientID,
		clientSecret: reg.ClientSecret,
	}, nil
}

// Wait polls the token endpoint until the user completes authorization
// in the browser, the flow expires, or the context is cancelled.
func (a *IDCAuthorizer) Wait(ctx context.Context, region string, authz *Authorization) (*AuthResult, error) {
	return a.wait(ctx, a.baseURL(region), authz)
}

func (a *IDCAuthorizer) wait(ctx context.Context, base string, authz *Authorization) (*AuthResult, error) {
	ticker := time.NewTicker(authz.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if !authz.ExpiresAt.IsZero() && time.Now().After(authz.ExpiresAt) {
			return nil, fmt.Errorf("device authorization expired")
		}

		var tok struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
			ExpiresIn    int64  `json:"expiresIn"`
			Error        string `json:"error"`
		}
		err := a.postJSON(ctx, base+"/token", map[string]interface{}{
			"clientId":     authz.clientID,
			"clientSecret": authz.clientSecret,
			"deviceCode":   authz.DeviceCode,
			"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
		}, &tok)
		if err != nil {
			var oidcErr *oidcError
			if errors.As(err, &oidcErr) {
				switch oidcErr.Code {
				case "AuthorizationPendingException", "authorization_pending":
					continue
				case "SlowDownException", "slow_down":
					ticker.Reset(authz.Interval + 5*time.Second)
					continue
				}
			}
			return nil, fmt.Errorf("token polling failed: %w", err)
		}

		lifetime := tok.ExpiresIn
		if lifetime <= 0 {
			lifetime = 3600
		}
		return &AuthResult{
			ClientID:     authz.clientID,
			ClientSecret: authz.clientSecret,
			RefreshToken: tok.RefreshToken,
			AccessToken:  tok.AccessToken,
			ExpiresAt:    time.Now().Add(time.Duration(lifetime) * time.Second).UnixMilli(),
		}, nil
	}
}

// oidcError is a structured error response from the OIDC endpoint.
type oidcError struct {
	Code    string
	Message string
	Status  int
}

func (e *oidcError) Error() string {
	return fmt.Sprintf("oidc error %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

func (a *IDCAuthorizer) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var parsed struct {
			Error   string `json:"error"`
			Type    string `json:"__type"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &parsed)
		code := parsed.Error
		if code == "" {
			code = parsed.Type
		}
		return &oidcError{Code: code, Message: parsed.Message, Status: resp.StatusCode}
	}

	return json.Unmarshal(data, out)
}
