package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// UsageURLTemplate is the CodeWhisperer usage-limits endpoint template.
	UsageURLTemplate = "https://q.%s.amazonaws.com/getUsageLimits"
	// UsageTimeout bounds a usage lookup; these are advisory calls and must
	// never hold up a request.
	UsageTimeout = 10 * time.Second
)

// UsageLimits holds the backend's quota counters for one account.
type UsageLimits struct {
	UsedCount  int64  `json:"usedCount"`
	LimitCount int64  `json:"limitCount"`
	Email      string `json:"email,omitempty"`
}

// FetchUsageLimits queries the backend for the account's current quota
// usage. The email in the result is the backend's view of the identity,
// which may differ from the display email captured at login.
func (c *Client) FetchUsageLimits(ctx context.Context, auth AuthDetails) (*UsageLimits, error) {
	endpoint := c.usageEndpoint
	if endpoint == "" {
		region := auth.Region
		if region == "" {
			region = DefaultRegion
		}
		endpoint = fmt.Sprintf(UsageURLTemplate, region)
	}

	ctx, cancel := context.WithTimeout(ctx, UsageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.Access)
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", KiroVersion, MachineID(auth.ClientID)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var limits UsageLimits
	if err := json.Unmarshal(body, &limits); err != nil {
		return nil, fmt.Errorf("failed to parse usage response: %w", err)
	}

	if limits.Email == "" {
		limits.Email = EmailFromAccessToken(auth.Access)
	}

	return &limits, nil
}
