package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// KiroVersion simulates the Kiro IDE version in user-agent strings.
	KiroVersion = "1.0.0"
	// DefaultRegion is used when an account carries no region.
	DefaultRegion = "us-east-1"
)

// Client is an HTTP client for the CodeWhisperer API.
type Client struct {
	httpClient      *http.Client
	logger          *slog.Logger
	refreshEndpoint string
	usageEndpoint   string
}

// ClientOptions configures the CodeWhisperer HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger

	// RefreshEndpoint and UsageEndpoint override the regional AWS
	// endpoints, primarily for tests and debugging proxies.
	RefreshEndpoint string
	UsageEndpoint   string
}

// NewClient creates a new CodeWhisperer client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger:          logger,
		refreshEndpoint: opts.RefreshEndpoint,
		usageEndpoint:   opts.UsageEndpoint,
	}
}

// PreparedRequest is a backend-ready request owned by one dispatch attempt.
type PreparedRequest struct {
	URL            string
	Body           []byte
	Streaming      bool
	Model          string
	ConversationID string
	Auth           AuthDetails
}

// EndpointURL builds the generateAssistantResponse URL for a region.
func EndpointURL(region string) string {
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// Send issues a prepared request and returns the raw event-stream body.
// The caller must close the returned reader. Non-2xx responses are returned
// as *APIError with the body consumed.
func (c *Client) Send(ctx context.Context, prep *PreparedRequest) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, prep.URL, bytes.NewReader(prep.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	machineID := MachineID(prep.Auth.ClientID)
	invocationID := uuid.New().String()
	osName := runtime.GOOS
	goVersion := runtime.Version()

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+prep.Auth.Access)
	httpReq.Header.Set("amz-sdk-invocation-id", invocationID)
	httpReq.Header.Set("amz-sdk-request", "attempt=1; max=1")
	httpReq.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	httpReq.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", KiroVersion, machineID))
	httpReq.Header.Set("User-Agent", fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/%s lang/go md/go#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s", osName, goVersion, KiroVersion, machineID))
	httpReq.Header.Set("Connection", "close")

	c.logger.Debug("sending request to CodeWhisperer",
		"url", prep.URL,
		"model", prep.Model,
		"conversation_id", prep.ConversationID,
		"invocation_id", invocationID,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		c.logger.Warn("CodeWhisperer API error",
			"status", resp.StatusCode,
			"body", string(body),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp.Body, nil
}

// APIError represents a non-2xx response from the CodeWhisperer API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("CodeWhisperer API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsUnauthorized returns true for 401 responses.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRateLimited returns true for 429 responses.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsQuotaExhausted returns true for 402 and 403 responses, which the backend
// uses for exhausted or suspended subscriptions.
func (e *APIError) IsQuotaExhausted() bool {
	return e.StatusCode == http.StatusPaymentRequired || e.StatusCode == http.StatusForbidden
}

// Close closes the client and releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
