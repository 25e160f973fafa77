package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refreshAuth(region string) AuthDetails {
	return AuthDetails{
		Refresh: EncodeRefreshToken(RefreshParts{
			RefreshToken: "rt-1",
			ClientID:     "cid",
			ClientSecret: "csec",
			AuthMethod:   AuthMethodIDC,
		}),
		Access: "old-access",
		Region: region,
		Email:  "a@example.com",
	}
}

func TestRefreshAccessTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "csec", r.Form.Get("client_secret"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "rt-2",
			"expires_in":    1800,
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{RefreshEndpoint: srv.URL})
	updated, err := c.RefreshAccessToken(context.Background(), refreshAuth("us-east-1"))
	require.NoError(t, err)

	assert.Equal(t, "new-access", updated.Access)
	assert.Greater(t, updated.ExpiresAt, time.Now().UnixMilli())

	// The rotated refresh token is re-encoded with the original client
	// credentials.
	parts, err := DecodeRefreshToken(updated.Refresh)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", parts.RefreshToken)
	assert.Equal(t, "cid", parts.ClientID)
}

func TestRefreshAccessTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "new-access"})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{RefreshEndpoint: srv.URL})
	updated, err := c.RefreshAccessToken(context.Background(), refreshAuth(""))
	require.NoError(t, err)

	parts, err := DecodeRefreshToken(updated.Refresh)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", parts.RefreshToken)
}

func TestRefreshAccessTokenInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{RefreshEndpoint: srv.URL})
	_, err := c.RefreshAccessToken(context.Background(), refreshAuth("us-east-1"))

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.IsInvalidGrant())
	assert.Contains(t, refreshErr.Message, "revoked")
}

func TestRefreshAccessTokenHTTPFallbackCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{RefreshEndpoint: srv.URL})
	_, err := c.RefreshAccessToken(context.Background(), refreshAuth("us-east-1"))

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "HTTP_502", refreshErr.Code)
	assert.False(t, refreshErr.IsInvalidGrant())
}

func TestRefreshAccessTokenNoAccessInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"unrelated": "field"})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{RefreshEndpoint: srv.URL})
	_, err := c.RefreshAccessToken(context.Background(), refreshAuth("us-east-1"))

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, RefreshCodeInvalidResponse, refreshErr.Code)
}

func TestRefreshAccessTokenMissingCredentials(t *testing.T) {
	c := NewClient(ClientOptions{})

	auth := AuthDetails{Refresh: EncodeRefreshToken(RefreshParts{RefreshToken: "rt-only"})}
	_, err := c.RefreshAccessToken(context.Background(), auth)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, RefreshCodeMissingCredentials, refreshErr.Code)
}

func TestFetchUsageLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"usedCount":  12,
			"limitCount": 500,
			"email":      "real@example.com",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{UsageEndpoint: srv.URL})
	limits, err := c.FetchUsageLimits(context.Background(), AuthDetails{Access: "access-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(12), limits.UsedCount)
	assert.Equal(t, int64(500), limits.LimitCount)
	assert.Equal(t, "real@example.com", limits.Email)
}

func TestFetchUsageLimitsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{UsageEndpoint: srv.URL})
	_, err := c.FetchUsageLimits(context.Background(), AuthDetails{Access: "access-1"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsQuotaExhausted())
}
