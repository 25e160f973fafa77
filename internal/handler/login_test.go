package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/auth"
	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// fakeAuthorizer scripts the device flow without touching the network.
type fakeAuthorizer struct {
	authz        *auth.Authorization
	authorizeErr error
	result       *auth.AuthResult
	waitErr      error
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, region string) (*auth.Authorization, error) {
	return f.authz, f.authorizeErr
}

func (f *fakeAuthorizer) Wait(ctx context.Context, region string, authz *auth.Authorization) (*auth.AuthResult, error) {
	return f.result, f.waitErr
}

func newLoginHandler(t *testing.T, az auth.Authorizer) *LoginHandler {
	t.Helper()
	return NewLoginHandler(LoginHandlerOptions{
		Authorizer: az,
		Pool:       newTestPool(t),
		Client:     kiro.NewClient(kiro.ClientOptions{UsageEndpoint: "http://127.0.0.1:1"}),
		Region:     "us-east-1",
	})
}

func startSession(t *testing.T, h *LoginHandler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Start(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/start", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func TestLoginStartReturnsVerificationURL(t *testing.T) {
	az := &fakeAuthorizer{authz: &auth.Authorization{
		URL:       "https://device.example.com/verify?code=WXYZ",
		UserCode:  "WXYZ",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}}
	h := newLoginHandler(t, az)

	rec := httptest.NewRecorder()
	h.Start(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/start", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://device.example.com/verify?code=WXYZ", resp.URL)
	assert.Equal(t, "WXYZ", resp.UserCode)
}

func TestLoginPollAddsAccount(t *testing.T) {
	az := &fakeAuthorizer{
		authz: &auth.Authorization{ExpiresAt: time.Now().Add(10 * time.Minute)},
		result: &auth.AuthResult{
			Email:        "dev@example.com",
			ClientID:     "cid",
			ClientSecret: "csec",
			RefreshToken: "rt",
			AccessToken:  "at",
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		},
	}
	h := newLoginHandler(t, az)
	id := startSession(t, h)

	rec := httptest.NewRecorder()
	h.Poll(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/poll", strings.NewReader(`{"id":"`+id+`"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Account accountView `json:"account"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dev@example.com", resp.Account.Email)
	assert.True(t, resp.Account.IsHealthy)

	assert.Equal(t, 1, h.pool.AccountCount())

	// The session is single use.
	rec = httptest.NewRecorder()
	h.Poll(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/poll", strings.NewReader(`{"id":"`+id+`"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginPollUnknownSession(t *testing.T) {
	h := newLoginHandler(t, &fakeAuthorizer{})
	rec := httptest.NewRecorder()
	h.Poll(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/poll", strings.NewReader(`{"id":"nope"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginPollAuthorizationDenied(t *testing.T) {
	az := &fakeAuthorizer{
		authz:   &auth.Authorization{ExpiresAt: time.Now().Add(10 * time.Minute)},
		waitErr: errors.New("authorization failed (access_denied)"),
	}
	h := newLoginHandler(t, az)
	id := startSession(t, h)

	rec := httptest.NewRecorder()
	h.Poll(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/poll", strings.NewReader(`{"id":"`+id+`"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, h.pool.AccountCount())
}

func TestLoginStartUpstreamFailure(t *testing.T) {
	h := newLoginHandler(t, &fakeAuthorizer{authorizeErr: errors.New("register failed")})
	rec := httptest.NewRecorder()
	h.Start(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/start", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
