package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/pool"
	"github.com/xilu0/kiro-gateway/internal/store"
	"github.com/xilu0/kiro-gateway/internal/translator"
)

func validAccount(id string) store.ManagedAccount {
	return store.ManagedAccount{
		ID:           id,
		Email:        id + "@example.com",
		AuthMethod:   kiro.AuthMethodIDC,
		Region:       "us-east-1",
		ClientID:     "cid-" + id,
		ClientSecret: "csec-" + id,
		RefreshToken: "rt-" + id,
		AccessToken:  "access-" + id,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		IsHealthy:    true,
	}
}

func newTestPool(t *testing.T, accounts ...store.ManagedAccount) *pool.Manager {
	t.Helper()
	fs, err := store.NewFileStore(store.FileStoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	m, err := pool.Load(context.Background(), pool.Options{
		Store:         fs,
		Strategy:      pool.StrategySticky,
		DisableImport: true,
	})
	require.NoError(t, err)
	for _, acc := range accounts {
		require.NoError(t, m.AddAccount(context.Background(), acc))
	}
	return m
}

func userRequest() *openai.ChatCompletionRequest {
	raw, _ := json.Marshal("hello")
	return &openai.ChatCompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []openai.Message{{Role: "user", Content: raw}},
	}
}

func writeEventStream(w http.ResponseWriter, events ...*kiro.AssistantEvent) {
	for _, ev := range events {
		w.Write(kiro.EncodeAssistantEvent(ev))
	}
}

func TestDoSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-a", r.Header.Get("Authorization"))
		writeEventStream(w,
			&kiro.AssistantEvent{Content: "hi there"},
			&kiro.AssistantEvent{Usage: json.RawMessage(`{"inputTokens":2,"outputTokens":3}`)},
		)
	}))
	defer backend.Close()

	engine := NewEngine(Options{
		Pool:     newTestPool(t, validAccount("a")),
		Client:   kiro.NewClient(kiro.ClientOptions{}),
		Endpoint: backend.URL,
	})

	res, err := engine.Do(context.Background(), userRequest())
	require.NoError(t, err)
	defer res.Body.Close()

	agg, err := translator.AggregateResponse(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi there", agg.Content)
	assert.Equal(t, translator.StopReasonStop, agg.StopReason)

	c := translator.BuildCompletion(agg, "claude-sonnet-4-5", res.Prep.ConversationID)
	assert.Equal(t, openai.FinishStop, *c.Choices[0].FinishReason)
	assert.Empty(t, c.Choices[0].Message.ToolCalls)
}

func TestDoNoAccounts(t *testing.T) {
	engine := NewEngine(Options{
		Pool:   newTestPool(t),
		Client: kiro.NewClient(kiro.ClientOptions{}),
	})

	_, err := engine.Do(context.Background(), userRequest())
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestDoRateLimitRotatesToSecondAccount(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") == "Bearer access-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeEventStream(w, &kiro.AssistantEvent{Content: "served by b"})
	}))
	defer backend.Close()

	p := newTestPool(t, validAccount("a"), validAccount("b"))
	engine := NewEngine(Options{
		Pool:     p,
		Client:   kiro.NewClient(kiro.ClientOptions{}),
		Endpoint: backend.URL,
	})

	res, err := engine.Do(context.Background(), userRequest())
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, "b", res.Account.ID)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))

	// The limited account's reset instant lands near now+cooldown and it
	// stays out of selection.
	wait := p.MinWaitTime()
	assert.InDelta(t, RateLimitCooldown, wait, float64(5*time.Second))
	acc, ok := p.CurrentOrNext()
	require.True(t, ok)
	assert.Equal(t, "b", acc.ID)
}

func TestDoQuotaExhaustedMarksUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer access-a" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		writeEventStream(w, &kiro.AssistantEvent{Content: "ok"})
	}))
	defer backend.Close()

	p := newTestPool(t, validAccount("a"), validAccount("b"))
	engine := NewEngine(Options{
		Pool:     p,
		Client:   kiro.NewClient(kiro.ClientOptions{}),
		Endpoint: backend.URL,
	})

	res, err := engine.Do(context.Background(), userRequest())
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "b", res.Account.ID)
}

func TestDoQuotaExhaustedSingleAccountIsTerminal(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer backend.Close()

	engine := NewEngine(Options{
		Pool:     newTestPool(t, validAccount("a")),
		Client:   kiro.NewClient(kiro.ClientOptions{}),
		Endpoint: backend.URL,
	})

	_, err := engine.Do(context.Background(), userRequest())
	var apiErr *kiro.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestDoUnauthorizedRetriesExhaust(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	engine := NewEngine(Options{
		Pool:       newTestPool(t, validAccount("a")),
		Client:     kiro.NewClient(kiro.ClientOptions{}),
		Endpoint:   backend.URL,
		MaxRetries: 2,
	})

	_, err := engine.Do(context.Background(), userRequest())
	var apiErr *kiro.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnauthorized())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoInvalidGrantRemovesAccount(t *testing.T) {
	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer refreshSrv.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEventStream(w, &kiro.AssistantEvent{Content: "from b"})
	}))
	defer backend.Close()

	dead := validAccount("a")
	dead.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	p := newTestPool(t, dead, validAccount("b"))
	engine := NewEngine(Options{
		Pool:     p,
		Client:   kiro.NewClient(kiro.ClientOptions{RefreshEndpoint: refreshSrv.URL}),
		Endpoint: backend.URL,
	})

	res, err := engine.Do(context.Background(), userRequest())
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, "b", res.Account.ID)
	assert.Equal(t, 1, p.AccountCount())
}

func TestDoExpiredTokenRefreshesAndPersists(t *testing.T) {
	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-rt",
			"expires_in":    3600,
		})
	}))
	defer refreshSrv.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fresh-access", r.Header.Get("Authorization"))
		writeEventStream(w, &kiro.AssistantEvent{Content: "ok"})
	}))
	defer backend.Close()

	expired := validAccount("a")
	expired.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	p := newTestPool(t, expired)
	engine := NewEngine(Options{
		Pool:     p,
		Client:   kiro.NewClient(kiro.ClientOptions{RefreshEndpoint: refreshSrv.URL}),
		Endpoint: backend.URL,
	})

	res, err := engine.Do(context.Background(), userRequest())
	require.NoError(t, err)
	defer res.Body.Close()

	acc, ok := p.CurrentOrNext()
	require.True(t, ok)
	assert.Equal(t, "fresh-access", acc.AccessToken)
	assert.Equal(t, "fresh-rt", acc.RefreshToken)
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	limited := validAccount("a")
	limited.RateLimitResetTime = time.Now().Add(time.Hour).UnixMilli()

	engine := NewEngine(Options{
		Pool:   newTestPool(t, limited),
		Client: kiro.NewClient(kiro.ClientOptions{}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := engine.Do(ctx, userRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
