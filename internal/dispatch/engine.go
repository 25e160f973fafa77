// Package dispatch drives a logical request through account selection,
// token refresh, the backend call and failure classification, rotating
// through the pool until the request succeeds or fails terminally.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/pool"
	"github.com/xilu0/kiro-gateway/internal/store"
	"github.com/xilu0/kiro-gateway/internal/translator"
)

const (
	// RateLimitCooldown is how long a 429 puts an account on ice.
	RateLimitCooldown = 60 * time.Second

	// DefaultRetryBaseDelay is the network-error backoff base.
	DefaultRetryBaseDelay = 5 * time.Second

	// DefaultMaxRetries bounds 401 and network-error retries per request.
	DefaultMaxRetries = 3
)

// ErrNoAccounts is returned when the pool has no accounts at all.
// It is never retried; the caller must add an account first.
var ErrNoAccounts = errors.New("no accounts configured")

// Engine executes requests against the pool.
type Engine struct {
	pool    *pool.Manager
	client  *kiro.Client
	logger  *slog.Logger
	refresh singleflight.Group

	retryBaseDelay time.Duration
	maxRetries     int
	usageTracking  bool
	endpoint       string
}

// Options configures the engine.
type Options struct {
	Pool   *pool.Manager
	Client *kiro.Client
	Logger *slog.Logger

	// RetryBaseDelay is the base for exponential network-error backoff.
	RetryBaseDelay time.Duration
	// MaxRetries bounds 401 and network-error retries. Rotation on
	// 429/quota failures never consumes this budget.
	MaxRetries int
	// UsageTracking enables fire-and-forget quota refresh after
	// successful calls.
	UsageTracking bool
	// Endpoint overrides the regional backend URL, for tests and proxies.
	Endpoint string
}

// NewEngine creates a dispatch engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Engine{
		pool:           opts.Pool,
		client:         opts.Client,
		logger:         logger,
		retryBaseDelay: baseDelay,
		maxRetries:     maxRetries,
		usageTracking:  opts.UsageTracking,
		endpoint:       opts.Endpoint,
	}
}

// Result is a successful backend call. The caller owns Body and must
// close it.
type Result struct {
	Body    io.ReadCloser
	Prep    *kiro.PreparedRequest
	Account store.ManagedAccount
}

// Do runs one logical request to completion. It selects an account,
// refreshes its token when expired, sends the prepared request and
// classifies failures: 429 and quota errors rotate the pool without
// consuming the retry budget, 401 and network errors retry up to the
// configured cap, everything else is terminal.
func (e *Engine) Do(ctx context.Context, req *openai.ChatCompletionRequest) (*Result, error) {
	retries := 0
	netBackoff := e.newNetworkBackoff()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.pool.AccountCount() == 0 {
			return nil, ErrNoAccounts
		}

		acc, ok := e.pool.CurrentOrNext()
		if !ok {
			wait := e.pool.MinWaitTime()
			e.logger.Info("all accounts unavailable, waiting", "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if e.pool.ShouldShowToast() {
			e.logger.Info("using account", "email", acc.Email)
		}

		auth := pool.ToAuthDetails(acc)
		if auth.Expired(time.Now()) {
			refreshed, err := e.refreshAuth(ctx, acc.ID, auth)
			if err != nil {
				var refreshErr *kiro.RefreshError
				if errors.As(err, &refreshErr) && refreshErr.IsInvalidGrant() {
					e.logger.Warn("refresh credential revoked, removing account", "email", acc.Email)
					if rmErr := e.pool.RemoveAccount(ctx, acc.ID); rmErr != nil && !errors.Is(rmErr, pool.ErrAccountNotFound) {
						return nil, rmErr
					}
					continue
				}
				return nil, err
			}
			auth = refreshed
			if err := e.pool.UpdateFromAuth(ctx, acc.ID, auth); err != nil {
				return nil, err
			}
		}

		prep, err := translator.BuildRequest(req, auth)
		if err != nil {
			return nil, err
		}
		if e.endpoint != "" {
			prep.URL = e.endpoint
		}

		body, err := e.client.Send(ctx, prep)
		if err == nil {
			if e.usageTracking {
				go e.refreshUsage(acc.ID, auth)
			}
			return &Result{Body: body, Prep: prep, Account: acc}, nil
		}

		var apiErr *kiro.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsUnauthorized() && retries < e.maxRetries:
				retries++
				e.logger.Warn("unauthorized, reselecting account", "email", acc.Email, "retry", retries)
				continue
			case apiErr.IsRateLimited():
				if mErr := e.pool.MarkRateLimited(ctx, acc.ID, RateLimitCooldown); mErr != nil {
					return nil, mErr
				}
				continue
			case apiErr.IsQuotaExhausted() && e.pool.AccountCount() > 1:
				if mErr := e.pool.MarkUnhealthy(ctx, acc.ID, fmt.Sprintf("HTTP %d", apiErr.StatusCode)); mErr != nil {
					return nil, mErr
				}
				continue
			default:
				return nil, apiErr
			}
		}

		if ctx.Err() != nil {
			return nil, err
		}
		if retries < e.maxRetries {
			wait := netBackoff.NextBackOff()
			retries++
			e.logger.Warn("network error, backing off",
				"email", acc.Email,
				"wait", wait,
				"retry", retries,
				"error", err,
			)
			if sErr := sleepCtx(ctx, wait); sErr != nil {
				return nil, sErr
			}
			continue
		}
		return nil, err
	}
}

// refreshAuth deduplicates concurrent refreshes of the same account.
func (e *Engine) refreshAuth(ctx context.Context, accountID string, auth kiro.AuthDetails) (kiro.AuthDetails, error) {
	v, err, _ := e.refresh.Do(accountID, func() (interface{}, error) {
		return e.client.RefreshAccessToken(ctx, auth)
	})
	if err != nil {
		return auth, err
	}
	return v.(kiro.AuthDetails), nil
}

// refreshUsage updates quota counters in the background. Failures are
// logged and never reach the request path.
func (e *Engine) refreshUsage(accountID string, auth kiro.AuthDetails) {
	ctx, cancel := context.WithTimeout(context.Background(), kiro.UsageTimeout)
	defer cancel()

	limits, err := e.client.FetchUsageLimits(ctx, auth)
	if err != nil {
		e.logger.Debug("usage refresh failed", "account", accountID, "error", err)
		return
	}
	rec := store.UsageRecord{
		UsedCount:  limits.UsedCount,
		LimitCount: limits.LimitCount,
		RealEmail:  limits.Email,
	}
	if err := e.pool.UpdateUsage(ctx, accountID, rec); err != nil {
		e.logger.Debug("usage persist failed", "account", accountID, "error", err)
	}
}

func (e *Engine) newNetworkBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
