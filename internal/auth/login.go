package auth

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/pool"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// CompleteLogin turns a finished authorization into a pool account: it
// resolves the account's email, fetches initial quota counters
// best-effort, and persists the new account.
func CompleteLogin(ctx context.Context, p *pool.Manager, client *kiro.Client, logger *slog.Logger, region string, res *AuthResult) (store.ManagedAccount, error) {
	email := res.Email
	if email == "" {
		email = kiro.EmailFromAccessToken(res.AccessToken)
	}

	acc := store.ManagedAccount{
		ID:           uuid.New().String(),
		Email:        email,
		AuthMethod:   kiro.AuthMethodIDC,
		Region:       region,
		ClientID:     res.ClientID,
		ClientSecret: res.ClientSecret,
		RefreshToken: res.RefreshToken,
		AccessToken:  res.AccessToken,
		ExpiresAt:    res.ExpiresAt,
		IsHealthy:    true,
	}

	if err := p.AddAccount(ctx, acc); err != nil {
		return store.ManagedAccount{}, err
	}

	// Initial quota fetch is advisory; a failure never fails the login.
	if limits, err := client.FetchUsageLimits(ctx, pool.ToAuthDetails(acc)); err == nil {
		rec := store.UsageRecord{
			UsedCount:  limits.UsedCount,
			LimitCount: limits.LimitCount,
			RealEmail:  limits.Email,
		}
		if uErr := p.UpdateUsage(ctx, acc.ID, rec); uErr != nil {
			logger.Warn("failed to persist initial usage", "email", acc.Email, "error", uErr)
		}
	} else {
		logger.Debug("initial usage fetch failed", "email", acc.Email, "error", err)
	}

	logger.Info("account authorized", "email", acc.Email, "region", region)
	return acc, nil
}
