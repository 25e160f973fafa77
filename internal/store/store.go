// Package store provides durable, lock-protected persistence for the
// account pool and per-account usage counters.
package store

import (
	"context"
)

// StorageVersion is the schema version written into both documents.
const StorageVersion = 1

// ManagedAccount is one persisted credential set.
// JSON field names match the original on-disk documents so existing
// installations keep working.
type ManagedAccount struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	AuthMethod   string `json:"authMethod"`
	Region       string `json:"region"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken"`
	// ExpiresAt is the access-token expiry in unix milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
	// RateLimitResetTime is unix milliseconds; 0 means not rate limited.
	// Eligibility is always computed against wall-clock time at selection,
	// never cached as a boolean.
	RateLimitResetTime int64 `json:"rateLimitResetTime"`
	IsHealthy          bool  `json:"isHealthy"`

	// Usage is merged in from the usage document at load time and lives in
	// its own document on disk.
	Usage *UsageRecord `json:"-"`
}

// UsageRecord holds quota counters for one account.
type UsageRecord struct {
	UsedCount  int64  `json:"usedCount"`
	LimitCount int64  `json:"limitCount"`
	RealEmail  string `json:"realEmail,omitempty"`
}

// AccountStorage is the versioned accounts document. Account order is
// significant: the round-robin cursor and the active index are positions
// into this sequence.
type AccountStorage struct {
	Version     int              `json:"version"`
	Accounts    []ManagedAccount `json:"accounts"`
	ActiveIndex int              `json:"activeIndex"`
}

// UsageStorage is the versioned usage document, keyed by account id. It has
// an independent lifecycle from AccountStorage and is refreshed
// opportunistically after successful backend calls.
type UsageStorage struct {
	Version int                    `json:"version"`
	Usage   map[string]UsageRecord `json:"usage"`
}

// EmptyAccounts returns a fresh accounts document.
func EmptyAccounts() *AccountStorage {
	return &AccountStorage{Version: StorageVersion, Accounts: nil, ActiveIndex: -1}
}

// EmptyUsage returns a fresh usage document.
func EmptyUsage() *UsageStorage {
	return &UsageStorage{Version: StorageVersion, Usage: make(map[string]UsageRecord)}
}

// Store is the persistence boundary shared by the file and Redis backends.
// Loads are lenient (a missing or corrupt document yields an empty default);
// saves are atomic with respect to concurrent readers.
type Store interface {
	LoadAccounts(ctx context.Context) (*AccountStorage, error)
	SaveAccounts(ctx context.Context, storage *AccountStorage) error
	LoadUsage(ctx context.Context) (*UsageStorage, error)
	SaveUsage(ctx context.Context, storage *UsageStorage) error
}
