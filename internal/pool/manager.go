// Package pool manages the shared account pool: selection strategies,
// health and rate-limit bookkeeping, and persistence through a Store.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// Strategy selects which eligible account serves the next request.
type Strategy string

const (
	StrategySticky      Strategy = "sticky"
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyLowestUsage Strategy = "lowest-usage"

	// DefaultMinWait is returned by MinWaitTime when no account is
	// rate limited, so callers never busy-spin on an empty answer.
	DefaultMinWait = 60 * time.Second

	toastInterval = 30 * time.Second
)

// ErrAccountNotFound is returned by mutators handed an unknown account id.
var ErrAccountNotFound = errors.New("account not found")

// ParseStrategy validates a strategy name, defaulting to lowest-usage.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySticky, StrategyRoundRobin, StrategyLowestUsage:
		return Strategy(s), nil
	case "":
		return StrategyLowestUsage, nil
	}
	return "", fmt.Errorf("unknown account selection strategy %q", s)
}

// Manager owns the in-memory pool state. All methods are safe for
// concurrent use; every mutation is persisted before it returns.
type Manager struct {
	mu       sync.Mutex
	st       store.Store
	strategy Strategy
	logger   *slog.Logger

	accounts *store.AccountStorage
	usage    *store.UsageStorage

	lastToastAt time.Time
	lastToastID string

	now func() time.Time
}

// Options configures pool loading.
type Options struct {
	Store    store.Store
	Strategy Strategy
	Logger   *slog.Logger

	// DisableImport skips the SSO cache bootstrap for empty pools.
	DisableImport bool
}

// Load reads the pool documents from the store and merges usage counters
// into the accounts. Missing or corrupt documents yield an empty pool.
// When the pool is empty it attempts a one-time import from the local
// SSO token cache.
func Load(ctx context.Context, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyLowestUsage
	}

	accounts, err := opts.Store.LoadAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load account pool: %w", err)
	}
	usage, err := opts.Store.LoadUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage records: %w", err)
	}

	m := &Manager{
		st:       opts.Store,
		strategy: strategy,
		logger:   logger,
		accounts: accounts,
		usage:    usage,
		now:      time.Now,
	}
	m.mergeUsageLocked()

	if len(accounts.Accounts) == 0 && !opts.DisableImport {
		if imported, ok := store.ImportFromSSOCache(logger); ok {
			m.accounts.Accounts = append(m.accounts.Accounts, *imported)
			if err := m.saveLocked(ctx); err != nil {
				return nil, err
			}
			logger.Info("imported account from sso cache", "email", imported.Email)
		}
	}

	return m, nil
}

func (m *Manager) mergeUsageLocked() {
	for i := range m.accounts.Accounts {
		if rec, ok := m.usage.Usage[m.accounts.Accounts[i].ID]; ok {
			r := rec
			m.accounts.Accounts[i].Usage = &r
		}
	}
}

// AccountCount reports the pool size including unhealthy and rate-limited
// accounts. Callers use it to tell "none configured" from "none eligible".
func (m *Manager) AccountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts.Accounts)
}

// Accounts returns a snapshot of every managed account in pool order.
func (m *Manager) Accounts() []store.ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ManagedAccount, len(m.accounts.Accounts))
	copy(out, m.accounts.Accounts)
	return out
}

func (m *Manager) eligibleLocked(now time.Time) []int {
	var out []int
	for i, acc := range m.accounts.Accounts {
		if acc.IsHealthy && acc.RateLimitResetTime <= now.UnixMilli() {
			out = append(out, i)
		}
	}
	return out
}

// CurrentOrNext returns a snapshot of the account the strategy selects,
// or false when no account is eligible right now.
func (m *Manager) CurrentOrNext() (store.ManagedAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := m.eligibleLocked(m.now())
	if len(eligible) == 0 {
		return store.ManagedAccount{}, false
	}

	var idx int
	switch m.strategy {
	case StrategySticky:
		idx = eligible[0]
		for _, i := range eligible {
			if i == m.accounts.ActiveIndex {
				idx = i
				break
			}
		}
	case StrategyRoundRobin:
		idx = m.nextAfterLocked(eligible)
	default: // lowest-usage
		idx = eligible[0]
		best := usageRatio(m.accounts.Accounts[idx])
		for _, i := range eligible[1:] {
			if r := usageRatio(m.accounts.Accounts[i]); r < best {
				best = r
				idx = i
			}
		}
	}

	m.accounts.ActiveIndex = idx
	return m.accounts.Accounts[idx], true
}

// nextAfterLocked advances the persisted cursor to the first eligible
// index strictly after ActiveIndex, wrapping around.
func (m *Manager) nextAfterLocked(eligible []int) int {
	for _, i := range eligible {
		if i > m.accounts.ActiveIndex {
			return i
		}
	}
	return eligible[0]
}

// usageRatio orders accounts for lowest-usage selection. Accounts without
// limit data count as unused.
func usageRatio(acc store.ManagedAccount) float64 {
	if acc.Usage == nil || acc.Usage.LimitCount <= 0 {
		return 0
	}
	return float64(acc.Usage.UsedCount) / float64(acc.Usage.LimitCount)
}

// MinWaitTime returns the shortest time until a rate-limited account
// becomes eligible again, or DefaultMinWait when none is rate limited.
func (m *Manager) MinWaitTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	var min int64
	for _, acc := range m.accounts.Accounts {
		if !acc.IsHealthy || acc.RateLimitResetTime <= now {
			continue
		}
		wait := acc.RateLimitResetTime - now
		if min == 0 || wait < min {
			min = wait
		}
	}
	if min == 0 {
		return DefaultMinWait
	}
	return time.Duration(min) * time.Millisecond
}

// MarkRateLimited sets the account's rate-limit reset instant to
// now+cooldown and persists. The account stays healthy.
func (m *Manager) MarkRateLimited(ctx context.Context, id string, cooldown time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(id)
	if acc == nil {
		return nil
	}
	acc.RateLimitResetTime = m.now().Add(cooldown).UnixMilli()
	m.logger.Warn("account rate limited", "email", acc.Email, "cooldown", cooldown)
	return m.saveLocked(ctx)
}

// MarkUnhealthy flips the health flag and persists. The account stays in
// the pool for inspection but is never selected again.
func (m *Manager) MarkUnhealthy(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(id)
	if acc == nil {
		return nil
	}
	acc.IsHealthy = false
	m.logger.Warn("account marked unhealthy", "email", acc.Email, "reason", reason)
	return m.saveLocked(ctx)
}

// RemoveAccount deletes the account from the pool entirely and persists.
func (m *Manager) RemoveAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts.Accounts {
		if acc.ID != id {
			continue
		}
		m.accounts.Accounts = append(m.accounts.Accounts[:i], m.accounts.Accounts[i+1:]...)
		// Removal below the cursor shifts every later account down one slot.
		if i < m.accounts.ActiveIndex {
			m.accounts.ActiveIndex--
		}
		if m.accounts.ActiveIndex >= len(m.accounts.Accounts) {
			m.accounts.ActiveIndex = len(m.accounts.Accounts) - 1
		}
		delete(m.usage.Usage, id)
		m.logger.Info("account removed", "email", acc.Email)
		return m.saveLocked(ctx)
	}
	return ErrAccountNotFound
}

// UpdateFromAuth writes refreshed credentials back onto the stored
// account and persists.
func (m *Manager) UpdateFromAuth(ctx context.Context, id string, auth kiro.AuthDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(id)
	if acc == nil {
		return nil
	}
	if parts, err := kiro.DecodeRefreshToken(auth.Refresh); err == nil {
		acc.RefreshToken = parts.RefreshToken
	}
	acc.AccessToken = auth.Access
	acc.ExpiresAt = auth.ExpiresAt
	return m.saveLocked(ctx)
}

// UpdateUsage merges fetched usage counters into the account and the
// usage document, then persists.
func (m *Manager) UpdateUsage(ctx context.Context, id string, rec store.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage.Usage[id] = rec
	if acc := m.findLocked(id); acc != nil {
		r := rec
		acc.Usage = &r
	}
	return m.saveLocked(ctx)
}

// AddAccount appends a newly authorized account and persists.
func (m *Manager) AddAccount(ctx context.Context, acc store.ManagedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts.Accounts = append(m.accounts.Accounts, acc)
	if m.accounts.ActiveIndex < 0 {
		m.accounts.ActiveIndex = 0
	}
	m.logger.Info("account added", "email", acc.Email)
	return m.saveLocked(ctx)
}

// ShouldShowToast reports whether a "using account X" notice is worth
// surfacing. Purely advisory: throttled to one notice per interval
// unless the selected account changed.
func (m *Manager) ShouldShowToast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts.Accounts) <= 1 {
		return false
	}
	idx := m.accounts.ActiveIndex
	if idx < 0 || idx >= len(m.accounts.Accounts) {
		return false
	}
	id := m.accounts.Accounts[idx].ID
	now := m.now()
	if id == m.lastToastID && now.Sub(m.lastToastAt) < toastInterval {
		return false
	}
	m.lastToastID = id
	m.lastToastAt = now
	return true
}

// Save persists the current pool and usage documents.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	if err := m.st.SaveAccounts(ctx, m.accounts); err != nil {
		return err
	}
	return m.st.SaveUsage(ctx, m.usage)
}

func (m *Manager) findLocked(id string) *store.ManagedAccount {
	for i := range m.accounts.Accounts {
		if m.accounts.Accounts[i].ID == id {
			return &m.accounts.Accounts[i]
		}
	}
	return nil
}

// ToAuthDetails projects the account into the credential shape the
// refresh subsystem and the backend client consume. Pure, no side effects.
func ToAuthDetails(acc store.ManagedAccount) kiro.AuthDetails {
	return kiro.AuthDetails{
		Refresh: kiro.EncodeRefreshToken(kiro.RefreshParts{
			RefreshToken: acc.RefreshToken,
			ClientID:     acc.ClientID,
			ClientSecret: acc.ClientSecret,
			AuthMethod:   acc.AuthMethod,
		}),
		Access:       acc.AccessToken,
		ExpiresAt:    acc.ExpiresAt,
		AuthMethod:   acc.AuthMethod,
		Region:       acc.Region,
		ClientID:     acc.ClientID,
		ClientSecret: acc.ClientSecret,
		Email:        acc.Email,
	}
}
