package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// ssoTokenFile is the Kiro IDE token cache relative to the home directory.
const ssoTokenFile = ".aws/sso/cache/kiro-auth-token.json"

// ssoTokenData mirrors the Kiro IDE token cache file. Enterprise installs
// keep clientId/clientSecret in a separate device-registration file named
// by clientIdHash.
type ssoTokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	AuthMethod   string `json:"authMethod"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ClientIDHash string `json:"clientIdHash"`
	Region       string `json:"region"`
	Email        string `json:"email"`
}

// ImportFromSSOCache attempts to bootstrap a single account from the
// OS-level Kiro IDE credential cache. Used only when the accounts document
// has no managed accounts; any failure means "nothing to import".
func ImportFromSSOCache(logger *slog.Logger) (*ManagedAccount, bool) {
	if logger == nil {
		logger = slog.Default()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, false
	}

	tokenPath := filepath.Join(homeDir, ssoTokenFile)
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, false
	}

	var token ssoTokenData
	if err := json.Unmarshal(data, &token); err != nil {
		logger.Warn("unreadable SSO token cache, skipping import", "path", tokenPath, "error", err)
		return nil, false
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, false
	}

	// Resolve client registration through the hash-referenced sibling file.
	if token.ClientID == "" && token.ClientIDHash != "" {
		if err := loadClientRegistration(homeDir, token.ClientIDHash, &token); err != nil {
			logger.Warn("failed to load client registration for SSO import", "error", err)
		}
	}

	expiresAt := parseExpiry(token.ExpiresAt)

	email := token.Email
	if email == "" {
		email = kiro.EmailFromAccessToken(token.AccessToken)
	}
	if email == "" {
		email = "imported@kiro"
	}

	region := token.Region
	if region == "" {
		region = kiro.DefaultRegion
	}

	acc := &ManagedAccount{
		ID:                 uuid.New().String(),
		Email:              email,
		AuthMethod:         strings.ToLower(token.AuthMethod),
		Region:             region,
		ClientID:           token.ClientID,
		ClientSecret:       token.ClientSecret,
		RefreshToken:       token.RefreshToken,
		AccessToken:        token.AccessToken,
		ExpiresAt:          expiresAt,
		RateLimitResetTime: 0,
		IsHealthy:          true,
	}
	if acc.AuthMethod == "" {
		acc.AuthMethod = kiro.AuthMethodIDC
	}

	logger.Info("imported account from SSO cache", "email", email, "region", region)
	return acc, true
}

// loadClientRegistration fills clientId/clientSecret from the device
// registration file referenced by clientIdHash.
func loadClientRegistration(homeDir, clientIDHash string, token *ssoTokenData) error {
	// The hash names a file; reject anything that could traverse out of
	// the cache directory.
	if strings.ContainsAny(clientIDHash, `/\`) || strings.Contains(clientIDHash, "..") {
		return fmt.Errorf("invalid clientIdHash")
	}

	regPath := filepath.Join(homeDir, ".aws", "sso", "cache", clientIDHash+".json")
	data, err := os.ReadFile(regPath)
	if err != nil {
		return fmt.Errorf("failed to read client registration: %w", err)
	}

	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("failed to parse client registration: %w", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return fmt.Errorf("client registration missing clientId or clientSecret")
	}

	token.ClientID = reg.ClientID
	token.ClientSecret = reg.ClientSecret
	return nil
}

// parseExpiry accepts either an RFC3339 timestamp or unix milliseconds and
// returns unix milliseconds; 0 forces an immediate refresh on first use.
func parseExpiry(raw string) int64 {
	if raw == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixMilli()
	}
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil {
		return ms
	}
	return 0
}
