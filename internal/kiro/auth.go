// Package kiro provides the CodeWhisperer API client, credential handling
// and token refresh for Kiro accounts.
package kiro

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Auth method variants. Only identity-center OAuth is currently issued by
// the login flow, but the codec carries the method so malformed or foreign
// credentials fail loudly instead of decoding into garbage.
const (
	AuthMethodIDC = "idc"
)

// RefreshParts is the structured form of the opaque refresh credential.
type RefreshParts struct {
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	AuthMethod   string `json:"authMethod"`
}

// EncodeRefreshToken packs refresh credential parts into a single portable
// string, suitable for storing in one field.
func EncodeRefreshToken(p RefreshParts) string {
	data, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeRefreshToken unpacks a credential produced by EncodeRefreshToken.
func DecodeRefreshToken(encoded string) (RefreshParts, error) {
	var p RefreshParts
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return p, fmt.Errorf("malformed refresh credential: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("malformed refresh credential: %w", err)
	}
	if p.RefreshToken == "" {
		return p, fmt.Errorf("malformed refresh credential: empty refresh token")
	}
	return p, nil
}

// AuthDetails is the ephemeral view of one account's credentials consumed by
// the refresh subsystem and the translator. It is always re-derived from the
// stored account, never persisted.
type AuthDetails struct {
	Refresh      string // encoded refresh credential
	Access       string
	ExpiresAt    int64 // unix milliseconds
	AuthMethod   string
	Region       string
	ClientID     string
	ClientSecret string
	Email        string
}

// Expired reports whether the access token has expired relative to now,
// with a small safety margin so a token does not expire mid-flight.
func (a AuthDetails) Expired(now time.Time) bool {
	if a.Access == "" {
		return true
	}
	const marginMs = 30 * 1000
	return now.UnixMilli() >= a.ExpiresAt-marginMs
}

// MachineID derives a stable per-credential machine identifier. The backend
// correlates requests by this value, so it must not vary between calls for
// the same account.
func MachineID(clientID string) string {
	if clientID == "" {
		clientID = "KIRO_DEFAULT_MACHINE"
	}
	sum := sha256.Sum256([]byte(clientID))
	return fmt.Sprintf("%x", sum)
}

// EmailFromAccessToken extracts the user's email from a JWT access token
// without verifying the signature. Returns "" when the token is not a JWT
// or carries no usable claim.
func EmailFromAccessToken(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	// Some identity providers put the address in preferred_username or sub.
	for _, key := range []string{"preferred_username", "sub"} {
		if v, ok := claims[key].(string); ok && strings.Contains(v, "@") {
			return v
		}
	}
	return ""
}
