package kiro

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		parts RefreshParts
	}{
		{
			name: "full credential",
			parts: RefreshParts{
				RefreshToken: "rt-abc",
				ClientID:     "client-1",
				ClientSecret: "secret-1",
				AuthMethod:   AuthMethodIDC,
			},
		},
		{
			name:  "refresh token only",
			parts: RefreshParts{RefreshToken: "rt-solo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeRefreshToken(EncodeRefreshToken(tt.parts))
			require.NoError(t, err)
			assert.Equal(t, tt.parts, decoded)
		})
	}
}

func TestDecodeRefreshTokenMalformed(t *testing.T) {
	_, err := DecodeRefreshToken("not base64!!!")
	assert.Error(t, err)

	_, err = DecodeRefreshToken(base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)
}

func TestAuthDetailsExpired(t *testing.T) {
	now := time.Now()

	fresh := AuthDetails{Access: "tok", ExpiresAt: now.Add(time.Hour).UnixMilli()}
	assert.False(t, fresh.Expired(now))

	// Inside the refresh margin counts as expired.
	closing := AuthDetails{Access: "tok", ExpiresAt: now.Add(10 * time.Second).UnixMilli()}
	assert.True(t, closing.Expired(now))

	stale := AuthDetails{Access: "tok", ExpiresAt: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, stale.Expired(now))

	// Missing token counts as expired regardless of the instant.
	unset := AuthDetails{ExpiresAt: now.Add(time.Hour).UnixMilli()}
	assert.True(t, unset.Expired(now))
}

func TestMachineIDStable(t *testing.T) {
	a := MachineID("client-1")
	b := MachineID("client-1")
	c := MachineID("client-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotEmpty(t, MachineID(""))
}

func signedTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestEmailFromAccessToken(t *testing.T) {
	token := signedTestToken(t, jwt.MapClaims{"email": "user@example.com"})
	assert.Equal(t, "user@example.com", EmailFromAccessToken(token))

	token = signedTestToken(t, jwt.MapClaims{"preferred_username": "alt@example.com"})
	assert.Equal(t, "alt@example.com", EmailFromAccessToken(token))

	token = signedTestToken(t, jwt.MapClaims{"sub": "uid-without-at"})
	assert.Equal(t, "", EmailFromAccessToken(token))

	assert.Equal(t, "", EmailFromAccessToken("garbage"))
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4-5", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-sonnet-4-5-thinking", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-opus-4-5", "claude-opus-4.5"},
		{"unknown-model", "CLAUDE_SONNET_4_5_20250929_V1_0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveModel(tt.in), tt.in)
	}
}

func TestIsThinkingModel(t *testing.T) {
	assert.True(t, IsThinkingModel("claude-sonnet-4-5-thinking"))
	assert.False(t, IsThinkingModel("claude-sonnet-4-5"))
}

func TestModelFromURL(t *testing.T) {
	assert.Equal(t, "claude-opus-4-5", ModelFromURL("https://host/v1/models/claude-opus-4-5:generate"))
	assert.Equal(t, "", ModelFromURL("https://host/v1/chat/completions"))
}

func TestEventStreamRoundTrip(t *testing.T) {
	ev := &AssistantEvent{Content: "hello"}
	frame := EncodeEventMessage(map[string]string{
		":message-type": MessageTypeEvent,
		":event-type":   "assistantResponseEvent",
	}, mustJSON(t, ev))

	p := NewEventStreamParser()
	msgs, err := p.Parse(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsEvent())
	assert.Equal(t, "assistantResponseEvent", msgs[0].EventType())

	decoded, err := DecodeAssistantEvent(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.Content)
}

func TestEventStreamPartialFrames(t *testing.T) {
	frame := EncodeAssistantEvent(&AssistantEvent{Content: "split"})

	p := NewEventStreamParser()
	msgs, err := p.Parse(frame[:7])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = p.Parse(frame[7:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestEventStreamCorruptCRC(t *testing.T) {
	frame := EncodeAssistantEvent(&AssistantEvent{Content: "x"})
	frame[len(frame)-1] ^= 0xFF

	p := NewEventStreamParser()
	_, err := p.Parse(frame)
	assert.ErrorIs(t, err, ErrInvalidMessageCRC)
}

func TestTokenCountsEncodings(t *testing.T) {
	ev := &AssistantEvent{Usage: json.RawMessage(`12`)}
	in, out, ok := ev.TokenCounts()
	require.True(t, ok)
	assert.Equal(t, int64(0), in)
	assert.Equal(t, int64(12), out)

	ev = &AssistantEvent{Usage: json.RawMessage(`{"inputTokens":3,"outputTokens":9}`)}
	in, out, ok = ev.TokenCounts()
	require.True(t, ok)
	assert.Equal(t, int64(3), in)
	assert.Equal(t, int64(9), out)

	ev = &AssistantEvent{}
	_, _, ok = ev.TokenCounts()
	assert.False(t, ok)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
