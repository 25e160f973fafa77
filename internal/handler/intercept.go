package handler

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

// backendURLPattern matches CodeWhisperer endpoints in any region.
var backendURLPattern = regexp.MustCompile(`^(https?://)?q\.[a-z0-9-]+\.amazonaws\.com`)

const currentModelPath = "conversationState.currentMessage.userInputMessage.modelId"

// InterceptTransport is an http.RoundTripper for callers that already speak
// the CodeWhisperer wire protocol. Requests to q.<region>.amazonaws.com get
// managed credentials and canonical model ids injected; everything else
// passes through to the next transport untouched.
type InterceptTransport struct {
	pool   *pool.Manager
	client *kiro.Client
	next   http.RoundTripper
	logger *slog.Logger
}

// InterceptTransportOptions configures an InterceptTransport.
type InterceptTransportOptions struct {
	Pool   *pool.Manager
	Client *kiro.Client
	Next   http.RoundTripper
	Logger *slog.Logger
}

// NewInterceptTransport creates an InterceptTransport.
func NewInterceptTransport(opts InterceptTransportOptions) *InterceptTransport {
	next := opts.Next
	if next == nil {
		next = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptTransport{
		pool:   opts.Pool,
		client: opts.Client,
		next:   next,
		logger: logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *InterceptTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !backendURLPattern.MatchString(req.URL.String()) {
		return t.next.RoundTrip(req)
	}

	acc, ok := t.pool.CurrentOrNext()
	if !ok {
		return nil, fmt.Errorf("no eligible account for %s", req.URL.Host)
	}

	auth := pool.ToAuthDetails(acc)
	if auth.Expired(time.Now()) {
		refreshed, err := t.client.RefreshAccessToken(req.Context(), auth)
		if err != nil {
			return nil, fmt.Errorf("token refresh for account %s: %w", acc.ID, err)
		}
		if err := t.pool.UpdateFromAuth(req.Context(), acc.ID, refreshed); err != nil {
			t.logger.Warn("failed to persist refreshed credentials", "account_id", acc.ID, "error", err)
		}
		auth = refreshed
	}

	out := req.Clone(req.Context())
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = canonicalizeModelIDs(body)
		// A model named in the URL path wins over whatever the body carries.
		if m := kiro.ModelFromURL(req.URL.Path); m != "" && kiro.KnownModel(m) {
			if rewritten, err := sjson.SetBytes(body, currentModelPath, kiro.ResolveModel(m)); err == nil {
				body = rewritten
			}
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.Header.Del("Content-Length")
	}

	out.Header.Set("Authorization", "Bearer "+auth.Access)
	out.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiro.KiroVersion, kiro.MachineID(auth.ClientID)))

	t.logger.Debug("intercepted backend request",
		"url", req.URL.String(),
		"account_id", acc.ID,
	)

	return t.next.RoundTrip(out)
}

// canonicalizeModelIDs rewrites friendly model names in a request body to
// the backend's internal ids, leaving everything else byte-identical.
func canonicalizeModelIDs(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}

	body = rewriteModelID(body, currentModelPath)

	history := gjson.GetBytes(body, "conversationState.history")
	if history.IsArray() {
		for i := range history.Array() {
			body = rewriteModelID(body, fmt.Sprintf("conversationState.history.%d.userInputMessage.modelId", i))
		}
	}
	return body
}

func rewriteModelID(body []byte, path string) []byte {
	current := gjson.GetBytes(body, path)
	if !current.Exists() || current.Type != gjson.String {
		return body
	}
	// Ids the mapping does not know are assumed to already be backend ids
	// and pass through unchanged.
	if !kiro.KnownModel(current.String()) {
		return body
	}
	resolved := kiro.ResolveModel(current.String())
	if resolved == current.String() {
		return body
	}
	out, err := sjson.SetBytes(body, path, resolved)
	if err != nil {
		return body
	}
	return out
}
