package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

// PassthroughProxyOptions configures the passthrough proxy.
type PassthroughProxyOptions struct {
	Pool   *pool.Manager
	Client *kiro.Client
	Region string
	Logger *slog.Logger

	// Next overrides the transport behind the interceptor, for tests.
	Next http.RoundTripper
}

// NewPassthroughProxy serves callers that already speak the CodeWhisperer
// wire protocol. Requests are forwarded to the regional backend through the
// intercept transport, which injects managed credentials and canonical
// model ids on the way out. Responses stream back unbuffered.
func NewPassthroughProxy(opts PassthroughProxyOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	region := opts.Region
	if region == "" {
		region = kiro.DefaultRegion
	}

	target := &url.URL{Scheme: "https", Host: fmt.Sprintf("q.%s.amazonaws.com", region)}
	transport := NewInterceptTransport(InterceptTransportOptions{
		Pool:   opts.Pool,
		Client: opts.Client,
		Next:   opts.Next,
		Logger: logger,
	})

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
		},
		Transport:     transport,
		FlushInterval: -1, // event-stream responses
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("passthrough proxy failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, openai.NewError("upstream error: "+err.Error(), "api_error", ""))
		},
	}
}
