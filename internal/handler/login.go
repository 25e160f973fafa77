package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xilu0/kiro-gateway/internal/auth"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

// loginSession is a started device authorization waiting to be polled.
type loginSession struct {
	region string
	authz  *auth.Authorization
}

// LoginHandler runs the device authorization flow over two endpoints:
// POST /v1/auth/start opens a flow and returns the verification URL,
// POST /v1/auth/poll waits for the user to approve it and adds the
// resulting account to the pool.
type LoginHandler struct {
	authorizer auth.Authorizer
	pool       *pool.Manager
	client     *kiro.Client
	region     string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*loginSession
}

// LoginHandlerOptions configures a LoginHandler.
type LoginHandlerOptions struct {
	Authorizer auth.Authorizer
	Pool       *pool.Manager
	Client     *kiro.Client
	Region     string
	Logger     *slog.Logger
}

// NewLoginHandler creates a new LoginHandler.
func NewLoginHandler(opts LoginHandlerOptions) *LoginHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHandler{
		authorizer: opts.Authorizer,
		pool:       opts.Pool,
		client:     opts.Client,
		region:     opts.Region,
		logger:     logger,
		sessions:   make(map[string]*loginSession),
	}
}

type startRequest struct {
	Region string `json:"region"`
}

type startResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	UserCode  string `json:"userCode"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Start handles POST /v1/auth/start.
func (h *LoginHandler) Start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, openai.NewError("method not allowed", "invalid_request_error", ""))
		return
	}

	var req startRequest
	// An empty body means "use the configured region".
	_ = json.NewDecoder(r.Body).Decode(&req)
	region := req.Region
	if region == "" {
		region = h.region
	}

	authz, err := h.authorizer.Authorize(r.Context(), region)
	if err != nil {
		h.logger.Error("device authorization failed", "region", region, "error", err)
		writeError(w, http.StatusBadGateway, openai.NewError("authorization failed: "+err.Error(), "api_error", ""))
		return
	}

	id := uuid.New().String()
	h.mu.Lock()
	h.pruneLocked()
	h.sessions[id] = &loginSession{region: region, authz: authz}
	h.mu.Unlock()

	h.logger.Info("device authorization started", "session_id", id, "region", region)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(startResponse{
		ID:        id,
		URL:       authz.URL,
		UserCode:  authz.UserCode,
		ExpiresAt: authz.ExpiresAt.UnixMilli(),
	})
}

type pollRequest struct {
	ID string `json:"id"`
}

// Poll handles POST /v1/auth/poll. It blocks until the user approves
// the session in the browser, the session expires, or the request is
// cancelled.
func (h *LoginHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, openai.NewError("method not allowed", "invalid_request_error", ""))
		return
	}

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, openai.NewError("session id required", "invalid_request_error", ""))
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[req.ID]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, openai.NewError("unknown or expired session", "invalid_request_error", ""))
		return
	}

	res, err := h.authorizer.Wait(r.Context(), sess.region, sess.authz)
	if err != nil {
		h.logger.Warn("device authorization not completed", "session_id", req.ID, "error", err)
		writeError(w, http.StatusBadGateway, openai.NewError("authorization failed: "+err.Error(), "api_error", ""))
		return
	}

	acc, err := auth.CompleteLogin(r.Context(), h.pool, h.client, h.logger, sess.region, res)
	if err != nil {
		h.logger.Error("login completion failed", "session_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, openai.NewError("login failed: "+err.Error(), "api_error", ""))
		return
	}

	h.mu.Lock()
	delete(h.sessions, req.ID)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"account": toView(acc, time.Now().UnixMilli()),
	})
}

// pruneLocked drops sessions whose device code already expired.
func (h *LoginHandler) pruneLocked() {
	now := time.Now()
	for id, sess := range h.sessions {
		if sess.authz.ExpiresAt.Before(now) {
			delete(h.sessions, id)
		}
	}
}
