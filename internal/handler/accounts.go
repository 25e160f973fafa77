package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/pool"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// accountView is the redacted account representation returned by the
// management API. Credentials never leave the process.
type accountView struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	Region             string `json:"region"`
	AuthMethod         string `json:"authMethod"`
	IsHealthy          bool   `json:"isHealthy"`
	RateLimited        bool   `json:"rateLimited"`
	RateLimitResetTime int64  `json:"rateLimitResetTime,omitempty"`
	UsedCount          int64  `json:"usedCount,omitempty"`
	LimitCount         int64  `json:"limitCount,omitempty"`
}

// AccountsHandler exposes the account pool over HTTP: list on GET,
// removal on DELETE /v1/accounts/{id}.
type AccountsHandler struct {
	pool   *pool.Manager
	logger *slog.Logger
}

// NewAccountsHandler creates a new AccountsHandler.
func NewAccountsHandler(p *pool.Manager, logger *slog.Logger) *AccountsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountsHandler{pool: p, logger: logger}
}

// ServeHTTP dispatches on method and path suffix.
func (h *AccountsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w)
	case http.MethodDelete:
		h.remove(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, openai.NewError("method not allowed", "invalid_request_error", ""))
	}
}

func (h *AccountsHandler) list(w http.ResponseWriter) {
	accounts := h.pool.Accounts()
	now := time.Now().UnixMilli()

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, toView(acc, now))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"accounts": views})
}

func (h *AccountsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, openai.NewError("account id required", "invalid_request_error", ""))
		return
	}

	if err := h.pool.RemoveAccount(r.Context(), id); err != nil {
		if errors.Is(err, pool.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, openai.NewError("account not found", "invalid_request_error", ""))
			return
		}
		h.logger.Error("account removal failed", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, openai.NewError("failed to remove account", "api_error", ""))
		return
	}

	h.logger.Info("account removed", "account_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func toView(acc store.ManagedAccount, now int64) accountView {
	v := accountView{
		ID:         acc.ID,
		Email:      acc.Email,
		Region:     acc.Region,
		AuthMethod: acc.AuthMethod,
		IsHealthy:  acc.IsHealthy,
	}
	if acc.RateLimitResetTime > now {
		v.RateLimited = true
		v.RateLimitResetTime = acc.RateLimitResetTime
	}
	if acc.Usage != nil {
		v.UsedCount = acc.Usage.UsedCount
		v.LimitCount = acc.Usage.LimitCount
	}
	return v
}
