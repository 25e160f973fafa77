// Package handler provides the gateway's HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/xilu0/kiro-gateway/internal/dispatch"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
	"github.com/xilu0/kiro-gateway/internal/translator"
)

// ChatHandler handles POST /v1/chat/completions requests.
type ChatHandler struct {
	engine *dispatch.Engine
	logger *slog.Logger
}

// ChatHandlerOptions contains options for creating a ChatHandler.
type ChatHandlerOptions struct {
	Engine *dispatch.Engine
	Logger *slog.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(opts ChatHandlerOptions) *ChatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{engine: opts.Engine, logger: logger}
}

// ServeHTTP handles the chat completion request.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, openai.NewError("method not allowed", "invalid_request_error", ""))
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, openai.NewError("invalid JSON: "+err.Error(), "invalid_request_error", ""))
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, openai.NewError("model: field is required", "invalid_request_error", ""))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, openai.NewError("messages: field is required and must contain at least one message", "invalid_request_error", ""))
		return
	}

	res, err := h.engine.Do(r.Context(), &req)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	defer func() { _ = res.Body.Close() }()

	if req.Stream {
		h.streamResponse(w, res, req.Model)
		return
	}

	agg, err := translator.AggregateResponse(res.Body)
	if err != nil {
		h.logger.Error("failed to aggregate backend response", "error", err)
		writeError(w, http.StatusBadGateway, openai.NewError("invalid backend response", "api_error", ""))
		return
	}

	completion := translator.BuildCompletion(agg, req.Model, res.Prep.ConversationID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(completion)
}

func (h *ChatHandler) streamResponse(w http.ResponseWriter, res *dispatch.Result, model string) {
	sse := openai.NewSSEWriter(w)
	sse.WriteHeaders()
	w.WriteHeader(http.StatusOK)

	if err := translator.StreamResponse(res.Body, sse, model, res.Prep.ConversationID); err != nil {
		// Headers are gone; surface the failure as a stream error event
		// instead of silently truncating.
		h.logger.Error("stream translation failed", "error", err)
		_ = sse.WriteChunk(openai.NewError("stream interrupted: "+err.Error(), "api_error", ""))
		return
	}
	_ = sse.WriteDone()
}

// writeDispatchError maps engine failures onto OpenAI error responses,
// preserving the backend's status code where one exists.
func (h *ChatHandler) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNoAccounts) {
		writeError(w, http.StatusServiceUnavailable, openai.NewError("no accounts configured", "api_error", "no_accounts"))
		return
	}
	if errors.Is(err, translator.ErrNoMessages) {
		writeError(w, http.StatusBadRequest, openai.NewError(err.Error(), "invalid_request_error", ""))
		return
	}

	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		h.logger.Warn("backend error", "status", apiErr.StatusCode)
		writeError(w, apiErr.StatusCode, openai.NewError("upstream error", "api_error", ""))
		return
	}

	var refreshErr *kiro.RefreshError
	if errors.As(err, &refreshErr) {
		h.logger.Warn("token refresh error", "code", refreshErr.Code)
		writeError(w, http.StatusBadGateway, openai.NewError("token refresh failed", "api_error", refreshErr.Code))
		return
	}

	if errors.Is(err, http.ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeError(w, http.StatusGatewayTimeout, openai.NewError("request cancelled", "api_error", ""))
		return
	}

	h.logger.Error("dispatch failed", "error", err)
	writeError(w, http.StatusInternalServerError, openai.NewError("internal error", "api_error", ""))
}

func writeError(w http.ResponseWriter, status int, resp *openai.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
