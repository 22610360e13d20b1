package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"hivediscover/backend/internal/middleware"
)

const (
	defaultFeedAmount = 25
	maxFeedAmount     = 250
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GetFeed handles GET /accounts/{name}/feed?amount=N.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	amount := defaultFeedAmount
	if raw := r.URL.Query().Get("amount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxFeedAmount {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "amount must be between 1 and 250", http.StatusBadRequest)
			return
		}
		amount = n
	}

	items, err := h.service.GetFeed(r.Context(), ByName(r.PathValue("name")), amount)
	if err != nil {
		h.fail(r.Context(), w, "get feed", err)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, items)
}

// RequestAnalysis handles POST /accounts/{name}/analyze.
func (h *Handler) RequestAnalysis(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.RequestAnalysis(r.Context(), ByName(r.PathValue("name")))
	if err != nil {
		h.fail(r.Context(), w, "request analysis", err)
		return
	}
	h.writeData(r.Context(), w, http.StatusAccepted, acc)
}

// RequestFeed handles POST /accounts/{name}/feed.
func (h *Handler) RequestFeed(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.RequestFeed(r.Context(), ByName(r.PathValue("name")))
	if err != nil {
		h.fail(r.Context(), w, "request feed", err)
		return
	}
	h.writeData(r.Context(), w, http.StatusAccepted, acc)
}

// Profile handles GET /accounts/{name}/profile.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Profile(r.Context(), ByName(r.PathValue("name")))
	if err != nil {
		h.fail(r.Context(), w, "profile", err)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, view)
}

// Ban handles POST /accounts/{name}/ban.
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ban(r.Context(), ByName(r.PathValue("name"))); err != nil {
		h.fail(r.Context(), w, "ban", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /accounts/{name}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), ByName(r.PathValue("name"))); err != nil {
		h.fail(r.Context(), w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Account not found", http.StatusNotFound)
	case errors.Is(err, ErrBanned):
		h.writeError(ctx, w, "FORBIDDEN", "Account is banned", http.StatusForbidden)
	default:
		slog.ErrorContext(ctx, "account request failed", "op", op, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
