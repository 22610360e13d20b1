package content

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
	defaultSimilarK = 10
	maxSimilarK     = 100
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Get handles GET /content/{author}/{permlink}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	author, permlink := r.PathValue("author"), r.PathValue("permlink")
	if author == "" || permlink == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "author and permlink are required", http.StatusBadRequest)
		return
	}

	item, err := h.service.Get(r.Context(), author, permlink)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Content not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "failed to load content", "author", author, "permlink", permlink, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.writeData(r.Context(), w, http.StatusOK, item)
}

// Similar handles GET /content/{author}/{permlink}/similar?k=N.
func (h *Handler) Similar(w http.ResponseWriter, r *http.Request) {
	author, permlink := r.PathValue("author"), r.PathValue("permlink")

	k := defaultSimilarK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSimilarK {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "k must be between 1 and 100", http.StatusBadRequest)
			return
		}
		k = n
	}

	hits, err := h.service.Similar(r.Context(), author, permlink, k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Content not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "similarity query failed", "author", author, "permlink", permlink, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.writeData(r.Context(), w, http.StatusOK, hits)
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
