package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/userhub/libs/httpx"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/users"
)

// Service is the users application layer as seen by HTTP.
type Service interface {
	Register(ctx context.Context, in users.RegisterInput) (users.User, error)
	Get(ctx context.Context, id string) (users.User, error)
	List(ctx context.Context, in users.ListInput) ([]users.User, error)
	Update(ctx context.Context, id string, in users.UpdateInput) (users.User, error)
	AssignRole(ctx context.Context, id, role string) (users.User, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the users API under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/users", func(r chi.Router) {
		r.Post("/", h.Register)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Post("/{id}/roles", h.AssignRole)
		r.Delete("/{id}", h.Delete)
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req users.RegisterInput
	if !decode(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var in users.ListInput

	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid page_size", http.StatusBadRequest)
			return
		}
		in.PageSize = n
	}
	if v := strings.TrimSpace(q.Get("after_created_at")); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid after_created_at", http.StatusBadRequest)
			return
		}
		in.AfterCreatedAt = t
		in.AfterID = strings.TrimSpace(q.Get("after_id"))
		if in.AfterID == "" {
			http.Error(w, "after_id required with after_created_at", http.StatusBadRequest)
			return
		}
	}

	list, err := h.svc.List(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{"users": list}
	if n := len(list); n > 0 {
		last := list[n-1]
		resp["next"] = map[string]any{
			"after_created_at": last.CreatedAt.Format(time.RFC3339Nano),
			"after_id":         last.ID,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req users.UpdateInput
	if !decode(w, r, &req) {
		return
	}
	u, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, err := h.svc.AssignRole(r.Context(), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, users.ErrNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
	case errors.Is(err, users.ErrUsernameTaken), errors.Is(err, users.ErrEmailTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"err", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
