package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
)

// UserStore defines the database methods needed by user handlers.
// Satisfied by *database.Queries; narrow interface for testability.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (database.User, error)
}

// UserHandler serves user lookups, primarily assignee display names.
type UserHandler struct {
	store UserStore
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(store UserStore) *UserHandler {
	return &UserHandler{store: store}
}

// RegisterRoutes registers user endpoints on the given Chi router.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{id}", h.Get)
}

// Get handles GET /users/{id}. Lookups are scoped to the caller's company;
// a user from another company reads as not found, never as forbidden.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrAbort(w, r)
	if claims == nil {
		return
	}

	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user ID"})
		return
	}

	user, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
			return
		}
		log.Printf("ERROR: get user: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if user.CompanyID != claims.CompanyID && claims.Role != enum.RoleAdmin {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		CompanyID: user.CompanyID,
		FullName:  user.FullName,
		Email:     user.Email,
		Role:      user.Role,
	})
}
