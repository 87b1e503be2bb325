package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/schema"
)

// SchemaProvider yields the effective field set for an editing context,
// including the fallback when configuration is missing or broken.
// Satisfied by *schema.Provider.
type SchemaProvider interface {
	For(ctx context.Context, companyID uuid.UUID, editContext string) schema.Set
}

// SchemaAdminStore writes field-definition rows. Satisfied by *database.Queries.
type SchemaAdminStore interface {
	CreateFieldDefinition(ctx context.Context, arg database.CreateFieldDefinitionParams) error
}

// SchemaHandler serves the per-company form configuration.
type SchemaHandler struct {
	provider SchemaProvider
	store    SchemaAdminStore
}

// NewSchemaHandler creates a new SchemaHandler.
func NewSchemaHandler(provider SchemaProvider, store SchemaAdminStore) *SchemaHandler {
	return &SchemaHandler{provider: provider, store: store}
}

// RegisterRoutes registers schema endpoints. Mounted inside the
// company-scoped subrouter: /companies/{cid}/schema
func (h *SchemaHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{context}", h.Get)
	r.Put("/{context}/{key}", h.Put)
}

type schemaResponse struct {
	Context string              `json:"context"`
	Fields  []schema.Definition `json:"fields"`
}

type putFieldRequest struct {
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Position int    `json:"position"`
	Active   bool   `json:"active"`
}

// Get handles GET /companies/{cid}/schema/{context}. The response is the
// effective set: configuration when present, the built-in fallback otherwise,
// so a client never renders an empty form.
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	editContext := chi.URLParam(r, "context")
	if editContext != enum.ContextCreate && editContext != enum.ContextEdit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown editing context"})
		return
	}

	set := h.provider.For(r.Context(), companyID, editContext)
	writeJSON(w, http.StatusOK, schemaResponse{
		Context: editContext,
		Fields:  set.Definitions(),
	})
}

// Put handles PUT /companies/{cid}/schema/{context}/{key}, an upsert of one
// field definition. Dispatcher or admin only; enforced by route middleware.
func (h *SchemaHandler) Put(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	editContext := chi.URLParam(r, "context")
	if editContext != enum.ContextCreate && editContext != enum.ContextEdit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown editing context"})
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "field key is required"})
		return
	}

	var req putFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !validKind(req.Kind) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown field kind"})
		return
	}
	if req.Label == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "label is required"})
		return
	}

	err := h.store.CreateFieldDefinition(r.Context(), database.CreateFieldDefinitionParams{
		CompanyID: companyID,
		Context:   editContext,
		Key:       key,
		Label:     req.Label,
		Kind:      req.Kind,
		Required:  req.Required,
		Position:  req.Position,
		Active:    req.Active,
	})
	if err != nil {
		log.Printf("ERROR: upsert field definition: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	set := h.provider.For(r.Context(), companyID, editContext)
	writeJSON(w, http.StatusOK, schemaResponse{
		Context: editContext,
		Fields:  set.Definitions(),
	})
}

func validKind(k string) bool {
	switch k {
	case enum.KindText, enum.KindDate, enum.KindSelect, enum.KindPhone,
		enum.KindMoney, enum.KindAssignee, enum.KindFlag:
		return true
	}
	return false
}
