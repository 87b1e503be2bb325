package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldserv/api/internal/blob"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
)

// Uploads are photos of paper documents; anything past this is a client bug.
const maxUploadBytes = 32 << 20

// AttachmentServicer defines the service methods needed by attachment
// handlers. Satisfied by *service.Orders.
type AttachmentServicer interface {
	UploadAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, filename string, r io.Reader) (database.Order, string, error)
	RemoveAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, url string) (database.Order, error)
	ListAttachments(ctx context.Context, orderID int64) (map[string][]string, error)
}

// AttachmentHandler handles the per-category attachment endpoints.
type AttachmentHandler struct {
	svc AttachmentServicer
	hub Notifier
}

// NewAttachmentHandler creates a new AttachmentHandler.
func NewAttachmentHandler(svc AttachmentServicer, hub Notifier) *AttachmentHandler {
	return &AttachmentHandler{svc: svc, hub: hub}
}

// RegisterRoutes registers attachment endpoints. Mounted inside the
// company-scoped order subrouter: /companies/{cid}/orders/{id}/attachments
func (h *AttachmentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/{category}", h.Upload)
	r.Delete("/{category}", h.Remove)
}

type attachmentResponse struct {
	URL       string              `json:"url"`
	Category  string              `json:"category"`
	All       map[string][]string `json:"attachments"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type removeResponse struct {
	All       map[string][]string `json:"attachments"`
	UpdatedAt time.Time           `json:"updated_at"`
	Warning   string              `json:"warning,omitempty"`
}

// List handles GET .../attachments. Storage is authoritative here, not the
// order row.
func (h *AttachmentHandler) List(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	all, err := h.svc.ListAttachments(r.Context(), orderID)
	if err != nil {
		log.Printf("ERROR: list attachments: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": all})
}

// Upload handles POST .../attachments/{category} with a multipart "file" part.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	category := chi.URLParam(r, "category")
	if !enum.IsCategory(category) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown attachment category"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file part is required"})
		return
	}
	defer file.Close()

	order, url, err := h.svc.UploadAttachment(r.Context(), companyID, orderID, category, header.Filename, file)
	if err != nil {
		h.writeAttachmentError(w, "upload attachment", err)
		return
	}

	h.hub.OrderChanged(companyID, orderID)
	writeJSON(w, http.StatusCreated, attachmentResponse{
		URL:       url,
		Category:  category,
		All:       order.Attachments(),
		UpdatedAt: order.UpdatedAt,
	})
}

// Remove handles DELETE .../attachments/{category}?url=...
//
// The record reference is removed first, then the blob. A failed blob
// delete leaves an orphan, reported as a warning, never as a failure: the
// user's intent (the file no longer counts) has been honored.
func (h *AttachmentHandler) Remove(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	category := chi.URLParam(r, "category")
	if !enum.IsCategory(category) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown attachment category"})
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url query parameter is required"})
		return
	}

	order, err := h.svc.RemoveAttachment(r.Context(), companyID, orderID, category, url)
	if err != nil && !errors.Is(err, blob.ErrPartialRemove) {
		h.writeAttachmentError(w, "remove attachment", err)
		return
	}

	resp := removeResponse{All: order.Attachments(), UpdatedAt: order.UpdatedAt}
	if errors.Is(err, blob.ErrPartialRemove) {
		log.Printf("WARN: remove attachment: orphaned blob for order %d: %s", orderID, url)
		resp.Warning = "file reference removed; storage cleanup pending"
	}

	h.hub.OrderChanged(companyID, orderID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AttachmentHandler) writeAttachmentError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, blob.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "attachment not found"})
	default:
		// Shares the order-level mapping for not-found and conflicts.
		(&OrderHandler{}).writeMutationError(w, op, err)
	}
}
