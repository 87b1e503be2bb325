package handler_test

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldserv/api/internal/auth"
	"github.com/fieldserv/api/internal/blob"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/handler"
	"github.com/fieldserv/api/internal/middleware"
	"github.com/fieldserv/api/internal/service"
)

type mockAttachmentService struct {
	uploadFn func(ctx context.Context, companyID uuid.UUID, orderID int64, category, filename string, r io.Reader) (database.Order, string, error)
	removeFn func(ctx context.Context, companyID uuid.UUID, orderID int64, category, url string) (database.Order, error)
	listFn   func(ctx context.Context, orderID int64) (map[string][]string, error)
}

func (m *mockAttachmentService) UploadAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, filename string, r io.Reader) (database.Order, string, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, companyID, orderID, category, filename, r)
	}
	return database.Order{}, "", service.ErrNotFound
}

func (m *mockAttachmentService) RemoveAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, url string) (database.Order, error) {
	if m.removeFn != nil {
		return m.removeFn(ctx, companyID, orderID, category, url)
	}
	return database.Order{}, service.ErrNotFound
}

func (m *mockAttachmentService) ListAttachments(ctx context.Context, orderID int64) (map[string][]string, error) {
	if m.listFn != nil {
		return m.listFn(ctx, orderID)
	}
	return map[string][]string{}, nil
}

func setupAttachmentRouter(svc *mockAttachmentService, hub *mockNotifier) *chi.Mux {
	h := handler.NewAttachmentHandler(svc, hub)
	r := chi.NewRouter()
	r.Use(middleware.Authenticate(testJWTSecret))
	r.Route("/companies/{cid}", func(cr chi.Router) {
		cr.Use(middleware.RequireCompany)
		cr.Route("/orders/{id}/attachments", h.RegisterRoutes)
	})
	return r
}

func doUpload(t *testing.T, router http.Handler, path string, filename string, content []byte, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()

	token, err := auth.GenerateToken(testJWTSecret, claims.UserID, claims.CompanyID, claims.Role)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestAttachmentUpload_HappyPath(t *testing.T) {
	companyID := uuid.New()
	claims := workerClaims(companyID)
	hub := &mockNotifier{}

	svc := &mockAttachmentService{
		uploadFn: func(ctx context.Context, gotCompany uuid.UUID, orderID int64, category, filename string, r io.Reader) (database.Order, string, error) {
			if gotCompany != companyID {
				t.Errorf("company_id: got %v, want %v", gotCompany, companyID)
			}
			if orderID != 17 {
				t.Errorf("order_id: got %d, want 17", orderID)
			}
			if category != enum.CategoryContract {
				t.Errorf("category: got %q, want %q", category, enum.CategoryContract)
			}
			if filename != "договор.pdf" {
				t.Errorf("filename: got %q", filename)
			}
			content, err := io.ReadAll(r)
			if err != nil || string(content) != "pdf bytes" {
				t.Errorf("content: got %q, err %v", content, err)
			}
			o := testDBOrder(companyID)
			url := "http://localhost:8082/blobs/17/contract/договор.pdf"
			o.ContractURLs = []string{url}
			return o, url, nil
		},
	}
	router := setupAttachmentRouter(svc, hub)

	rr := doUpload(t, router, "/companies/"+companyID.String()+"/orders/17/attachments/contract", "договор.pdf", []byte("pdf bytes"), claims)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["category"] != enum.CategoryContract {
		t.Errorf("category: got %v", resp["category"])
	}
	if resp["url"] != "http://localhost:8082/blobs/17/contract/договор.pdf" {
		t.Errorf("url: got %v", resp["url"])
	}
	if hub.count() != 1 {
		t.Errorf("hub notifications: got %d, want 1", hub.count())
	}
}

func TestAttachmentUpload_UnknownCategory(t *testing.T) {
	companyID := uuid.New()
	router := setupAttachmentRouter(&mockAttachmentService{}, &mockNotifier{})

	rr := doUpload(t, router, "/companies/"+companyID.String()+"/orders/17/attachments/receipts", "чек.jpg", []byte("jpg"), workerClaims(companyID))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAttachmentUpload_MissingFilePart(t *testing.T) {
	companyID := uuid.New()
	claims := workerClaims(companyID)
	router := setupAttachmentRouter(&mockAttachmentService{}, &mockNotifier{})

	rr := doAuthRequest(t, router, "POST", "/companies/"+companyID.String()+"/orders/17/attachments/contract", map[string]string{
		"file": "not multipart",
	}, claims)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAttachmentRemove_HappyPath(t *testing.T) {
	companyID := uuid.New()
	hub := &mockNotifier{}
	url := "http://localhost:8082/blobs/17/act/акт.pdf"

	svc := &mockAttachmentService{
		removeFn: func(ctx context.Context, _ uuid.UUID, orderID int64, category, gotURL string) (database.Order, error) {
			if category != enum.CategoryAct {
				t.Errorf("category: got %q, want %q", category, enum.CategoryAct)
			}
			if gotURL != url {
				t.Errorf("url: got %q, want %q", gotURL, url)
			}
			return testDBOrder(companyID), nil
		},
	}
	router := setupAttachmentRouter(svc, hub)

	rr := doAuthRequest(t, router, "DELETE", "/companies/"+companyID.String()+"/orders/17/attachments/act?url="+url, nil, workerClaims(companyID))

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if _, hasWarning := resp["warning"]; hasWarning {
		t.Errorf("unexpected warning: %v", resp["warning"])
	}
	if hub.count() != 1 {
		t.Errorf("hub notifications: got %d, want 1", hub.count())
	}
}

func TestAttachmentRemove_PartialFailureWarns(t *testing.T) {
	companyID := uuid.New()
	hub := &mockNotifier{}

	svc := &mockAttachmentService{
		removeFn: func(ctx context.Context, _ uuid.UUID, _ int64, _, _ string) (database.Order, error) {
			return testDBOrder(companyID), blob.ErrPartialRemove
		},
	}
	router := setupAttachmentRouter(svc, hub)

	rr := doAuthRequest(t, router, "DELETE", "/companies/"+companyID.String()+"/orders/17/attachments/act?url=http://localhost:8082/blobs/17/act/x.pdf", nil, workerClaims(companyID))

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["warning"] == nil || resp["warning"] == "" {
		t.Error("expected a warning about the orphaned blob")
	}
	if hub.count() != 1 {
		t.Errorf("hub notifications: got %d, want 1", hub.count())
	}
}

func TestAttachmentRemove_UnknownURL(t *testing.T) {
	companyID := uuid.New()

	svc := &mockAttachmentService{
		removeFn: func(ctx context.Context, _ uuid.UUID, _ int64, _, _ string) (database.Order, error) {
			return database.Order{}, blob.ErrNotFound
		},
	}
	router := setupAttachmentRouter(svc, &mockNotifier{})

	rr := doAuthRequest(t, router, "DELETE", "/companies/"+companyID.String()+"/orders/17/attachments/act?url=http://elsewhere/x.pdf", nil, workerClaims(companyID))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestAttachmentRemove_MissingURLParam(t *testing.T) {
	companyID := uuid.New()
	router := setupAttachmentRouter(&mockAttachmentService{}, &mockNotifier{})

	rr := doAuthRequest(t, router, "DELETE", "/companies/"+companyID.String()+"/orders/17/attachments/act", nil, workerClaims(companyID))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAttachmentList(t *testing.T) {
	companyID := uuid.New()

	svc := &mockAttachmentService{
		listFn: func(ctx context.Context, orderID int64) (map[string][]string, error) {
			return map[string][]string{
				enum.CategoryContract:    {"http://localhost:8082/blobs/17/contract/договор.pdf"},
				enum.CategoryBeforePhoto: {},
				enum.CategoryAfterPhoto:  {},
				enum.CategoryAct:         {},
			}, nil
		},
	}
	router := setupAttachmentRouter(svc, &mockNotifier{})

	rr := doAuthRequest(t, router, "GET", "/companies/"+companyID.String()+"/orders/17/attachments", nil, workerClaims(companyID))

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	all, ok := resp["attachments"].(map[string]interface{})
	if !ok {
		t.Fatalf("body missing attachments: %v", resp)
	}
	if len(all) != 4 {
		t.Errorf("categories: got %d, want 4", len(all))
	}
	contract, ok := all[enum.CategoryContract].([]interface{})
	if !ok || len(contract) != 1 {
		t.Errorf("contract listing: got %v", all[enum.CategoryContract])
	}
}
