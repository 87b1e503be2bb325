package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shopspring/decimal"

	"github.com/fieldserv/api/internal/auth"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/lifecycle"
	"github.com/fieldserv/api/internal/middleware"
	"github.com/fieldserv/api/internal/service"
	"github.com/fieldserv/api/internal/validate"
)

// OrderServicer defines the service methods needed by order handlers.
// Satisfied by *service.Orders; narrow interface for testability.
type OrderServicer interface {
	Submit(ctx context.Context, companyID uuid.UUID, orderID int64, patch service.Patch, expectedUpdatedAt time.Time) (database.Order, error)
	Accept(ctx context.Context, companyID uuid.UUID, orderID int64, workerID uuid.UUID) (database.Order, error)
	Finish(ctx context.Context, companyID uuid.UUID, orderID int64, expectedUpdatedAt time.Time) (database.Order, error)
	Delete(ctx context.Context, companyID uuid.UUID, orderID int64) error
}

// OrderStore defines the database methods needed by order read/create
// handlers. Satisfied by *database.Queries.
type OrderStore interface {
	GetOrder(ctx context.Context, arg database.GetOrderParams) (database.Order, error)
	ListOrders(ctx context.Context, arg database.ListOrdersParams) ([]database.Order, error)
	ListFeedOrders(ctx context.Context, companyID uuid.UUID) ([]database.Order, error)
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
}

// Notifier fans the change event out to connected clients of the company.
// Satisfied by *ws.Hub.
type Notifier interface {
	OrderChanged(companyID uuid.UUID, orderID int64)
}

// OrderHandler handles order endpoints.
type OrderHandler struct {
	svc   OrderServicer
	store OrderStore
	hub   Notifier
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc OrderServicer, store OrderStore, hub Notifier) *OrderHandler {
	return &OrderHandler{svc: svc, store: store, hub: hub}
}

// RegisterRoutes registers order endpoints on the given Chi router.
// Expected to be mounted inside a company-scoped subrouter: /companies/{cid}/orders
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/feed", h.Feed)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Patch)
	r.Post("/{id}/accept", h.Accept)
	r.Post("/{id}/finish", h.Finish)
	r.Delete("/{id}", h.Delete)
}

// --- Request / Response types ---

type createOrderRequest struct {
	Title           string `json:"title"`
	Comment         string `json:"comment"`
	Region          string `json:"region"`
	City            string `json:"city"`
	Street          string `json:"street"`
	House           string `json:"house"`
	Fio             string `json:"fio"`
	Phone           string `json:"phone"`
	TimeWindowStart string `json:"time_window_start"`
	AssignedTo      string `json:"assigned_to"`
	ToFeed          bool   `json:"to_feed"`
	Urgent          bool   `json:"urgent"`
	DepartmentID    string `json:"department_id"`
	Price           string `json:"price"`
	FuelCost        string `json:"fuel_cost"`
	WorkTypeID      string `json:"work_type_id"`
}

// patchRequest embeds the service patch so field presence survives JSON
// decoding: absent keys stay nil. expected_updated_at is the modification
// token the client last saw.
type patchRequest struct {
	service.Patch
	ExpectedUpdatedAt string `json:"expected_updated_at"`
}

type finishRequest struct {
	ExpectedUpdatedAt string `json:"expected_updated_at"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	CompanyID       uuid.UUID           `json:"company_id"`
	Title           string              `json:"title"`
	Comment         *string             `json:"comment"`
	Region          *string             `json:"region"`
	City            *string             `json:"city"`
	Street          *string             `json:"street"`
	House           *string             `json:"house"`
	Fio             *string             `json:"fio"`
	Phone           *string             `json:"phone"`
	TimeWindowStart *time.Time          `json:"time_window_start"`
	AssignedTo      *string             `json:"assigned_to"`
	Status          string              `json:"status"`
	Urgent          bool                `json:"urgent"`
	DepartmentID    *string             `json:"department_id"`
	Price           *string             `json:"price"`
	FuelCost        *string             `json:"fuel_cost"`
	WorkTypeID      *string             `json:"work_type_id"`
	Attachments     map[string][]string `json:"attachments"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// conflictResponse carries the authoritative record alongside the error so
// the client can re-render without a second round trip.
type conflictResponse struct {
	Error   string        `json:"error"`
	Current orderResponse `json:"current"`
}

type validationResponse struct {
	Error      string               `json:"error"`
	Violations []validate.Violation `json:"violations"`
}

// --- Handlers ---

// Create handles POST /companies/{cid}/orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	params := database.CreateOrderParams{
		CompanyID: companyID,
		Title:     req.Title,
		Comment:   textParam(req.Comment),
		Region:    textParam(req.Region),
		City:      textParam(req.City),
		Street:    textParam(req.Street),
		House:     textParam(req.House),
		Fio:       textParam(req.Fio),
		Phone:     textParam(validate.NormalizePhone(req.Phone)),
		Urgent:    req.Urgent,
		Status:    enum.StatusNew,
	}

	if req.TimeWindowStart != "" {
		t, ok := validate.ParseDate(req.TimeWindowStart)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid time_window_start"})
			return
		}
		params.TimeWindowStart = pgtype.Timestamptz{Time: t, Valid: true}
	}
	for _, f := range []struct {
		val  string
		dst  *pgtype.UUID
		name string
	}{
		{req.AssignedTo, &params.AssignedTo, "assigned_to"},
		{req.DepartmentID, &params.DepartmentID, "department_id"},
		{req.WorkTypeID, &params.WorkTypeID, "work_type_id"},
	} {
		if f.val == "" {
			continue
		}
		id, err := uuid.Parse(f.val)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + f.name})
			return
		}
		*f.dst = pgtype.UUID{Bytes: id, Valid: true}
	}
	for _, f := range []struct {
		val  string
		dst  *pgtype.Numeric
		name string
	}{
		{req.Price, &params.Price, "price"},
		{req.FuelCost, &params.FuelCost, "fuel_cost"},
	} {
		if f.val == "" {
			continue
		}
		d, err := validate.ParseMoney(f.val)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + f.name})
			return
		}
		var n pgtype.Numeric
		if err := n.Scan(d.StringFixed(2)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + f.name})
			return
		}
		*f.dst = n
	}

	// Routing at creation follows the same coupling as edits: no assignee
	// (or an explicit feed flag) puts the order in the feed.
	if req.ToFeed || !params.AssignedTo.Valid {
		params.Status = enum.StatusInFeed
		params.AssignedTo = pgtype.UUID{}
	}

	order, err := h.store.CreateOrder(r.Context(), params)
	if err != nil {
		log.Printf("ERROR: create order: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	h.hub.OrderChanged(companyID, order.ID)
	writeJSON(w, http.StatusCreated, dbOrderToResponse(order))
}

// List handles GET /companies/{cid}/orders.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 200 {
		limit = 200
	}
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}

	status := r.URL.Query().Get("status")
	if status != "" && !enum.IsStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
		return
	}

	orders, err := h.store.ListOrders(r.Context(), database.ListOrdersParams{
		CompanyID: companyID,
		Status:    status,
		Limit:     int32(limit),
		Offset:    int32(offset),
	})
	if err != nil {
		log.Printf("ERROR: list orders: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	resp := make([]orderResponse, len(orders))
	for i, o := range orders {
		resp[i] = dbOrderToResponse(o)
	}
	writeJSON(w, http.StatusOK, orderListResponse{Orders: resp, Limit: limit, Offset: offset})
}

// Feed handles GET /companies/{cid}/orders/feed, the pool of unassigned
// orders any worker may accept.
func (h *OrderHandler) Feed(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}

	orders, err := h.store.ListFeedOrders(r.Context(), companyID)
	if err != nil {
		log.Printf("ERROR: list feed orders: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	resp := make([]orderResponse, len(orders))
	for i, o := range orders {
		resp[i] = dbOrderToResponse(o)
	}
	writeJSON(w, http.StatusOK, orderListResponse{Orders: resp, Limit: len(resp), Offset: 0})
}

// Get handles GET /companies/{cid}/orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.store.GetOrder(r.Context(), database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		log.Printf("ERROR: get order: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, dbOrderToResponse(order))
}

// Patch handles PATCH /companies/{cid}/orders/{id}, the token-guarded save.
func (h *OrderHandler) Patch(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	expected, ok := parseToken(w, req.ExpectedUpdatedAt)
	if !ok {
		return
	}

	updated, err := h.svc.Submit(r.Context(), companyID, orderID, req.Patch, expected)
	if err != nil {
		h.writeMutationError(w, "submit order", err)
		return
	}

	h.hub.OrderChanged(companyID, orderID)
	writeJSON(w, http.StatusOK, dbOrderToResponse(updated))
}

// Accept handles POST /companies/{cid}/orders/{id}/accept. First worker
// wins; the loser gets 409.
func (h *OrderHandler) Accept(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	claims := claimsOrAbort(w, r)
	if claims == nil {
		return
	}

	accepted, err := h.svc.Accept(r.Context(), companyID, orderID, claims.UserID)
	if err != nil {
		h.writeMutationError(w, "accept order", err)
		return
	}

	h.hub.OrderChanged(companyID, orderID)
	writeJSON(w, http.StatusOK, dbOrderToResponse(accepted))
}

// Finish handles POST /companies/{cid}/orders/{id}/finish.
func (h *OrderHandler) Finish(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	expected, ok := parseToken(w, req.ExpectedUpdatedAt)
	if !ok {
		return
	}

	finished, err := h.svc.Finish(r.Context(), companyID, orderID, expected)
	if err != nil {
		h.writeMutationError(w, "finish order", err)
		return
	}

	h.hub.OrderChanged(companyID, orderID)
	writeJSON(w, http.StatusOK, dbOrderToResponse(finished))
}

// Delete handles DELETE /companies/{cid}/orders/{id}.
func (h *OrderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyIDParam(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), companyID, orderID); err != nil {
		h.writeMutationError(w, "delete order", err)
		return
	}

	h.hub.OrderChanged(companyID, orderID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// writeMutationError maps service errors to HTTP statuses. Validation and
// bad patches get 400, races and transition refusals get 409 so the client
// knows a retry with fresh state may succeed.
func (h *OrderHandler) writeMutationError(w http.ResponseWriter, op string, err error) {
	var vErr *service.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:      "validation failed",
			Violations: vErr.Violations,
		})
		return
	}
	var cErr *service.ConflictError
	if errors.As(err, &cErr) {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:   cErr.Error(),
			Current: dbOrderToResponse(cErr.Current),
		})
		return
	}
	var mErr *lifecycle.MissingCategoriesError
	if errors.As(err, &mErr) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   mErr.Error(),
			"missing": mErr.Missing,
		})
		return
	}
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, service.ErrAlreadyTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidPatch):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		log.Printf("ERROR: %s: %v", op, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func companyIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "cid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid company ID"})
		return uuid.UUID{}, false
	}
	return id, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return 0, false
	}
	return id, true
}

// parseToken parses the expected_updated_at modification token. The token
// round-trips through JSON as RFC 3339 with nanoseconds; anything else is
// a client bug, rejected outright rather than treated as "no token".
func parseToken(w http.ResponseWriter, s string) (time.Time, bool) {
	if s == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected_updated_at is required"})
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expected_updated_at"})
		return time.Time{}, false
	}
	return t, true
}

func claimsOrAbort(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return nil
	}
	return claims
}

func numericToString(n pgtype.Numeric) string {
	if !n.Valid {
		return "0.00"
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return "0.00"
	}
	s, ok := val.(string)
	if !ok {
		return "0.00"
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

func textParam(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// dbOrderToResponse converts a database.Order to the wire shape. Nullable
// columns become null, not empty strings, so clients can distinguish
// "cleared" from "empty".
func dbOrderToResponse(o database.Order) orderResponse {
	resp := orderResponse{
		ID:          o.ID,
		CompanyID:   o.CompanyID,
		Title:       o.Title,
		Status:      o.Status,
		Urgent:      o.Urgent,
		Attachments: o.Attachments(),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}

	if o.Comment.Valid {
		resp.Comment = &o.Comment.String
	}
	if o.Region.Valid {
		resp.Region = &o.Region.String
	}
	if o.City.Valid {
		resp.City = &o.City.String
	}
	if o.Street.Valid {
		resp.Street = &o.Street.String
	}
	if o.House.Valid {
		resp.House = &o.House.String
	}
	if o.Fio.Valid {
		resp.Fio = &o.Fio.String
	}
	if o.Phone.Valid {
		resp.Phone = &o.Phone.String
	}
	if o.TimeWindowStart.Valid {
		resp.TimeWindowStart = &o.TimeWindowStart.Time
	}
	if o.AssignedTo.Valid {
		s := uuid.UUID(o.AssignedTo.Bytes).String()
		resp.AssignedTo = &s
	}
	if o.DepartmentID.Valid {
		s := uuid.UUID(o.DepartmentID.Bytes).String()
		resp.DepartmentID = &s
	}
	if o.Price.Valid {
		s := numericToString(o.Price)
		resp.Price = &s
	}
	if o.FuelCost.Valid {
		s := numericToString(o.FuelCost)
		resp.FuelCost = &s
	}
	if o.WorkTypeID.Valid {
		s := uuid.UUID(o.WorkTypeID.Bytes).String()
		resp.WorkTypeID = &s
	}

	return resp
}
