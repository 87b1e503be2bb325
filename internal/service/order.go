// Package service implements the order mutation protocol: validation,
// status/assignment normalization, optimistic-concurrency submission, the
// atomic accept operation, and attachment reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fieldserv/api/internal/blob"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/lifecycle"
	"github.com/fieldserv/api/internal/schema"
	"github.com/fieldserv/api/internal/validate"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Errors returned by the order service.
var (
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyTaken      = errors.New("order already taken by another worker")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrInvalidPatch      = errors.New("invalid patch")
)

// ValidationError carries the itemized violation list. It blocks the
// submission before any write is attempted.
type ValidationError struct {
	Violations []validate.Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// ConflictError means the remote record changed since the caller loaded it.
// Current is the authoritative record for the caller to present; the
// caller's unsaved edits must not be discarded silently.
type ConflictError struct {
	Current database.Order
}

func (e *ConflictError) Error() string {
	return "order was modified by someone else"
}

// OrderStore defines the database methods the service needs.
// Satisfied by *database.Queries; narrow interface for testability.
type OrderStore interface {
	GetOrder(ctx context.Context, arg database.GetOrderParams) (database.Order, error)
	UpdateOrderGuarded(ctx context.Context, arg database.UpdateOrderParams) (database.Order, error)
	AcceptOrder(ctx context.Context, arg database.AcceptOrderParams) (database.Order, error)
	DeleteOrder(ctx context.Context, arg database.GetOrderParams) error
	SetAttachments(ctx context.Context, arg database.SetAttachmentsParams) (database.Order, error)
}

// SchemaSource yields the field-definition set for an editing context.
// Satisfied by *schema.Provider.
type SchemaSource interface {
	For(ctx context.Context, companyID uuid.UUID, editContext string) schema.Set
}

// Orders is the mutation submitter and attachment coordinator.
type Orders struct {
	store   OrderStore
	schemas SchemaSource
	blobs   blob.Store
}

// NewOrders creates the order service.
func NewOrders(store OrderStore, schemas SchemaSource, blobs blob.Store) *Orders {
	return &Orders{store: store, schemas: schemas, blobs: blobs}
}

// Patch carries only the fields the submitting screen owns; nil means "not
// rendered, leave alone". Nullable references use the empty string to clear.
type Patch struct {
	Title           *string `json:"title,omitempty"`
	Comment         *string `json:"comment,omitempty"`
	Region          *string `json:"region,omitempty"`
	City            *string `json:"city,omitempty"`
	Street          *string `json:"street,omitempty"`
	House           *string `json:"house,omitempty"`
	Fio             *string `json:"fio,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	TimeWindowStart *string `json:"time_window_start,omitempty"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
	ToFeed          *bool   `json:"to_feed,omitempty"`
	Status          *string `json:"status,omitempty"`
	Urgent          *bool   `json:"urgent,omitempty"`
	DepartmentID    *string `json:"department_id,omitempty"`
	Price           *string `json:"price,omitempty"`
	FuelCost        *string `json:"fuel_cost,omitempty"`
	WorkTypeID      *string `json:"work_type_id,omitempty"`
}

// toFeed reports whether the patch explicitly routes the order to the
// unassigned feed, either via the feed flag or by clearing the assignee.
func (p Patch) toFeed() bool {
	if p.ToFeed != nil && *p.ToFeed {
		return true
	}
	return p.AssignedTo != nil && strings.TrimSpace(*p.AssignedTo) == ""
}

// Submit validates and applies a token-guarded mutation.
//
// The outcome is one of: the updated authoritative record; *ValidationError
// (no write attempted); *ConflictError with the fresh record when the
// modification token went stale; ErrNotFound; ErrInvalidTransition; or a
// plain failure, which the caller may retry by re-submitting. The service
// never retries on its own.
func (s *Orders) Submit(ctx context.Context, companyID uuid.UUID, orderID int64, patch Patch, expectedUpdatedAt time.Time) (database.Order, error) {
	current, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("load order: %w", err)
	}

	if patch.Status != nil && !enum.IsStatus(*patch.Status) {
		return database.Order{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *patch.Status)
	}
	if current.Status == enum.StatusCompleted && patch.toFeed() {
		return database.Order{}, fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, current.Status, enum.StatusInFeed)
	}

	merged := orderValues(current)
	overlayPatch(merged, patch)

	// An order already sitting in the feed stays feed-routed unless the
	// patch assigns a worker, so plain edits don't trip the assignee rule.
	feedRouted := patch.toFeed() || (current.Status == enum.StatusInFeed && patch.AssignedTo == nil)

	set := s.schemas.For(ctx, companyID, enum.ContextEdit)
	opts := validate.Options{ToFeed: feedRouted}
	if violations := validate.Order(merged, set, opts); len(violations) > 0 {
		return database.Order{}, &ValidationError{Violations: violations}
	}

	hasAssignee := !patch.toFeed() && strings.TrimSpace(merged[schema.KeyAssignee]) != ""
	requested := ""
	if patch.Status != nil {
		requested = *patch.Status
	}
	newStatus := lifecycle.Resolve(current.Status, requested, hasAssignee)
	if !lifecycle.CanTransition(current.Status, newStatus) {
		return database.Order{}, fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, current.Status, newStatus)
	}
	if newStatus == enum.StatusCompleted && current.Status != enum.StatusCompleted {
		// Completion through a patch honors the same attachment guard as
		// the finish action.
		if err := lifecycle.CheckFinish(current.Attachments()); err != nil {
			return database.Order{}, err
		}
	}

	params, err := buildUpdateParams(companyID, orderID, expectedUpdatedAt, patch)
	if err != nil {
		return database.Order{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if newStatus != current.Status {
		params.Status = &newStatus
	}
	// The coupling may demand clearing the assignee even when the patch
	// only asked for the feed flag.
	if patch.toFeed() {
		params.AssignedTo = nil
		params.ClearAssignee = true
	}

	updated, err := s.store.UpdateOrderGuarded(ctx, params)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, fmt.Errorf("update order: %w", err)
	}

	// Guard fired: either the record is gone or the token is stale.
	fresh, ferr := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if ferr != nil {
		if errors.Is(ferr, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("reload order after conflict: %w", ferr)
	}
	return database.Order{}, &ConflictError{Current: fresh}
}

// Accept atomically claims an unassigned order for a worker. The predicate
// runs server-side, so of two racing workers exactly one wins; the loser
// gets ErrAlreadyTaken, never a silent overwrite.
func (s *Orders) Accept(ctx context.Context, companyID uuid.UUID, orderID int64, workerID uuid.UUID) (database.Order, error) {
	order, err := s.store.AcceptOrder(ctx, database.AcceptOrderParams{
		CompanyID: companyID, ID: orderID, WorkerID: workerID,
	})
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, fmt.Errorf("accept order: %w", err)
	}

	if _, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("reload order after accept: %w", err)
	}
	return database.Order{}, ErrAlreadyTaken
}

// Finish completes an order. Blocked unless every attachment category holds
// at least one file; the error names the missing categories.
func (s *Orders) Finish(ctx context.Context, companyID uuid.UUID, orderID int64, expectedUpdatedAt time.Time) (database.Order, error) {
	current, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("load order: %w", err)
	}

	if err := lifecycle.CheckFinish(current.Attachments()); err != nil {
		return database.Order{}, err
	}
	completed := enum.StatusCompleted
	if !lifecycle.CanTransition(current.Status, completed) {
		return database.Order{}, fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, current.Status, completed)
	}

	updated, err := s.store.UpdateOrderGuarded(ctx, database.UpdateOrderParams{
		CompanyID:         companyID,
		ID:                orderID,
		ExpectedUpdatedAt: expectedUpdatedAt,
		Status:            &completed,
	})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, fmt.Errorf("finish order: %w", err)
	}

	fresh, ferr := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if ferr != nil {
		if errors.Is(ferr, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("reload order after conflict: %w", ferr)
	}
	return database.Order{}, &ConflictError{Current: fresh}
}

// Delete removes the order and purges its attachments. Blob purge failures
// are warnings: a row must never dangle, an orphaned blob may.
func (s *Orders) Delete(ctx context.Context, companyID uuid.UUID, orderID int64) error {
	if _, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load order: %w", err)
	}

	if err := s.blobs.RemoveAll(ctx, orderID); err != nil {
		log.Printf("WARN: purge attachments for order %d: %v", orderID, err)
	}

	if err := s.store.DeleteOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// UploadAttachment writes the blob, then re-lists storage and stores the
// listing as the category array. Storage is the source of truth for
// attachment URLs; the column is a reconciled copy.
func (s *Orders) UploadAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, filename string, r io.Reader) (database.Order, string, error) {
	if _, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, "", ErrNotFound
		}
		return database.Order{}, "", fmt.Errorf("load order: %w", err)
	}

	url, err := s.blobs.Upload(ctx, orderID, category, filename, r)
	if err != nil {
		return database.Order{}, "", fmt.Errorf("upload blob: %w", err)
	}

	listing, err := s.blobs.List(ctx, orderID)
	if err != nil {
		return database.Order{}, "", fmt.Errorf("list blobs: %w", err)
	}

	order, err := s.store.SetAttachments(ctx, database.SetAttachmentsParams{
		CompanyID: companyID, ID: orderID, Category: category, URLs: listing[category],
	})
	if err != nil {
		return database.Order{}, "", fmt.Errorf("record attachment: %w", err)
	}
	return order, url, nil
}

// RemoveAttachment splices the URL out of the order first and deletes the
// blob second: the record must never reference a blob that is gone, while
// an orphaned blob is tolerable and reconciled by the next listing.
func (s *Orders) RemoveAttachment(ctx context.Context, companyID uuid.UUID, orderID int64, category, url string) (database.Order, error) {
	current, err := s.store.GetOrder(ctx, database.GetOrderParams{CompanyID: companyID, ID: orderID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, ErrNotFound
		}
		return database.Order{}, fmt.Errorf("load order: %w", err)
	}

	urls := current.Attachments()[category]
	spliced := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != url {
			spliced = append(spliced, u)
		}
	}

	order, err := s.store.SetAttachments(ctx, database.SetAttachmentsParams{
		CompanyID: companyID, ID: orderID, Category: category, URLs: spliced,
	})
	if err != nil {
		return database.Order{}, fmt.Errorf("record attachment removal: %w", err)
	}

	if err := s.blobs.Remove(ctx, orderID, category, url); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Printf("WARN: delete blob %s: %v", url, err)
		return order, blob.ErrPartialRemove
	}
	return order, nil
}

// ListAttachments reads from storage, the source of truth for display.
func (s *Orders) ListAttachments(ctx context.Context, orderID int64) (map[string][]string, error) {
	return s.blobs.List(ctx, orderID)
}

// --- Patch plumbing ---

// orderValues projects the editable subset of the record into the value map
// the validation engine and fingerprinting work over.
func orderValues(o database.Order) map[string]string {
	v := map[string]string{
		schema.KeyTitle:   o.Title,
		schema.KeyComment: textOrEmpty(o.Comment.String, o.Comment.Valid),
		schema.KeyRegion:  textOrEmpty(o.Region.String, o.Region.Valid),
		schema.KeyCity:    textOrEmpty(o.City.String, o.City.Valid),
		schema.KeyStreet:  textOrEmpty(o.Street.String, o.Street.Valid),
		schema.KeyHouse:   textOrEmpty(o.House.String, o.House.Valid),
		schema.KeyFio:     textOrEmpty(o.Fio.String, o.Fio.Valid),
		schema.KeyPhone:   validate.NormalizePhone(textOrEmpty(o.Phone.String, o.Phone.Valid)),
	}
	if o.TimeWindowStart.Valid {
		v[schema.KeySchedule] = o.TimeWindowStart.Time.UTC().Format(time.RFC3339)
	}
	if o.AssignedTo.Valid {
		v[schema.KeyAssignee] = uuid.UUID(o.AssignedTo.Bytes).String()
	}
	if o.Urgent {
		v[schema.KeyUrgent] = "true"
	}
	if o.DepartmentID.Valid {
		v[schema.KeyDepartment] = uuid.UUID(o.DepartmentID.Bytes).String()
	}
	if o.Price.Valid {
		v[schema.KeyPrice] = numericString(o.Price)
	}
	if o.FuelCost.Valid {
		v[schema.KeyFuelCost] = numericString(o.FuelCost)
	}
	if o.WorkTypeID.Valid {
		v[schema.KeyWorkType] = uuid.UUID(o.WorkTypeID.Bytes).String()
	}
	return v
}

func textOrEmpty(s string, valid bool) string {
	if !valid {
		return ""
	}
	return s
}

func numericString(n pgtype.Numeric) string {
	val, err := n.Value()
	if err != nil || val == nil {
		return ""
	}
	s, _ := val.(string)
	return s
}

// overlayPatch writes the patch's present fields over the current values.
func overlayPatch(values map[string]string, p Patch) {
	setString := func(key string, v *string) {
		if v != nil {
			values[key] = *v
		}
	}
	setString(schema.KeyTitle, p.Title)
	setString(schema.KeyComment, p.Comment)
	setString(schema.KeyRegion, p.Region)
	setString(schema.KeyCity, p.City)
	setString(schema.KeyStreet, p.Street)
	setString(schema.KeyHouse, p.House)
	setString(schema.KeyFio, p.Fio)
	if p.Phone != nil {
		values[schema.KeyPhone] = validate.NormalizePhone(*p.Phone)
	}
	setString(schema.KeySchedule, p.TimeWindowStart)
	setString(schema.KeyAssignee, p.AssignedTo)
	if p.Urgent != nil {
		if *p.Urgent {
			values[schema.KeyUrgent] = "true"
		} else {
			values[schema.KeyUrgent] = ""
		}
	}
	setString(schema.KeyDepartment, p.DepartmentID)
	setString(schema.KeyPrice, p.Price)
	setString(schema.KeyFuelCost, p.FuelCost)
	setString(schema.KeyWorkType, p.WorkTypeID)
	if p.toFeed() {
		values[schema.KeyAssignee] = ""
	}
}

// buildUpdateParams converts the raw patch into typed column writes,
// normalizing the phone to canonical digits and money to numeric form.
func buildUpdateParams(companyID uuid.UUID, orderID int64, expected time.Time, p Patch) (database.UpdateOrderParams, error) {
	params := database.UpdateOrderParams{
		CompanyID:         companyID,
		ID:                orderID,
		ExpectedUpdatedAt: expected,
		Title:             p.Title,
		Comment:           p.Comment,
		Region:            p.Region,
		City:              p.City,
		Street:            p.Street,
		House:             p.House,
		Fio:               p.Fio,
		Urgent:            p.Urgent,
	}

	if p.Phone != nil {
		digits := validate.NormalizePhone(*p.Phone)
		params.Phone = &digits
	}

	if p.TimeWindowStart != nil {
		if strings.TrimSpace(*p.TimeWindowStart) == "" {
			params.ClearTimeWindow = true
		} else {
			t, ok := validate.ParseDate(*p.TimeWindowStart)
			if !ok {
				return params, fmt.Errorf("unparseable time_window_start %q", *p.TimeWindowStart)
			}
			params.TimeWindowStart = &t
		}
	}

	if p.AssignedTo != nil {
		if strings.TrimSpace(*p.AssignedTo) == "" {
			params.ClearAssignee = true
		} else {
			id, err := uuid.Parse(*p.AssignedTo)
			if err != nil {
				return params, fmt.Errorf("invalid assigned_to: %w", err)
			}
			params.AssignedTo = &id
		}
	}

	if p.DepartmentID != nil {
		if strings.TrimSpace(*p.DepartmentID) == "" {
			params.ClearDepartment = true
		} else {
			id, err := uuid.Parse(*p.DepartmentID)
			if err != nil {
				return params, fmt.Errorf("invalid department_id: %w", err)
			}
			params.DepartmentID = &id
		}
	}

	if p.WorkTypeID != nil {
		if strings.TrimSpace(*p.WorkTypeID) == "" {
			params.ClearWorkType = true
		} else {
			id, err := uuid.Parse(*p.WorkTypeID)
			if err != nil {
				return params, fmt.Errorf("invalid work_type_id: %w", err)
			}
			params.WorkTypeID = &id
		}
	}

	if p.Price != nil {
		if strings.TrimSpace(*p.Price) == "" {
			params.ClearPrice = true
		} else {
			amount, err := validate.ParseMoney(*p.Price)
			if err != nil {
				return params, fmt.Errorf("invalid price: %w", err)
			}
			params.Price = &amount
		}
	}

	if p.FuelCost != nil {
		if strings.TrimSpace(*p.FuelCost) == "" {
			params.ClearFuelCost = true
		} else {
			amount, err := validate.ParseMoney(*p.FuelCost)
			if err != nil {
				return params, fmt.Errorf("invalid fuel_cost: %w", err)
			}
			params.FuelCost = &amount
		}
	}

	return params, nil
}
