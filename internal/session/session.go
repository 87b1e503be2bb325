// Package session is the client-side editing engine for one open order
// form. It keeps a locally edited, not-yet-saved form consistent with a
// record that can change underneath it at any time, without losing user
// input or silently overwriting someone else's change.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/schema"
	"github.com/fieldserv/api/internal/service"
	"github.com/fieldserv/api/internal/snapshot"
	"github.com/fieldserv/api/internal/validate"
	"github.com/google/uuid"
)

var (
	// ErrBusy rejects a submit while another one is in flight.
	ErrBusy = errors.New("a submit is already in flight")
	// ErrStaleGeneration marks an async response that lost to a newer
	// request; its value is discarded, never applied.
	ErrStaleGeneration = errors.New("response superseded by a newer request")
	// ErrNotHydrated guards operations before the first order load.
	ErrNotHydrated = errors.New("session not hydrated")
)

// Generation tags one issued async lookup. A response is applied only when
// its generation still matches the latest issued one.
type Generation uint64

// OrderView is the session's plain projection of the remote order record.
// Phone holds normalized digits, Schedule ISO-8601, money fields canonical
// decimal strings.
type OrderView struct {
	ID           int64
	Title        string
	Comment      string
	Region       string
	City         string
	Street       string
	House        string
	Fio          string
	Phone        string
	Schedule     string
	AssigneeID   string
	Status       string
	Urgent       bool
	DepartmentID string
	Price        string
	FuelCost     string
	WorkTypeID   string
	UpdatedAt    time.Time
	Attachments  map[string][]string
}

// values projects the view into the fingerprint/validation value map.
func (v OrderView) values() map[string]string {
	m := map[string]string{
		schema.KeyTitle:      v.Title,
		schema.KeyComment:    v.Comment,
		schema.KeyRegion:     v.Region,
		schema.KeyCity:       v.City,
		schema.KeyStreet:     v.Street,
		schema.KeyHouse:      v.House,
		schema.KeyFio:        v.Fio,
		schema.KeyPhone:      validate.NormalizePhone(v.Phone),
		schema.KeySchedule:   v.Schedule,
		schema.KeyAssignee:   v.AssigneeID,
		schema.KeyDepartment: v.DepartmentID,
		schema.KeyPrice:      v.Price,
		schema.KeyFuelCost:   v.FuelCost,
		schema.KeyWorkType:   v.WorkTypeID,
	}
	if v.Urgent {
		m[schema.KeyUrgent] = "true"
	}
	if v.Status == enum.StatusInFeed {
		m["to_feed"] = "true"
	}
	return m
}

// Fetcher loads the authoritative record.
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID int64) (OrderView, error)
}

// Submitter sends a token-guarded patch. Implementations return
// *service.ConflictError-compatible errors on stale tokens.
type Submitter interface {
	SubmitPatch(ctx context.Context, orderID int64, patch service.Patch, expectedUpdatedAt time.Time) (OrderView, error)
}

// NameResolver resolves a user id to a display name.
type NameResolver interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// ConflictError mirrors the submit conflict outcome at the session boundary.
type ConflictError struct {
	Current OrderView
}

func (e *ConflictError) Error() string { return "order was modified by someone else" }

// OrderCache is a process-wide read-through cache keyed by order id. It
// serves immediately available data to avoid flicker but is never the
// system of record: any authoritative fetch supersedes it. Construct one
// per process (or per test) and inject it; there is no package-level
// instance.
type OrderCache struct {
	mu sync.Mutex
	m  map[int64]OrderView
}

func NewOrderCache() *OrderCache {
	return &OrderCache{m: make(map[int64]OrderView)}
}

func (c *OrderCache) Get(id int64) (OrderView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[id]
	return v, ok
}

func (c *OrderCache) Put(v OrderView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[v.ID] = v
}

// NameCache caches user display names, same contract as OrderCache.
type NameCache struct {
	mu sync.Mutex
	m  map[uuid.UUID]string
}

func NewNameCache() *NameCache {
	return &NameCache{m: make(map[uuid.UUID]string)}
}

func (c *NameCache) Get(id uuid.UUID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[id]
	return v, ok
}

func (c *NameCache) Put(id uuid.UUID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = name
}

// Session tracks one open order form.
type Session struct {
	fetcher   Fetcher
	submitter Submitter
	resolver  NameResolver
	orders    *OrderCache
	names     *NameCache
	debounce  time.Duration

	mu              sync.Mutex
	orderID         int64
	hydrated        bool
	remote          OrderView
	values          map[string]string
	touched         map[string]bool
	baseline        snapshot.Fingerprint
	expected        time.Time
	busy            bool
	conflictPending bool

	nameGen      Generation
	assigneeName string

	refetchTimer *time.Timer
}

// New creates a session. debounce controls how realtime notifications are
// coalesced into refetches.
func New(fetcher Fetcher, submitter Submitter, resolver NameResolver, orders *OrderCache, names *NameCache, debounce time.Duration) *Session {
	return &Session{
		fetcher:   fetcher,
		submitter: submitter,
		resolver:  resolver,
		orders:    orders,
		names:     names,
		debounce:  debounce,
	}
}

// Hydrate adopts the loaded record and captures the dirty-check baseline.
// Re-entering the same order while edits are in flight must not clobber
// them: hydration happens once per order id.
func (s *Session) Hydrate(o OrderView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hydrated && s.orderID == o.ID {
		return
	}

	s.orderID = o.ID
	s.hydrated = true
	s.adoptLocked(o)
	s.conflictPending = false
}

// adoptLocked resets form state to the authoritative record. Caller holds mu.
func (s *Session) adoptLocked(o OrderView) {
	s.remote = o
	s.values = o.values()
	s.touched = make(map[string]bool)
	s.baseline = snapshot.Capture(s.values)
	s.expected = o.UpdatedAt
	s.orders.Put(o)
}

// Field returns the current form value for a key.
func (s *Session) Field(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// SetField records a user edit. Phone input is normalized as it is typed so
// dirtiness compares canonical digits, not formatting.
func (s *Session) SetField(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return
	}
	if key == schema.KeyPhone {
		value = validate.NormalizePhone(value)
	}
	s.values[key] = value
	s.touched[key] = true
}

// SetToFeed toggles explicit routing to the unassigned feed. Routing to the
// feed clears the assignee field.
func (s *Session) SetToFeed(toFeed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return
	}
	if toFeed {
		s.values["to_feed"] = "true"
		s.values[schema.KeyAssignee] = ""
		s.touched[schema.KeyAssignee] = true
	} else {
		s.values["to_feed"] = ""
	}
	s.touched["to_feed"] = true
}

// Dirty reports whether the form differs from the last captured baseline.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return false
	}
	return s.baseline.Dirty(s.values)
}

// ConflictPending reports whether a background refetch found remote drift
// in fields the user has touched. The form is not mutated; the flag feeds
// the warning banner shown on the next submit attempt.
func (s *Session) ConflictPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflictPending
}

// Remote returns the last known authoritative record.
func (s *Session) Remote() OrderView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Validate runs the validation engine over the current form values without
// touching the network.
func (s *Session) Validate(set schema.Set) []validate.Violation {
	s.mu.Lock()
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	toFeed := values["to_feed"] == "true"
	s.mu.Unlock()

	return validate.Order(values, set, validate.Options{ToFeed: toFeed})
}

// Submit sends the touched fields as a token-guarded patch. A second submit
// while one is in flight is rejected with ErrBusy; submits are serialized
// per session, never queued.
//
// On success the baseline, token, and authoritative view advance to the
// saved record, so subsequent edits are compared against the new state.
// On conflict the authoritative record is adopted into Remote and the
// cache, the unsaved edits are kept, and *ConflictError is returned.
func (s *Session) Submit(ctx context.Context) (OrderView, error) {
	s.mu.Lock()
	if !s.hydrated {
		s.mu.Unlock()
		return OrderView{}, ErrNotHydrated
	}
	if s.busy {
		s.mu.Unlock()
		return OrderView{}, ErrBusy
	}
	s.busy = true
	patch := s.patchLocked()
	orderID := s.orderID
	expected := s.expected
	s.mu.Unlock()

	saved, err := s.submitter.SubmitPatch(ctx, orderID, patch, expected)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false

	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// Keep the user's edits; surface the fresh record alongside.
			s.remote = conflict.Current
			s.orders.Put(conflict.Current)
			s.conflictPending = true
		}
		return OrderView{}, err
	}

	s.adoptLocked(saved)
	s.conflictPending = false
	return saved, nil
}

// patchLocked builds the patch from touched fields only: the screen never
// blind-overwrites fields it did not render or the user did not change.
func (s *Session) patchLocked() service.Patch {
	var p service.Patch
	str := func(key string) *string {
		v := s.values[key]
		return &v
	}
	for key := range s.touched {
		switch key {
		case schema.KeyTitle:
			p.Title = str(key)
		case schema.KeyComment:
			p.Comment = str(key)
		case schema.KeyRegion:
			p.Region = str(key)
		case schema.KeyCity:
			p.City = str(key)
		case schema.KeyStreet:
			p.Street = str(key)
		case schema.KeyHouse:
			p.House = str(key)
		case schema.KeyFio:
			p.Fio = str(key)
		case schema.KeyPhone:
			p.Phone = str(key)
		case schema.KeySchedule:
			p.TimeWindowStart = str(key)
		case schema.KeyAssignee:
			p.AssignedTo = str(key)
		case schema.KeyDepartment:
			p.DepartmentID = str(key)
		case schema.KeyPrice:
			p.Price = str(key)
		case schema.KeyFuelCost:
			p.FuelCost = str(key)
		case schema.KeyWorkType:
			p.WorkTypeID = str(key)
		case schema.KeyUrgent:
			urgent := s.values[key] == "true"
			p.Urgent = &urgent
		case "to_feed":
			toFeed := s.values[key] == "true"
			p.ToFeed = &toFeed
		}
	}
	return p
}

// MaybeStart writes the transition from Новый to В работе through the submitter
// when the freshly opened order is already assigned to the viewer. The
// transition is persisted, not just held locally, because other viewers
// rely on the remote status.
func (s *Session) MaybeStart(ctx context.Context, viewerID uuid.UUID) error {
	s.mu.Lock()
	if !s.hydrated || s.remote.Status != enum.StatusNew || s.remote.AssigneeID != viewerID.String() {
		s.mu.Unlock()
		return nil
	}
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	orderID := s.orderID
	expected := s.expected
	s.mu.Unlock()

	status := enum.StatusInProgress
	saved, err := s.submitter.SubmitPatch(ctx, orderID, service.Patch{Status: &status}, expected)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		return err
	}
	s.mergeAuthoritativeLocked(saved)
	return nil
}

// ResolveAssignee looks up the assignee's display name, serving the cache
// first and applying the network response only when no newer lookup has
// been issued since. A stale response is discarded, never applied.
func (s *Session) ResolveAssignee(ctx context.Context, userID uuid.UUID) (string, error) {
	s.mu.Lock()
	s.nameGen++
	gen := s.nameGen
	if name, ok := s.names.Get(userID); ok {
		// Serve cached immediately; still treated as potentially stale and
		// superseded by the next authoritative fetch.
		s.assigneeName = name
	}
	s.mu.Unlock()

	name, err := s.resolver.DisplayName(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.nameGen {
		return "", ErrStaleGeneration
	}
	if err != nil {
		return "", err
	}
	s.names.Put(userID, name)
	s.assigneeName = name
	return name, nil
}

// AssigneeName returns the last applied display name.
func (s *Session) AssigneeName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assigneeName
}

// Notify schedules a background refetch of the current order. Bursts of
// notifications coalesce into a single refetch per debounce window.
func (s *Session) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return
	}
	if s.refetchTimer == nil {
		s.refetchTimer = time.AfterFunc(s.debounce, s.refetch)
		return
	}
	s.refetchTimer.Reset(s.debounce)
}

// refetch runs on the debounce timer.
func (s *Session) refetch() {
	s.mu.Lock()
	orderID := s.orderID
	s.refetchTimer = nil
	s.mu.Unlock()

	o, err := s.fetcher.FetchOrder(context.Background(), orderID)
	if err != nil {
		// At-least-once delivery: the next notification retries.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeAuthoritativeLocked(o)
}

// mergeAuthoritativeLocked reconciles a fresh authoritative record with any
// in-progress local edits. Untouched fields adopt the remote value; touched
// fields are never mutated. When a touched field drifted remotely the
// modification token is left stale so the next submit surfaces a conflict
// instead of silently overwriting. Caller holds mu.
func (s *Session) mergeAuthoritativeLocked(o OrderView) {
	fresh := o.values()
	prev := s.remote.values()

	touchedDrift := false
	for _, key := range snapshot.EditableKeys {
		if s.touched[key] {
			if strings.TrimSpace(fresh[key]) != strings.TrimSpace(prev[key]) {
				touchedDrift = true
			}
			continue
		}
		s.values[key] = fresh[key]
	}

	s.remote = o
	s.orders.Put(o)
	s.baseline = snapshot.Capture(o.values())
	if touchedDrift {
		s.conflictPending = true
		return
	}
	s.expected = o.UpdatedAt
}

// Close stops the pending refetch timer, if any.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refetchTimer != nil {
		s.refetchTimer.Stop()
		s.refetchTimer = nil
	}
}
