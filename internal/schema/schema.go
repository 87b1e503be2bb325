// Package schema provides the dynamic field-definition set that drives
// which order fields are visible and required in a given editing context.
package schema

import (
	"context"
	"log"
	"sort"

	"github.com/fieldserv/api/internal/enum"
	"github.com/google/uuid"
)

// Well-known field keys. These match the remote order table columns.
const (
	KeyTitle      = "title"
	KeyComment    = "comment"
	KeyRegion     = "region"
	KeyCity       = "city"
	KeyStreet     = "street"
	KeyHouse      = "house"
	KeyFio        = "fio"
	KeyPhone      = "phone"
	KeySchedule   = "time_window_start"
	KeyAssignee   = "assigned_to"
	KeyUrgent     = "urgent"
	KeyDepartment = "department_id"
	KeyPrice      = "price"
	KeyFuelCost   = "fuel_cost"
	KeyWorkType   = "work_type_id"
)

// Definition describes one editable slot of the order form.
type Definition struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Position int    `json:"position"`
	Active   bool   `json:"active"`
}

// Set wraps an ordered definition list with visibility/required lookups.
type Set struct {
	defs  []Definition
	byKey map[string]Definition
}

// NewSet builds a Set from defs. Inactive definitions are kept in the list
// but are neither visible nor required.
func NewSet(defs []Definition) Set {
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	byKey := make(map[string]Definition, len(sorted))
	for _, d := range sorted {
		byKey[d.Key] = d
	}
	return Set{defs: sorted, byKey: byKey}
}

// Definitions returns the definitions in display order.
func (s Set) Definitions() []Definition { return s.defs }

// Empty reports whether the set has no definitions at all.
func (s Set) Empty() bool { return len(s.defs) == 0 }

// Visible reports whether the field should be shown. An entirely empty set
// is permissive (everything visible); otherwise a field must be explicitly
// listed and active.
func (s Set) Visible(key string) bool {
	if s.Empty() {
		return true
	}
	d, ok := s.byKey[key]
	return ok && d.Active
}

// Required reports whether the field must be filled.
func (s Set) Required(key string) bool {
	d, ok := s.byKey[key]
	return ok && d.Active && d.Required
}

// Get returns the definition for key, if listed.
func (s Set) Get(key string) (Definition, bool) {
	d, ok := s.byKey[key]
	return d, ok
}

// Fallback is the built-in minimal definition set used when the remote
// configuration store has no rows for a context or cannot be reached.
// Schema absence must never block editing.
func Fallback(editContext string) []Definition {
	// The same minimal set serves both contexts.
	return []Definition{
		{Key: KeyTitle, Label: "Title", Kind: enum.KindText, Required: true, Position: 0, Active: true},
		{Key: KeyComment, Label: "Comment", Kind: enum.KindText, Position: 1, Active: true},
		{Key: KeyRegion, Label: "Region", Kind: enum.KindText, Position: 2, Active: true},
		{Key: KeyCity, Label: "City", Kind: enum.KindText, Required: true, Position: 3, Active: true},
		{Key: KeyStreet, Label: "Street", Kind: enum.KindText, Required: true, Position: 4, Active: true},
		{Key: KeyHouse, Label: "House", Kind: enum.KindText, Position: 5, Active: true},
		{Key: KeyAssignee, Label: "Assignee", Kind: enum.KindAssignee, Required: true, Position: 6, Active: true},
		{Key: KeySchedule, Label: "Schedule", Kind: enum.KindDate, Position: 7, Active: true},
	}
}

// DefinitionStore defines the database methods needed by the provider.
// Satisfied by *database.Queries; narrow interface for testability.
type DefinitionStore interface {
	ListFieldDefinitions(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error)
}

// Provider fetches field definitions for a company and editing context,
// falling back to the built-in set when the lookup fails or returns nothing.
type Provider struct {
	store DefinitionStore
}

// NewProvider creates a new Provider.
func NewProvider(store DefinitionStore) *Provider {
	return &Provider{store: store}
}

// For returns the definition set for the given company and context. It never
// returns an empty set and never propagates store errors: a broken or empty
// configuration store degrades to the fallback set.
func (p *Provider) For(ctx context.Context, companyID uuid.UUID, editContext string) Set {
	defs, err := p.store.ListFieldDefinitions(ctx, companyID, editContext)
	if err != nil {
		log.Printf("WARN: field definitions for company %s context %s: %v (using fallback)", companyID, editContext, err)
		return NewSet(Fallback(editContext))
	}

	active := 0
	for _, d := range defs {
		if d.Active {
			active++
		}
	}
	if active == 0 {
		return NewSet(Fallback(editContext))
	}
	return NewSet(defs)
}
