package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldserv/api/internal/enum"
	"github.com/google/uuid"
)

type mockDefinitionStore struct {
	listFn func(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error)
}

func (m *mockDefinitionStore) ListFieldDefinitions(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error) {
	return m.listFn(ctx, companyID, editContext)
}

func TestSetOrdersByPosition(t *testing.T) {
	set := NewSet([]Definition{
		{Key: KeyCity, Position: 2, Active: true},
		{Key: KeyTitle, Position: 0, Active: true},
		{Key: KeyStreet, Position: 1, Active: true},
	})
	defs := set.Definitions()
	want := []string{KeyTitle, KeyStreet, KeyCity}
	for i, key := range want {
		if defs[i].Key != key {
			t.Errorf("defs[%d] = %s, want %s", i, defs[i].Key, key)
		}
	}
}

func TestSetVisibility(t *testing.T) {
	set := NewSet([]Definition{
		{Key: KeyTitle, Active: true},
		{Key: KeyComment, Active: false},
	})

	if !set.Visible(KeyTitle) {
		t.Error("active field not visible")
	}
	if set.Visible(KeyComment) {
		t.Error("inactive field visible")
	}
	if set.Visible(KeyPhone) {
		t.Error("unlisted field visible in a non-empty set")
	}
}

func TestEmptySetIsPermissive(t *testing.T) {
	set := NewSet(nil)
	if !set.Visible(KeyTitle) || !set.Visible(KeyPhone) {
		t.Error("empty set must show everything")
	}
	if set.Required(KeyTitle) {
		t.Error("empty set must require nothing")
	}
}

func TestSetRequired(t *testing.T) {
	set := NewSet([]Definition{
		{Key: KeyTitle, Required: true, Active: true},
		{Key: KeyCity, Required: true, Active: false},
		{Key: KeyStreet, Active: true},
	})
	if !set.Required(KeyTitle) {
		t.Error("active required field not required")
	}
	if set.Required(KeyCity) {
		t.Error("inactive field required")
	}
	if set.Required(KeyStreet) {
		t.Error("optional field required")
	}
}

func TestProviderFallsBackOnError(t *testing.T) {
	store := &mockDefinitionStore{
		listFn: func(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error) {
			return nil, errors.New("connection refused")
		},
	}
	set := NewProvider(store).For(context.Background(), uuid.New(), enum.ContextEdit)
	if set.Empty() {
		t.Fatal("store failure produced an empty set")
	}
	if !set.Required(KeyTitle) {
		t.Error("fallback set should require title")
	}
}

func TestProviderFallsBackOnNoActiveRows(t *testing.T) {
	store := &mockDefinitionStore{
		listFn: func(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error) {
			return []Definition{{Key: KeyTitle, Active: false}}, nil
		},
	}
	set := NewProvider(store).For(context.Background(), uuid.New(), enum.ContextEdit)
	if !set.Visible(KeyCity) {
		t.Error("expected fallback set, got the inactive configuration")
	}
}

func TestProviderUsesConfiguredRows(t *testing.T) {
	store := &mockDefinitionStore{
		listFn: func(ctx context.Context, companyID uuid.UUID, editContext string) ([]Definition, error) {
			return []Definition{
				{Key: KeyTitle, Label: "Заголовок", Kind: enum.KindText, Required: true, Active: true},
				{Key: KeyPhone, Label: "Телефон", Kind: enum.KindPhone, Active: true},
			}, nil
		},
	}
	set := NewProvider(store).For(context.Background(), uuid.New(), enum.ContextCreate)
	if len(set.Definitions()) != 2 {
		t.Fatalf("definitions = %d, want 2", len(set.Definitions()))
	}
	if set.Visible(KeyCity) {
		t.Error("unlisted field visible despite configuration")
	}
}
