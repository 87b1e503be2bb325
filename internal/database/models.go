package database

import (
	"time"

	"github.com/fieldserv/api/internal/enum"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Order is the shared work-order record. updated_at doubles as the
// optimistic-concurrency token.
type Order struct {
	ID              int64
	CompanyID       uuid.UUID
	Title           string
	Comment         pgtype.Text
	Region          pgtype.Text
	City            pgtype.Text
	Street          pgtype.Text
	House           pgtype.Text
	Fio             pgtype.Text
	Phone           pgtype.Text
	TimeWindowStart pgtype.Timestamptz
	AssignedTo      pgtype.UUID
	Status          string
	Urgent          bool
	DepartmentID    pgtype.UUID
	Price           pgtype.Numeric
	FuelCost        pgtype.Numeric
	WorkTypeID      pgtype.UUID
	ContractURLs    []string
	BeforeURLs      []string
	AfterURLs       []string
	ActURLs         []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Attachments groups the four category arrays under their category names.
func (o Order) Attachments() map[string][]string {
	return map[string][]string{
		enum.CategoryContract:    o.ContractURLs,
		enum.CategoryBeforePhoto: o.BeforeURLs,
		enum.CategoryAfterPhoto:  o.AfterURLs,
		enum.CategoryAct:         o.ActURLs,
	}
}

// User is an actor: dispatcher, worker, or admin.
type User struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	Email          string
	HashedPassword string
	FullName       string
	Role           string
	CreatedAt      time.Time
}

// Company owns orders, users, and field definitions.
type Company struct {
	ID               uuid.UUID
	Name             string
	WorkTypesEnabled bool
	CreatedAt        time.Time
}
