package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// DBTX is the subset of pgx methods the queries need. Satisfied by
// *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all SQL access. One instance per pool or transaction.
type Queries struct {
	db DBTX
}

// New creates a Queries over the given pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const orderColumns = `id, company_id, title, comment, region, city, street, house,
	fio, phone, time_window_start, assigned_to, status, urgent, department_id,
	price, fuel_cost, work_type_id, contract_urls, before_urls, after_urls,
	act_urls, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.CompanyID, &o.Title, &o.Comment, &o.Region, &o.City,
		&o.Street, &o.House, &o.Fio, &o.Phone, &o.TimeWindowStart,
		&o.AssignedTo, &o.Status, &o.Urgent, &o.DepartmentID, &o.Price,
		&o.FuelCost, &o.WorkTypeID, &o.ContractURLs, &o.BeforeURLs,
		&o.AfterURLs, &o.ActURLs, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// GetOrderParams identifies one order within a company.
type GetOrderParams struct {
	CompanyID uuid.UUID
	ID        int64
}

func (q *Queries) GetOrder(ctx context.Context, arg GetOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND company_id = $2`,
		arg.ID, arg.CompanyID)
	return scanOrder(row)
}

// ListOrdersParams filters the company order listing.
type ListOrdersParams struct {
	CompanyID uuid.UUID
	Status    string // empty means any
	Limit     int32
	Offset    int32
}

func (q *Queries) ListOrders(ctx context.Context, arg ListOrdersParams) ([]Order, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE company_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY urgent DESC, created_at DESC
		 LIMIT $3 OFFSET $4`,
		arg.CompanyID, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListFeedOrders returns the pool of unassigned orders visible to workers.
func (q *Queries) ListFeedOrders(ctx context.Context, companyID uuid.UUID) ([]Order, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE company_id = $1 AND assigned_to IS NULL AND status <> 'Завершённая'
		 ORDER BY urgent DESC, created_at DESC`,
		companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CreateOrderParams carries the initial order fields. Orders are created by
// the external order-creation flow and by the seeder.
type CreateOrderParams struct {
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
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO orders (company_id, title, comment, region, city, street,
			house, fio, phone, time_window_start, assigned_to, status, urgent,
			department_id, price, fuel_cost, work_type_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING `+orderColumns,
		arg.CompanyID, arg.Title, arg.Comment, arg.Region, arg.City, arg.Street,
		arg.House, arg.Fio, arg.Phone, arg.TimeWindowStart, arg.AssignedTo,
		arg.Status, arg.Urgent, arg.DepartmentID, arg.Price, arg.FuelCost,
		arg.WorkTypeID)
	return scanOrder(row)
}

// UpdateOrderParams describes a partial, token-guarded mutation. Only
// non-nil fields are written; Clear* flags null out their column. The
// update succeeds only when the stored updated_at still equals
// ExpectedUpdatedAt, so a concurrent change surfaces as pgx.ErrNoRows.
type UpdateOrderParams struct {
	CompanyID         uuid.UUID
	ID                int64
	ExpectedUpdatedAt time.Time

	Title           *string
	Comment         *string
	Region          *string
	City            *string
	Street          *string
	House           *string
	Fio             *string
	Phone           *string
	TimeWindowStart *time.Time
	ClearTimeWindow bool
	AssignedTo      *uuid.UUID
	ClearAssignee   bool
	Status          *string
	Urgent          *bool
	DepartmentID    *uuid.UUID
	ClearDepartment bool
	Price           *decimal.Decimal
	ClearPrice      bool
	FuelCost        *decimal.Decimal
	ClearFuelCost   bool
	WorkTypeID      *uuid.UUID
	ClearWorkType   bool
}

// UpdateOrderGuarded applies the patch with the optimistic-concurrency
// guard. Returns pgx.ErrNoRows when the order does not exist or the token
// no longer matches; callers distinguish the two with a follow-up read.
func (q *Queries) UpdateOrderGuarded(ctx context.Context, arg UpdateOrderParams) (Order, error) {
	var set []string
	args := []any{arg.ID, arg.CompanyID, arg.ExpectedUpdatedAt}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	nullify := func(column string) {
		set = append(set, column+" = NULL")
	}

	if arg.Title != nil {
		add("title", *arg.Title)
	}
	if arg.Comment != nil {
		add("comment", *arg.Comment)
	}
	if arg.Region != nil {
		add("region", *arg.Region)
	}
	if arg.City != nil {
		add("city", *arg.City)
	}
	if arg.Street != nil {
		add("street", *arg.Street)
	}
	if arg.House != nil {
		add("house", *arg.House)
	}
	if arg.Fio != nil {
		add("fio", *arg.Fio)
	}
	if arg.Phone != nil {
		add("phone", *arg.Phone)
	}
	switch {
	case arg.ClearTimeWindow:
		nullify("time_window_start")
	case arg.TimeWindowStart != nil:
		add("time_window_start", *arg.TimeWindowStart)
	}
	switch {
	case arg.ClearAssignee:
		nullify("assigned_to")
	case arg.AssignedTo != nil:
		add("assigned_to", *arg.AssignedTo)
	}
	if arg.Status != nil {
		add("status", *arg.Status)
	}
	if arg.Urgent != nil {
		add("urgent", *arg.Urgent)
	}
	switch {
	case arg.ClearDepartment:
		nullify("department_id")
	case arg.DepartmentID != nil:
		add("department_id", *arg.DepartmentID)
	}
	switch {
	case arg.ClearPrice:
		nullify("price")
	case arg.Price != nil:
		add("price", arg.Price.StringFixed(2))
	}
	switch {
	case arg.ClearFuelCost:
		nullify("fuel_cost")
	case arg.FuelCost != nil:
		add("fuel_cost", arg.FuelCost.StringFixed(2))
	}
	switch {
	case arg.ClearWorkType:
		nullify("work_type_id")
	case arg.WorkTypeID != nil:
		add("work_type_id", *arg.WorkTypeID)
	}

	set = append(set, "updated_at = NOW()")

	sql := fmt.Sprintf(
		`UPDATE orders SET %s WHERE id = $1 AND company_id = $2 AND updated_at = $3 RETURNING %s`,
		strings.Join(set, ", "), orderColumns)
	return scanOrder(q.db.QueryRow(ctx, sql, args...))
}

// AcceptOrderParams identifies the worker racing to take an order.
type AcceptOrderParams struct {
	CompanyID uuid.UUID
	ID        int64
	WorkerID  uuid.UUID
}

// AcceptOrder atomically claims an unassigned order. The predicate is
// evaluated server-side so two racing workers cannot both win; the loser
// gets pgx.ErrNoRows. Completed orders are terminal and never claimable,
// even if their assignee reference was cleared.
func (q *Queries) AcceptOrder(ctx context.Context, arg AcceptOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx,
		`UPDATE orders
		 SET assigned_to = $3, status = 'В работе', updated_at = NOW()
		 WHERE id = $1 AND company_id = $2 AND assigned_to IS NULL AND status <> 'Завершённая'
		 RETURNING `+orderColumns,
		arg.ID, arg.CompanyID, arg.WorkerID)
	return scanOrder(row)
}

// DeleteOrder removes the row. Attachment blobs are purged by the caller
// beforehand.
func (q *Queries) DeleteOrder(ctx context.Context, arg GetOrderParams) error {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM orders WHERE id = $1 AND company_id = $2`,
		arg.ID, arg.CompanyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// attachmentColumns whitelists the category-to-column mapping; a category
// outside this map never reaches SQL.
var attachmentColumns = map[string]string{
	enum.CategoryContract:    "contract_urls",
	enum.CategoryBeforePhoto: "before_urls",
	enum.CategoryAfterPhoto:  "after_urls",
	enum.CategoryAct:         "act_urls",
}

// SetAttachmentsParams replaces one category array wholesale.
type SetAttachmentsParams struct {
	CompanyID uuid.UUID
	ID        int64
	Category  string
	URLs      []string
}

// SetAttachments writes the reconciled URL list for a category and bumps
// the modification token, since the record did change.
func (q *Queries) SetAttachments(ctx context.Context, arg SetAttachmentsParams) (Order, error) {
	column, ok := attachmentColumns[arg.Category]
	if !ok {
		return Order{}, fmt.Errorf("unknown attachment category %q", arg.Category)
	}
	urls := arg.URLs
	if urls == nil {
		urls = []string{}
	}
	row := q.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE orders SET %s = $3, updated_at = NOW()
		 WHERE id = $1 AND company_id = $2 RETURNING %s`, column, orderColumns),
		arg.ID, arg.CompanyID, urls)
	return scanOrder(row)
}

// --- Users ---

const userColumns = `id, company_id, email, hashed_password, full_name, role, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.CompanyID, &u.Email, &u.HashedPassword,
		&u.FullName, &u.Role, &u.CreatedAt)
	return u, err
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (q *Queries) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(q.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// CreateUserParams provisions an actor account.
type CreateUserParams struct {
	CompanyID      uuid.UUID
	Email          string
	HashedPassword string
	FullName       string
	Role           string
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	return scanUser(q.db.QueryRow(ctx,
		`INSERT INTO users (company_id, email, hashed_password, full_name, role)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+userColumns,
		arg.CompanyID, arg.Email, arg.HashedPassword, arg.FullName, arg.Role))
}

// --- Companies ---

func (q *Queries) CreateCompany(ctx context.Context, name string, workTypesEnabled bool) (Company, error) {
	var c Company
	err := q.db.QueryRow(ctx,
		`INSERT INTO companies (name, work_types_enabled) VALUES ($1, $2)
		 RETURNING id, name, work_types_enabled, created_at`,
		name, workTypesEnabled).Scan(&c.ID, &c.Name, &c.WorkTypesEnabled, &c.CreatedAt)
	return c, err
}

func (q *Queries) GetCompany(ctx context.Context, id uuid.UUID) (Company, error) {
	var c Company
	err := q.db.QueryRow(ctx,
		`SELECT id, name, work_types_enabled, created_at FROM companies WHERE id = $1`,
		id).Scan(&c.ID, &c.Name, &c.WorkTypesEnabled, &c.CreatedAt)
	return c, err
}

// --- Field definitions ---

// ListFieldDefinitions returns the configured form fields for a company and
// editing context, ordered for display. Satisfies schema.DefinitionStore.
func (q *Queries) ListFieldDefinitions(ctx context.Context, companyID uuid.UUID, editContext string) ([]schema.Definition, error) {
	rows, err := q.db.Query(ctx,
		`SELECT key, label, kind, required, position, active
		 FROM field_definitions
		 WHERE company_id = $1 AND context = $2
		 ORDER BY position`,
		companyID, editContext)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []schema.Definition
	for rows.Next() {
		var d schema.Definition
		if err := rows.Scan(&d.Key, &d.Label, &d.Kind, &d.Required, &d.Position, &d.Active); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// CreateFieldDefinitionParams seeds one form field row.
type CreateFieldDefinitionParams struct {
	CompanyID uuid.UUID
	Context   string
	Key       string
	Label     string
	Kind      string
	Required  bool
	Position  int
	Active    bool
}

func (q *Queries) CreateFieldDefinition(ctx context.Context, arg CreateFieldDefinitionParams) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO field_definitions (company_id, context, key, label, kind, required, position, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (company_id, context, key) DO UPDATE
		 SET label = $4, kind = $5, required = $6, position = $7, active = $8`,
		arg.CompanyID, arg.Context, arg.Key, arg.Label, arg.Kind,
		arg.Required, arg.Position, arg.Active)
	return err
}
