package enum

// ── Order statuses (stored as the Russian wire values; CHECK constrained in DB) ──

const (
	StatusNew        = "Новый"
	StatusInFeed     = "В ленте"
	StatusInProgress = "В работе"
	StatusCompleted  = "Завершённая"
)

// ── Attachment categories (fixed, closed set) ──

const (
	CategoryContract    = "contract"
	CategoryBeforePhoto = "before"
	CategoryAfterPhoto  = "after"
	CategoryAct         = "act"
)

// Categories lists every attachment category in display order.
var Categories = []string{CategoryContract, CategoryBeforePhoto, CategoryAfterPhoto, CategoryAct}

// ── Editing contexts for field definitions ──

const (
	ContextCreate = "create"
	ContextEdit   = "edit"
)

// ── Field kinds (drive per-kind validation and rendering) ──

const (
	KindText     = "text"
	KindDate     = "date"
	KindSelect   = "select"
	KindPhone    = "phone"
	KindMoney    = "money"
	KindAssignee = "assignee"
	KindFlag     = "flag"
)

// ── User roles (CHECK constrained in DB) ──

const (
	RoleDispatcher = "dispatcher"
	RoleWorker     = "worker"
	RoleAdmin      = "admin"
)

// IsStatus reports whether s is one of the four order statuses.
func IsStatus(s string) bool {
	switch s {
	case StatusNew, StatusInFeed, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// IsCategory reports whether c is a known attachment category.
func IsCategory(c string) bool {
	switch c {
	case CategoryContract, CategoryBeforePhoto, CategoryAfterPhoto, CategoryAct:
		return true
	}
	return false
}
