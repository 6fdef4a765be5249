package workday

import (
	"context"
	"slices"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is raw WorkerDay and attendance persistence. It enforces nothing
// beyond referential shape; invariants live in the timesheet package.
type Store interface {
	// Get returns ErrNotFound (wrapped) when the row is absent.
	Get(ctx context.Context, id WorkerDayID) (*WorkerDay, error)

	// List returns rows matching f ordered by employee, dt, start, id.
	List(ctx context.Context, f Filter) ([]WorkerDay, error)

	// Create assigns wd.ID.
	Create(ctx context.Context, wd *WorkerDay) error
	Update(ctx context.Context, wd *WorkerDay) error
	Delete(ctx context.Context, ids ...WorkerDayID) error

	// LockKeys takes per-key exclusive locks held until the enclosing
	// transaction ends. Callers pass keys sorted with SortKeys.
	LockKeys(ctx context.Context, keys []Key) error

	CreateAttendance(ctx context.Context, rec *AttendanceRecord) error

	// FindAttendance returns nil, nil when no tick matches the tuple.
	FindAttendance(ctx context.Context, userID UserID, dttm time.Time, typ AttendanceType, shopID ShopID) (*AttendanceRecord, error)

	// ListAttendance returns records ordered by dttm.
	ListAttendance(ctx context.Context, f AttendanceFilter) ([]AttendanceRecord, error)
}

// TxStore runs fn atomically. Any error from fn rolls back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Directory is read access to reference data.
type Directory interface {
	User(ctx context.Context, id UserID) (*User, error)
	Employee(ctx context.Context, id EmployeeID) (*Employee, error)
	EmployeesByUser(ctx context.Context, userID UserID) ([]Employee, error)
	Employment(ctx context.Context, id EmploymentID) (*Employment, error)
	Employments(ctx context.Context, employeeID EmployeeID) ([]Employment, error)
	ShopEmployments(ctx context.Context, shopID ShopID, from, to Date) ([]Employment, error)
	Shop(ctx context.Context, id ShopID) (*Shop, error)
	Network(ctx context.Context, id NetworkID) (*Network, error)
	Position(ctx context.Context, id PositionID) (*Position, error)
	WorkType(ctx context.Context, id WorkTypeID) (*WorkType, error)
	ShopWorkTypes(ctx context.Context, shopID ShopID) ([]WorkType, error)
	Group(ctx context.Context, id GroupID) (*Group, error)
	NetworkConnects(ctx context.Context, clientID NetworkID) ([]NetworkConnect, error)
	DayTypes(ctx context.Context) (DayTypes, error)
	ProductionDays(ctx context.Context, regionID RegionID, from, to Date) ([]ProductionDay, error)
}

// Backend is what a full storage implementation provides.
type Backend interface {
	TxStore
	Directory
}

// =============================================================================
// FILTER
// =============================================================================

// Filter selects WorkerDays. Zero-valued fields do not filter.
type Filter struct {
	IDs                    []WorkerDayID `json:"id__in,omitempty"`
	EmployeeIDs            []EmployeeID  `json:"employee_id__in,omitempty"`
	ShopIDs                []ShopID      `json:"shop_id__in,omitempty"`
	DtFrom                 Date          `json:"dt__gte"`
	DtTo                   Date          `json:"dt__lte"`
	IsFact                 *bool         `json:"is_fact,omitempty"`
	IsApproved             *bool         `json:"is_approved,omitempty"`
	Types                  []TypeCode    `json:"type__in,omitempty"`
	IsVacancy              *bool         `json:"is_vacancy,omitempty"`
	OnlyOpenVacancies      bool          `json:"employee_id__isnull,omitempty"`
	Codes                  []string      `json:"code__in,omitempty"`
	ClosestPlanApprovedIDs []WorkerDayID `json:"closest_plan_approved_id__in,omitempty"`
}

// ForKey narrows a filter to one (employee, dt, graph).
func ForKey(k Key) Filter {
	f := Filter{
		DtFrom:     k.Dt,
		DtTo:       k.Dt,
		IsFact:     Ptr(k.IsFact),
		IsApproved: Ptr(k.IsApproved),
	}
	if k.EmployeeID != 0 {
		f.EmployeeIDs = []EmployeeID{k.EmployeeID}
	} else {
		f.OnlyOpenVacancies = true
	}
	return f
}

// Match reports whether wd satisfies f.
func (f Filter) Match(wd WorkerDay) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, wd.ID) {
		return false
	}
	if len(f.EmployeeIDs) > 0 && (wd.EmployeeID == nil || !slices.Contains(f.EmployeeIDs, *wd.EmployeeID)) {
		return false
	}
	if len(f.ShopIDs) > 0 && (wd.ShopID == nil || !slices.Contains(f.ShopIDs, *wd.ShopID)) {
		return false
	}
	if !f.DtFrom.IsZero() && wd.Dt.Before(f.DtFrom) {
		return false
	}
	if !f.DtTo.IsZero() && wd.Dt.After(f.DtTo) {
		return false
	}
	if f.IsFact != nil && wd.IsFact != *f.IsFact {
		return false
	}
	if f.IsApproved != nil && wd.IsApproved != *f.IsApproved {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, wd.Type) {
		return false
	}
	if f.IsVacancy != nil && wd.IsVacancy != *f.IsVacancy {
		return false
	}
	if f.OnlyOpenVacancies && wd.EmployeeID != nil {
		return false
	}
	if len(f.Codes) > 0 && !slices.Contains(f.Codes, wd.Code) {
		return false
	}
	if len(f.ClosestPlanApprovedIDs) > 0 &&
		(wd.ClosestPlanApprovedID == nil || !slices.Contains(f.ClosestPlanApprovedIDs, *wd.ClosestPlanApprovedID)) {
		return false
	}
	return true
}

// Less is the canonical row order: employee, dt, graph, start, id.
func Less(a, b WorkerDay) bool {
	ae, be := a.Key().EmployeeID, b.Key().EmployeeID
	if ae != be {
		return ae < be
	}
	if c := a.Dt.Compare(b.Dt); c != 0 {
		return c < 0
	}
	if a.IsFact != b.IsFact {
		return !a.IsFact
	}
	if a.IsApproved != b.IsApproved {
		return a.IsApproved
	}
	as, bs := a.WorkStart, b.WorkStart
	switch {
	case as != nil && bs != nil && !as.Equal(*bs):
		return as.Before(*bs)
	case as == nil && bs != nil:
		return true
	case as != nil && bs == nil:
		return false
	}
	return a.ID < b.ID
}
