/*
types.go - Core domain types for the worker-day engine

PURPOSE:
  Everything the engines share: identifiers, reference data (employees,
  employments, shops, day types, permission groups, network settings) and
  the central WorkerDay entity with its attendance records.

KEY CONCEPTS:
  Graph:   a WorkerDay lives in one of four graphs, the product of
           plan/fact and draft/approved.
  Key:     (employee, dt, graph). Usually unique; see the multiple-per-date
           rules in invariants.go.
  DayType: a tagged variant. WorkHoursMethod selects how hours are derived.

SEE ALSO:
  - date.go: Date and TimeOfDay
  - invariants.go: Shape, per-date and overlap checks
  - errors.go: Structured errors naming offending rows
*/
package workday

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	EmployeeID   int64
	EmploymentID int64
	UserID       int64
	ShopID       int64
	NetworkID    int64
	RegionID     int64
	PositionID   int64
	GroupID      int64
	WorkTypeID   int64
	WorkerDayID  int64
	AttendanceID int64
)

// =============================================================================
// PEOPLE & ORGANISATION
// =============================================================================

// User is an authenticated actor. It may own several employees, one per
// network or tabel code.
type User struct {
	ID              UserID
	NetworkID       NetworkID
	FunctionGroupID *GroupID
	IsSuperuser     bool
	Name            string
}

type Employee struct {
	ID        EmployeeID
	UserID    UserID
	TabelCode string
	NetworkID NetworkID
	Name      string
	DeletedAt *time.Time
}

type EmploymentWorkType struct {
	WorkTypeID WorkTypeID
	Priority   int
}

// Employment links an employee to a shop for a date range. An employee may
// hold several overlapping employments.
type Employment struct {
	ID              EmploymentID
	EmployeeID      EmployeeID
	ShopID          ShopID
	PositionID      *PositionID
	FunctionGroupID *GroupID
	DtHired         Date
	DtFired         *Date
	NormWorkHours   decimal.Decimal // percent of a full rate, 100 = full time
	IsVisible       bool
	Code            string
	WorkTypes       []EmploymentWorkType
}

// ActiveOn reports dt_hired <= d <= dt_fired.
func (e Employment) ActiveOn(d Date) bool {
	if d.Before(e.DtHired) {
		return false
	}
	return e.DtFired == nil || !e.DtFired.Before(d)
}

func (e Employment) HasWorkType(id WorkTypeID) bool {
	return slices.ContainsFunc(e.WorkTypes, func(w EmploymentWorkType) bool { return w.WorkTypeID == id })
}

// PrimaryWorkType returns the work type with the highest priority value.
func (e Employment) PrimaryWorkType() (WorkTypeID, bool) {
	if len(e.WorkTypes) == 0 {
		return 0, false
	}
	best := e.WorkTypes[0]
	for _, w := range e.WorkTypes[1:] {
		if w.Priority > best.Priority {
			best = w
		}
	}
	return best.WorkTypeID, true
}

type Position struct {
	ID         PositionID
	NetworkID  NetworkID
	Name       string
	BreakTable BreakTable
}

type WorkType struct {
	ID        WorkTypeID
	ShopID    ShopID
	Name      string
	DeletedAt *time.Time
}

// =============================================================================
// SHOPS
// =============================================================================

// OpenHours is a shop's working window for one day. Close <= Open means the
// shop closes after midnight; Open == Close is round the clock. Closed in a
// special schedule removes the weekday schedule for that date.
type OpenHours struct {
	Open   TimeOfDay `json:"open"`
	Close  TimeOfDay `json:"close"`
	Closed bool      `json:"closed,omitempty"`
}

type Shop struct {
	ID              ShopID
	NetworkID       NetworkID
	RegionID        RegionID
	Name            string
	TZOffsetMinutes int
	Schedule        map[time.Weekday]OpenHours
	SpecialSchedule map[Date]OpenHours
	BreakTable      BreakTable
}

// Location returns the shop's fixed-offset zone.
func (s Shop) Location() *time.Location {
	sign := "+"
	off := s.TZOffsetMinutes
	if off < 0 {
		sign = "-"
		off = -off
	}
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", sign, off/60, off%60), s.TZOffsetMinutes*60)
}

// LocalDate returns the shop-local calendar day of t.
func (s Shop) LocalDate(t time.Time) Date {
	return DateOf(t.In(s.Location()))
}

// =============================================================================
// BREAK TABLES
// =============================================================================

// BreakRule subtracts Breaks (minutes) from shifts whose length in minutes
// falls in [FromMinutes, ToMinutes]. Encoded in JSON as [lo, hi, [b...]].
type BreakRule struct {
	FromMinutes int
	ToMinutes   int
	Breaks      []int
}

type BreakTable []BreakRule

func (r BreakRule) MarshalJSON() ([]byte, error) {
	breaks := r.Breaks
	if breaks == nil {
		breaks = []int{}
	}
	return json.Marshal([]any{r.FromMinutes, r.ToMinutes, breaks})
}

func (r *BreakRule) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("break rule must be [lo, hi, [breaks]]: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("break rule must have 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.FromMinutes); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &r.ToMinutes); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &r.Breaks)
}

// =============================================================================
// DAY TYPES
// =============================================================================

type TypeCode string

const (
	TypeWorkday       TypeCode = "W"
	TypeHoliday       TypeCode = "H"
	TypeVacation      TypeCode = "V"
	TypeSick          TypeCode = "S"
	TypeQualification TypeCode = "Q"
	TypeBusinessTrip  TypeCode = "B"
	TypeAbsence       TypeCode = "A"
)

// WorkHoursMethod selects how WorkerDay.WorkHours is derived.
type WorkHoursMethod string

const (
	MethodRange        WorkHoursMethod = "range"
	MethodManual       WorkHoursMethod = "manual"
	MethodSAWHAverage  WorkHoursMethod = "month_average_sawh"
	MethodNormHours    WorkHoursMethod = "norm_hours"
	MethodManualOrSAWH WorkHoursMethod = "manual_or_sawh"
)

type DayType struct {
	Code              TypeCode
	Name              string
	IsDayoff          bool
	IsWorkHours       bool
	IsReduceNorm      bool
	WorkHoursMethod   WorkHoursMethod
	ExcelCode         string
	AllowedAdditional []TypeCode
	SubtractBreaks    bool
	HasDetails        bool
}

// AllowsAdditional reports whether a row of type other may share a date
// with a row of this type.
func (t DayType) AllowsAdditional(other TypeCode) bool {
	return slices.Contains(t.AllowedAdditional, other)
}

// DayTypes is the per-request lookup table of day types.
type DayTypes map[TypeCode]DayType

func (ts DayTypes) Get(code TypeCode) (DayType, error) {
	t, ok := ts[code]
	if !ok {
		return DayType{}, &NotFoundError{Entity: "worker day type", ID: string(code)}
	}
	return t, nil
}

// DefaultDayTypes returns the built-in catalogue. Networks may override it
// with their own data.
func DefaultDayTypes() DayTypes {
	return DayTypes{
		TypeWorkday: {Code: TypeWorkday, Name: "Workday", IsWorkHours: true,
			WorkHoursMethod: MethodRange, ExcelCode: "Я", SubtractBreaks: true, HasDetails: true},
		TypeQualification: {Code: TypeQualification, Name: "Qualification", IsWorkHours: true,
			WorkHoursMethod: MethodRange, ExcelCode: "ПК"},
		TypeHoliday: {Code: TypeHoliday, Name: "Holiday", IsDayoff: true,
			WorkHoursMethod: MethodManual, ExcelCode: "В"},
		TypeVacation: {Code: TypeVacation, Name: "Vacation", IsDayoff: true, IsReduceNorm: true,
			WorkHoursMethod: MethodNormHours, ExcelCode: "ОТ", AllowedAdditional: []TypeCode{TypeWorkday}},
		TypeSick: {Code: TypeSick, Name: "Sick leave", IsDayoff: true, IsReduceNorm: true,
			WorkHoursMethod: MethodSAWHAverage, ExcelCode: "Б"},
		TypeBusinessTrip: {Code: TypeBusinessTrip, Name: "Business trip", IsDayoff: true, IsWorkHours: true,
			WorkHoursMethod: MethodManualOrSAWH, ExcelCode: "К"},
		TypeAbsence: {Code: TypeAbsence, Name: "Absence", IsDayoff: true,
			WorkHoursMethod: MethodManual, ExcelCode: "НН"},
	}
}

// =============================================================================
// PERMISSIONS
// =============================================================================

type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

type GraphKind string

const (
	GraphPlan GraphKind = "plan"
	GraphFact GraphKind = "fact"
)

// EmployeeScope restricts whose rows a permission covers.
type EmployeeScope string

const (
	EmployeeMyNetwork        EmployeeScope = "my_network"
	EmployeeOutsourceNetwork EmployeeScope = "outsource_network"
	EmployeeMyShops          EmployeeScope = "my_shops"
)

// ShopScope restricts in which shops a permission applies.
type ShopScope string

const (
	ShopMyShops               ShopScope = "my_shops"
	ShopMyNetworkShops        ShopScope = "my_network_shops"
	ShopOutsourceNetworkShops ShopScope = "outsource_network_shops"
)

// DayPermission grants one (action, graph, type) within an optional day
// window relative to today. Nil limits are unbounded.
type DayPermission struct {
	Action            Action        `json:"action"`
	Graph             GraphKind     `json:"graph"`
	Type              TypeCode      `json:"wd_type"`
	LimitDaysInPast   *int          `json:"limit_days_in_past,omitempty"`
	LimitDaysInFuture *int          `json:"limit_days_in_future,omitempty"`
	EmployeeType      EmployeeScope `json:"employee_type,omitempty"`
	ShopType          ShopScope     `json:"shop_type,omitempty"`
}

type Group struct {
	ID                            GroupID
	Name                          string
	Subordinates                  []GroupID
	HasPermToChangeProtectedWdays bool
	Permissions                   []DayPermission
}

// NetworkConnect lets the client network manage employees of the
// outsourcing network.
type NetworkConnect struct {
	ClientID      NetworkID
	OutsourcingID NetworkID
}

// =============================================================================
// NETWORK SETTINGS
// =============================================================================

type RoundAlg string

const (
	RoundNone     RoundAlg = "none"
	RoundHalfHour RoundAlg = "half_hour"
)

// NetworkSettings carries every per-network toggle the engines consult.
type NetworkSettings struct {
	AllowMultipleWorkerDaysPerDate           bool          `json:"allow_multiple_wdays_per_date"`
	CropWorkHoursByShopSchedule              bool          `json:"crop_work_hours_by_shop_schedule"`
	OnlyFactHoursInApprovedPlan              bool          `json:"only_fact_hours_in_approved_plan"`
	RunRecalcFactFromAttRecordsOnPlanApprove bool          `json:"run_recalc_fact_from_att_records_on_plan_approve"`
	EditManualFactOnRecalcFactFromAttRecords bool          `json:"edit_manual_fact_on_recalc_fact_from_att_records"`
	CheckMainWorkHoursNorm                   bool          `json:"check_main_work_hours_norm"`
	SkipLeavingTick                          bool          `json:"skip_leaving_tick"`
	RequirePlanForOutsourceFact              bool          `json:"require_plan_for_outsource_fact"`
	DecreaseEmploymentDtFiredInAPI           bool          `json:"descrease_employment_dt_fired_in_api"`
	AllowedIntervalForLateArrival            time.Duration `json:"allowed_interval_for_late_arrival"`
	AllowedIntervalForEarlyDeparture         time.Duration `json:"allowed_interval_for_early_departure"`
	RoundWorkHoursAlg                        RoundAlg      `json:"round_work_hours_alg"`
	ClosestPlanWindow                        time.Duration `json:"closest_plan_window"`
	NightShiftTail                           time.Duration `json:"night_shift_tail"`
	MaxWorkShift                             time.Duration `json:"max_work_shift"`
	NightStart                               TimeOfDay     `json:"night_start"`
	NightEnd                                 TimeOfDay     `json:"night_end"`
	NormHoursPerDay                          time.Duration `json:"norm_hours_per_day"`
	BreakTable                               BreakTable    `json:"break_table,omitempty"`
}

const (
	DefaultClosestPlanWindow = 5 * time.Hour
	DefaultNightShiftTail    = 10 * time.Hour
	DefaultMaxWorkShift      = 16 * time.Hour
	DefaultNormHoursPerDay   = 8 * time.Hour
	DefaultNightStart        = TimeOfDay(22 * time.Hour)
	DefaultNightEnd          = TimeOfDay(6 * time.Hour)
)

// WithDefaults fills unset numeric knobs.
func (s NetworkSettings) WithDefaults() NetworkSettings {
	if s.ClosestPlanWindow <= 0 {
		s.ClosestPlanWindow = DefaultClosestPlanWindow
	}
	if s.NightShiftTail <= 0 {
		s.NightShiftTail = DefaultNightShiftTail
	}
	if s.MaxWorkShift <= 0 {
		s.MaxWorkShift = DefaultMaxWorkShift
	}
	if s.NormHoursPerDay <= 0 {
		s.NormHoursPerDay = DefaultNormHoursPerDay
	}
	if s.NightStart == 0 && s.NightEnd == 0 {
		s.NightStart, s.NightEnd = DefaultNightStart, DefaultNightEnd
	}
	if s.RoundWorkHoursAlg == "" {
		s.RoundWorkHoursAlg = RoundNone
	}
	return s
}

type Network struct {
	ID       NetworkID
	Name     string
	Settings NetworkSettings
}

// =============================================================================
// PRODUCTION CALENDAR
// =============================================================================

type ProductionDayKind string

const (
	ProductionWork    ProductionDayKind = "work"
	ProductionHoliday ProductionDayKind = "holiday"
	ProductionShort   ProductionDayKind = "short"
)

type ProductionDay struct {
	Dt            Date              `json:"dt"`
	RegionID      RegionID          `json:"region_id"`
	Kind          ProductionDayKind `json:"kind"`
	IsCelebration bool              `json:"is_celebration"`
}

// =============================================================================
// WORKER DAY
// =============================================================================

// Source tags every mutation for audit.
type Source string

const (
	SourceFullEditor     Source = "full_editor"
	SourceFastEditor     Source = "fast_editor"
	SourceIntegration    Source = "integration"
	SourceBatch          Source = "batch"
	SourceAttendanceAuto Source = "attendance_auto"
	SourceApprove        Source = "approve"
	SourceExchange       Source = "exchange"
	SourceDuplicate      Source = "duplicate"
	SourceCopyRange      Source = "copy_range"
	SourceChangeRange    Source = "change_range"
	SourceVacancy        Source = "vacancy"
)

type VacancyStatus string

const (
	VacancyOpen      VacancyStatus = "open"
	VacancyOffered   VacancyStatus = "offered"
	VacancyConfirmed VacancyStatus = "confirmed"
	VacancyApproved  VacancyStatus = "approved"
	VacancyCancelled VacancyStatus = "cancelled"
)

type Detail struct {
	WorkTypeID WorkTypeID `json:"work_type_id" validate:"required"`
	WorkPart   float64    `json:"work_part" validate:"gt=0,lte=1"`
}

// Graph identifies one of the four parallel versions of a day.
type Graph struct {
	IsFact     bool `json:"is_fact"`
	IsApproved bool `json:"is_approved"`
}

var (
	PlanDraft    = Graph{IsFact: false, IsApproved: false}
	PlanApproved = Graph{IsFact: false, IsApproved: true}
	FactDraft    = Graph{IsFact: true, IsApproved: false}
	FactApproved = Graph{IsFact: true, IsApproved: true}
)

func (g Graph) Kind() GraphKind {
	if g.IsFact {
		return GraphFact
	}
	return GraphPlan
}

func (g Graph) String() string {
	state := "draft"
	if g.IsApproved {
		state = "approved"
	}
	return string(g.Kind()) + "/" + state
}

// Key is the (employee, dt, graph) quadruple. Open vacancies have a zero
// EmployeeID.
type Key struct {
	EmployeeID EmployeeID `json:"employee_id"`
	Dt         Date       `json:"dt"`
	Graph
}

// LockName is the stable string used for advisory locks.
func (k Key) LockName() string {
	return fmt.Sprintf("wd:%d:%s:%t:%t", k.EmployeeID, k.Dt, k.IsFact, k.IsApproved)
}

// SortKeys orders keys so locks are always taken in the same order.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].LockName() < keys[j].LockName() })
}

// WorkerDay is one plan or fact entry for an employee on a date.
type WorkerDay struct {
	ID                    WorkerDayID
	Dt                    Date
	EmployeeID            *EmployeeID
	EmploymentID          *EmploymentID
	ShopID                *ShopID
	Type                  TypeCode
	IsFact                bool
	IsApproved            bool
	WorkStart             *time.Time
	WorkEnd               *time.Time
	WorkHours             time.Duration
	IsVacancy             bool
	IsOutsource           bool
	IsBlocked             bool
	ParentID              *WorkerDayID
	ClosestPlanApprovedID *WorkerDayID
	Source                Source
	Code                  string
	CostPerHour           *decimal.Decimal
	CreatedBy             *UserID
	LastEditedBy          *UserID
	Modified              time.Time
	Details               []Detail
	Outsources            []NetworkID
	VacancyStatus         VacancyStatus
}

func (wd WorkerDay) Graph() Graph { return Graph{IsFact: wd.IsFact, IsApproved: wd.IsApproved} }

func (wd WorkerDay) Key() Key {
	var emp EmployeeID
	if wd.EmployeeID != nil {
		emp = *wd.EmployeeID
	}
	return Key{EmployeeID: emp, Dt: wd.Dt, Graph: wd.Graph()}
}

func (wd WorkerDay) HasRange() bool { return wd.WorkStart != nil && wd.WorkEnd != nil }

// IsOpen reports a fact with a start but no end yet.
func (wd WorkerDay) IsOpen() bool { return wd.WorkStart != nil && wd.WorkEnd == nil }

// Midpoint is the centre of [start, end), or the single known endpoint.
func (wd WorkerDay) Midpoint() (time.Time, bool) {
	switch {
	case wd.HasRange():
		return wd.WorkStart.Add(wd.WorkEnd.Sub(*wd.WorkStart) / 2), true
	case wd.WorkStart != nil:
		return *wd.WorkStart, true
	case wd.WorkEnd != nil:
		return *wd.WorkEnd, true
	}
	return time.Time{}, false
}

func (wd WorkerDay) EmployeeIs(id EmployeeID) bool {
	return wd.EmployeeID != nil && *wd.EmployeeID == id
}

// Clone deep-copies pointers and slices.
func (wd WorkerDay) Clone() WorkerDay {
	out := wd
	out.EmployeeID = clonePtr(wd.EmployeeID)
	out.EmploymentID = clonePtr(wd.EmploymentID)
	out.ShopID = clonePtr(wd.ShopID)
	out.WorkStart = clonePtr(wd.WorkStart)
	out.WorkEnd = clonePtr(wd.WorkEnd)
	out.ParentID = clonePtr(wd.ParentID)
	out.ClosestPlanApprovedID = clonePtr(wd.ClosestPlanApprovedID)
	out.CostPerHour = clonePtr(wd.CostPerHour)
	out.CreatedBy = clonePtr(wd.CreatedBy)
	out.LastEditedBy = clonePtr(wd.LastEditedBy)
	out.Details = slices.Clone(wd.Details)
	out.Outsources = slices.Clone(wd.Outsources)
	return out
}

func (wd WorkerDay) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", wd.Dt, wd.Type, wd.Graph())
	if wd.WorkStart != nil || wd.WorkEnd != nil {
		fmt.Fprintf(&b, " %s-%s", fmtClock(wd.WorkStart), fmtClock(wd.WorkEnd))
	}
	return b.String()
}

func fmtClock(t *time.Time) string {
	if t == nil {
		return "?"
	}
	return t.Format("15:04")
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type AttendanceType string

const (
	AttendanceComing  AttendanceType = "coming"
	AttendanceLeaving AttendanceType = "leaving"
)

// AttendanceRecord is one terminal tick.
type AttendanceRecord struct {
	ID         AttendanceID
	Dt         Date
	Dttm       time.Time
	UserID     UserID
	EmployeeID *EmployeeID
	ShopID     ShopID
	Type       AttendanceType
	Terminal   bool
}

type AttendanceFilter struct {
	UserIDs  []UserID
	ShopID   *ShopID
	DttmFrom time.Time
	DttmTo   time.Time
}
