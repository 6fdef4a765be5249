/*
Package factory provides JSON to Go reference-data conversion.

PURPOSE:
  Converts a JSON seed document into workday.ReferenceData: day types,
  networks with their settings, shops with schedules and break tables,
  function groups with their permissions, users, employees and
  employments. Networks are configured as data, so a new toggle or break
  table needs no code change.

JSON SCHEMA (abridged):
  {
    "networks": [{
      "id": 1, "name": "Warp Retail",
      "settings": {
        "allow_multiple_wdays_per_date": false,
        "closest_plan_window_hours": 5,
        "night_start": "22:00", "night_end": "06:00",
        "round_work_hours_alg": "half_hour",
        "break_table": [[0, 360, [30]], [361, 1440, [30, 30]]]
      }
    }],
    "shops": [{
      "id": 1, "network_id": 1, "region_id": 1, "tz_offset_minutes": 180,
      "schedule": {"mon": {"open": "08:00", "close": "22:00"}},
      "special_schedule": {"2024-12-31": {"closed": true}}
    }],
    "groups": [{
      "id": 2, "name": "Manager", "subordinates": [3],
      "permissions": [{"action": "update", "graph": "plan", "wd_type": "W",
                       "limit_days_in_past": 7}]
    }],
    "employments": [{"id": 1, "employee_id": 1, "shop_id": 1,
                     "dt_hired": "2020-01-01", "norm_work_hours": 100}]
  }

DEFAULTS:
  Unset network knobs take the values of NetworkSettings.WithDefaults.
  Employments default to a full rate (100) and are visible. Omitting
  day_types keeps the built-in catalogue.

DT_FIRED TOGGLE:
  When the employee's network sets descrease_employment_dt_fired_in_api,
  dt_fired is read as the first day off payroll and stored one day
  earlier.

USAGE:
  f := factory.NewReferenceFactory()
  data, err := f.LoadFile("seed.json")
  if err != nil { ... }
  err = backend.Import(ctx, data)

SEE ALSO:
  - workday/reference.go: ReferenceData and Importer
  - store/sqldb/directory.go: SQL import
  - workday/store/memory.go: in-memory import
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ReferenceJSON is the JSON representation of a seed document.
type ReferenceJSON struct {
	DayTypes        []DayTypeJSON        `json:"day_types,omitempty" validate:"dive"`
	Networks        []NetworkJSON        `json:"networks,omitempty" validate:"dive"`
	NetworkConnects []NetworkConnectJSON `json:"network_connects,omitempty" validate:"dive"`
	Shops           []ShopJSON           `json:"shops,omitempty" validate:"dive"`
	Positions       []PositionJSON       `json:"positions,omitempty" validate:"dive"`
	WorkTypes       []WorkTypeJSON       `json:"work_types,omitempty" validate:"dive"`
	Groups          []GroupJSON          `json:"groups,omitempty" validate:"dive"`
	Users           []UserJSON           `json:"users,omitempty" validate:"dive"`
	Employees       []EmployeeJSON       `json:"employees,omitempty" validate:"dive"`
	Employments     []EmploymentJSON     `json:"employments,omitempty" validate:"dive"`
	ProductionDays  []ProductionDayJSON  `json:"production_days,omitempty" validate:"dive"`
}

type DayTypeJSON struct {
	Code              string   `json:"code" validate:"required"`
	Name              string   `json:"name"`
	IsDayoff          bool     `json:"is_dayoff"`
	IsWorkHours       bool     `json:"is_work_hours"`
	IsReduceNorm      bool     `json:"is_reduce_norm"`
	WorkHoursMethod   string   `json:"get_work_hours_method" validate:"omitempty,oneof=range manual month_average_sawh norm_hours manual_or_sawh"`
	ExcelCode         string   `json:"excel_load_code"`
	AllowedAdditional []string `json:"allowed_additional_types,omitempty"`
	SubtractBreaks    bool     `json:"subtract_breaks"`
	HasDetails        bool     `json:"has_details"`
}

type NetworkJSON struct {
	ID       int64        `json:"id" validate:"required"`
	Name     string       `json:"name"`
	Settings SettingsJSON `json:"settings"`
}

// SettingsJSON mirrors workday.NetworkSettings with human units: hours and
// minutes as numbers, clock times as "HH:MM".
type SettingsJSON struct {
	AllowMultipleWorkerDaysPerDate           bool               `json:"allow_multiple_wdays_per_date"`
	CropWorkHoursByShopSchedule              bool               `json:"crop_work_hours_by_shop_schedule"`
	OnlyFactHoursInApprovedPlan              bool               `json:"only_fact_hours_in_approved_plan"`
	RunRecalcFactFromAttRecordsOnPlanApprove bool               `json:"run_recalc_fact_from_att_records_on_plan_approve"`
	EditManualFactOnRecalcFactFromAttRecords bool               `json:"edit_manual_fact_on_recalc_fact_from_att_records"`
	CheckMainWorkHoursNorm                   bool               `json:"check_main_work_hours_norm"`
	SkipLeavingTick                          bool               `json:"skip_leaving_tick"`
	RequirePlanForOutsourceFact              bool               `json:"require_plan_for_outsource_fact"`
	DecreaseEmploymentDtFiredInAPI           bool               `json:"descrease_employment_dt_fired_in_api"`
	AllowedIntervalForLateArrivalMinutes     float64            `json:"allowed_interval_for_late_arrival_minutes" validate:"gte=0"`
	AllowedIntervalForEarlyDepartureMinutes  float64            `json:"allowed_interval_for_early_departure_minutes" validate:"gte=0"`
	RoundWorkHoursAlg                        string             `json:"round_work_hours_alg" validate:"omitempty,oneof=none half_hour"`
	ClosestPlanWindowHours                   float64            `json:"closest_plan_window_hours" validate:"gte=0"`
	NightShiftTailHours                      float64            `json:"night_shift_tail_hours" validate:"gte=0"`
	MaxWorkShiftHours                        float64            `json:"max_work_shift_hours" validate:"gte=0"`
	NightStart                               string             `json:"night_start"`
	NightEnd                                 string             `json:"night_end"`
	NormHoursPerDay                          float64            `json:"norm_hours_per_day" validate:"gte=0"`
	BreakTable                               workday.BreakTable `json:"break_table,omitempty"`
}

type NetworkConnectJSON struct {
	ClientID      int64 `json:"client_id" validate:"required"`
	OutsourcingID int64 `json:"outsourcing_id" validate:"required"`
}

type OpenHoursJSON struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed,omitempty"`
}

type ShopJSON struct {
	ID              int64                    `json:"id" validate:"required"`
	NetworkID       int64                    `json:"network_id" validate:"required"`
	RegionID        int64                    `json:"region_id"`
	Name            string                   `json:"name"`
	TZOffsetMinutes int                      `json:"tz_offset_minutes" validate:"gte=-720,lte=840"`
	Schedule        map[string]OpenHoursJSON `json:"schedule,omitempty"`
	SpecialSchedule map[string]OpenHoursJSON `json:"special_schedule,omitempty"`
	BreakTable      workday.BreakTable       `json:"break_table,omitempty"`
}

type PositionJSON struct {
	ID         int64              `json:"id" validate:"required"`
	NetworkID  int64              `json:"network_id"`
	Name       string             `json:"name"`
	BreakTable workday.BreakTable `json:"break_table,omitempty"`
}

type WorkTypeJSON struct {
	ID     int64  `json:"id" validate:"required"`
	ShopID int64  `json:"shop_id" validate:"required"`
	Name   string `json:"name"`
}

type GroupJSON struct {
	ID                            int64                   `json:"id" validate:"required"`
	Name                          string                  `json:"name"`
	Subordinates                  []int64                 `json:"subordinates,omitempty"`
	HasPermToChangeProtectedWdays bool                    `json:"has_perm_to_change_protected_wdays"`
	Permissions                   []workday.DayPermission `json:"permissions,omitempty" validate:"dive"`
}

type UserJSON struct {
	ID              int64  `json:"id" validate:"required"`
	NetworkID       int64  `json:"network_id" validate:"required"`
	FunctionGroupID *int64 `json:"function_group_id,omitempty"`
	IsSuperuser     bool   `json:"is_superuser"`
	Name            string `json:"name"`
}

type EmployeeJSON struct {
	ID        int64  `json:"id" validate:"required"`
	UserID    int64  `json:"user_id" validate:"required"`
	TabelCode string `json:"tabel_code"`
	NetworkID int64  `json:"network_id" validate:"required"`
	Name      string `json:"name"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type EmploymentWorkTypeJSON struct {
	WorkTypeID int64 `json:"work_type_id" validate:"required"`
	Priority   int   `json:"priority"`
}

type EmploymentJSON struct {
	ID              int64                    `json:"id" validate:"required"`
	EmployeeID      int64                    `json:"employee_id" validate:"required"`
	ShopID          int64                    `json:"shop_id" validate:"required"`
	PositionID      *int64                   `json:"position_id,omitempty"`
	FunctionGroupID *int64                   `json:"function_group_id,omitempty"`
	DtHired         string                   `json:"dt_hired" validate:"required"`
	DtFired         string                   `json:"dt_fired,omitempty"`
	NormWorkHours   *float64                 `json:"norm_work_hours,omitempty" validate:"omitempty,gte=0,lte=100"`
	IsVisible       *bool                    `json:"is_visible,omitempty"`
	Code            string                   `json:"code,omitempty"`
	WorkTypes       []EmploymentWorkTypeJSON `json:"work_types,omitempty" validate:"dive"`
}

type ProductionDayJSON struct {
	Dt            string `json:"dt" validate:"required"`
	RegionID      int64  `json:"region_id" validate:"required"`
	Kind          string `json:"type" validate:"required,oneof=work holiday short"`
	IsCelebration bool   `json:"is_celebration"`
}

// =============================================================================
// REFERENCE FACTORY
// =============================================================================

// ReferenceFactory converts JSON seed documents to reference data.
type ReferenceFactory struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewReferenceFactory() *ReferenceFactory {
	return &ReferenceFactory{validate: validator.New(), now: time.Now}
}

// LoadFile reads and parses a seed file.
func (f *ReferenceFactory) LoadFile(path string) (*workday.ReferenceData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference data: %w", err)
	}
	return f.Parse(b)
}

// Parse parses a JSON document into reference data.
func (f *ReferenceFactory) Parse(b []byte) (*workday.ReferenceData, error) {
	var rj ReferenceJSON
	if err := json.Unmarshal(b, &rj); err != nil {
		return nil, fmt.Errorf("failed to parse reference JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates rj and converts it.
func (f *ReferenceFactory) FromJSON(rj ReferenceJSON) (*workday.ReferenceData, error) {
	if err := f.validate.Struct(rj); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_reference_data", Message: err.Error()}
	}
	out := &workday.ReferenceData{}

	if len(rj.DayTypes) > 0 {
		out.DayTypes = make(workday.DayTypes, len(rj.DayTypes))
		for _, dj := range rj.DayTypes {
			t := parseDayType(dj)
			out.DayTypes[t.Code] = t
		}
	}

	decrease := make(map[workday.NetworkID]bool)
	for _, nj := range rj.Networks {
		n, err := parseNetwork(nj)
		if err != nil {
			return nil, err
		}
		decrease[n.ID] = n.Settings.DecreaseEmploymentDtFiredInAPI
		out.Networks = append(out.Networks, n)
	}
	for _, cj := range rj.NetworkConnects {
		out.NetworkConnects = append(out.NetworkConnects, workday.NetworkConnect{
			ClientID:      workday.NetworkID(cj.ClientID),
			OutsourcingID: workday.NetworkID(cj.OutsourcingID),
		})
	}
	for _, sj := range rj.Shops {
		s, err := parseShop(sj)
		if err != nil {
			return nil, err
		}
		out.Shops = append(out.Shops, s)
	}
	for _, pj := range rj.Positions {
		out.Positions = append(out.Positions, workday.Position{
			ID:         workday.PositionID(pj.ID),
			NetworkID:  workday.NetworkID(pj.NetworkID),
			Name:       pj.Name,
			BreakTable: pj.BreakTable,
		})
	}
	for _, wj := range rj.WorkTypes {
		out.WorkTypes = append(out.WorkTypes, workday.WorkType{
			ID:     workday.WorkTypeID(wj.ID),
			ShopID: workday.ShopID(wj.ShopID),
			Name:   wj.Name,
		})
	}
	for _, gj := range rj.Groups {
		g := workday.Group{
			ID:                            workday.GroupID(gj.ID),
			Name:                          gj.Name,
			HasPermToChangeProtectedWdays: gj.HasPermToChangeProtectedWdays,
			Permissions:                   gj.Permissions,
		}
		for _, id := range gj.Subordinates {
			g.Subordinates = append(g.Subordinates, workday.GroupID(id))
		}
		out.Groups = append(out.Groups, g)
	}
	for _, uj := range rj.Users {
		out.Users = append(out.Users, workday.User{
			ID:              workday.UserID(uj.ID),
			NetworkID:       workday.NetworkID(uj.NetworkID),
			FunctionGroupID: convPtr[int64, workday.GroupID](uj.FunctionGroupID),
			IsSuperuser:     uj.IsSuperuser,
			Name:            uj.Name,
		})
	}

	employeeNet := make(map[workday.EmployeeID]workday.NetworkID)
	for _, ej := range rj.Employees {
		e := workday.Employee{
			ID:        workday.EmployeeID(ej.ID),
			UserID:    workday.UserID(ej.UserID),
			TabelCode: ej.TabelCode,
			NetworkID: workday.NetworkID(ej.NetworkID),
			Name:      ej.Name,
		}
		if ej.Deleted {
			deleted := f.now().UTC()
			e.DeletedAt = &deleted
		}
		employeeNet[e.ID] = e.NetworkID
		out.Employees = append(out.Employees, e)
	}
	for _, ej := range rj.Employments {
		e, err := parseEmployment(ej)
		if err != nil {
			return nil, err
		}
		if e.DtFired != nil && decrease[employeeNet[e.EmployeeID]] {
			fired := e.DtFired.AddDays(-1)
			e.DtFired = &fired
		}
		if e.DtFired != nil && e.DtFired.Before(e.DtHired) {
			return nil, &workday.ValidationError{Code: "invalid_reference_data",
				Message: fmt.Sprintf("employment %d: dt_fired before dt_hired", e.ID)}
		}
		out.Employments = append(out.Employments, e)
	}
	for _, pj := range rj.ProductionDays {
		dt, err := workday.ParseDate(pj.Dt)
		if err != nil {
			return nil, fmt.Errorf("production day: %w", err)
		}
		out.ProductionDays = append(out.ProductionDays, workday.ProductionDay{
			Dt:            dt,
			RegionID:      workday.RegionID(pj.RegionID),
			Kind:          workday.ProductionDayKind(pj.Kind),
			IsCelebration: pj.IsCelebration,
		})
	}
	return out, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDayType(dj DayTypeJSON) workday.DayType {
	t := workday.DayType{
		Code:            workday.TypeCode(dj.Code),
		Name:            dj.Name,
		IsDayoff:        dj.IsDayoff,
		IsWorkHours:     dj.IsWorkHours,
		IsReduceNorm:    dj.IsReduceNorm,
		WorkHoursMethod: workday.WorkHoursMethod(dj.WorkHoursMethod),
		ExcelCode:       dj.ExcelCode,
		SubtractBreaks:  dj.SubtractBreaks,
		HasDetails:      dj.HasDetails,
	}
	if t.WorkHoursMethod == "" {
		if t.IsDayoff {
			t.WorkHoursMethod = workday.MethodManual
		} else {
			t.WorkHoursMethod = workday.MethodRange
		}
	}
	for _, code := range dj.AllowedAdditional {
		t.AllowedAdditional = append(t.AllowedAdditional, workday.TypeCode(code))
	}
	return t
}

func parseNetwork(nj NetworkJSON) (workday.Network, error) {
	sj := nj.Settings
	s := workday.NetworkSettings{
		AllowMultipleWorkerDaysPerDate:           sj.AllowMultipleWorkerDaysPerDate,
		CropWorkHoursByShopSchedule:              sj.CropWorkHoursByShopSchedule,
		OnlyFactHoursInApprovedPlan:              sj.OnlyFactHoursInApprovedPlan,
		RunRecalcFactFromAttRecordsOnPlanApprove: sj.RunRecalcFactFromAttRecordsOnPlanApprove,
		EditManualFactOnRecalcFactFromAttRecords: sj.EditManualFactOnRecalcFactFromAttRecords,
		CheckMainWorkHoursNorm:                   sj.CheckMainWorkHoursNorm,
		SkipLeavingTick:                          sj.SkipLeavingTick,
		RequirePlanForOutsourceFact:              sj.RequirePlanForOutsourceFact,
		DecreaseEmploymentDtFiredInAPI:           sj.DecreaseEmploymentDtFiredInAPI,
		AllowedIntervalForLateArrival:            minutes(sj.AllowedIntervalForLateArrivalMinutes),
		AllowedIntervalForEarlyDeparture:         minutes(sj.AllowedIntervalForEarlyDepartureMinutes),
		RoundWorkHoursAlg:                        workday.RoundAlg(sj.RoundWorkHoursAlg),
		ClosestPlanWindow:                        hours(sj.ClosestPlanWindowHours),
		NightShiftTail:                           hours(sj.NightShiftTailHours),
		MaxWorkShift:                             hours(sj.MaxWorkShiftHours),
		NormHoursPerDay:                          hours(sj.NormHoursPerDay),
		BreakTable:                               sj.BreakTable,
	}
	if (sj.NightStart == "") != (sj.NightEnd == "") {
		return workday.Network{}, &workday.ValidationError{Code: "invalid_reference_data",
			Message: fmt.Sprintf("network %d: night_start and night_end go together", nj.ID)}
	}
	if sj.NightStart != "" {
		var err error
		if s.NightStart, err = workday.ParseTimeOfDay(sj.NightStart); err != nil {
			return workday.Network{}, fmt.Errorf("network %d night_start: %w", nj.ID, err)
		}
		if s.NightEnd, err = workday.ParseTimeOfDay(sj.NightEnd); err != nil {
			return workday.Network{}, fmt.Errorf("network %d night_end: %w", nj.ID, err)
		}
	}
	return workday.Network{ID: workday.NetworkID(nj.ID), Name: nj.Name, Settings: s.WithDefaults()}, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseShop(sj ShopJSON) (workday.Shop, error) {
	s := workday.Shop{
		ID:              workday.ShopID(sj.ID),
		NetworkID:       workday.NetworkID(sj.NetworkID),
		RegionID:        workday.RegionID(sj.RegionID),
		Name:            sj.Name,
		TZOffsetMinutes: sj.TZOffsetMinutes,
		BreakTable:      sj.BreakTable,
	}
	if len(sj.Schedule) > 0 {
		s.Schedule = make(map[time.Weekday]workday.OpenHours, len(sj.Schedule))
		for day, hj := range sj.Schedule {
			wd, ok := weekdays[strings.ToLower(day)]
			if !ok {
				return s, &workday.ValidationError{Code: "invalid_reference_data",
					Message: fmt.Sprintf("shop %d: unknown weekday %q", sj.ID, day)}
			}
			h, err := parseOpenHours(hj)
			if err != nil {
				return s, fmt.Errorf("shop %d schedule %s: %w", sj.ID, day, err)
			}
			s.Schedule[wd] = h
		}
	}
	if len(sj.SpecialSchedule) > 0 {
		s.SpecialSchedule = make(map[workday.Date]workday.OpenHours, len(sj.SpecialSchedule))
		for day, hj := range sj.SpecialSchedule {
			dt, err := workday.ParseDate(day)
			if err != nil {
				return s, fmt.Errorf("shop %d special schedule: %w", sj.ID, err)
			}
			h, err := parseOpenHours(hj)
			if err != nil {
				return s, fmt.Errorf("shop %d special schedule %s: %w", sj.ID, day, err)
			}
			s.SpecialSchedule[dt] = h
		}
	}
	return s, nil
}

func parseOpenHours(hj OpenHoursJSON) (workday.OpenHours, error) {
	if hj.Closed {
		return workday.OpenHours{Closed: true}, nil
	}
	open, err := workday.ParseTimeOfDay(hj.Open)
	if err != nil {
		return workday.OpenHours{}, err
	}
	closing, err := workday.ParseTimeOfDay(hj.Close)
	if err != nil {
		return workday.OpenHours{}, err
	}
	return workday.OpenHours{Open: open, Close: closing}, nil
}

func parseEmployment(ej EmploymentJSON) (workday.Employment, error) {
	hired, err := workday.ParseDate(ej.DtHired)
	if err != nil {
		return workday.Employment{}, fmt.Errorf("employment %d dt_hired: %w", ej.ID, err)
	}
	e := workday.Employment{
		ID:              workday.EmploymentID(ej.ID),
		EmployeeID:      workday.EmployeeID(ej.EmployeeID),
		ShopID:          workday.ShopID(ej.ShopID),
		PositionID:      convPtr[int64, workday.PositionID](ej.PositionID),
		FunctionGroupID: convPtr[int64, workday.GroupID](ej.FunctionGroupID),
		DtHired:         hired,
		NormWorkHours:   decimal.NewFromInt(100),
		IsVisible:       true,
		Code:            ej.Code,
	}
	if ej.DtFired != "" {
		fired, err := workday.ParseDate(ej.DtFired)
		if err != nil {
			return e, fmt.Errorf("employment %d dt_fired: %w", ej.ID, err)
		}
		e.DtFired = &fired
	}
	if ej.NormWorkHours != nil {
		e.NormWorkHours = decimal.NewFromFloat(*ej.NormWorkHours)
	}
	if ej.IsVisible != nil {
		e.IsVisible = *ej.IsVisible
	}
	for _, wj := range ej.WorkTypes {
		e.WorkTypes = append(e.WorkTypes, workday.EmploymentWorkType{
			WorkTypeID: workday.WorkTypeID(wj.WorkTypeID),
			Priority:   wj.Priority,
		})
	}
	return e, nil
}

func hours(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }

func minutes(m float64) time.Duration { return time.Duration(m * float64(time.Minute)) }

func convPtr[F ~int64, T ~int64](p *F) *T {
	if p == nil {
		return nil
	}
	v := T(*p)
	return &v
}
