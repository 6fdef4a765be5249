/*
dto.go - Data Transfer Objects for API requests/responses

PURPOSE:
  Defines the JSON shapes the API exchanges. Engine request types that
  already carry JSON tags (batch.Request, approve.Request,
  vacancy.MassCreateRequest, attendance.Event) are decoded directly; the
  types here cover responses and the requests no engine type models.

CONVENTIONS:
  - Dates are "YYYY-MM-DD", instants are RFC 3339
  - Work hours are decimal hours ("8.5")
  - Nullable references are JSON null

SEE ALSO:
  - handlers.go: Uses these DTOs
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/attendance"
	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// WORKER DAYS
// =============================================================================

type WorkerDayDTO struct {
	ID                    workday.WorkerDayID   `json:"id"`
	Dt                    workday.Date          `json:"dt"`
	EmployeeID            *workday.EmployeeID   `json:"employee_id"`
	EmploymentID          *workday.EmploymentID `json:"employment_id"`
	ShopID                *workday.ShopID       `json:"shop_id"`
	Type                  workday.TypeCode      `json:"type"`
	IsFact                bool                  `json:"is_fact"`
	IsApproved            bool                  `json:"is_approved"`
	WorkStart             *time.Time            `json:"dttm_work_start"`
	WorkEnd               *time.Time            `json:"dttm_work_end"`
	WorkHours             decimal.Decimal       `json:"work_hours"`
	IsVacancy             bool                  `json:"is_vacancy"`
	IsOutsource           bool                  `json:"is_outsource"`
	IsBlocked             bool                  `json:"is_blocked"`
	ParentID              *workday.WorkerDayID  `json:"parent_worker_day_id"`
	ClosestPlanApprovedID *workday.WorkerDayID  `json:"closest_plan_approved_id"`
	Source                workday.Source        `json:"source"`
	Code                  string                `json:"code,omitempty"`
	CostPerHour           *decimal.Decimal      `json:"cost_per_hour"`
	VacancyStatus         workday.VacancyStatus `json:"vacancy_status,omitempty"`
	Details               []workday.Detail      `json:"worker_day_details"`
	Outsources            []workday.NetworkID   `json:"outsources,omitempty"`
	CreatedBy             *workday.UserID       `json:"created_by"`
	LastEditedBy          *workday.UserID       `json:"last_edited_by"`
	Modified              time.Time             `json:"dttm_modified"`
}

func toWorkerDayDTO(wd workday.WorkerDay) WorkerDayDTO {
	details := wd.Details
	if details == nil {
		details = []workday.Detail{}
	}
	return WorkerDayDTO{
		ID:                    wd.ID,
		Dt:                    wd.Dt,
		EmployeeID:            wd.EmployeeID,
		EmploymentID:          wd.EmploymentID,
		ShopID:                wd.ShopID,
		Type:                  wd.Type,
		IsFact:                wd.IsFact,
		IsApproved:            wd.IsApproved,
		WorkStart:             wd.WorkStart,
		WorkEnd:               wd.WorkEnd,
		WorkHours:             hoursOf(wd.WorkHours),
		IsVacancy:             wd.IsVacancy,
		IsOutsource:           wd.IsOutsource,
		IsBlocked:             wd.IsBlocked,
		ParentID:              wd.ParentID,
		ClosestPlanApprovedID: wd.ClosestPlanApprovedID,
		Source:                wd.Source,
		Code:                  wd.Code,
		CostPerHour:           wd.CostPerHour,
		VacancyStatus:         wd.VacancyStatus,
		Details:               details,
		Outsources:            wd.Outsources,
		CreatedBy:             wd.CreatedBy,
		LastEditedBy:          wd.LastEditedBy,
		Modified:              wd.Modified,
	}
}

func toWorkerDayDTOs(rows []workday.WorkerDay) []WorkerDayDTO {
	out := make([]WorkerDayDTO, len(rows))
	for i, wd := range rows {
		out[i] = toWorkerDayDTO(wd)
	}
	return out
}

// hoursOf renders d as decimal hours rounded to the minute's precision.
func hoursOf(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Second)).Div(decimal.NewFromInt(3600)).Round(2)
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type AttendanceRecordDTO struct {
	ID         workday.AttendanceID   `json:"id"`
	Dt         workday.Date           `json:"dt"`
	Dttm       time.Time              `json:"dttm"`
	UserID     workday.UserID         `json:"user_id"`
	EmployeeID *workday.EmployeeID    `json:"employee_id"`
	ShopID     workday.ShopID         `json:"shop_id"`
	Type       workday.AttendanceType `json:"type"`
	Terminal   bool                   `json:"terminal"`
}

type AttendanceResponse struct {
	Record    AttendanceRecordDTO `json:"record"`
	Fact      *WorkerDayDTO       `json:"fact"`
	Duplicate bool                `json:"duplicate"`
}

func toAttendanceResponse(res *attendance.Result) AttendanceResponse {
	rec := res.Record
	out := AttendanceResponse{
		Record: AttendanceRecordDTO{
			ID:         rec.ID,
			Dt:         rec.Dt,
			Dttm:       rec.Dttm,
			UserID:     rec.UserID,
			EmployeeID: rec.EmployeeID,
			ShopID:     rec.ShopID,
			Type:       rec.Type,
			Terminal:   rec.Terminal,
		},
		Duplicate: res.Duplicate,
	}
	if res.Fact != nil {
		fact := toWorkerDayDTO(*res.Fact)
		out.Fact = &fact
	}
	return out
}

// RecalcRequest replays stored ticks into facts.
type RecalcRequest struct {
	EmployeeIDs []workday.EmployeeID `json:"employee_id__in" validate:"required,min=1"`
	DtFrom      workday.Date         `json:"dt_from"`
	DtTo        workday.Date         `json:"dt_to"`
}

type RecalcResponse struct {
	Replayed int `json:"replayed"`
}

// =============================================================================
// BATCH & VACANCIES
// =============================================================================

type BatchResponse struct {
	Stats any            `json:"stats"`
	Data  []WorkerDayDTO `json:"data,omitempty"`
}

// ConfirmVacancyRequest is the body of POST /vacancies/{id}/confirm.
type ConfirmVacancyRequest struct {
	EmployeeID *workday.EmployeeID `json:"employee_id,omitempty"`
}

// CreateVacancyRequest is one open shift.
type CreateVacancyRequest struct {
	ShopID      workday.ShopID      `json:"shop_id" validate:"required"`
	Dt          workday.Date        `json:"dt"`
	Type        workday.TypeCode    `json:"type"`
	WorkStart   time.Time           `json:"dttm_work_start" validate:"required"`
	WorkEnd     time.Time           `json:"dttm_work_end" validate:"required,gtfield=WorkStart"`
	IsApproved  bool                `json:"is_approved"`
	Details     []workday.Detail    `json:"worker_day_details" validate:"required,min=1,dive"`
	Outsources  []workday.NetworkID `json:"outsources,omitempty"`
	CostPerHour *decimal.Decimal    `json:"cost_per_hour,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ImportResponse counts imported reference entities.
type ImportResponse struct {
	Networks    int `json:"networks"`
	Shops       int `json:"shops"`
	Employees   int `json:"employees"`
	Employments int `json:"employments"`
}
