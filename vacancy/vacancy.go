/*
vacancy.go - Open shifts and their lifecycle

PURPOSE:
  A vacancy is a plan workday nobody holds yet. Employees (or managers on
  their behalf) confirm it, a manager approves it, and it then behaves like
  any other approved plan.

LIFECYCLE:
  open -> offered -> confirmed -> approved
  open/offered/confirmed -> cancelled (the row is deleted)

CONFIRM:
  The employee's employment active on the date is chosen by the vacancy's
  work type, then its shop, then the usual rate and id order. Days off the
  vacancy's type cannot sit beside are removed from the same graph, and a
  draft vacancy remembers the approved day off it replaces so approving it
  removes that row too. Overlap and per-date rules run as for any write.

OUTSOURCE:
  Only employees of the shop's network may take a vacancy, plus those of
  the networks listed on an outsource vacancy.

SEE ALSO:
  - approve/vacancy.go: Promotion of a confirmed vacancy
*/
package vacancy

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/approve"
	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

type Engine struct {
	ts       *timesheet.Timesheet
	gate     *permission.Gate
	approver *approve.Engine
	validate *validator.Validate
	logger   *zap.Logger
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func New(ts *timesheet.Timesheet, gate *permission.Gate, approver *approve.Engine, opts ...Option) *Engine {
	e := &Engine{
		ts:       ts,
		gate:     gate,
		approver: approver,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("vacancy")
	return e
}

// =============================================================================
// CREATE
// =============================================================================

// Create stores wd as an open vacancy.
func (e *Engine) Create(ctx context.Context, actor workday.UserID, wd workday.WorkerDay) (*workday.WorkerDay, error) {
	rows, err := e.create(ctx, actor, []workday.WorkerDay{wd})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// MassCreateRequest spreads one vacancy shape over a date range.
type MassCreateRequest struct {
	ShopID      workday.ShopID      `json:"shop_id" validate:"required"`
	Type        workday.TypeCode    `json:"type"`
	TmWorkStart workday.TimeOfDay   `json:"tm_work_start"`
	TmWorkEnd   workday.TimeOfDay   `json:"tm_work_end"`
	DtFrom      workday.Date        `json:"dt_from"`
	DtTo        workday.Date        `json:"dt_to"`
	DaysOfWeek  []time.Weekday      `json:"days_of_week,omitempty" validate:"dive,min=0,max=6"`
	Details     []workday.Detail    `json:"cashbox_details" validate:"required,min=1,dive"`
	Outsources  []workday.NetworkID `json:"outsources,omitempty"`
	IsApproved  bool                `json:"is_approved"`
}

// MassCreate creates one open vacancy per matching date.
func (e *Engine) MassCreate(ctx context.Context, actor workday.UserID, req MassCreateRequest) ([]workday.WorkerDay, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_request", Message: err.Error()}
	}
	if req.DtFrom.IsZero() || req.DtTo.IsZero() || req.DtTo.Before(req.DtFrom) {
		return nil, &workday.ValidationError{Code: "invalid_range", Message: "dt_from and dt_to must form a range"}
	}
	if req.Type == "" {
		req.Type = workday.TypeWorkday
	}
	shop, err := e.ts.Directory().Shop(ctx, req.ShopID)
	if err != nil {
		return nil, err
	}
	loc := shop.Location()

	var rows []workday.WorkerDay
	for _, dt := range workday.DatesBetween(req.DtFrom, req.DtTo) {
		if len(req.DaysOfWeek) > 0 && !slices.Contains(req.DaysOfWeek, dt.Weekday()) {
			continue
		}
		start, end := dt.At(req.TmWorkStart, loc), dt.At(req.TmWorkEnd, loc)
		if !end.After(start) {
			end = end.Add(24 * time.Hour)
		}
		rows = append(rows, workday.WorkerDay{
			Dt:         dt,
			ShopID:     workday.Ptr(req.ShopID),
			Type:       req.Type,
			IsApproved: req.IsApproved,
			WorkStart:  &start,
			WorkEnd:    &end,
			Details:    slices.Clone(req.Details),
			Outsources: slices.Clone(req.Outsources),
		})
	}
	return e.create(ctx, actor, rows)
}

func (e *Engine) create(ctx context.Context, actor workday.UserID, rows []workday.WorkerDay) ([]workday.WorkerDay, error) {
	var out []workday.WorkerDay
	err := e.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceVacancy)
		checks := make([]permission.Check, 0, len(rows))
		for i := range rows {
			wd := &rows[i]
			wd.EmployeeID, wd.EmploymentID = nil, nil
			wd.IsFact = false
			wd.IsVacancy = true
			wd.IsOutsource = len(wd.Outsources) > 0
			wd.VacancyStatus = workday.VacancyOpen
			wd.CreatedBy = workday.Ptr(actor)
			checks = append(checks, permission.CheckFor(workday.ActionCreate, *wd))
		}
		if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, actor, checks...); err != nil {
			return err
		}
		created, err := tx.BulkCreate(ctx, rows)
		out = created
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("vacancies created", zap.Int64("actor", int64(actor)), zap.Int("count", len(out)))

	ids := make([]workday.WorkerDayID, len(out))
	for i, wd := range out {
		ids[i] = wd.ID
	}
	committed, err := e.ts.List(ctx, workday.Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(committed, func(a, b workday.WorkerDay) int { return a.Dt.Compare(b.Dt) })
	return committed, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Offer marks an open vacancy as offered to staff.
func (e *Engine) Offer(ctx context.Context, actor workday.UserID, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return e.transition(ctx, actor, id, func(tx *timesheet.Tx, v *workday.WorkerDay) error {
		if v.VacancyStatus != workday.VacancyOpen {
			return statusError(*v, "only open vacancies can be offered")
		}
		if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, actor, permission.CheckFor(workday.ActionUpdate, *v)); err != nil {
			return err
		}
		v.VacancyStatus = workday.VacancyOffered
		v.LastEditedBy = workday.Ptr(actor)
		return tx.Put(ctx, v)
	})
}

// ConfirmRequest assigns a vacancy. A nil EmployeeID means the actor takes
// it for themselves.
type ConfirmRequest struct {
	Actor      workday.UserID      `json:"-"`
	VacancyID  workday.WorkerDayID `json:"vacancy_id" validate:"required"`
	EmployeeID *workday.EmployeeID `json:"employee_id,omitempty"`
}

// Confirm assigns the vacancy to an employee.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (*workday.WorkerDay, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_request", Message: err.Error()}
	}
	return e.transition(ctx, req.Actor, req.VacancyID, func(tx *timesheet.Tx, v *workday.WorkerDay) error {
		if v.EmployeeID != nil || (v.VacancyStatus != workday.VacancyOpen && v.VacancyStatus != workday.VacancyOffered) {
			return statusError(*v, "vacancy is already taken")
		}
		shop, err := tx.Refs().Shop(ctx, *v.ShopID)
		if err != nil {
			return err
		}

		candidates, err := e.candidates(ctx, tx, req)
		if err != nil {
			return err
		}
		var emp *workday.Employee
		var employment *workday.Employment
		for i := range candidates {
			c := &candidates[i]
			if !mayTake(*v, shop, c) {
				continue
			}
			emps, err := tx.Refs().Employments(ctx, c.ID)
			if err != nil {
				return err
			}
			if got := timesheet.ResolveEmployment(emps, v.Dt, hintFor(*v)); got != nil {
				emp, employment = c, got
				break
			}
		}
		if emp == nil {
			if len(candidates) > 0 && !slices.ContainsFunc(candidates, func(c workday.Employee) bool { return mayTake(*v, shop, &c) }) {
				return &workday.PermissionDeniedError{
					Action: workday.ActionUpdate, Graph: workday.GraphPlan, Type: v.Type,
					EmployeeID: workday.Ptr(candidates[0].ID), ShopID: v.ShopID,
					DtFrom: v.Dt, DtTo: v.Dt, Reason: "employee network may not take this vacancy",
				}
			}
			return &workday.ValidationError{Code: "no_active_employment",
				Message: "no active employment on " + v.Dt.String(), Rows: []workday.RowRef{workday.RefOf(*v)}}
		}

		next := v.Clone()
		next.EmployeeID = workday.Ptr(emp.ID)
		next.EmploymentID = workday.Ptr(employment.ID)
		next.VacancyStatus = workday.VacancyConfirmed
		next.LastEditedBy = workday.Ptr(req.Actor)
		if req.EmployeeID != nil {
			if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, req.Actor, permission.CheckFor(workday.ActionUpdate, next)); err != nil {
				return err
			}
		}

		if err := e.replaceDayoffs(ctx, tx, &next); err != nil {
			return err
		}
		*v = next
		return tx.Put(ctx, v)
	})
}

// Approve promotes a confirmed vacancy draft.
func (e *Engine) Approve(ctx context.Context, actor workday.UserID, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return e.approver.ApproveVacancy(ctx, actor, id)
}

// Cancel deletes a vacancy that is not approved yet.
func (e *Engine) Cancel(ctx context.Context, actor workday.UserID, id workday.WorkerDayID) error {
	_, err := e.transition(ctx, actor, id, func(tx *timesheet.Tx, v *workday.WorkerDay) error {
		if v.VacancyStatus == workday.VacancyApproved {
			return statusError(*v, "approved vacancies cannot be cancelled")
		}
		if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, actor, permission.CheckFor(workday.ActionDelete, *v)); err != nil {
			return err
		}
		v.VacancyStatus = workday.VacancyCancelled
		return tx.Remove(ctx, v.ID)
	})
	return err
}

// transition loads a vacancy, applies fn inside a transaction and returns
// the row as committed (nil when fn deleted it).
func (e *Engine) transition(ctx context.Context, actor workday.UserID, id workday.WorkerDayID, fn func(*timesheet.Tx, *workday.WorkerDay) error) (*workday.WorkerDay, error) {
	var status workday.VacancyStatus
	err := e.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceVacancy)
		v, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !v.IsVacancy {
			return &workday.ValidationError{Code: "not_a_vacancy", Message: "worker day is not a vacancy",
				Rows: []workday.RowRef{workday.RefOf(*v)}}
		}
		if err := fn(tx, v); err != nil {
			return err
		}
		status = v.VacancyStatus
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("vacancy updated",
		zap.Int64("actor", int64(actor)),
		zap.Int64("id", int64(id)),
		zap.String("status", string(status)),
	)
	if status == workday.VacancyCancelled {
		return nil, nil
	}
	return e.ts.Get(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// candidates lists the employees a confirm may assign.
func (e *Engine) candidates(ctx context.Context, tx *timesheet.Tx, req ConfirmRequest) ([]workday.Employee, error) {
	if req.EmployeeID != nil {
		emp, err := tx.Refs().Employee(ctx, *req.EmployeeID)
		if err != nil {
			return nil, err
		}
		return []workday.Employee{*emp}, nil
	}
	emps, err := tx.Refs().Directory().EmployeesByUser(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	if len(emps) == 0 {
		return nil, &workday.NotFoundError{Entity: "employee of user", ID: req.Actor}
	}
	return emps, nil
}

// mayTake applies the network restriction.
func mayTake(v workday.WorkerDay, shop *workday.Shop, emp *workday.Employee) bool {
	if emp.NetworkID == shop.NetworkID {
		return true
	}
	return v.IsOutsource && slices.Contains(v.Outsources, emp.NetworkID)
}

func hintFor(v workday.WorkerDay) timesheet.EmploymentHint {
	h := timesheet.EmploymentHint{ShopID: v.ShopID}
	if len(v.Details) > 0 {
		h.WorkTypeID = workday.Ptr(v.Details[0].WorkTypeID)
	}
	return h
}

// replaceDayoffs removes days off in the vacancy's graph that cannot sit
// beside it. A draft vacancy also points at the approved day off it will
// replace on approval.
func (e *Engine) replaceDayoffs(ctx context.Context, tx *timesheet.Tx, v *workday.WorkerDay) error {
	types, err := tx.Refs().DayTypes(ctx)
	if err != nil {
		return err
	}
	blocks := func(wd workday.WorkerDay) bool {
		t, ok := types[wd.Type]
		return ok && t.IsDayoff && !t.AllowsAdditional(v.Type)
	}

	same, err := tx.GetByKey(ctx, v.Key())
	if err != nil {
		return err
	}
	var ids []workday.WorkerDayID
	for _, wd := range same {
		if blocks(wd) {
			ids = append(ids, wd.ID)
		}
	}
	if err := tx.Remove(ctx, ids...); err != nil {
		return fmt.Errorf("remove days off: %w", err)
	}

	if v.IsApproved {
		return nil
	}
	key := v.Key()
	key.IsApproved = true
	approved, err := tx.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	for _, wd := range approved {
		if blocks(wd) {
			v.ParentID = workday.Ptr(wd.ID)
			break
		}
	}
	return nil
}

func statusError(v workday.WorkerDay, msg string) error {
	return &workday.ConflictError{Code: "vacancy_status", Message: fmt.Sprintf("%s (status %s)", msg, v.VacancyStatus)}
}
