/*
approve.go - Promotes draft worker days to approved

PURPOSE:
  Managers edit drafts and then approve a shop and date range. For every
  (employee, dt) in scope the draft replaces the approved version when the
  two differ. Drafts of day types outside the request are never promoted.

ALGORITHM:
  1. Scope: drafts and approved rows of the graph in [dt_from, dt_to]
     whose shop is the requested one or whose employee is employed there
     (and employees, when given). Drafts are limited to the requested day
     types; approved rows are not, so a W draft replaces an approved
     holiday on the same date.
  2. Per key: no draft keeps the approved rows. Drafts equal to the
     approved rows (ignoring audit fields and hours) change nothing.
     Otherwise the approved rows go and the drafts are promoted.
  3. Permission: approve on every promoted and replaced row, all or nothing.
  4. Norm check (plans, when the network asks): the month sum of approved
     plan hours after promotion must stay within the employee's norm.
  5. Every promoted row gets a fresh draft twin pointing at it, so the
     draft graph stays complete.

SEE ALSO:
  - vacancy.go: The single-vacancy path
  - timesheet/tx.go: Emits the plan-approved event on commit
*/
package approve

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
	"github.com/warp/worktime-engine/workhours"
)

type Request struct {
	Actor                workday.UserID       `json:"-"`
	ShopID               workday.ShopID       `json:"shop_id" validate:"required"`
	IsFact               bool                 `json:"is_fact"`
	DtFrom               workday.Date         `json:"dt_from"`
	DtTo                 workday.Date         `json:"dt_to"`
	Types                []workday.TypeCode   `json:"wd_types" validate:"required,min=1"`
	ApproveOpenVacancies bool                 `json:"approve_open_vacs"`
	EmployeeIDs          []workday.EmployeeID `json:"employee_ids,omitempty"`
}

type Result struct {
	Approved  int `json:"approved"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
}

type Engine struct {
	ts       *timesheet.Timesheet
	gate     *permission.Gate
	norms    workhours.NormSource
	validate *validator.Validate
	logger   *zap.Logger
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func New(ts *timesheet.Timesheet, gate *permission.Gate, norms workhours.NormSource, opts ...Option) *Engine {
	e := &Engine{
		ts:       ts,
		gate:     gate,
		norms:    norms,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("approve")
	return e
}

// change is one key whose drafts replace its approved rows.
type change struct {
	key      workday.Key
	drafts   []workday.WorkerDay
	approved []workday.WorkerDay
}

// Approve promotes differing drafts in the requested scope.
func (e *Engine) Approve(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_request", Message: err.Error()}
	}
	if req.DtFrom.IsZero() || req.DtTo.IsZero() || req.DtTo.Before(req.DtFrom) {
		return nil, &workday.ValidationError{Code: "invalid_range", Message: "dt_from and dt_to must form a range"}
	}

	var res Result
	err := e.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceApprove)
		res = Result{}

		changes, unchanged, err := e.plan(ctx, tx, req)
		if err != nil {
			return err
		}
		res.Unchanged = unchanged
		if len(changes) == 0 {
			return nil
		}

		var checks []permission.Check
		for _, c := range changes {
			for _, wd := range c.drafts {
				checks = append(checks, permission.CheckFor(workday.ActionApprove, wd))
			}
			for _, wd := range c.approved {
				checks = append(checks, permission.CheckFor(workday.ActionApprove, wd))
			}
		}
		if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, req.Actor, checks...); err != nil {
			return err
		}

		if !req.IsFact {
			if err := e.checkNorms(ctx, tx, req, changes); err != nil {
				return err
			}
		}

		keys := make([]workday.Key, 0, 2*len(changes))
		for _, c := range changes {
			draftKey := c.key
			draftKey.IsApproved = false
			keys = append(keys, c.key, draftKey)
		}
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}

		for _, c := range changes {
			if err := promote(ctx, tx, c); err != nil {
				return err
			}
			res.Approved += len(c.drafts)
			res.Replaced += len(c.approved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("approved",
		zap.Int64("actor", int64(req.Actor)),
		zap.Int64("shop_id", int64(req.ShopID)),
		zap.Bool("is_fact", req.IsFact),
		zap.Stringer("dt_from", req.DtFrom),
		zap.Stringer("dt_to", req.DtTo),
		zap.Int("approved", res.Approved),
		zap.Int("replaced", res.Replaced),
	)
	return &res, nil
}

// plan groups the scope by key and returns the keys that change plus the
// number of keys already in sync.
func (e *Engine) plan(ctx context.Context, tx *timesheet.Tx, req Request) ([]change, int, error) {
	shopEmps, err := tx.Refs().Directory().ShopEmployments(ctx, req.ShopID, req.DtFrom, req.DtTo)
	if err != nil {
		return nil, 0, err
	}
	employed := make(map[workday.EmployeeID]bool, len(shopEmps))
	for _, emp := range shopEmps {
		employed[emp.EmployeeID] = true
	}

	rows, err := tx.List(ctx, workday.Filter{
		EmployeeIDs: req.EmployeeIDs,
		DtFrom:      req.DtFrom,
		DtTo:        req.DtTo,
		IsFact:      workday.Ptr(req.IsFact),
	})
	if err != nil {
		return nil, 0, err
	}
	if req.ApproveOpenVacancies && len(req.EmployeeIDs) > 0 {
		open, err := tx.List(ctx, workday.Filter{
			ShopIDs:           []workday.ShopID{req.ShopID},
			DtFrom:            req.DtFrom,
			DtTo:              req.DtTo,
			IsFact:            workday.Ptr(req.IsFact),
			OnlyOpenVacancies: true,
		})
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, open...)
	}

	byKey := make(map[workday.Key]*change)
	var order []workday.Key
	for _, wd := range rows {
		if !wd.IsApproved && !slices.Contains(req.Types, wd.Type) {
			continue
		}
		inShop := wd.ShopID != nil && *wd.ShopID == req.ShopID
		switch {
		case wd.EmployeeID == nil:
			if !req.ApproveOpenVacancies || !inShop {
				continue
			}
		case !inShop && !employed[*wd.EmployeeID]:
			continue
		}
		key := wd.Key()
		key.IsApproved = true
		c, ok := byKey[key]
		if !ok {
			c = &change{key: key}
			byKey[key] = c
			order = append(order, key)
		}
		if wd.IsApproved {
			c.approved = append(c.approved, wd)
		} else {
			c.drafts = append(c.drafts, wd)
		}
	}

	var out []change
	unchanged := 0
	for _, key := range order {
		c := byKey[key]
		if len(c.drafts) == 0 {
			continue
		}
		if sameRows(c.drafts, c.approved) {
			unchanged++
			continue
		}
		out = append(out, *c)
	}
	return out, unchanged, nil
}

// sameRows matches drafts to approved rows one to one by content.
func sameRows(drafts, approved []workday.WorkerDay) bool {
	if len(drafts) != len(approved) {
		return false
	}
	used := make([]bool, len(approved))
	for _, d := range drafts {
		found := false
		for i, a := range approved {
			if !used[i] && workday.SameContent(d, a) {
				used[i], found = true, true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// promote replaces the approved rows of c with its drafts and gives each
// promoted row a new draft twin.
func promote(ctx context.Context, tx *timesheet.Tx, c change) error {
	ids := make([]workday.WorkerDayID, len(c.approved))
	for i, wd := range c.approved {
		ids[i] = wd.ID
	}
	if err := tx.Remove(ctx, ids...); err != nil {
		return err
	}
	for _, d := range c.drafts {
		if _, err := promoteRow(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

// promoteRow flips one draft to approved and creates its draft twin.
func promoteRow(ctx context.Context, tx *timesheet.Tx, draft workday.WorkerDay) (*workday.WorkerDay, error) {
	approved := draft.Clone()
	approved.IsApproved = true
	approved.ParentID = nil
	approved.Source = workday.SourceApprove
	if err := tx.Put(ctx, &approved); err != nil {
		return nil, fmt.Errorf("promote %s: %w", draft, err)
	}

	twin := approved.Clone()
	twin.ID = 0
	twin.IsApproved = false
	twin.ParentID = workday.Ptr(approved.ID)
	twin.ClosestPlanApprovedID = nil
	if err := tx.Create(ctx, &twin); err != nil {
		return nil, fmt.Errorf("draft twin of %s: %w", draft, err)
	}
	return &approved, nil
}

// =============================================================================
// NORM CHECK
// =============================================================================

// checkNorms rejects the approve when an employee's approved plan hours in
// a touched month would exceed the norm. Vacancies do not count.
func (e *Engine) checkNorms(ctx context.Context, tx *timesheet.Tx, req Request, changes []change) error {
	types, err := tx.Refs().DayTypes(ctx)
	if err != nil {
		return err
	}
	removed := make(map[workday.WorkerDayID]bool)
	added := make(map[workday.EmployeeID][]workday.WorkerDay)
	for _, c := range changes {
		for _, wd := range c.approved {
			removed[wd.ID] = true
		}
		if c.key.EmployeeID != 0 {
			added[c.key.EmployeeID] = append(added[c.key.EmployeeID], c.drafts...)
		}
	}

	emps := make([]workday.EmployeeID, 0, len(added))
	for id := range added {
		emps = append(emps, id)
	}
	slices.Sort(emps)

	for _, emp := range emps {
		settings, err := tx.Refs().EmployeeSettings(ctx, emp)
		if err != nil {
			return err
		}
		if !settings.CheckMainWorkHoursNorm {
			continue
		}
		for m := req.DtFrom.MonthStart(); !m.After(req.DtTo); m = m.MonthEnd().AddDays(1) {
			rows, err := tx.List(ctx, workday.Filter{
				EmployeeIDs: []workday.EmployeeID{emp},
				DtFrom:      m,
				DtTo:        m.MonthEnd(),
				IsFact:      workday.Ptr(false),
				IsApproved:  workday.Ptr(true),
			})
			if err != nil {
				return err
			}
			rows = slices.DeleteFunc(rows, func(wd workday.WorkerDay) bool { return removed[wd.ID] })
			for _, wd := range added[emp] {
				if wd.Dt.MonthStart() == m {
					rows = append(rows, wd)
				}
			}

			var planned time.Duration
			for _, wd := range rows {
				if wd.IsVacancy || !types[wd.Type].IsWorkHours {
					continue
				}
				planned += wd.WorkHours
			}
			norm, err := e.norms.NormHours(ctx, emp, m, m.MonthEnd())
			if err != nil {
				return fmt.Errorf("norm hours: %w", err)
			}
			if workhours.Hours(planned).GreaterThan(norm) {
				return &workday.DtMaxHoursRestrictionViolatedError{
					EmployeeID:   emp,
					EmployeeName: tx.Refs().EmployeeName(ctx, emp),
					Month:        m,
					Norm:         norm,
					Planned:      workhours.Hours(planned),
				}
			}
		}
	}
	return nil
}
