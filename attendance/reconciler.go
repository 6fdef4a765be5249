/*
reconciler.go - Turns terminal ticks into fact worker days

PURPOSE:
  Terminals report COMING and LEAVING ticks per user and shop. The
  reconciler stores each tick as an attendance record and folds it into the
  approved fact graph (mirrored into the fact draft), linked to the
  approved plan it belongs to.

PER TICK:
  1. Idempotency: a tick with the same (user, dttm, type, shop) is a no-op.
  2. Pick the employment: active around the tick's date, preferring one
     with a plan near the tick, then the tick's shop, then the highest
     rate, then the lowest id.
  3. Pick the plan: COMING measures against plan starts, LEAVING against
     plan ends, within closest_plan_window. With several rows per date, a
     COMING skips plans another fact already started on.
  4. Pick the fact: a LEAVING closes the latest open fact started within
     max_work_shift. Otherwise the fact of the plan (several per date) or
     of the date (one per date). A LEAVING after midnight close to the
     previous day's plan end belongs to the previous date.
  5. COMING fills an empty start only. LEAVING always moves the end.
  6. New facts take the plan's type and details, falling back to the
     employment's main work type and then to the shop's work types.

ORDERING:
  Ticks of one user are serialized. Ticks of different users run in
  parallel; the store transaction keeps them consistent.

SEE ALSO:
  - recalc.go: Replay after plan changes
  - timesheet/closest.go: Fact to plan linking after each write
*/
package attendance

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

// Event is one tick as a terminal reports it.
type Event struct {
	UserID   workday.UserID         `json:"user_id" validate:"required"`
	ShopID   workday.ShopID         `json:"shop_id" validate:"required"`
	Dttm     time.Time              `json:"dttm" validate:"required"`
	Type     workday.AttendanceType `json:"type" validate:"required,oneof=coming leaving"`
	Terminal bool                   `json:"terminal"`
}

type Result struct {
	Record    workday.AttendanceRecord `json:"record"`
	Fact      *workday.WorkerDay       `json:"fact,omitempty"`
	Duplicate bool                     `json:"duplicate"`
}

type Reconciler struct {
	ts       *timesheet.Timesheet
	locks    *keyedMutex
	validate *validator.Validate
	logger   *zap.Logger
}

type Option func(*Reconciler)

func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func New(ts *timesheet.Timesheet, opts ...Option) *Reconciler {
	r := &Reconciler{
		ts:       ts,
		locks:    newKeyedMutex(),
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("attendance")
	return r
}

// Ingest records one tick and updates the facts it affects.
func (r *Reconciler) Ingest(ctx context.Context, ev Event) (*Result, error) {
	if err := r.validate.Struct(ev); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_attendance", Message: err.Error()}
	}
	unlock := r.locks.Lock(int64(ev.UserID))
	defer unlock()

	var res Result
	err := r.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceAttendanceAuto)

		dup, err := tx.Store().FindAttendance(ctx, ev.UserID, ev.Dttm, ev.Type, ev.ShopID)
		if err != nil {
			return fmt.Errorf("find attendance: %w", err)
		}
		if dup != nil {
			res.Record, res.Duplicate = *dup, true
			return nil
		}

		shop, err := tx.Refs().Shop(ctx, ev.ShopID)
		if err != nil {
			return err
		}
		employees, err := tx.Refs().Directory().EmployeesByUser(ctx, ev.UserID)
		if err != nil {
			return err
		}
		employment, err := resolveEmployment(ctx, tx, employees, shop, ev.Dttm)
		if err != nil {
			return err
		}

		rec := workday.AttendanceRecord{
			Dt:         shop.LocalDate(ev.Dttm),
			Dttm:       ev.Dttm,
			UserID:     ev.UserID,
			EmployeeID: workday.Ptr(employment.EmployeeID),
			ShopID:     shop.ID,
			Type:       ev.Type,
			Terminal:   ev.Terminal,
		}
		if err := tx.Store().CreateAttendance(ctx, &rec); err != nil {
			return fmt.Errorf("create attendance: %w", err)
		}
		res.Record = rec

		factID, err := apply(ctx, tx, tick{rec: rec, shop: shop, employment: employment}, nil)
		if err != nil {
			return err
		}
		if err := tx.Flush(ctx); err != nil {
			return err
		}
		if factID != 0 {
			if res.Fact, err = tx.Get(ctx, factID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("tick rejected",
			zap.Int64("user_id", int64(ev.UserID)),
			zap.Int64("shop_id", int64(ev.ShopID)),
			zap.Time("dttm", ev.Dttm),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return nil, err
	}
	if !res.Duplicate {
		r.logger.Debug("tick applied",
			zap.Int64("attendance_id", int64(res.Record.ID)),
			zap.Int64("employee_id", int64(*res.Record.EmployeeID)),
		)
	}
	return &res, nil
}

// =============================================================================
// EMPLOYMENT CHOICE
// =============================================================================

type candidate struct {
	employment workday.Employment
	planned    bool
}

// resolveEmployment picks which of the users' employments a tick belongs to.
// Employments active on the tick's date or an adjacent one qualify, so a
// night shift across a hire or fire date still resolves.
func resolveEmployment(ctx context.Context, tx *timesheet.Tx, employees []workday.Employee, shop *workday.Shop, dttm time.Time) (*workday.Employment, error) {
	d := shop.LocalDate(dttm)
	var cands []candidate
	for _, emp := range employees {
		emps, err := tx.Refs().Employments(ctx, emp.ID)
		if err != nil {
			return nil, err
		}
		settings, err := tx.Refs().EmployeeSettings(ctx, emp.ID)
		if err != nil {
			return nil, err
		}
		var plans []workday.WorkerDay
		for _, e := range emps {
			if !e.ActiveOn(d) && !e.ActiveOn(d.AddDays(-1)) && !e.ActiveOn(d.AddDays(1)) {
				continue
			}
			if plans == nil {
				if plans, err = planRows(ctx, tx, emp.ID, d); err != nil {
					return nil, err
				}
			}
			planned := slices.ContainsFunc(plans, func(p workday.WorkerDay) bool {
				return p.EmploymentID != nil && *p.EmploymentID == e.ID && near(p, dttm, settings.ClosestPlanWindow)
			})
			cands = append(cands, candidate{employment: e, planned: planned})
		}
	}
	if len(cands) == 0 {
		return nil, &workday.ValidationError{
			Code:    "no_active_employment",
			Message: fmt.Sprintf("no active employment around %s", d),
		}
	}

	slices.SortStableFunc(cands, func(a, b candidate) int {
		if a.planned != b.planned {
			return boolFirst(a.planned)
		}
		as, bs := a.employment.ShopID == shop.ID, b.employment.ShopID == shop.ID
		if as != bs {
			return boolFirst(as)
		}
		if c := b.employment.NormWorkHours.Cmp(a.employment.NormWorkHours); c != 0 {
			return c
		}
		return cmp.Compare(a.employment.ID, b.employment.ID)
	})
	out := cands[0].employment
	return &out, nil
}

// planRows lists approved ranged plans around d. The slice is non-nil so
// callers can tell "loaded, empty" from "not loaded".
func planRows(ctx context.Context, tx *timesheet.Tx, emp workday.EmployeeID, d workday.Date) ([]workday.WorkerDay, error) {
	rows, err := tx.List(ctx, workday.Filter{
		EmployeeIDs: []workday.EmployeeID{emp},
		DtFrom:      d.AddDays(-1),
		DtTo:        d.AddDays(1),
		IsFact:      workday.Ptr(false),
		IsApproved:  workday.Ptr(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]workday.WorkerDay, 0, len(rows))
	for _, p := range rows {
		if p.HasRange() {
			out = append(out, p)
		}
	}
	return out, nil
}

// near reports whether t falls within window of the plan's range.
func near(p workday.WorkerDay, t time.Time, window time.Duration) bool {
	return !t.Before(p.WorkStart.Add(-window)) && !t.After(p.WorkEnd.Add(window))
}

func boolFirst(a bool) int {
	if a {
		return -1
	}
	return 1
}
