/*
batch.go - Transactional upsert of desired worker days

PURPOSE:
  Editors and integrations send the full desired state of a slice of the
  timesheet. One call creates, updates and deletes rows so the slice ends up
  exactly as sent, or changes nothing at all.

MATCHING:
  With UpdateKeyField "code", desired rows update the stored row carrying
  the same code. Otherwise they are matched per (employee, dt, graph) key:
  desired and stored rows on a key are both ordered by start and paired by
  position.

DELETE SCOPE:
  Stored rows inside the delete scope (explicit keys and/or a filter) that
  no desired row matched are deleted. Rows outside the scope are never
  deleted, even when unmatched.

SKIPPING:
  A matched row whose editable content is unchanged is not written and is
  counted as skipped. Audit fields alone never cause a write.

SEE ALSO:
  - timesheet/flush.go: Cross-row checks and derived fields at commit
  - permission/gate.go: Every create, update and delete is authorized
*/
package batch

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

// Model names used in Result.Stats.
const (
	ModelWorkerDay        = "WorkerDay"
	ModelWorkerDayDetails = "WorkerDayCashboxDetails"
)

// UpdateByCode matches desired rows to stored rows by their code.
const UpdateByCode = "code"

// Desired is one worker day as the caller wants it to be.
type Desired struct {
	Code         string                `json:"code,omitempty"`
	EmployeeID   *workday.EmployeeID   `json:"employee_id,omitempty"`
	EmploymentID *workday.EmploymentID `json:"employment_id,omitempty"`
	ShopID       *workday.ShopID       `json:"shop_id,omitempty"`
	Dt           workday.Date          `json:"dt"`
	Type         workday.TypeCode      `json:"type" validate:"required"`
	IsFact       bool                  `json:"is_fact"`
	IsApproved   bool                  `json:"is_approved"`
	WorkStart    *time.Time            `json:"dttm_work_start,omitempty"`
	WorkEnd      *time.Time            `json:"dttm_work_end,omitempty"`
	// WorkHours is only honoured for day types with manual hours.
	WorkHours   *time.Duration      `json:"work_hours,omitempty"`
	IsVacancy   bool                `json:"is_vacancy"`
	IsOutsource bool                `json:"is_outsource"`
	IsBlocked   bool                `json:"is_blocked"`
	CostPerHour *decimal.Decimal    `json:"cost_per_hour,omitempty"`
	Details     []workday.Detail    `json:"worker_day_details,omitempty" validate:"dive"`
	Outsources  []workday.NetworkID `json:"outsources,omitempty"`
}

func (d Desired) key() workday.Key {
	k := workday.Key{Dt: d.Dt, Graph: workday.Graph{IsFact: d.IsFact, IsApproved: d.IsApproved}}
	if d.EmployeeID != nil {
		k.EmployeeID = *d.EmployeeID
	}
	return k
}

type Options struct {
	UpdateKeyField    string          `json:"update_key_field,omitempty" validate:"omitempty,oneof=code"`
	DeleteScopeValues []workday.Key   `json:"delete_scope_values_list,omitempty"`
	DeleteScopeFilter *workday.Filter `json:"delete_scope_filters,omitempty"`
	ReturnResponse    bool            `json:"return_response"`
	Source            workday.Source  `json:"source,omitempty"`
}

type Request struct {
	Actor   workday.UserID `json:"-"`
	Data    []Desired      `json:"data" validate:"dive"`
	Options Options        `json:"options"`
}

type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

type Result struct {
	Stats map[string]*Stats     `json:"stats"`
	Rows  []workday.WorkerDay `json:"data,omitempty"`
}

func newResult() *Result {
	return &Result{Stats: map[string]*Stats{
		ModelWorkerDay:        {},
		ModelWorkerDayDetails: {},
	}}
}

type Engine struct {
	ts       *timesheet.Timesheet
	gate     *permission.Gate
	validate *validator.Validate
	logger   *zap.Logger
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func New(ts *timesheet.Timesheet, gate *permission.Gate, opts ...Option) *Engine {
	e := &Engine{
		ts:       ts,
		gate:     gate,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("batch")
	return e
}

// =============================================================================
// UPSERT
// =============================================================================

// op is one planned write. prev is nil for creates, next is nil for
// deletes and skips.
type op struct {
	prev *workday.WorkerDay
	next *workday.WorkerDay
	skip bool
	// index into Request.Data, -1 for deletes
	idx int
}

// Upsert applies req atomically.
func (e *Engine) Upsert(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, &workday.ValidationError{Code: "invalid_request", Message: err.Error()}
	}
	for i, d := range req.Data {
		if d.Dt.IsZero() {
			return nil, &workday.ValidationError{Code: "invalid_request", Message: fmt.Sprintf("data[%d]: dt is required", i)}
		}
	}
	source := req.Options.Source
	if source == "" {
		source = workday.SourceBatch
	}

	var res *Result
	var rows map[workday.WorkerDayID]int
	err := e.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(source)
		res = newResult()
		rows = make(map[workday.WorkerDayID]int)

		ops, err := e.plan(ctx, tx, req, source)
		if err != nil {
			return err
		}

		var checks []permission.Check
		var keys []workday.Key
		for _, o := range ops {
			switch {
			case o.skip:
				res.Stats[ModelWorkerDay].Skipped++
				res.Stats[ModelWorkerDayDetails].Skipped += len(o.prev.Details)
				rows[o.prev.ID] = o.idx
				continue
			case o.prev == nil:
				checks = append(checks, permission.CheckFor(workday.ActionCreate, *o.next))
			case o.next == nil:
				checks = append(checks, permission.CheckFor(workday.ActionDelete, *o.prev))
			default:
				checks = append(checks, permission.UpdateCheck(*o.prev, *o.next))
			}
			if o.prev != nil {
				keys = append(keys, o.prev.Key())
			}
			if o.next != nil {
				keys = append(keys, o.next.Key())
			}
		}
		if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, req.Actor, checks...); err != nil {
			return err
		}
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}

		// Deletes first so a replaced row never meets its replacement.
		for _, o := range ops {
			if o.next != nil || o.skip {
				continue
			}
			if err := tx.Remove(ctx, o.prev.ID); err != nil {
				return err
			}
			res.Stats[ModelWorkerDay].Deleted++
			res.Stats[ModelWorkerDayDetails].Deleted += len(o.prev.Details)
		}
		for _, o := range ops {
			if o.next == nil {
				continue
			}
			if err := tx.Put(ctx, o.next); err != nil {
				return fmt.Errorf("data[%d]: %w", o.idx, err)
			}
			rows[o.next.ID] = o.idx
			countWrite(res, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	wd := res.Stats[ModelWorkerDay]
	e.logger.Info("batch applied",
		zap.Int64("actor", int64(req.Actor)),
		zap.String("source", string(source)),
		zap.Int("created", wd.Created),
		zap.Int("updated", wd.Updated),
		zap.Int("deleted", wd.Deleted),
		zap.Int("skipped", wd.Skipped),
	)

	if req.Options.ReturnResponse {
		out, err := e.response(ctx, rows)
		if err != nil {
			return nil, err
		}
		res.Rows = out
	}
	return res, nil
}

// plan matches desired rows to stored ones and lists the writes in
// request order, followed by the deletes.
func (e *Engine) plan(ctx context.Context, tx *timesheet.Tx, req Request, source workday.Source) ([]op, error) {
	matched, err := e.match(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	var ops []op
	used := make(map[workday.WorkerDayID]bool)
	for i, d := range req.Data {
		prev := matched[i]
		next := build(d, prev, req.Actor, source)
		if prev == nil {
			ops = append(ops, op{next: &next, idx: i})
			continue
		}
		used[prev.ID] = true
		if unchanged(d, *prev, next) {
			ops = append(ops, op{prev: prev, skip: true, idx: i})
			continue
		}
		ops = append(ops, op{prev: prev, next: &next, idx: i})
	}

	scope, err := e.deleteScope(ctx, tx, req.Options)
	if err != nil {
		return nil, err
	}
	for i := range scope {
		if !used[scope[i].ID] {
			ops = append(ops, op{prev: &scope[i], idx: -1})
		}
	}
	return ops, nil
}

// match returns, per desired row, the stored row it updates or nil.
func (e *Engine) match(ctx context.Context, tx *timesheet.Tx, req Request) ([]*workday.WorkerDay, error) {
	out := make([]*workday.WorkerDay, len(req.Data))

	if req.Options.UpdateKeyField == UpdateByCode {
		var codes []string
		for _, d := range req.Data {
			if d.Code != "" {
				codes = append(codes, d.Code)
			}
		}
		if len(codes) == 0 {
			return out, nil
		}
		rows, err := tx.List(ctx, workday.Filter{Codes: codes})
		if err != nil {
			return nil, err
		}
		byCode := make(map[string]*workday.WorkerDay, len(rows))
		for i := range rows {
			byCode[rows[i].Code] = &rows[i]
		}
		seen := make(map[string]bool)
		for i, d := range req.Data {
			if d.Code == "" {
				continue
			}
			if seen[d.Code] {
				return nil, &workday.ValidationError{Code: "duplicate_code",
					Message: fmt.Sprintf("data[%d]: code %q appears twice", i, d.Code)}
			}
			seen[d.Code] = true
			out[i] = byCode[d.Code]
		}
		return out, nil
	}

	// Per key: pair desired and stored rows by start order.
	byKey := make(map[workday.Key][]int)
	var order []workday.Key
	for i, d := range req.Data {
		k := d.key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}
	for _, k := range order {
		stored, err := tx.GetByKey(ctx, k)
		if err != nil {
			return nil, err
		}
		if k.EmployeeID == 0 {
			shop := req.Data[byKey[k][0]].ShopID
			stored = slices.DeleteFunc(stored, func(wd workday.WorkerDay) bool { return !eqShop(wd.ShopID, shop) })
		}
		slices.SortFunc(stored, func(a, b workday.WorkerDay) int {
			if workday.Less(a, b) {
				return -1
			}
			if workday.Less(b, a) {
				return 1
			}
			return 0
		})
		idx := slices.Clone(byKey[k])
		slices.SortStableFunc(idx, func(a, b int) int {
			return cmpStart(req.Data[a].WorkStart, req.Data[b].WorkStart)
		})
		for n, i := range idx {
			if n < len(stored) {
				out[i] = &stored[n]
			}
		}
	}
	return out, nil
}

// deleteScope lists S_existing: rows on the explicit keys plus rows
// matching the filter.
func (e *Engine) deleteScope(ctx context.Context, tx *timesheet.Tx, opts Options) ([]workday.WorkerDay, error) {
	var out []workday.WorkerDay
	seen := make(map[workday.WorkerDayID]bool)
	add := func(rows []workday.WorkerDay) {
		for _, wd := range rows {
			if !seen[wd.ID] {
				seen[wd.ID] = true
				out = append(out, wd)
			}
		}
	}
	for _, k := range opts.DeleteScopeValues {
		rows, err := tx.GetByKey(ctx, k)
		if err != nil {
			return nil, err
		}
		add(rows)
	}
	if opts.DeleteScopeFilter != nil {
		if opts.DeleteScopeFilter.DtFrom.IsZero() || opts.DeleteScopeFilter.DtTo.IsZero() {
			return nil, &workday.ValidationError{Code: "unbounded_delete_scope",
				Message: "delete_scope_filters needs dt_from and dt_to"}
		}
		rows, err := tx.List(ctx, *opts.DeleteScopeFilter)
		if err != nil {
			return nil, err
		}
		add(rows)
	}
	slices.SortFunc(out, func(a, b workday.WorkerDay) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// build applies d over prev (or a blank row).
func build(d Desired, prev *workday.WorkerDay, actor workday.UserID, source workday.Source) workday.WorkerDay {
	var wd workday.WorkerDay
	if prev != nil {
		wd = prev.Clone()
	} else {
		wd.CreatedBy = workday.Ptr(actor)
	}
	// Rows written here are manual as far as recalc is concerned.
	wd.LastEditedBy = workday.Ptr(actor)
	wd.Source = source
	wd.Code = d.Code
	wd.Dt = d.Dt
	wd.Type = d.Type
	wd.IsFact, wd.IsApproved = d.IsFact, d.IsApproved
	wd.ShopID = d.ShopID
	wd.WorkStart, wd.WorkEnd = d.WorkStart, d.WorkEnd
	wd.IsVacancy, wd.IsOutsource, wd.IsBlocked = d.IsVacancy, d.IsOutsource, d.IsBlocked
	wd.CostPerHour = d.CostPerHour
	wd.Details = slices.Clone(d.Details)
	wd.Outsources = slices.Clone(d.Outsources)
	if d.WorkHours != nil {
		wd.WorkHours = *d.WorkHours
	}

	// The stored employment survives when the employee stays the same and
	// none is given.
	keepEmployment := prev != nil && d.EmploymentID == nil && eqEmployee(prev.EmployeeID, d.EmployeeID)
	wd.EmployeeID = d.EmployeeID
	if !keepEmployment {
		wd.EmploymentID = d.EmploymentID
	}
	return wd
}

// unchanged reports whether writing next over prev would only touch audit
// fields.
func unchanged(d Desired, prev, next workday.WorkerDay) bool {
	if !workday.SameContent(prev, next) || prev.IsApproved != next.IsApproved {
		return false
	}
	return d.WorkHours == nil || *d.WorkHours == prev.WorkHours
}

func countWrite(res *Result, o op) {
	wd, det := res.Stats[ModelWorkerDay], res.Stats[ModelWorkerDayDetails]
	if o.prev == nil {
		wd.Created++
		det.Created += len(o.next.Details)
		return
	}
	wd.Updated++
	if workday.SameContent(workday.WorkerDay{Details: o.prev.Details}, workday.WorkerDay{Details: o.next.Details}) {
		det.Skipped += len(o.next.Details)
		return
	}
	det.Deleted += len(o.prev.Details)
	det.Created += len(o.next.Details)
}

// response reloads the written and skipped rows in request order.
func (e *Engine) response(ctx context.Context, pos map[workday.WorkerDayID]int) ([]workday.WorkerDay, error) {
	if len(pos) == 0 {
		return []workday.WorkerDay{}, nil
	}
	ids := make([]workday.WorkerDayID, 0, len(pos))
	for id := range pos {
		ids = append(ids, id)
	}
	rows, err := e.ts.List(ctx, workday.Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rows, func(a, b workday.WorkerDay) int { return cmp.Compare(pos[a.ID], pos[b.ID]) })
	return rows, nil
}

func eqEmployee(a, b *workday.EmployeeID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqShop(a, b *workday.ShopID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cmpStart(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
