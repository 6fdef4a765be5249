package timesheet

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/workday"
)

// Tx is one open timesheet transaction. It is not safe for concurrent use.
type Tx struct {
	ts     *Timesheet
	store  workday.Store
	refs   *Refs
	source workday.Source

	// since the last Flush
	touched map[workday.Key]struct{}
	dirty   map[workday.WorkerDayID]struct{}

	// whole transaction, for events
	written map[workday.WorkerDayID]workday.WorkerDay
	removed map[workday.WorkerDayID]workday.WorkerDay
	created map[workday.WorkerDayID]bool
	planEv  *events.Event
}

// Store is the raw transactional store. Writes through it bypass checks;
// use it for attendance records and reads.
func (tx *Tx) Store() workday.Store { return tx.store }

func (tx *Tx) Refs() *Refs { return tx.refs }

// SetSource sets the audit tag stamped on rows written without one.
func (tx *Tx) SetSource(src workday.Source) { tx.source = src }

// LockKeys takes advisory locks on keys in a stable order.
func (tx *Tx) LockKeys(ctx context.Context, keys []workday.Key) error {
	keys = slices.Clone(keys)
	workday.SortKeys(keys)
	keys = slices.Compact(keys)
	if err := tx.store.LockKeys(ctx, keys); err != nil {
		return fmt.Errorf("lock keys: %w", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (tx *Tx) Get(ctx context.Context, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return tx.store.Get(ctx, id)
}

func (tx *Tx) List(ctx context.Context, f workday.Filter) ([]workday.WorkerDay, error) {
	return tx.store.List(ctx, f)
}

func (tx *Tx) GetByKey(ctx context.Context, k workday.Key) ([]workday.WorkerDay, error) {
	return tx.store.List(ctx, workday.ForKey(k))
}

// =============================================================================
// LOW-LEVEL WRITES
// =============================================================================

// Put normalizes, shape-checks and persists wd (create when ID is zero).
// Checks spanning several rows are deferred to Flush.
func (tx *Tx) Put(ctx context.Context, wd *workday.WorkerDay) error {
	var prev *workday.WorkerDay
	if wd.ID != 0 {
		old, err := tx.store.Get(ctx, wd.ID)
		if err != nil {
			return err
		}
		prev = old
	}
	if err := tx.normalize(ctx, wd); err != nil {
		return err
	}

	var err error
	if prev == nil {
		err = tx.store.Create(ctx, wd)
	} else {
		err = tx.store.Update(ctx, wd)
	}
	if err != nil {
		return fmt.Errorf("save worker day: %w", err)
	}
	if prev == nil {
		tx.created[wd.ID] = true
	}

	if prev != nil {
		tx.touch(*prev)
	}
	tx.touch(*wd)
	tx.dirty[wd.ID] = struct{}{}
	tx.written[wd.ID] = wd.Clone()
	return nil
}

// Remove deletes rows by id.
func (tx *Tx) Remove(ctx context.Context, ids ...workday.WorkerDayID) error {
	if len(ids) == 0 {
		return nil
	}
	rows := make([]workday.WorkerDay, 0, len(ids))
	for _, id := range ids {
		wd, err := tx.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rows = append(rows, *wd)
	}
	if err := tx.store.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("delete worker days: %w", err)
	}
	for _, wd := range rows {
		tx.touch(wd)
		delete(tx.dirty, wd.ID)
		delete(tx.written, wd.ID)
		if !tx.created[wd.ID] {
			tx.removed[wd.ID] = wd
		}
	}
	return nil
}

func (tx *Tx) normalize(ctx context.Context, wd *workday.WorkerDay) error {
	t, err := tx.refs.DayType(ctx, wd.Type)
	if err != nil {
		return err
	}
	var loc *time.Location
	if wd.ShopID != nil {
		shop, err := tx.refs.Shop(ctx, *wd.ShopID)
		if err != nil {
			return err
		}
		loc = shop.Location()
	}

	if wd.EmployeeID == nil {
		wd.EmploymentID = nil
	} else {
		if _, err := tx.refs.Employee(ctx, *wd.EmployeeID); err != nil {
			return err
		}
		emp, err := tx.employmentFor(ctx, *wd)
		if err != nil {
			return err
		}
		wd.EmploymentID = workday.Ptr(emp.ID)
		// Working outside the employment's shop makes the row a vacancy.
		if !t.IsDayoff && wd.ShopID != nil && emp.ShopID != *wd.ShopID {
			wd.IsVacancy = true
		}
	}
	if wd.Source == "" {
		wd.Source = tx.source
	}
	return workday.CheckShape(*wd, t, loc)
}

func (tx *Tx) employmentFor(ctx context.Context, wd workday.WorkerDay) (*workday.Employment, error) {
	emps, err := tx.refs.Employments(ctx, *wd.EmployeeID)
	if err != nil {
		return nil, err
	}
	refs := []workday.RowRef{workday.RefOf(wd)}
	if wd.EmploymentID != nil {
		for i := range emps {
			if emps[i].ID != *wd.EmploymentID {
				continue
			}
			if !emps[i].ActiveOn(wd.Dt) {
				return nil, &workday.ValidationError{Code: "inactive_employment",
					Message: fmt.Sprintf("employment %d is not active on %s", emps[i].ID, wd.Dt), Rows: refs}
			}
			return &emps[i], nil
		}
		return nil, &workday.ValidationError{Code: "employment_mismatch",
			Message: fmt.Sprintf("employment %d does not belong to the employee", *wd.EmploymentID), Rows: refs}
	}
	emp := ResolveEmployment(emps, wd.Dt, hintFor(wd))
	if emp == nil {
		return nil, &workday.ValidationError{Code: "no_active_employment",
			Message: "employee has no active employment on " + wd.Dt.String(), Rows: refs}
	}
	return emp, nil
}

// =============================================================================
// STORE OPERATIONS
// =============================================================================

// Create inserts a new row.
func (tx *Tx) Create(ctx context.Context, wd *workday.WorkerDay) error {
	if wd.ID != 0 {
		return &workday.ValidationError{Code: "id_set", Message: "new worker day must not carry an id"}
	}
	return tx.Put(ctx, wd)
}

// Update applies patch to the stored row and saves it.
func (tx *Tx) Update(ctx context.Context, id workday.WorkerDayID, patch func(*workday.WorkerDay) error) (*workday.WorkerDay, error) {
	wd, err := tx.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := patch(wd); err != nil {
		return nil, err
	}
	wd.ID = id
	if err := tx.Put(ctx, wd); err != nil {
		return nil, err
	}
	return wd, nil
}

func (tx *Tx) Delete(ctx context.Context, ids ...workday.WorkerDayID) error {
	return tx.Remove(ctx, ids...)
}

// BulkCreate inserts rows in order and returns them with ids assigned.
func (tx *Tx) BulkCreate(ctx context.Context, rows []workday.WorkerDay) ([]workday.WorkerDay, error) {
	out := make([]workday.WorkerDay, 0, len(rows))
	for i := range rows {
		wd := rows[i].Clone()
		if err := tx.Create(ctx, &wd); err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

// BulkDelete removes every row matching f and returns their ids.
func (tx *Tx) BulkDelete(ctx context.Context, f workday.Filter) ([]workday.WorkerDayID, error) {
	rows, err := tx.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]workday.WorkerDayID, len(rows))
	for i, wd := range rows {
		ids[i] = wd.ID
	}
	return ids, tx.Remove(ctx, ids...)
}

// SetClosestPlanApproved relinks the facts in scope using window (zero
// means the network setting) and recomputes their hours.
func (tx *Tx) SetClosestPlanApproved(ctx context.Context, scope workday.Filter, window time.Duration) (int, error) {
	scope.IsFact = workday.Ptr(true)
	facts, err := tx.store.List(ctx, scope)
	if err != nil {
		return 0, err
	}
	byEmp := make(map[workday.EmployeeID][]workday.Date)
	for _, f := range facts {
		if f.EmployeeID != nil {
			byEmp[*f.EmployeeID] = append(byEmp[*f.EmployeeID], f.Dt)
		}
	}
	n := 0
	for _, emp := range sortedEmployees(byEmp) {
		changed, err := tx.flushEmployee(ctx, emp, byEmp[emp], window)
		if err != nil {
			return n, err
		}
		n += changed
	}
	return n, nil
}

// =============================================================================
// TOUCH TRACKING & EVENTS
// =============================================================================

func (tx *Tx) touch(wd workday.WorkerDay) {
	tx.touched[wd.Key()] = struct{}{}
	if wd.Graph() != workday.PlanApproved {
		return
	}
	if tx.planEv == nil {
		ev := events.New(events.KindPlanApproved)
		tx.planEv = &ev
	}
	if wd.ShopID != nil && !slices.Contains(tx.planEv.ShopIDs, *wd.ShopID) {
		tx.planEv.ShopIDs = append(tx.planEv.ShopIDs, *wd.ShopID)
	}
	if wd.EmployeeID != nil && !slices.Contains(tx.planEv.EmployeeIDs, *wd.EmployeeID) {
		tx.planEv.EmployeeIDs = append(tx.planEv.EmployeeIDs, *wd.EmployeeID)
	}
	tx.planEv.Covers(wd.Dt)
}

// recordDerived notes a row whose derived fields Flush rewrote.
func (tx *Tx) recordDerived(wd workday.WorkerDay) {
	tx.written[wd.ID] = wd.Clone()
}

func (tx *Tx) collectEvents() []events.Event {
	var out []events.Event
	if tx.planEv != nil {
		slices.Sort(tx.planEv.ShopIDs)
		slices.Sort(tx.planEv.EmployeeIDs)
		out = append(out, *tx.planEv)
	}

	fact := events.New(events.KindFactChanged)
	for id, wd := range tx.written {
		if wd.Graph() == workday.FactApproved {
			fact.RowIDs = append(fact.RowIDs, id)
			addFactScope(&fact, wd)
		}
	}
	for id, wd := range tx.removed {
		if wd.Graph() == workday.FactApproved {
			fact.DeletedIDs = append(fact.DeletedIDs, id)
			addFactScope(&fact, wd)
		}
	}
	if len(fact.RowIDs)+len(fact.DeletedIDs) > 0 {
		slices.Sort(fact.RowIDs)
		slices.Sort(fact.DeletedIDs)
		slices.Sort(fact.ShopIDs)
		slices.Sort(fact.EmployeeIDs)
		out = append(out, fact)
	}
	return events.Merge(out)
}

func addFactScope(ev *events.Event, wd workday.WorkerDay) {
	if wd.ShopID != nil && !slices.Contains(ev.ShopIDs, *wd.ShopID) {
		ev.ShopIDs = append(ev.ShopIDs, *wd.ShopID)
	}
	if wd.EmployeeID != nil && !slices.Contains(ev.EmployeeIDs, *wd.EmployeeID) {
		ev.EmployeeIDs = append(ev.EmployeeIDs, *wd.EmployeeID)
	}
	ev.Covers(wd.Dt)
}
