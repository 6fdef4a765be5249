/*
timesheet.go - Invariant-enforcing WorkerDay store

PURPOSE:
  The raw workday.Store persists rows and nothing else. Timesheet wraps it
  so that every committed state is valid: rows are normalized and shape
  checked on write, and before commit the affected (employee, date, graph)
  scopes are re-checked as a whole. Derived fields (closest approved plan,
  work hours) are recomputed for written rows and for every fact that may
  depend on a changed plan.

TRANSACTION FLOW:
  1. WithTx opens a store transaction and hands out a *Tx.
  2. Writers call Put/Remove (or the Create/Update/Delete helpers). Each
     write records the keys it touched.
  3. Flush runs for the touched scope:
       relink facts to the closest approved plan
       recompute work hours
       check types per date and time overlap per graph
  4. On commit the queued events are merged and dispatched. A failing
     handler never undoes the commit.

CHECKS ARE ON THE FINAL STATE:
  A batch may move a shift from 10:00-18:00 to 18:00-22:00 while adding a
  new 10:00-18:00 row. Checking row by row would see a false overlap, so
  per-date and overlap checks only run at Flush.

SEE ALSO:
  - tx.go: Write operations and event collection
  - flush.go: Recompute and checks
  - closest.go: Fact to plan linking
  - workday/invariants.go: The checks themselves
*/
package timesheet

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/workday"
	"github.com/warp/worktime-engine/workhours"
)

// Timesheet is the validated access point to worker days.
type Timesheet struct {
	store      workday.TxStore
	dir        workday.Directory
	calc       *workhours.Calculator
	dispatcher *events.Dispatcher
	logger     *zap.Logger
}

type Option func(*Timesheet)

func WithLogger(l *zap.Logger) Option { return func(ts *Timesheet) { ts.logger = l } }

// WithDispatcher sets where committed events go. Without one, events are
// dropped.
func WithDispatcher(d *events.Dispatcher) Option { return func(ts *Timesheet) { ts.dispatcher = d } }

func New(store workday.TxStore, dir workday.Directory, calc *workhours.Calculator, opts ...Option) *Timesheet {
	ts := &Timesheet{store: store, dir: dir, calc: calc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(ts)
	}
	ts.logger = ts.logger.Named("timesheet")
	return ts
}

// Directory is the reference data the timesheet reads.
func (ts *Timesheet) Directory() workday.Directory { return ts.dir }

// Store exposes the raw store for read-only callers.
func (ts *Timesheet) Store() workday.Store { return ts.store }

// WithTx runs fn in one store transaction. The touched scope is flushed
// before commit; any error rolls everything back. Events are dispatched
// only after a successful commit.
func (ts *Timesheet) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var evs []events.Event
	started := time.Now()
	err := ts.store.WithTx(ctx, func(s workday.Store) error {
		tx := ts.newTx(s)
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Flush(ctx); err != nil {
			return err
		}
		evs = tx.collectEvents()
		return nil
	})
	if err != nil {
		return err
	}

	ts.logger.Debug("transaction committed",
		zap.Int("events", len(evs)),
		zap.Duration("elapsed", time.Since(started)),
	)
	if ts.dispatcher != nil && len(evs) > 0 {
		ts.dispatcher.Dispatch(ctx, evs)
	}
	return nil
}

func (ts *Timesheet) newTx(s workday.Store) *Tx {
	dir := ts.dir
	// SQL backends hand out a transaction that can also read reference
	// data; use it so reads see the same snapshot.
	if d, ok := s.(workday.Directory); ok {
		dir = d
	}
	return &Tx{
		ts:      ts,
		store:   s,
		refs:    NewRefs(dir),
		source:  workday.SourceFullEditor,
		touched: make(map[workday.Key]struct{}),
		dirty:   make(map[workday.WorkerDayID]struct{}),
		written: make(map[workday.WorkerDayID]workday.WorkerDay),
		removed: make(map[workday.WorkerDayID]workday.WorkerDay),
		created: make(map[workday.WorkerDayID]bool),
	}
}

// =============================================================================
// SINGLE-OPERATION HELPERS
// =============================================================================

func (ts *Timesheet) Get(ctx context.Context, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return ts.store.Get(ctx, id)
}

func (ts *Timesheet) List(ctx context.Context, f workday.Filter) ([]workday.WorkerDay, error) {
	return ts.store.List(ctx, f)
}

func (ts *Timesheet) GetByKey(ctx context.Context, k workday.Key) ([]workday.WorkerDay, error) {
	return ts.store.List(ctx, workday.ForKey(k))
}

func (ts *Timesheet) Create(ctx context.Context, wd *workday.WorkerDay) error {
	return ts.WithTx(ctx, func(tx *Tx) error { return tx.Create(ctx, wd) })
}

func (ts *Timesheet) Update(ctx context.Context, id workday.WorkerDayID, patch func(*workday.WorkerDay) error) (*workday.WorkerDay, error) {
	var out *workday.WorkerDay
	err := ts.WithTx(ctx, func(tx *Tx) error {
		wd, err := tx.Update(ctx, id, patch)
		out = wd
		return err
	})
	if err != nil {
		return nil, err
	}
	// Flush may have changed derived fields.
	return ts.store.Get(ctx, out.ID)
}

func (ts *Timesheet) Delete(ctx context.Context, ids ...workday.WorkerDayID) error {
	return ts.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, ids...) })
}

func (ts *Timesheet) BulkCreate(ctx context.Context, rows []workday.WorkerDay) ([]workday.WorkerDay, error) {
	var ids []workday.WorkerDayID
	err := ts.WithTx(ctx, func(tx *Tx) error {
		created, err := tx.BulkCreate(ctx, rows)
		for _, wd := range created {
			ids = append(ids, wd.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	rows, err = ts.store.List(ctx, workday.Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	pos := make(map[workday.WorkerDayID]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	sort.Slice(rows, func(i, j int) bool { return pos[rows[i].ID] < pos[rows[j].ID] })
	return rows, nil
}

func (ts *Timesheet) BulkDelete(ctx context.Context, f workday.Filter) ([]workday.WorkerDayID, error) {
	var ids []workday.WorkerDayID
	err := ts.WithTx(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.BulkDelete(ctx, f)
		return err
	})
	return ids, err
}

// SetClosestPlanApproved relinks every fact in scope. A zero window uses
// the network setting. Returns how many links changed.
func (ts *Timesheet) SetClosestPlanApproved(ctx context.Context, scope workday.Filter, window time.Duration) (int, error) {
	var n int
	err := ts.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.SetClosestPlanApproved(ctx, scope, window)
		return err
	})
	return n, err
}
