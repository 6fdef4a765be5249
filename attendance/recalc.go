package attendance

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

// Recalc rebuilds the approved facts of employees on [from, to] from their
// stored ticks. Facts someone edited by hand survive unless the network
// allows overwriting them. It returns the number of ticks replayed.
func (r *Reconciler) Recalc(ctx context.Context, employees []workday.EmployeeID, from, to workday.Date) (int, error) {
	total := 0
	for _, id := range employees {
		n, err := r.recalcEmployee(ctx, id, from, to)
		if err != nil {
			return total, fmt.Errorf("recalc employee %d: %w", id, err)
		}
		total += n
	}
	return total, nil
}

func (r *Reconciler) recalcEmployee(ctx context.Context, id workday.EmployeeID, from, to workday.Date) (int, error) {
	emp, err := r.ts.Directory().Employee(ctx, id)
	if err != nil {
		return 0, err
	}
	unlock := r.locks.Lock(int64(emp.UserID))
	defer unlock()

	replayed := 0
	err = r.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceAttendanceAuto)
		replayed = 0

		settings, err := tx.Refs().EmployeeSettings(ctx, id)
		if err != nil {
			return err
		}
		types, err := tx.Refs().DayTypes(ctx)
		if err != nil {
			return err
		}
		facts, err := tx.List(ctx, workday.Filter{
			EmployeeIDs: []workday.EmployeeID{id},
			DtFrom:      from,
			DtTo:        to,
			IsFact:      workday.Ptr(true),
		})
		if err != nil {
			return err
		}

		// A hand-edited fact protects its whole date in both fact graphs.
		kept := make(map[workday.Date]bool)
		facts = slices.DeleteFunc(facts, func(f workday.WorkerDay) bool {
			t, ok := types[f.Type]
			return !ok || t.IsDayoff
		})
		for _, f := range facts {
			if f.LastEditedBy != nil && !settings.EditManualFactOnRecalcFactFromAttRecords {
				kept[f.Dt] = true
			}
		}
		var drop []workday.WorkerDayID
		for _, f := range facts {
			if !kept[f.Dt] {
				drop = append(drop, f.ID)
			}
		}
		if err := tx.Remove(ctx, drop...); err != nil {
			return err
		}

		// Ticks up to a day around the range; the local date decides.
		records, err := tx.Store().ListAttendance(ctx, workday.AttendanceFilter{
			UserIDs:  []workday.UserID{emp.UserID},
			DttmFrom: from.In(time.UTC).Add(-24 * time.Hour),
			DttmTo:   to.AddDays(2).In(time.UTC).Add(24 * time.Hour),
		})
		if err != nil {
			return err
		}
		skip := func(d workday.Date) bool {
			return d.Before(from) || d.After(to) || kept[d]
		}
		for _, rec := range records {
			if rec.EmployeeID == nil || *rec.EmployeeID != id {
				continue
			}
			shop, err := tx.Refs().Shop(ctx, rec.ShopID)
			if err != nil {
				return err
			}
			local := shop.LocalDate(rec.Dttm)
			if local.Before(from) || local.After(to.AddDays(1)) {
				continue
			}
			employment, err := resolveEmployment(ctx, tx, []workday.Employee{*emp}, shop, rec.Dttm)
			if err != nil {
				return err
			}
			factID, err := apply(ctx, tx, tick{rec: rec, shop: shop, employment: employment}, skip)
			if err != nil {
				return err
			}
			// Links must be current before the next tick picks its plan.
			if err := tx.Flush(ctx); err != nil {
				return err
			}
			if factID != 0 {
				replayed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("facts recalculated",
		zap.Int64("employee_id", int64(id)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("ticks", replayed),
	)
	return replayed, nil
}

// OnPlanApproved replays ticks for employees whose network asks for it.
func (r *Reconciler) OnPlanApproved(ctx context.Context, ev events.Event) error {
	refs := timesheet.NewRefs(r.ts.Directory())
	for _, id := range ev.EmployeeIDs {
		settings, err := refs.EmployeeSettings(ctx, id)
		if err != nil {
			return err
		}
		if !settings.RunRecalcFactFromAttRecordsOnPlanApprove {
			continue
		}
		if _, err := r.Recalc(ctx, []workday.EmployeeID{id}, ev.DtFrom, ev.DtTo); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers the plan-approved handler.
func (r *Reconciler) Subscribe(d *events.Dispatcher) {
	d.Subscribe(events.KindPlanApproved, "attendance.recalc", r.OnPlanApproved)
}
