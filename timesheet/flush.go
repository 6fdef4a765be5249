package timesheet

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/warp/worktime-engine/workday"
	"github.com/warp/worktime-engine/workhours"
)

// Flush recomputes derived fields for everything touched since the last
// Flush and checks the resulting state. WithTx calls it before commit;
// engines call it earlier when they need derived fields mid-transaction.
func (tx *Tx) Flush(ctx context.Context) error {
	if len(tx.touched) == 0 && len(tx.dirty) == 0 {
		return nil
	}
	err := tx.flush(ctx)
	if err != nil {
		workday.NameRows(err, func(id workday.EmployeeID) string { return tx.refs.EmployeeName(ctx, id) })
		return err
	}
	clear(tx.touched)
	clear(tx.dirty)
	return nil
}

func (tx *Tx) flush(ctx context.Context) error {
	byEmp := make(map[workday.EmployeeID][]workday.Date)
	for k := range tx.touched {
		if k.EmployeeID != 0 {
			byEmp[k.EmployeeID] = append(byEmp[k.EmployeeID], k.Dt)
		}
	}
	for _, emp := range sortedEmployees(byEmp) {
		if _, err := tx.flushEmployee(ctx, emp, byEmp[emp], 0); err != nil {
			return err
		}
		if err := tx.checkEmployee(ctx, emp); err != nil {
			return err
		}
	}
	return tx.flushOpenVacancies(ctx)
}

// flushEmployee relinks facts and recomputes hours around dates. It returns
// how many closest-plan links changed.
func (tx *Tx) flushEmployee(ctx context.Context, emp workday.EmployeeID, dates []workday.Date, window time.Duration) (int, error) {
	types, err := tx.refs.DayTypes(ctx)
	if err != nil {
		return 0, err
	}
	settings, err := tx.refs.EmployeeSettings(ctx, emp)
	if err != nil {
		return 0, err
	}
	if window <= 0 {
		window = settings.ClosestPlanWindow
	}

	from, to := bounds(dates)
	rows, err := tx.store.List(ctx, workday.Filter{
		EmployeeIDs: []workday.EmployeeID{emp},
		DtFrom:      from.AddDays(-2),
		DtTo:        to.AddDays(2),
	})
	if err != nil {
		return 0, fmt.Errorf("load rows of employee %d: %w", emp, err)
	}

	inScope := func(wd workday.WorkerDay) bool {
		return !wd.Dt.Before(from.AddDays(-1)) && !wd.Dt.After(to.AddDays(1))
	}
	var plans, facts []workday.WorkerDay
	for _, wd := range rows {
		switch {
		case wd.IsFact && inScope(wd):
			facts = append(facts, wd)
		case !wd.IsFact && wd.IsApproved && wd.HasRange() && !types[wd.Type].IsDayoff:
			plans = append(plans, wd)
		}
	}

	// 1. closest approved plan
	links := LinkPlans(facts, plans, window, settings.AllowMultipleWorkerDaysPerDate)
	byID := make(map[workday.WorkerDayID]*workday.WorkerDay, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	changed := make(map[workday.WorkerDayID]bool)
	relinked := 0
	for _, f := range facts {
		row := byID[f.ID]
		want := links[f.ID]
		var cur workday.WorkerDayID
		if row.ClosestPlanApprovedID != nil {
			cur = *row.ClosestPlanApprovedID
		}
		if want == cur {
			continue
		}
		if want == 0 {
			row.ClosestPlanApprovedID = nil
		} else {
			row.ClosestPlanApprovedID = workday.Ptr(want)
		}
		changed[f.ID] = true
		relinked++
	}

	// 2. work hours
	for i := range rows {
		row := &rows[i]
		_, dirty := tx.dirty[row.ID]
		if !dirty && !(row.IsFact && inScope(*row)) {
			continue
		}
		hours, err := tx.computeHours(ctx, *row, byID)
		if err != nil {
			return 0, err
		}
		if hours != row.WorkHours {
			row.WorkHours = hours
			changed[row.ID] = true
		}
	}

	ids := make([]workday.WorkerDayID, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := tx.store.Update(ctx, byID[id]); err != nil {
			return 0, fmt.Errorf("update derived fields of worker day %d: %w", id, err)
		}
		tx.recordDerived(*byID[id])
	}
	return relinked, nil
}

// computeHours gathers the calculator inputs for one row.
func (tx *Tx) computeHours(ctx context.Context, wd workday.WorkerDay, byID map[workday.WorkerDayID]*workday.WorkerDay) (time.Duration, error) {
	t, err := tx.refs.DayType(ctx, wd.Type)
	if err != nil {
		return 0, err
	}
	in := workhours.Input{Day: wd, Type: t}

	if wd.EmployeeID != nil && wd.EmploymentID != nil {
		emp, err := tx.refs.Employment(ctx, *wd.EmployeeID, *wd.EmploymentID)
		if err != nil {
			return 0, err
		}
		in.Employment = emp
	}

	shopID := wd.ShopID
	if shopID == nil && in.Employment != nil {
		shopID = workday.Ptr(in.Employment.ShopID)
	}
	switch {
	case shopID != nil:
		shop, err := tx.refs.Shop(ctx, *shopID)
		if err != nil {
			return 0, err
		}
		in.Shop = shop
		if in.Settings, err = tx.refs.Settings(ctx, shop.NetworkID); err != nil {
			return 0, err
		}
	case wd.EmployeeID != nil:
		if in.Settings, err = tx.refs.EmployeeSettings(ctx, *wd.EmployeeID); err != nil {
			return 0, err
		}
	}

	var pos *workday.Position
	if in.Employment != nil && in.Employment.PositionID != nil {
		if pos, err = tx.refs.Position(ctx, *in.Employment.PositionID); err != nil {
			return 0, err
		}
	}
	in.Breaks = workhours.ResolveBreakTable(pos, in.Settings, in.Shop)

	if wd.ClosestPlanApprovedID != nil {
		if p, ok := byID[*wd.ClosestPlanApprovedID]; ok {
			in.ClosestPlan = p
		} else if p, err := tx.store.Get(ctx, *wd.ClosestPlanApprovedID); err == nil {
			in.ClosestPlan = p
		}
	}

	res, err := tx.ts.calc.Compute(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("work hours of %s: %w", wd, err)
	}
	return res.Total, nil
}

// flushOpenVacancies recomputes hours of touched rows without an employee.
func (tx *Tx) flushOpenVacancies(ctx context.Context) error {
	ids := make([]workday.WorkerDayID, 0)
	for id := range tx.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		wd, err := tx.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if wd.EmployeeID != nil {
			continue
		}
		hours, err := tx.computeHours(ctx, *wd, nil)
		if err != nil {
			return err
		}
		if hours == wd.WorkHours {
			continue
		}
		wd.WorkHours = hours
		if err := tx.store.Update(ctx, wd); err != nil {
			return fmt.Errorf("update derived fields of worker day %d: %w", id, err)
		}
		tx.recordDerived(*wd)
	}
	return nil
}

// =============================================================================
// CHECKS
// =============================================================================

// checkEmployee validates the employee's touched keys and graphs.
func (tx *Tx) checkEmployee(ctx context.Context, emp workday.EmployeeID) error {
	types, err := tx.refs.DayTypes(ctx)
	if err != nil {
		return err
	}
	settings, err := tx.refs.EmployeeSettings(ctx, emp)
	if err != nil {
		return err
	}

	var keys []workday.Key
	graphs := make(map[workday.Graph]bool)
	for k := range tx.touched {
		if k.EmployeeID == emp {
			keys = append(keys, k)
			graphs[k.Graph] = true
		}
	}
	workday.SortKeys(keys)
	from, to := keyBounds(keys)

	rows, err := tx.store.List(ctx, workday.Filter{
		EmployeeIDs: []workday.EmployeeID{emp},
		DtFrom:      from.AddDays(-1),
		DtTo:        to.AddDays(1),
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		var same []workday.WorkerDay
		for _, wd := range rows {
			if wd.Key() == k {
				same = append(same, wd)
			}
		}
		if err := workday.CheckDayRows(same, types, settings.AllowMultipleWorkerDaysPerDate); err != nil {
			return err
		}
	}

	var overlaps []workday.Overlap
	for _, g := range []workday.Graph{workday.PlanDraft, workday.PlanApproved, workday.FactDraft, workday.FactApproved} {
		if !graphs[g] {
			continue
		}
		var ranged []workday.WorkerDay
		for _, wd := range rows {
			if wd.Graph() == g && !types[wd.Type].IsDayoff {
				ranged = append(ranged, wd)
			}
		}
		overlaps = append(overlaps, workday.FindOverlaps(ranged)...)
	}
	if len(overlaps) > 0 {
		return &workday.WorkTimeOverlapError{Overlaps: overlaps}
	}

	return tx.checkOutsourcePlan(ctx, emp, rows, types)
}

// checkOutsourcePlan requires an approved plan behind every fact worked in
// a shop of another network, when that network asks for it.
func (tx *Tx) checkOutsourcePlan(ctx context.Context, emp workday.EmployeeID, rows []workday.WorkerDay, types workday.DayTypes) error {
	employee, err := tx.refs.Employee(ctx, emp)
	if err != nil {
		return err
	}
	for _, wd := range rows {
		if _, dirty := tx.dirty[wd.ID]; !dirty || !wd.IsFact || wd.ShopID == nil || types[wd.Type].IsDayoff {
			continue
		}
		shop, err := tx.refs.Shop(ctx, *wd.ShopID)
		if err != nil {
			return err
		}
		if shop.NetworkID == employee.NetworkID {
			continue
		}
		settings, err := tx.refs.Settings(ctx, shop.NetworkID)
		if err != nil {
			return err
		}
		if !settings.RequirePlanForOutsourceFact {
			continue
		}
		hasPlan := slices.ContainsFunc(rows, func(p workday.WorkerDay) bool {
			return p.Graph() == workday.PlanApproved && p.Dt == wd.Dt && !types[p.Type].IsDayoff
		})
		if !hasPlan {
			return &workday.ConflictError{
				Code:    "plan_required_for_outsource_fact",
				Message: fmt.Sprintf("%s has no approved plan on %s in shop %s", employee.Name, wd.Dt, shop.Name),
			}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func bounds(dates []workday.Date) (from, to workday.Date) {
	for i, d := range dates {
		if i == 0 || d.Before(from) {
			from = d
		}
		if i == 0 || d.After(to) {
			to = d
		}
	}
	return from, to
}

func keyBounds(keys []workday.Key) (from, to workday.Date) {
	dates := make([]workday.Date, len(keys))
	for i, k := range keys {
		dates[i] = k.Dt
	}
	return bounds(dates)
}

func sortedEmployees[V any](m map[workday.EmployeeID]V) []workday.EmployeeID {
	out := make([]workday.EmployeeID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
