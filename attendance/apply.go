package attendance

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

type tick struct {
	rec        workday.AttendanceRecord
	shop       *workday.Shop
	employment *workday.Employment
}

func (t tick) isLeaving() bool { return t.rec.Type == workday.AttendanceLeaving }

// apply folds one tick into the employee's approved facts and mirrors the
// result into the fact draft. skip, when set, vetoes writes on a date. It
// returns the approved fact the tick landed on, or zero.
func apply(ctx context.Context, tx *timesheet.Tx, t tick, skip func(workday.Date) bool) (workday.WorkerDayID, error) {
	emp := t.employment.EmployeeID
	settings, err := tx.Refs().EmployeeSettings(ctx, emp)
	if err != nil {
		return 0, err
	}
	local := t.shop.LocalDate(t.rec.Dttm)
	rows, err := tx.List(ctx, workday.Filter{
		EmployeeIDs: []workday.EmployeeID{emp},
		DtFrom:      local.AddDays(-1),
		DtTo:        local.AddDays(1),
	})
	if err != nil {
		return 0, err
	}
	types, err := tx.Refs().DayTypes(ctx)
	if err != nil {
		return 0, err
	}

	var plans, facts []workday.WorkerDay
	for _, wd := range rows {
		typ, ok := types[wd.Type]
		if !ok || typ.IsDayoff {
			continue
		}
		switch wd.Graph() {
		case workday.PlanApproved:
			if wd.HasRange() {
				plans = append(plans, wd)
			}
		case workday.FactApproved:
			facts = append(facts, wd)
		}
	}

	plan := choosePlan(plans, facts, t, settings)
	fact, dt := chooseFact(facts, plans, plan, t, local, settings)
	if skip != nil && skip(dt) {
		return 0, nil
	}

	if fact == nil {
		wd, err := newFact(ctx, tx, t, plan, dt)
		if err != nil {
			return 0, err
		}
		if err := clearDayoffs(ctx, tx, wd.Key(), wd.Type, types); err != nil {
			return 0, err
		}
		if err := tx.Create(ctx, &wd); err != nil {
			return 0, err
		}
		fact = &wd
	} else {
		if !stamp(fact, t) {
			return fact.ID, nil
		}
		if err := tx.Put(ctx, fact); err != nil {
			return 0, err
		}
	}

	if !(t.isLeaving() && settings.SkipLeavingTick) {
		if err := mirrorDraft(ctx, tx, *fact, types, settings.AllowMultipleWorkerDaysPerDate); err != nil {
			return 0, err
		}
	}
	return fact.ID, nil
}

// stamp writes the tick onto an existing fact. COMING only fills an empty
// start; LEAVING moves the end as long as it stays after the start.
func stamp(fact *workday.WorkerDay, t tick) bool {
	at := t.rec.Dttm
	if t.isLeaving() {
		if fact.WorkStart != nil && !at.After(*fact.WorkStart) {
			return false
		}
		if fact.WorkEnd != nil && fact.WorkEnd.Equal(at) {
			return false
		}
		fact.WorkEnd = &at
		return true
	}
	if fact.WorkStart != nil || (fact.WorkEnd != nil && !at.Before(*fact.WorkEnd)) {
		return false
	}
	fact.WorkStart = &at
	return true
}

// =============================================================================
// PLAN & FACT CHOICE
// =============================================================================

// choosePlan picks the approved plan a tick refers to. COMING is measured
// against plan starts and LEAVING against plan ends. Ties prefer a plan
// containing the tick, then the lower id.
func choosePlan(plans, facts []workday.WorkerDay, t tick, s workday.NetworkSettings) *workday.WorkerDay {
	var best *workday.WorkerDay
	var bestDist time.Duration
	var bestIn bool
	for i := range plans {
		p := &plans[i]
		anchor := *p.WorkStart
		if t.isLeaving() {
			anchor = *p.WorkEnd
		}
		d := absDuration(t.rec.Dttm.Sub(anchor))
		if d > s.ClosestPlanWindow {
			continue
		}
		// A started fact already owns the plan; a new arrival is a new shift.
		if s.AllowMultipleWorkerDaysPerDate && !t.isLeaving() && startedOn(facts, p.ID) {
			continue
		}
		in := !t.rec.Dttm.Before(*p.WorkStart) && t.rec.Dttm.Before(*p.WorkEnd)
		better := best == nil || d < bestDist ||
			(d == bestDist && in && !bestIn) ||
			(d == bestDist && in == bestIn && p.ID < best.ID)
		if better {
			best, bestDist, bestIn = p, d, in
		}
	}
	return best
}

func startedOn(facts []workday.WorkerDay, planID workday.WorkerDayID) bool {
	return slices.ContainsFunc(facts, func(f workday.WorkerDay) bool {
		return f.WorkStart != nil && f.ClosestPlanApprovedID != nil && *f.ClosestPlanApprovedID == planID
	})
}

// chooseFact finds the approved fact the tick updates and the date a new
// one would go on. An open fact started within the plan window takes any
// later arrival.
func chooseFact(facts, plans []workday.WorkerDay, plan *workday.WorkerDay, t tick, local workday.Date, s workday.NetworkSettings) (*workday.WorkerDay, workday.Date) {
	dt := local
	multi := s.AllowMultipleWorkerDaysPerDate

	// A repeated arrival while a shift is still open belongs to that shift.
	if !t.isLeaving() {
		if open := latestOpen(facts, t.rec.Dttm, s.ClosestPlanWindow); open != nil {
			return open, open.Dt
		}
	}

	if t.isLeaving() {
		if open := latestOpen(facts, t.rec.Dttm, s.MaxWorkShift); open != nil {
			return open, open.Dt
		}
		if plan != nil && plan.Dt.Before(local) {
			dt = plan.Dt
		} else if plan == nil || plan.Dt != local {
			if prev := nightTail(plans, t.rec.Dttm, local, s.NightShiftTail); prev != nil {
				dt, plan = prev.Dt, prev
			}
		}
	}

	if multi {
		if plan == nil {
			return nil, dt
		}
		for i := range facts {
			f := &facts[i]
			if f.ClosestPlanApprovedID == nil || *f.ClosestPlanApprovedID != plan.ID {
				continue
			}
			// A start must fall on the fact's own date.
			if t.isLeaving() || f.Dt == local {
				return f, f.Dt
			}
		}
		return nil, dt
	}
	for i := range facts {
		if facts[i].Dt == dt {
			return &facts[i], dt
		}
	}
	return nil, dt
}

// latestOpen returns the open fact with the latest start that at could
// close within maxShift.
func latestOpen(facts []workday.WorkerDay, at time.Time, maxShift time.Duration) *workday.WorkerDay {
	var out *workday.WorkerDay
	for i := range facts {
		f := &facts[i]
		if !f.IsOpen() || !f.WorkStart.Before(at) || at.Sub(*f.WorkStart) > maxShift {
			continue
		}
		if out == nil || f.WorkStart.After(*out.WorkStart) {
			out = f
		}
	}
	return out
}

// nightTail returns the previous day's plan whose end lies within tail of
// a departure after midnight.
func nightTail(plans []workday.WorkerDay, at time.Time, local workday.Date, tail time.Duration) *workday.WorkerDay {
	var out *workday.WorkerDay
	var outDist time.Duration
	for i := range plans {
		p := &plans[i]
		if p.Dt != local.AddDays(-1) {
			continue
		}
		d := absDuration(at.Sub(*p.WorkEnd))
		if d > tail {
			continue
		}
		if out == nil || d < outDist {
			out, outDist = p, d
		}
	}
	return out
}

// =============================================================================
// NEW FACTS
// =============================================================================

func newFact(ctx context.Context, tx *timesheet.Tx, t tick, plan *workday.WorkerDay, dt workday.Date) (workday.WorkerDay, error) {
	at := t.rec.Dttm
	wd := workday.WorkerDay{
		Dt:         dt,
		EmployeeID: workday.Ptr(t.employment.EmployeeID),
		ShopID:     workday.Ptr(t.shop.ID),
		Type:       workday.TypeWorkday,
		IsFact:     true,
		IsApproved: true,
		Source:     workday.SourceAttendanceAuto,
	}
	if t.employment.ActiveOn(dt) {
		wd.EmploymentID = workday.Ptr(t.employment.ID)
	}
	if t.isLeaving() {
		wd.WorkEnd = &at
	} else {
		wd.WorkStart = &at
	}
	if plan != nil {
		wd.Type = plan.Type
	}

	typ, err := tx.Refs().DayType(ctx, wd.Type)
	if err != nil {
		return wd, err
	}
	if typ.HasDetails {
		if wd.Details, err = factDetails(ctx, tx, t, plan); err != nil {
			return wd, err
		}
	}
	return wd, nil
}

// factDetails picks work types for a fact created from a tick: the plan's
// own when it is in the same shop, the employment's main one, a shop work
// type named like the plan's, and finally any work type of the shop.
func factDetails(ctx context.Context, tx *timesheet.Tx, t tick, plan *workday.WorkerDay) ([]workday.Detail, error) {
	if plan != nil && plan.ShopID != nil && *plan.ShopID == t.shop.ID && len(plan.Details) > 0 {
		return slices.Clone(plan.Details), nil
	}
	if wt, ok := t.employment.PrimaryWorkType(); ok {
		return []workday.Detail{{WorkTypeID: wt, WorkPart: 1}}, nil
	}

	dir := tx.Refs().Directory()
	shopTypes, err := dir.ShopWorkTypes(ctx, t.shop.ID)
	if err != nil {
		return nil, err
	}
	shopTypes = slices.DeleteFunc(shopTypes, func(w workday.WorkType) bool { return w.DeletedAt != nil })
	if len(shopTypes) == 0 {
		return nil, nil
	}
	if plan != nil && len(plan.Details) > 0 {
		planType, err := dir.WorkType(ctx, plan.Details[0].WorkTypeID)
		if err != nil && !workday.IsNotFound(err) {
			return nil, err
		}
		if planType != nil {
			for _, w := range shopTypes {
				if w.Name == planType.Name {
					return []workday.Detail{{WorkTypeID: w.ID, WorkPart: 1}}, nil
				}
			}
		}
	}
	slices.SortFunc(shopTypes, func(a, b workday.WorkType) int { return cmp.Compare(a.ID, b.ID) })
	return []workday.Detail{{WorkTypeID: shopTypes[0].ID, WorkPart: 1}}, nil
}

// clearDayoffs removes days off on key that cannot coexist with a row of
// type typ.
func clearDayoffs(ctx context.Context, tx *timesheet.Tx, key workday.Key, typ workday.TypeCode, types workday.DayTypes) error {
	rows, err := tx.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	var ids []workday.WorkerDayID
	for _, r := range rows {
		if t, ok := types[r.Type]; ok && t.IsDayoff && !t.AllowsAdditional(typ) {
			ids = append(ids, r.ID)
		}
	}
	return tx.Remove(ctx, ids...)
}

// =============================================================================
// DRAFT MIRROR
// =============================================================================

// mirrorDraft copies the approved fact into the fact draft, reusing the
// draft that points at it, or else the draft it replaces on that date.
func mirrorDraft(ctx context.Context, tx *timesheet.Tx, fact workday.WorkerDay, types workday.DayTypes, multi bool) error {
	key := fact.Key()
	key.Graph = workday.FactDraft
	drafts, err := tx.GetByKey(ctx, key)
	if err != nil {
		return err
	}

	var twin *workday.WorkerDay
	for i := range drafts {
		d := &drafts[i]
		if d.ParentID != nil && *d.ParentID == fact.ID {
			twin = d
			break
		}
	}
	if twin == nil {
		for i := range drafts {
			d := &drafts[i]
			if types[d.Type].IsDayoff {
				continue
			}
			if !multi || overlaps(*d, fact) {
				twin = d
				break
			}
		}
	}

	next := fact.Clone()
	next.ID = 0
	next.IsApproved = false
	next.ParentID = workday.Ptr(fact.ID)
	next.ClosestPlanApprovedID = nil
	next.CreatedBy, next.LastEditedBy = nil, nil
	if twin != nil {
		next.ID = twin.ID
		next.CreatedBy = twin.CreatedBy
		next.ClosestPlanApprovedID = twin.ClosestPlanApprovedID
		if workday.SameContent(*twin, next) && eqParent(twin.ParentID, next.ParentID) {
			return nil
		}
	} else if err := clearDayoffs(ctx, tx, key, next.Type, types); err != nil {
		return err
	}
	return tx.Put(ctx, &next)
}

// overlaps treats a missing end as touching only its known instant.
func overlaps(a, b workday.WorkerDay) bool {
	as, ae := span(a)
	bs, be := span(b)
	if as.IsZero() || bs.IsZero() {
		return false
	}
	return !as.After(be) && !bs.After(ae)
}

func span(wd workday.WorkerDay) (time.Time, time.Time) {
	switch {
	case wd.HasRange():
		return *wd.WorkStart, *wd.WorkEnd
	case wd.WorkStart != nil:
		return *wd.WorkStart, *wd.WorkStart
	case wd.WorkEnd != nil:
		return *wd.WorkEnd, *wd.WorkEnd
	}
	return time.Time{}, time.Time{}
}

func eqParent(a, b *workday.WorkerDayID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
