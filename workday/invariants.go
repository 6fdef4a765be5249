package workday

import (
	"slices"
	"sort"
	"time"
)

// =============================================================================
// ROW SHAPE
// =============================================================================

// CheckShape validates a single row against its day type. loc is the shop
// zone used to derive dt from the start instant.
//
// Plan rows of a workday type need a full range. Fact rows may be open
// (start without end, or a lone end) while attendance is still arriving.
func CheckShape(wd WorkerDay, t DayType, loc *time.Location) error {
	refs := []RowRef{RefOf(wd)}
	fail := func(code, msg string) error {
		return &ValidationError{Code: code, Message: msg, Rows: refs}
	}

	if wd.Dt.IsZero() {
		return fail("dt_required", "dt is required")
	}
	if wd.EmployeeID == nil && !wd.IsVacancy {
		return fail("employee_required", "only vacancies may have no employee")
	}

	if t.IsDayoff {
		if wd.ShopID != nil || wd.WorkStart != nil || wd.WorkEnd != nil || len(wd.Details) > 0 {
			return fail("dayoff_shape", "day off must not carry shop, work times or details")
		}
		if wd.IsVacancy {
			return fail("vacancy_dayoff", "vacancy must be a workday type")
		}
		if wd.WorkHours < 0 {
			return fail("negative_hours", "work hours must not be negative")
		}
		return nil
	}

	if wd.ShopID == nil {
		return fail("shop_required", "workday type requires a shop")
	}
	if !wd.IsFact && !wd.HasRange() {
		return fail("range_required", "workday type requires work start and end")
	}
	if wd.WorkStart == nil && wd.WorkEnd == nil {
		return fail("range_required", "fact requires work start or end")
	}
	if wd.HasRange() && !wd.WorkStart.Before(*wd.WorkEnd) {
		return fail("invalid_range", "work start must be before work end")
	}
	if wd.WorkStart != nil && loc != nil && DateOf(wd.WorkStart.In(loc)) != wd.Dt {
		return fail("dt_mismatch", "dt must equal the shop-local date of work start")
	}
	if len(wd.Details) > 0 && !t.HasDetails {
		return fail("details_not_allowed", "type "+string(t.Code)+" does not take work type details")
	}
	total := 0.0
	for _, d := range wd.Details {
		if d.WorkPart <= 0 || d.WorkPart > 1 {
			return fail("invalid_work_part", "work part must be in (0, 1]")
		}
		total += d.WorkPart
	}
	if total > 1.0001 {
		return fail("invalid_work_part", "work parts must not sum above 1")
	}
	return nil
}

// =============================================================================
// TYPES PER DATE
// =============================================================================

// CheckDayRows validates the multiset of rows sharing one employee, dt and
// graph. At most one day off may be present, and every workday beside it
// must be listed in its allowed additional types. Several workdays need
// allowMultiple. Time overlap is checked separately by FindOverlaps.
func CheckDayRows(rows []WorkerDay, types DayTypes, allowMultiple bool) error {
	if len(rows) < 2 {
		return nil
	}
	var dayoffs, workdays []WorkerDay
	for _, r := range rows {
		t, err := types.Get(r.Type)
		if err != nil {
			return err
		}
		if t.IsDayoff {
			dayoffs = append(dayoffs, r)
		} else {
			workdays = append(workdays, r)
		}
	}

	if len(dayoffs) > 1 {
		return &MultipleWDTypesOnOneDateError{Rows: refsOf(rows)}
	}
	if len(dayoffs) == 1 {
		t := types[dayoffs[0].Type]
		for _, w := range workdays {
			if !t.AllowsAdditional(w.Type) {
				return &MultipleWDTypesOnOneDateError{Rows: refsOf(rows)}
			}
		}
	}
	if len(workdays) > 1 && !allowMultiple {
		return &HasAnotherWdayOnDateError{Rows: refsOf(workdays)}
	}
	return nil
}

func refsOf(rows []WorkerDay) []RowRef {
	out := make([]RowRef, len(rows))
	for i, r := range rows {
		out[i] = RefOf(r)
	}
	return out
}

// =============================================================================
// OVERLAP
// =============================================================================

// FindOverlaps reports intersecting [start, end) ranges among rows of one
// employee and graph. Rows without a full range are ignored. Sweep over
// rows sorted by start, keeping the furthest end seen so far.
func FindOverlaps(rows []WorkerDay) []Overlap {
	ranged := make([]WorkerDay, 0, len(rows))
	for _, r := range rows {
		if r.HasRange() {
			ranged = append(ranged, r)
		}
	}
	sort.SliceStable(ranged, func(i, j int) bool {
		return ranged[i].WorkStart.Before(*ranged[j].WorkStart)
	})

	var out []Overlap
	var reach *WorkerDay
	for i := range ranged {
		cur := ranged[i]
		if reach != nil && cur.WorkStart.Before(*reach.WorkEnd) {
			out = append(out, Overlap{A: RefOf(*reach), B: RefOf(cur)})
		}
		if reach == nil || cur.WorkEnd.After(*reach.WorkEnd) {
			reach = &ranged[i]
		}
	}
	return out
}

// =============================================================================
// CONTENT EQUALITY
// =============================================================================

// SameContent compares what a user edits. Identity, graph state, audit
// fields, derived links and work hours are ignored.
func SameContent(a, b WorkerDay) bool {
	return a.Dt == b.Dt &&
		a.Type == b.Type &&
		a.IsFact == b.IsFact &&
		eqPtr(a.EmployeeID, b.EmployeeID) &&
		eqPtr(a.EmploymentID, b.EmploymentID) &&
		eqPtr(a.ShopID, b.ShopID) &&
		eqTime(a.WorkStart, b.WorkStart) &&
		eqTime(a.WorkEnd, b.WorkEnd) &&
		a.IsVacancy == b.IsVacancy &&
		a.IsOutsource == b.IsOutsource &&
		a.IsBlocked == b.IsBlocked &&
		a.Code == b.Code &&
		eqDecimal(a, b) &&
		sameDetails(a.Details, b.Details) &&
		sameNetworks(a.Outsources, b.Outsources)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func eqDecimal(a, b WorkerDay) bool {
	if a.CostPerHour == nil || b.CostPerHour == nil {
		return a.CostPerHour == nil && b.CostPerHour == nil
	}
	return a.CostPerHour.Equal(*b.CostPerHour)
}

func sameDetails(a, b []Detail) bool {
	if len(a) != len(b) {
		return false
	}
	cmp := func(x, y Detail) int {
		if x.WorkTypeID != y.WorkTypeID {
			return int(x.WorkTypeID - y.WorkTypeID)
		}
		switch {
		case x.WorkPart < y.WorkPart:
			return -1
		case x.WorkPart > y.WorkPart:
			return 1
		}
		return 0
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.SortFunc(as, cmp)
	slices.SortFunc(bs, cmp)
	return slices.Equal(as, bs)
}

func sameNetworks(a, b []NetworkID) bool {
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
