package timesheet

import (
	"cmp"
	"slices"

	"github.com/warp/worktime-engine/workday"
)

// EmploymentHint narrows the choice among several active employments.
type EmploymentHint struct {
	Preferred  []workday.EmploymentID
	WorkTypeID *workday.WorkTypeID
	ShopID     *workday.ShopID
}

// ResolveEmployment picks the employment a row on dt belongs to. Among the
// employments active on dt it prefers, in order: a preferred id, one that
// carries the hinted work type, one in the hinted shop, the highest rate,
// the lowest id. Returns nil when nothing is active.
func ResolveEmployment(emps []workday.Employment, dt workday.Date, hint EmploymentHint) *workday.Employment {
	var active []workday.Employment
	for _, e := range emps {
		if e.ActiveOn(dt) {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return nil
	}

	rank := func(e workday.Employment) [3]bool {
		return [3]bool{
			slices.Contains(hint.Preferred, e.ID),
			hint.WorkTypeID != nil && e.HasWorkType(*hint.WorkTypeID),
			hint.ShopID != nil && e.ShopID == *hint.ShopID,
		}
	}
	slices.SortStableFunc(active, func(a, b workday.Employment) int {
		ra, rb := rank(a), rank(b)
		for i := range ra {
			if ra[i] != rb[i] {
				if ra[i] {
					return -1
				}
				return 1
			}
		}
		if c := b.NormWorkHours.Cmp(a.NormWorkHours); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	out := active[0]
	return &out
}

// hintFor derives the hint for a row: its shop and its main work type.
func hintFor(wd workday.WorkerDay) EmploymentHint {
	h := EmploymentHint{ShopID: wd.ShopID}
	if len(wd.Details) > 0 {
		main := wd.Details[0]
		for _, d := range wd.Details[1:] {
			if d.WorkPart > main.WorkPart {
				main = d
			}
		}
		h.WorkTypeID = workday.Ptr(main.WorkTypeID)
	}
	return h
}
