package timesheet

import (
	"sort"
	"time"

	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// CLOSEST APPROVED PLAN
// =============================================================================

// PlanDistance measures how far a fact sits from a plan row. Closed facts
// compare midpoints. A fact with only a start compares starts, one with only
// an end compares ends. ok is false when the plan is not a candidate: not a
// plan-approved ranged row of the same employee.
func PlanDistance(fact, plan workday.WorkerDay) (time.Duration, bool) {
	if plan.IsFact || !plan.IsApproved || !plan.HasRange() {
		return 0, false
	}
	if fact.EmployeeID == nil || !plan.EmployeeIs(*fact.EmployeeID) {
		return 0, false
	}
	var a, b time.Time
	switch {
	case fact.HasRange():
		a, _ = fact.Midpoint()
		b, _ = plan.Midpoint()
	case fact.WorkStart != nil:
		a, b = *fact.WorkStart, *plan.WorkStart
	case fact.WorkEnd != nil:
		a, b = *fact.WorkEnd, *plan.WorkEnd
	default:
		return 0, false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d, true
}

// ClosestPlan returns the candidate plan nearest to fact within window.
// Ties go to the lower plan id.
func ClosestPlan(fact workday.WorkerDay, plans []workday.WorkerDay, window time.Duration) *workday.WorkerDay {
	var best *workday.WorkerDay
	var bestDist time.Duration
	for i := range plans {
		d, ok := PlanDistance(fact, plans[i])
		if !ok || d > window {
			continue
		}
		if best == nil || d < bestDist || (d == bestDist && plans[i].ID < best.ID) {
			best, bestDist = &plans[i], d
		}
	}
	return best
}

// LinkPlans assigns each fact its closest approved plan within window.
// With exclusive set (several rows per date allowed) a plan is claimed by at
// most one fact per graph; pairs are settled nearest first. Facts without a
// candidate map to zero.
func LinkPlans(facts, plans []workday.WorkerDay, window time.Duration, exclusive bool) map[workday.WorkerDayID]workday.WorkerDayID {
	out := make(map[workday.WorkerDayID]workday.WorkerDayID, len(facts))
	if !exclusive {
		for _, f := range facts {
			if p := ClosestPlan(f, plans, window); p != nil {
				out[f.ID] = p.ID
			} else {
				out[f.ID] = 0
			}
		}
		return out
	}

	type pair struct {
		fact, plan workday.WorkerDay
		dist       time.Duration
	}
	var pairs []pair
	for _, f := range facts {
		out[f.ID] = 0
		for _, p := range plans {
			if d, ok := PlanDistance(f, p); ok && d <= window {
				pairs = append(pairs, pair{fact: f, plan: p, dist: d})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		if pairs[i].plan.ID != pairs[j].plan.ID {
			return pairs[i].plan.ID < pairs[j].plan.ID
		}
		return pairs[i].fact.ID < pairs[j].fact.ID
	})

	type claim struct {
		plan  workday.WorkerDayID
		graph workday.Graph
	}
	claimed := make(map[claim]bool)
	settled := make(map[workday.WorkerDayID]bool)
	for _, p := range pairs {
		c := claim{plan: p.plan.ID, graph: p.fact.Graph()}
		if settled[p.fact.ID] || claimed[c] {
			continue
		}
		out[p.fact.ID] = p.plan.ID
		settled[p.fact.ID] = true
		claimed[c] = true
	}
	return out
}
