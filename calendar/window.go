package calendar

import (
	"time"

	"github.com/warp/worktime-engine/workday"
)

// NightWindow is [Start, End) in local time. End <= Start wraps midnight.
type NightWindow struct {
	Start workday.TimeOfDay
	End   workday.TimeOfDay
}

func NightWindowOf(s workday.NetworkSettings) NightWindow {
	s = s.WithDefaults()
	return NightWindow{Start: s.NightStart, End: s.NightEnd}
}

// Overlap returns how much of [start, end) falls into the window when
// evaluated in loc.
func (w NightWindow) Overlap(start, end time.Time, loc *time.Location) time.Duration {
	if w.Start == w.End || !start.Before(end) {
		return 0
	}
	first := workday.DateOf(start.In(loc)).AddDays(-1)
	last := workday.DateOf(end.In(loc))

	var total time.Duration
	for d := first; !d.After(last); d = d.AddDays(1) {
		ns := d.At(w.Start, loc)
		ne := d.At(w.End, loc)
		if w.End <= w.Start {
			ne = d.AddDays(1).At(w.End, loc)
		}
		total += intersect(start, end, ns, ne)
	}
	return total
}

func intersect(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	lo, hi := aStart, aEnd
	if bStart.After(lo) {
		lo = bStart
	}
	if bEnd.Before(hi) {
		hi = bEnd
	}
	if !lo.Before(hi) {
		return 0
	}
	return hi.Sub(lo)
}

// ShopSchedule returns the opening window of shop on d. ok is false when
// the shop has no schedule for that date; a special-schedule entry marked
// Closed overrides the weekday schedule with none.
func ShopSchedule(shop workday.Shop, d workday.Date) (open, close time.Time, ok bool) {
	oh, found := shop.SpecialSchedule[d]
	if !found {
		oh, found = shop.Schedule[d.Weekday()]
	}
	if !found || oh.Closed {
		return time.Time{}, time.Time{}, false
	}

	loc := shop.Location()
	open = d.At(oh.Open, loc)
	switch {
	case oh.Close == oh.Open:
		close = open.Add(24 * time.Hour)
	case oh.Close < oh.Open:
		close = d.AddDays(1).At(oh.Close, loc)
	default:
		close = d.At(oh.Close, loc)
	}
	return open, close, true
}
