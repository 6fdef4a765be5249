package workhours

import (
	"time"

	"github.com/warp/worktime-engine/workday"
)

// Breaks returns the break time for a shift of length d: the sum of the
// first rule whose [from, to] minute range contains d, or zero.
func Breaks(table workday.BreakTable, d time.Duration) time.Duration {
	minutes := int(d / time.Minute)
	for _, rule := range table {
		if rule.FromMinutes <= minutes && minutes <= rule.ToMinutes {
			sum := 0
			for _, b := range rule.Breaks {
				sum += b
			}
			return time.Duration(sum) * time.Minute
		}
	}
	return 0
}

// ResolveBreakTable applies precedence position > network > shop.
func ResolveBreakTable(position *workday.Position, settings workday.NetworkSettings, shop *workday.Shop) workday.BreakTable {
	switch {
	case position != nil && len(position.BreakTable) > 0:
		return position.BreakTable
	case len(settings.BreakTable) > 0:
		return settings.BreakTable
	case shop != nil:
		return shop.BreakTable
	}
	return nil
}
