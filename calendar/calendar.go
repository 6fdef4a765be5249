/*
Package calendar is the clock and calendar oracle.

PURPOSE:
  Answers the time questions every engine asks: what local date an instant
  falls on in a shop, what kind of production day a date is in a region,
  when the shop is open, and how much of an interval lies in the night
  window.

KEY CONCEPTS:
  Production day:  region-wide tag per date (work, holiday, short) plus a
                   celebration flag. Dates missing from the calendar fall
                   back to weekday rules.
  Night window:    half-open [start, end) in shop-local time, possibly
                   wrapping midnight.
  Month caching:   production days are loaded a month at a time, see
                   cache.go.

SEE ALSO:
  - cache.go: Redis-backed month cache with request coalescing
  - workhours/calculator.go: Main consumer
*/
package calendar

import (
	"context"
	"time"

	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// PRODUCTION CALENDAR
// =============================================================================

// ProductionCalendar tags a date in a region.
type ProductionCalendar interface {
	ProductionDay(ctx context.Context, regionID workday.RegionID, d workday.Date) (workday.ProductionDay, error)
}

// MonthSource loads all explicit production days of one month.
type MonthSource interface {
	Month(ctx context.Context, regionID workday.RegionID, month workday.Date) ([]workday.ProductionDay, error)
}

// DirectoryCalendar reads production days straight from the directory.
type DirectoryCalendar struct {
	dir workday.Directory
}

func NewDirectoryCalendar(dir workday.Directory) *DirectoryCalendar {
	return &DirectoryCalendar{dir: dir}
}

func (c *DirectoryCalendar) Month(ctx context.Context, regionID workday.RegionID, month workday.Date) ([]workday.ProductionDay, error) {
	return c.dir.ProductionDays(ctx, regionID, month.MonthStart(), month.MonthEnd())
}

func (c *DirectoryCalendar) ProductionDay(ctx context.Context, regionID workday.RegionID, d workday.Date) (workday.ProductionDay, error) {
	days, err := c.Month(ctx, regionID, d)
	if err != nil {
		return workday.ProductionDay{}, err
	}
	return pick(days, regionID, d), nil
}

func pick(days []workday.ProductionDay, regionID workday.RegionID, d workday.Date) workday.ProductionDay {
	for _, p := range days {
		if p.Dt == d {
			return p
		}
	}
	return WeekdayDefault(regionID, d)
}

// WeekdayDefault treats Saturday and Sunday as holidays.
func WeekdayDefault(regionID workday.RegionID, d workday.Date) workday.ProductionDay {
	kind := workday.ProductionWork
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		kind = workday.ProductionHoliday
	}
	return workday.ProductionDay{Dt: d, RegionID: regionID, Kind: kind}
}

// CountWorkDays returns how many days of the month carry norm hours
// (work and short days).
func CountWorkDays(ctx context.Context, cal ProductionCalendar, regionID workday.RegionID, month workday.Date) (int, error) {
	n := 0
	for _, d := range workday.DatesBetween(month.MonthStart(), month.MonthEnd()) {
		p, err := cal.ProductionDay(ctx, regionID, d)
		if err != nil {
			return 0, err
		}
		if p.Kind == workday.ProductionWork || p.Kind == workday.ProductionShort {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// ORACLE
// =============================================================================

// Oracle bundles the clock with calendar lookups.
type Oracle struct {
	Calendar ProductionCalendar
	Now      func() time.Time
}

func NewOracle(cal ProductionCalendar) *Oracle {
	return &Oracle{Calendar: cal, Now: time.Now}
}

// Today is the current shop-local date.
func (o *Oracle) Today(shop workday.Shop) workday.Date {
	return shop.LocalDate(o.Now())
}

// TodayUTC is used when no shop is in play.
func (o *Oracle) TodayUTC() workday.Date {
	return workday.DateOf(o.Now().UTC())
}

func (o *Oracle) ProductionDay(ctx context.Context, shop workday.Shop, d workday.Date) (workday.ProductionDay, error) {
	return o.Calendar.ProductionDay(ctx, shop.RegionID, d)
}
