/*
calculator.go - Paid work hours for one worker day

PURPOSE:
  Derives WorkerDay.WorkHours. Workday types measure their [start, end)
  range; day-off types follow their WorkHoursMethod.

RANGE PIPELINE:
  1. Crop to the shop's opening window (crop_work_hours_by_shop_schedule).
  2. Facts only: snap to the closest approved plan within the late-arrival
     and early-departure tolerances, then intersect with the plan
     (only_fact_hours_in_approved_plan).
  3. Subtract breaks from the break table when the type says so.
  4. Round (half_hour) if the network asks for it.
  5. Split into day and night parts; breaks are spread proportionally.
  6. Tag celebration days.

DAY-OFF METHODS:
  range          zero
  manual         the row's own hours
  month_average  month norm / norm-bearing days in the month
  norm_hours     daily norm scaled by the employment rate
  manual_or_sawh manual if set, otherwise month average

SEE ALSO:
  - breaks.go: Break table evaluation
  - calendar/window.go: Night overlap and shop schedule
*/
package workhours

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/workday"
)

// NormSource yields an employee's norm hours over a period (SAWH).
type NormSource interface {
	NormHours(ctx context.Context, employeeID workday.EmployeeID, from, to workday.Date) (decimal.Decimal, error)
}

// NormFunc adapts a function to NormSource.
type NormFunc func(ctx context.Context, employeeID workday.EmployeeID, from, to workday.Date) (decimal.Decimal, error)

func (f NormFunc) NormHours(ctx context.Context, employeeID workday.EmployeeID, from, to workday.Date) (decimal.Decimal, error) {
	return f(ctx, employeeID, from, to)
}

// Input is everything one computation needs. For day-off rows Shop is the
// employment's shop (used for region and calendar only).
type Input struct {
	Day         workday.WorkerDay
	Type        workday.DayType
	Shop        *workday.Shop
	Settings    workday.NetworkSettings
	Breaks      workday.BreakTable
	ClosestPlan *workday.WorkerDay
	Employment  *workday.Employment
}

// Result holds exact durations; Day + Night == Total.
type Result struct {
	Total   time.Duration
	Day     time.Duration
	Night   time.Duration
	Holiday bool
}

func (r Result) TotalHours() decimal.Decimal { return Hours(r.Total) }
func (r Result) DayHours() decimal.Decimal   { return Hours(r.Day) }
func (r Result) NightHours() decimal.Decimal { return Hours(r.Night) }

// Hours converts a duration to decimal hours rounded to two places.
func Hours(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Second)).Div(decimal.NewFromInt(3600)).Round(2)
}

// FromHours converts decimal hours to a duration at second precision.
func FromHours(h decimal.Decimal) time.Duration {
	return time.Duration(h.Mul(decimal.NewFromInt(3600)).Round(0).IntPart()) * time.Second
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	cal   calendar.ProductionCalendar
	norms NormSource
}

func NewCalculator(cal calendar.ProductionCalendar, norms NormSource) *Calculator {
	return &Calculator{cal: cal, norms: norms}
}

// Compute derives the hours of in.Day.
func (c *Calculator) Compute(ctx context.Context, in Input) (Result, error) {
	in.Settings = in.Settings.WithDefaults()
	if in.Type.IsDayoff {
		return c.dayoff(ctx, in)
	}
	if in.Type.WorkHoursMethod == workday.MethodManual {
		return Result{Total: in.Day.WorkHours, Day: in.Day.WorkHours}, nil
	}
	return c.ranged(ctx, in)
}

func (c *Calculator) ranged(ctx context.Context, in Input) (Result, error) {
	var res Result
	if in.Shop != nil && c.cal != nil {
		pd, err := c.cal.ProductionDay(ctx, in.Shop.RegionID, in.Day.Dt)
		if err != nil {
			return Result{}, fmt.Errorf("production day: %w", err)
		}
		res.Holiday = pd.IsCelebration
	}
	if !in.Day.HasRange() {
		return res, nil
	}

	start, end := *in.Day.WorkStart, *in.Day.WorkEnd
	loc := time.UTC
	if in.Shop != nil {
		loc = in.Shop.Location()
		if in.Settings.CropWorkHoursByShopSchedule {
			if open, close, ok := calendar.ShopSchedule(*in.Shop, in.Day.Dt); ok {
				start, end = later(start, open), earlier(end, close)
			}
		}
	}

	if in.Day.IsFact && in.Settings.OnlyFactHoursInApprovedPlan {
		plan := in.ClosestPlan
		if plan == nil || !plan.HasRange() {
			return res, nil
		}
		ps, pe := *plan.WorkStart, *plan.WorkEnd
		if start.After(ps) && start.Sub(ps) <= in.Settings.AllowedIntervalForLateArrival {
			start = ps
		}
		if end.Before(pe) && pe.Sub(end) <= in.Settings.AllowedIntervalForEarlyDeparture {
			end = pe
		}
		start, end = later(start, ps), earlier(end, pe)
	}

	if !start.Before(end) {
		return res, nil
	}

	span := end.Sub(start)
	total := span
	if in.Type.SubtractBreaks {
		total -= Breaks(in.Breaks, span)
		if total < 0 {
			total = 0
		}
	}
	if in.Settings.RoundWorkHoursAlg == workday.RoundHalfHour {
		total = total.Round(30 * time.Minute)
	}

	night := calendar.NightWindowOf(in.Settings).Overlap(start, end, loc)
	totalSec, nightSec, spanSec := int64(total/time.Second), int64(night/time.Second), int64(span/time.Second)
	nightPart := time.Duration(totalSec*nightSec/spanSec) * time.Second

	res.Total = total
	res.Night = nightPart
	res.Day = total - nightPart
	return res, nil
}

func (c *Calculator) dayoff(ctx context.Context, in Input) (Result, error) {
	var hours time.Duration
	switch in.Type.WorkHoursMethod {
	case workday.MethodManual:
		hours = in.Day.WorkHours
	case workday.MethodSAWHAverage:
		h, err := c.monthAverage(ctx, in)
		if err != nil {
			return Result{}, err
		}
		hours = h
	case workday.MethodNormHours:
		hours = normHours(in)
	case workday.MethodManualOrSAWH:
		if in.Day.WorkHours > 0 {
			hours = in.Day.WorkHours
			break
		}
		h, err := c.monthAverage(ctx, in)
		if err != nil {
			return Result{}, err
		}
		hours = h
	}
	return Result{Total: hours, Day: hours}, nil
}

func (c *Calculator) monthAverage(ctx context.Context, in Input) (time.Duration, error) {
	if c.norms == nil || in.Day.EmployeeID == nil || in.Shop == nil {
		return 0, nil
	}
	month := in.Day.Dt.MonthStart()
	norm, err := c.norms.NormHours(ctx, *in.Day.EmployeeID, month, month.MonthEnd())
	if err != nil {
		return 0, fmt.Errorf("norm hours: %w", err)
	}
	days, err := calendar.CountWorkDays(ctx, c.cal, in.Shop.RegionID, month)
	if err != nil {
		return 0, err
	}
	if days == 0 {
		return 0, nil
	}
	avg := norm.Div(decimal.NewFromInt(int64(days)))
	if in.Settings.RoundWorkHoursAlg == workday.RoundHalfHour {
		avg = avg.Mul(decimal.NewFromInt(2)).Round(0).Div(decimal.NewFromInt(2))
	}
	return FromHours(avg), nil
}

func normHours(in Input) time.Duration {
	base := in.Settings.NormHoursPerDay
	if in.Employment == nil || in.Employment.NormWorkHours.IsZero() {
		return base
	}
	rate := in.Employment.NormWorkHours.Div(decimal.NewFromInt(100))
	return FromHours(Hours(base).Mul(rate))
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func earlier(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
