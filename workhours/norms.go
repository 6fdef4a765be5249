package workhours

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/workday"
)

// ShortDayReduction is how much shorter a pre-holiday day is.
const ShortDayReduction = time.Hour

// ProductionNorms derives norm hours from the production calendar: every
// work day of an active employment carries the network's daily norm scaled
// by the employment rate. Short days lose ShortDayReduction, holidays carry
// nothing. Concurrent employments add up.
type ProductionNorms struct {
	dir workday.Directory
	cal calendar.ProductionCalendar
}

func NewProductionNorms(dir workday.Directory, cal calendar.ProductionCalendar) *ProductionNorms {
	return &ProductionNorms{dir: dir, cal: cal}
}

var _ NormSource = (*ProductionNorms)(nil)

func (p *ProductionNorms) NormHours(ctx context.Context, employeeID workday.EmployeeID, from, to workday.Date) (decimal.Decimal, error) {
	emps, err := p.dir.Employments(ctx, employeeID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("employments of %d: %w", employeeID, err)
	}

	total := decimal.Zero
	for _, e := range emps {
		shop, err := p.dir.Shop(ctx, e.ShopID)
		if err != nil {
			return decimal.Zero, err
		}
		network, err := p.dir.Network(ctx, shop.NetworkID)
		if err != nil {
			return decimal.Zero, err
		}
		perDay := network.Settings.WithDefaults().NormHoursPerDay

		rate := decimal.NewFromInt(1)
		if !e.NormWorkHours.IsZero() {
			rate = e.NormWorkHours.Div(decimal.NewFromInt(100))
		}

		var base time.Duration
		for _, d := range workday.DatesBetween(from, to) {
			if !e.ActiveOn(d) {
				continue
			}
			day, err := p.cal.ProductionDay(ctx, shop.RegionID, d)
			if err != nil {
				return decimal.Zero, err
			}
			switch day.Kind {
			case workday.ProductionWork:
				base += perDay
			case workday.ProductionShort:
				base += max(perDay-ShortDayReduction, 0)
			}
		}
		total = total.Add(Hours(base).Mul(rate))
	}
	return total.Round(2), nil
}
