package calendar_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type countingSource struct {
	days  []workday.ProductionDay
	calls atomic.Int32
	err   error
}

func (s *countingSource) Month(ctx context.Context, regionID workday.RegionID, month workday.Date) ([]workday.ProductionDay, error) {
	s.calls.Add(1)
	return s.days, s.err
}

func at(loc *time.Location, y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

// =============================================================================
// NIGHT WINDOW
// =============================================================================

func TestNightWindow_Overlap_WrapsMidnight(t *testing.T) {
	// GIVEN: Night 22:00-06:00 and a shift 18:00-03:00
	w := calendar.NightWindow{Start: workday.MustParseTimeOfDay("22:00"), End: workday.MustParseTimeOfDay("06:00")}
	loc := time.UTC

	// WHEN: Measuring the night part
	got := w.Overlap(at(loc, 2024, 3, 1, 18, 0), at(loc, 2024, 3, 2, 3, 0), loc)

	// THEN: 22:00-03:00 is night
	assert.Equal(t, 5*time.Hour, got)
}

func TestNightWindow_Overlap_EarlyMorningShift(t *testing.T) {
	w := calendar.NightWindow{Start: workday.MustParseTimeOfDay("22:00"), End: workday.MustParseTimeOfDay("06:00")}
	loc := time.FixedZone("UTC+3", 3*3600)

	got := w.Overlap(at(loc, 2024, 3, 1, 4, 0), at(loc, 2024, 3, 1, 12, 0), loc)

	assert.Equal(t, 2*time.Hour, got)
}

func TestNightWindow_Overlap_DayShiftHasNoNight(t *testing.T) {
	w := calendar.NightWindowOf(workday.NetworkSettings{})

	got := w.Overlap(at(time.UTC, 2024, 3, 1, 9, 0), at(time.UTC, 2024, 3, 1, 18, 0), time.UTC)

	assert.Zero(t, got)
}

func TestNightWindow_Overlap_NonWrappingWindow(t *testing.T) {
	w := calendar.NightWindow{Start: workday.MustParseTimeOfDay("00:00"), End: workday.MustParseTimeOfDay("05:00")}

	got := w.Overlap(at(time.UTC, 2024, 3, 1, 20, 0), at(time.UTC, 2024, 3, 2, 8, 0), time.UTC)

	assert.Equal(t, 5*time.Hour, got)
}

// =============================================================================
// SHOP SCHEDULE
// =============================================================================

func TestShopSchedule_WeekdayAndSpecial(t *testing.T) {
	friday := workday.NewDate(2024, time.March, 1)
	saturday := friday.AddDays(1)
	shop := workday.Shop{
		TZOffsetMinutes: 180,
		Schedule: map[time.Weekday]workday.OpenHours{
			time.Friday:   {Open: workday.MustParseTimeOfDay("10:00"), Close: workday.MustParseTimeOfDay("20:00")},
			time.Saturday: {Open: workday.MustParseTimeOfDay("10:00"), Close: workday.MustParseTimeOfDay("02:00")},
		},
		SpecialSchedule: map[workday.Date]workday.OpenHours{
			friday.AddDays(7): {Closed: true},
		},
	}
	loc := shop.Location()

	open, close, ok := calendar.ShopSchedule(shop, friday)
	require.True(t, ok)
	assert.True(t, open.Equal(at(loc, 2024, 3, 1, 10, 0)))
	assert.True(t, close.Equal(at(loc, 2024, 3, 1, 20, 0)))

	// Saturday closes after midnight
	_, close, ok = calendar.ShopSchedule(shop, saturday)
	require.True(t, ok)
	assert.True(t, close.Equal(at(loc, 2024, 3, 3, 2, 0)))

	// Special schedule removes the weekday schedule
	_, _, ok = calendar.ShopSchedule(shop, friday.AddDays(7))
	assert.False(t, ok)

	// No schedule on Sunday
	_, _, ok = calendar.ShopSchedule(shop, saturday.AddDays(1))
	assert.False(t, ok)
}

// =============================================================================
// PRODUCTION CALENDAR
// =============================================================================

func TestWeekdayDefault(t *testing.T) {
	assert.Equal(t, workday.ProductionWork, calendar.WeekdayDefault(1, workday.NewDate(2024, 3, 1)).Kind)
	assert.Equal(t, workday.ProductionHoliday, calendar.WeekdayDefault(1, workday.NewDate(2024, 3, 2)).Kind)
}

func TestCachedCalendar_MissLoadsAndStores(t *testing.T) {
	// GIVEN: An empty cache and a source with one celebration day
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	month := workday.NewDate(2024, time.March, 1)
	src := &countingSource{days: []workday.ProductionDay{
		{Dt: workday.NewDate(2024, time.March, 8), RegionID: 7, Kind: workday.ProductionHoliday, IsCelebration: true},
	}}
	payload, err := json.Marshal(src.days)
	require.NoError(t, err)

	key := calendar.MonthKey(7, month)
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, payload, time.Hour).SetVal("OK")

	cal := calendar.NewCachedCalendar(src, rdb, time.Hour, nil)

	// WHEN: Asking for the celebration date
	day, err := cal.ProductionDay(ctx, 7, workday.NewDate(2024, time.March, 8))

	// THEN: Source is read once and the month is written to redis
	require.NoError(t, err)
	assert.True(t, day.IsCelebration)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedCalendar_HitSkipsSource(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	src := &countingSource{}
	cached := []workday.ProductionDay{{Dt: workday.NewDate(2024, time.March, 4), RegionID: 7, Kind: workday.ProductionShort}}
	payload, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectGet(calendar.MonthKey(7, workday.NewDate(2024, time.March, 1))).SetVal(string(payload))

	cal := calendar.NewCachedCalendar(src, rdb, time.Hour, nil)
	day, err := cal.ProductionDay(ctx, 7, workday.NewDate(2024, time.March, 4))

	require.NoError(t, err)
	assert.Equal(t, workday.ProductionShort, day.Kind)
	assert.Zero(t, src.calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedCalendar_RedisDownFallsBackToSource(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	src := &countingSource{}
	key := calendar.MonthKey(7, workday.NewDate(2024, time.March, 1))
	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.ExpectSet(key, []byte("[]"), time.Hour).SetErr(errors.New("connection refused"))

	cal := calendar.NewCachedCalendar(src, rdb, time.Hour, nil)
	day, err := cal.ProductionDay(ctx, 7, workday.NewDate(2024, time.March, 2))

	require.NoError(t, err)
	assert.Equal(t, workday.ProductionHoliday, day.Kind, "saturday by weekday rule")
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCountWorkDays(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{days: []workday.ProductionDay{
		{Dt: workday.NewDate(2022, time.February, 23), Kind: workday.ProductionHoliday, IsCelebration: true},
		{Dt: workday.NewDate(2022, time.February, 22), Kind: workday.ProductionShort},
	}}
	cal := calendar.NewCachedCalendar(src, nil, 0, nil)

	n, err := calendar.CountWorkDays(ctx, cal, 1, workday.NewDate(2022, time.February, 1))

	require.NoError(t, err)
	// 20 weekdays in Feb 2022, minus the 23rd
	assert.Equal(t, 19, n)
}
