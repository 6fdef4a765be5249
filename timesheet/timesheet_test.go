package timesheet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/internal/worktest"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

var ctx = context.Background()

// =============================================================================
// TEST HELPERS
// =============================================================================

func reload(t *testing.T, ts *timesheet.Timesheet, id workday.WorkerDayID) workday.WorkerDay {
	t.Helper()
	wd, err := ts.Get(ctx, id)
	require.NoError(t, err)
	return *wd
}

func countRows(t *testing.T, ts *timesheet.Timesheet) int {
	t.Helper()
	rows, err := ts.List(ctx, workday.Filter{})
	require.NoError(t, err)
	return len(rows)
}

// failingCreates rejects every insert after reserving id for it, the way a
// database sequence is consumed by a failed INSERT.
type failingCreates struct {
	workday.TxStore
	id workday.WorkerDayID
}

func (f failingCreates) WithTx(ctx context.Context, fn func(workday.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s workday.Store) error {
		return fn(failingCreatesTx{Store: s, id: f.id})
	})
}

type failingCreatesTx struct {
	workday.Store
	id workday.WorkerDayID
}

func (f failingCreatesTx) Create(ctx context.Context, wd *workday.WorkerDay) error {
	wd.ID = f.id
	return errors.New("insert failed")
}

// =============================================================================
// CREATE & NORMALIZE
// =============================================================================

func TestCreate_ComputesHoursAndResolvesEmployment(t *testing.T) {
	// GIVEN: Anna with a single employment in Central
	w := worktest.New()
	ts := w.Timesheet()

	// WHEN: Creating a plan 10:00-19:00
	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "19:00")
	require.NoError(t, ts.Create(ctx, &wd))

	// THEN: Employment, source and hours are filled in
	got := reload(t, ts, wd.ID)
	require.NotNil(t, got.EmploymentID)
	assert.Equal(t, worktest.EmplAnna, *got.EmploymentID)
	assert.Equal(t, workday.SourceFullEditor, got.Source)
	assert.Equal(t, 9*time.Hour, got.WorkHours)
	assert.False(t, got.IsVacancy)
}

func TestCreate_OtherShopBecomesVacancy(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopNorth, "2024-03-04", "10:00", "19:00")
	require.NoError(t, ts.Create(ctx, &wd))

	assert.True(t, reload(t, ts, wd.ID).IsVacancy)
}

func TestCreate_PicksEmploymentByShopThenRate(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	central := worktest.Work(workday.PlanDraft, worktest.EmpBoris, worktest.ShopCentral, "2024-03-04", "10:00", "14:00")
	vacation := worktest.Dayoff(workday.PlanDraft, worktest.EmpBoris, "2024-03-05", workday.TypeVacation)
	rows, err := ts.BulkCreate(ctx, []workday.WorkerDay{central, vacation})
	require.NoError(t, err)

	assert.Equal(t, worktest.EmplBorisCentral, *rows[0].EmploymentID, "shop match wins")
	assert.Equal(t, worktest.EmplBorisNorth, *rows[1].EmploymentID, "higher rate wins without a shop")
	assert.Equal(t, 8*time.Hour, rows[1].WorkHours, "vacation pays the full-rate daily norm")
}

func TestCreate_RejectsDayoffWithShop(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	wd := worktest.Dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", workday.TypeHoliday)
	wd.ShopID = workday.Ptr(worktest.ShopCentral)
	err := ts.Create(ctx, &wd)

	var invalid *workday.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "dayoff_shape", invalid.Code)
	assert.Equal(t, workday.KindValidation, workday.KindOf(err))
}

func TestCreate_RejectsInactiveEmployment(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2019-06-01", "10:00", "19:00")
	err := ts.Create(ctx, &wd)

	var invalid *workday.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "no_active_employment", invalid.Code)
}

func TestCreate_RejectsForeignEmployment(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "19:00")
	wd.EmploymentID = workday.Ptr(worktest.EmplBorisNorth)
	err := ts.Create(ctx, &wd)

	var invalid *workday.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "employment_mismatch", invalid.Code)
}

func TestCreate_UnknownTypeIsNotFound(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "19:00")
	wd.Type = "ZZ"

	assert.True(t, workday.IsNotFound(ts.Create(ctx, &wd)))
}

// =============================================================================
// TYPES PER DATE & OVERLAP
// =============================================================================

func TestCreate_SecondWorkdayInSingleMode(t *testing.T) {
	// GIVEN: Anna already has a plan on the date
	w := worktest.New()
	ts := w.Timesheet()
	w.Seed(worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "08:00", "12:00"))

	// WHEN: Adding a disjoint second workday
	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "14:00", "18:00")
	err := ts.Create(ctx, &wd)

	// THEN: Rejected, rows named by employee
	var another *workday.HasAnotherWdayOnDateError
	require.ErrorAs(t, err, &another)
	require.Len(t, another.Rows, 2)
	assert.Equal(t, "Anna Petrova", another.Rows[0].EmployeeName)
	assert.Equal(t, 1, countRows(t, ts), "rolled back")
}

func TestCreate_MultipleWorkdaysWhenAllowed(t *testing.T) {
	w := worktest.New()
	w.UpdateSettings(worktest.NetMain, func(s *workday.NetworkSettings) { s.AllowMultipleWorkerDaysPerDate = true })
	ts := w.Timesheet()
	w.Seed(worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "08:00", "12:00"))

	disjoint := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "12:00", "18:00")
	require.NoError(t, ts.Create(ctx, &disjoint))

	overlapping := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "17:00", "20:00")
	err := ts.Create(ctx, &overlapping)

	var overlap *workday.WorkTimeOverlapError
	require.ErrorAs(t, err, &overlap)
	require.Len(t, overlap.Overlaps, 1)
	assert.Equal(t, disjoint.ID, overlap.Overlaps[0].A.ID)
	assert.Equal(t, workday.KindConflict, workday.KindOf(err))
}

func TestCreate_NightShiftOverlapAcrossDates(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()
	w.Seed(worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "20:00", "04:00"))

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-05", "02:00", "10:00")
	err := ts.Create(ctx, &wd)

	var overlap *workday.WorkTimeOverlapError
	assert.ErrorAs(t, err, &overlap)
}

func TestCreate_VacationAllowsAdditionalWorkday(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()
	w.Seed(worktest.Dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", workday.TypeVacation))

	wd := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "14:00")
	require.NoError(t, ts.Create(ctx, &wd))

	holiday := worktest.Dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", workday.TypeHoliday)
	err := ts.Create(ctx, &holiday)

	var multi *workday.MultipleWDTypesOnOneDateError
	assert.ErrorAs(t, err, &multi)
}

func TestCreate_GraphsAreIndependent(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	_, err := ts.BulkCreate(ctx, []workday.WorkerDay{
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "19:00"),
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "20:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:05", "19:55"),
	})

	assert.NoError(t, err)
}

func TestBulkCreate_RollsBackOnAnyFailure(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()

	bad := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-05", "10:00", "19:00")
	bad.WorkEnd = bad.WorkStart
	_, err := ts.BulkCreate(ctx, []workday.WorkerDay{
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "19:00"),
		bad,
	})

	require.Error(t, err)
	assert.Zero(t, countRows(t, ts))
}

// =============================================================================
// CLOSEST PLAN & DEPENDENT HOURS
// =============================================================================

func TestFact_LinksToClosestApprovedPlan(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()
	rows := w.Seed(
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:00", "18:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:55", "18:05"),
	)
	plan, fact := rows[0], rows[2]

	require.NotNil(t, fact.ClosestPlanApprovedID)
	assert.Equal(t, plan.ID, *fact.ClosestPlanApprovedID)

	require.NoError(t, ts.Delete(ctx, plan.ID))
	assert.Nil(t, reload(t, ts, fact.ID).ClosestPlanApprovedID)
}

func TestFact_PlanTooFarIsNotLinked(t *testing.T) {
	w := worktest.New()
	rows := w.Seed(
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "08:00", "10:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "17:00", "23:00"),
	)

	assert.Nil(t, rows[1].ClosestPlanApprovedID)
}

func TestPlanChange_RecomputesDependentFactHours(t *testing.T) {
	// GIVEN: Fact hours are limited to the approved plan
	w := worktest.New()
	w.UpdateSettings(worktest.NetMain, func(s *workday.NetworkSettings) { s.OnlyFactHoursInApprovedPlan = true })
	ts := w.Timesheet()
	rows := w.Seed(
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:00", "18:00"),
	)
	plan, fact := rows[0], rows[1]
	assert.Equal(t, 8*time.Hour, fact.WorkHours)

	// WHEN: The plan shrinks
	_, err := ts.Update(ctx, plan.ID, func(wd *workday.WorkerDay) error {
		wd.WorkEnd = workday.Ptr(worktest.At("2024-03-04", "16:00"))
		return nil
	})
	require.NoError(t, err)

	// THEN: The fact follows
	assert.Equal(t, 6*time.Hour, reload(t, ts, fact.ID).WorkHours)
}

func TestSetClosestPlanApproved_WindowOverride(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()
	rows := w.Seed(
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "11:00", "19:00"),
	)
	require.NotNil(t, rows[1].ClosestPlanApprovedID)

	n, err := ts.SetClosestPlanApproved(ctx, workday.Filter{EmployeeIDs: []workday.EmployeeID{worktest.EmpAnna}}, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Nil(t, reload(t, ts, rows[1].ID).ClosestPlanApprovedID)
}

// =============================================================================
// OUTSOURCE FACTS
// =============================================================================

func TestOutsourceFact_RequiresApprovedPlan(t *testing.T) {
	w := worktest.New()
	w.UpdateSettings(worktest.NetMain, func(s *workday.NetworkSettings) { s.RequirePlanForOutsourceFact = true })
	ts := w.Timesheet()

	fact := worktest.Work(workday.FactApproved, worktest.EmpPavel, worktest.ShopCentral, "2024-03-04", "10:00", "18:00")
	err := ts.Create(ctx, &fact)

	var conflict *workday.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "plan_required_for_outsource_fact", conflict.Code)

	_, err = ts.BulkCreate(ctx, []workday.WorkerDay{
		worktest.Work(workday.PlanApproved, worktest.EmpPavel, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
		worktest.Work(workday.FactApproved, worktest.EmpPavel, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
	})
	assert.NoError(t, err)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_EmittedAfterCommit(t *testing.T) {
	w := worktest.New()
	ts := w.Timesheet()
	var got []events.Event
	record := func(ctx context.Context, ev events.Event) error { got = append(got, ev); return nil }
	w.Dispatcher.Subscribe(events.KindPlanApproved, "test", record)
	w.Dispatcher.Subscribe(events.KindFactChanged, "test", record)

	rows := w.Seed(
		worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
		worktest.Work(workday.PlanApproved, worktest.EmpBoris, worktest.ShopNorth, "2024-03-06", "10:00", "18:00"),
		worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"),
	)

	require.Len(t, got, 2)
	plan := got[0]
	assert.Equal(t, events.KindPlanApproved, plan.Kind)
	assert.Equal(t, []workday.ShopID{worktest.ShopCentral, worktest.ShopNorth}, plan.ShopIDs)
	assert.Equal(t, []workday.EmployeeID{worktest.EmpAnna, worktest.EmpBoris}, plan.EmployeeIDs)
	assert.Equal(t, workday.MustParseDate("2024-03-04"), plan.DtFrom)
	assert.Equal(t, workday.MustParseDate("2024-03-06"), plan.DtTo)
	assert.Equal(t, []workday.WorkerDayID{rows[2].ID}, got[1].RowIDs)

	// A failed transaction emits nothing.
	got = nil
	bad := worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "12:00", "20:00")
	require.Error(t, ts.Create(ctx, &bad))
	assert.Empty(t, got)
}

func TestEvents_FailedCreateDoesNotHideRemoval(t *testing.T) {
	// GIVEN: An approved fact and a store whose inserts fail after taking
	// that fact's id
	w := worktest.New()
	fact := w.Seed(worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"))[0]
	var got []events.Event
	w.Dispatcher.Subscribe(events.KindFactChanged, "test", func(ctx context.Context, ev events.Event) error { got = append(got, ev); return nil })
	ts := timesheet.New(failingCreates{TxStore: w.Store, id: fact.ID}, w.Store, w.Calc, timesheet.WithDispatcher(w.Dispatcher))

	// WHEN: A create fails and the fact is then removed in the same transaction
	err := ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		other := worktest.Work(workday.PlanDraft, worktest.EmpBoris, worktest.ShopNorth, "2024-03-05", "10:00", "18:00")
		require.Error(t, tx.Create(ctx, &other))
		return tx.Remove(ctx, fact.ID)
	})

	// THEN: The removal is still reported
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []workday.WorkerDayID{fact.ID}, got[0].DeletedIDs)
}

func TestEvents_DraftChangesAreQuiet(t *testing.T) {
	w := worktest.New()
	calls := 0
	w.Dispatcher.Subscribe(events.KindPlanApproved, "test", func(ctx context.Context, ev events.Event) error { calls++; return nil })

	w.Seed(worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00"))

	assert.Zero(t, calls)
}

// =============================================================================
// PURE HELPERS
// =============================================================================

func TestResolveEmployment_Order(t *testing.T) {
	dt := workday.MustParseDate("2024-03-04")
	hired := workday.MustParseDate("2020-01-01")
	fired := workday.MustParseDate("2024-01-01")
	emps := []workday.Employment{
		{ID: 1, ShopID: 1, DtHired: hired, DtFired: &fired, NormWorkHours: decimal.NewFromInt(100)},
		{ID: 2, ShopID: 1, DtHired: hired, NormWorkHours: decimal.NewFromInt(50),
			WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: 7}}},
		{ID: 3, ShopID: 2, DtHired: hired, NormWorkHours: decimal.NewFromInt(75)},
		{ID: 4, ShopID: 2, DtHired: hired, NormWorkHours: decimal.NewFromInt(75)},
	}

	tests := []struct {
		name string
		hint timesheet.EmploymentHint
		want workday.EmploymentID
	}{
		{"highest rate then lowest id", timesheet.EmploymentHint{}, 3},
		{"shop hint", timesheet.EmploymentHint{ShopID: workday.Ptr(workday.ShopID(1))}, 2},
		{"work type beats shop", timesheet.EmploymentHint{WorkTypeID: workday.Ptr(workday.WorkTypeID(7)), ShopID: workday.Ptr(workday.ShopID(2))}, 2},
		{"preferred beats everything", timesheet.EmploymentHint{Preferred: []workday.EmploymentID{4}, WorkTypeID: workday.Ptr(workday.WorkTypeID(7))}, 4},
		{"fired employment ignored", timesheet.EmploymentHint{Preferred: []workday.EmploymentID{1}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timesheet.ResolveEmployment(emps, dt, tt.hint)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	assert.Nil(t, timesheet.ResolveEmployment(emps, workday.MustParseDate("2019-01-01"), timesheet.EmploymentHint{}))
}

func TestLinkPlans_ExclusiveClaimsNearestFirst(t *testing.T) {
	// GIVEN: Two plans on a date and two facts near the first one
	planA := worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:00", "15:00")
	planA.ID = 1
	planB := worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "15:01", "20:00")
	planB.ID = 2
	early := worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "08:53", "14:41")
	early.ID = 10
	late := worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "14:42", "19:57")
	late.ID = 11
	plans := []workday.WorkerDay{planA, planB}
	facts := []workday.WorkerDay{late, early}

	// WHEN: Linking exclusively
	links := timesheet.LinkPlans(facts, plans, 5*time.Hour, true)

	// THEN: Each fact gets its own plan
	assert.Equal(t, workday.WorkerDayID(1), links[10])
	assert.Equal(t, workday.WorkerDayID(2), links[11])
}

func TestPlanDistance_OpenFactUsesStart(t *testing.T) {
	plan := worktest.Work(workday.PlanApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:00", "15:00")
	fact := worktest.Work(workday.FactApproved, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "08:53", "14:41")
	fact.WorkEnd = nil

	d, ok := timesheet.PlanDistance(fact, plan)

	require.True(t, ok)
	assert.Equal(t, 7*time.Minute, d)

	other := plan
	other.EmployeeID = workday.Ptr(worktest.EmpBoris)
	_, ok = timesheet.PlanDistance(fact, other)
	assert.False(t, ok)
}
