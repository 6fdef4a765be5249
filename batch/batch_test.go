package batch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/batch"
	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/internal/worktest"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

var ctx = context.Background()

// =============================================================================
// TEST HELPERS
// =============================================================================

func setup() (*worktest.World, *timesheet.Timesheet, *batch.Engine) {
	w := worktest.New()
	ts := w.Timesheet()
	return w, ts, batch.New(ts, w.Gate())
}

func work(g workday.Graph, emp workday.EmployeeID, dt, from, to string) batch.Desired {
	start, end := worktest.At(dt, from), worktest.At(dt, to)
	return batch.Desired{
		EmployeeID: workday.Ptr(emp),
		ShopID:     workday.Ptr(worktest.ShopCentral),
		Dt:         workday.MustParseDate(dt),
		Type:       workday.TypeWorkday,
		IsFact:     g.IsFact,
		IsApproved: g.IsApproved,
		WorkStart:  &start,
		WorkEnd:    &end,
		Details:    []workday.Detail{{WorkTypeID: worktest.WTCashierCentral, WorkPart: 1}},
	}
}

func dayoff(g workday.Graph, emp workday.EmployeeID, dt string, typ workday.TypeCode) batch.Desired {
	return batch.Desired{
		EmployeeID: workday.Ptr(emp),
		Dt:         workday.MustParseDate(dt),
		Type:       typ,
		IsFact:     g.IsFact,
		IsApproved: g.IsApproved,
	}
}

func upsert(t *testing.T, eng *batch.Engine, opts batch.Options, data ...batch.Desired) *batch.Result {
	t.Helper()
	res, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin, Data: data, Options: opts})
	require.NoError(t, err)
	return res
}

func all(t *testing.T, ts *timesheet.Timesheet) []workday.WorkerDay {
	t.Helper()
	rows, err := ts.List(ctx, workday.Filter{})
	require.NoError(t, err)
	return rows
}

func annaDrafts(from, to string) *workday.Filter {
	return &workday.Filter{
		EmployeeIDs: []workday.EmployeeID{worktest.EmpAnna},
		DtFrom:      workday.MustParseDate(from),
		DtTo:        workday.MustParseDate(to),
		IsFact:      workday.Ptr(false),
		IsApproved:  workday.Ptr(false),
	}
}

// =============================================================================
// CREATE / UPDATE / SKIP
// =============================================================================

func TestUpsert_IsIdempotent(t *testing.T) {
	// GIVEN: A workday and a holiday
	_, ts, eng := setup()
	data := []batch.Desired{
		work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00"),
		dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-05", workday.TypeHoliday),
	}

	// WHEN: Sending them twice
	first := upsert(t, eng, batch.Options{}, data...)
	second := upsert(t, eng, batch.Options{}, data...)

	// THEN: The first call creates, the second writes nothing
	assert.Equal(t, batch.Stats{Created: 2}, *first.Stats[batch.ModelWorkerDay])
	assert.Equal(t, batch.Stats{Created: 1}, *first.Stats[batch.ModelWorkerDayDetails])
	assert.Equal(t, batch.Stats{Skipped: 2}, *second.Stats[batch.ModelWorkerDay])
	assert.Equal(t, batch.Stats{Skipped: 1}, *second.Stats[batch.ModelWorkerDayDetails])

	rows := all(t, ts)
	require.Len(t, rows, 2)
	for _, wd := range rows {
		assert.Equal(t, workday.SourceBatch, wd.Source)
		assert.Equal(t, worktest.UserAdmin, *wd.CreatedBy)
		assert.Equal(t, worktest.UserAdmin, *wd.LastEditedBy)
	}
}

func TestUpsert_UpdatesByKey(t *testing.T) {
	_, ts, eng := setup()
	created := upsert(t, eng, batch.Options{ReturnResponse: true},
		work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00"))
	id := created.Rows[0].ID

	res := upsert(t, eng, batch.Options{ReturnResponse: true},
		work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "17:00"))

	assert.Equal(t, batch.Stats{Updated: 1}, *res.Stats[batch.ModelWorkerDay])
	assert.Equal(t, batch.Stats{Skipped: 1}, *res.Stats[batch.ModelWorkerDayDetails])
	require.Len(t, res.Rows, 1)
	assert.Equal(t, id, res.Rows[0].ID)
	assert.Equal(t, worktest.At("2024-03-04", "17:00"), res.Rows[0].WorkEnd.UTC())
	assert.Equal(t, worktest.UserAdmin, *res.Rows[0].LastEditedBy)
	assert.Len(t, all(t, ts), 1)
}

func TestUpsert_UpdatesByCode(t *testing.T) {
	// GIVEN: A row imported with an external code
	_, ts, eng := setup()
	row := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00")
	row.Code = "ext-1"
	created := upsert(t, eng, batch.Options{UpdateKeyField: batch.UpdateByCode, ReturnResponse: true}, row)

	// WHEN: The same code arrives for another date
	moved := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-05", "10:00", "19:00")
	moved.Code = "ext-1"
	res := upsert(t, eng, batch.Options{UpdateKeyField: batch.UpdateByCode, ReturnResponse: true}, moved)

	// THEN: The row moved
	assert.Equal(t, 1, res.Stats[batch.ModelWorkerDay].Updated)
	assert.Equal(t, created.Rows[0].ID, res.Rows[0].ID)
	assert.Equal(t, "2024-03-05", res.Rows[0].Dt.String())
	assert.Len(t, all(t, ts), 1)
}

func TestUpsert_DuplicateCode(t *testing.T) {
	_, _, eng := setup()
	a := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00")
	b := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-05", "09:00", "18:00")
	a.Code, b.Code = "dup", "dup"

	_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin, Data: []batch.Desired{a, b},
		Options: batch.Options{UpdateKeyField: batch.UpdateByCode}})

	var verr *workday.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "duplicate_code", verr.Code)
}

func TestUpsert_PairsRowsOnOneKeyByStart(t *testing.T) {
	// GIVEN: Two shifts on one date
	w, ts, eng := setup()
	w.UpdateSettings(worktest.NetMain, func(s *workday.NetworkSettings) { s.AllowMultipleWorkerDaysPerDate = true })
	morning := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "08:00", "12:00")
	evening := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "14:00", "18:00")
	upsert(t, eng, batch.Options{}, evening, morning)

	// WHEN: Only the evening shift changes
	evening = work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "14:00", "20:00")
	res := upsert(t, eng, batch.Options{}, morning, evening)

	// THEN: One update, one skip
	assert.Equal(t, batch.Stats{Updated: 1, Skipped: 1}, *res.Stats[batch.ModelWorkerDay])
	assert.Len(t, all(t, ts), 2)
}

// =============================================================================
// DELETE SCOPE
// =============================================================================

func TestUpsert_DeleteScopeFilter(t *testing.T) {
	// GIVEN: Drafts on four dates
	w, ts, eng := setup()
	w.Seed(
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "09:00", "18:00"),
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-05", "09:00", "18:00"),
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-06", "09:00", "18:00"),
		worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-07", "09:00", "18:00"),
	)

	// WHEN: Sending only the first date with a scope over the first three
	res := upsert(t, eng, batch.Options{DeleteScopeFilter: annaDrafts("2024-03-04", "2024-03-06")},
		work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00"))

	// THEN: The matched row is updated, the rest of the scope deleted, the
	// row outside the scope kept
	assert.Equal(t, batch.Stats{Updated: 1, Deleted: 2}, *res.Stats[batch.ModelWorkerDay])
	rows := all(t, ts)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-04", rows[0].Dt.String())
	assert.Equal(t, "2024-03-07", rows[1].Dt.String())
}

func TestUpsert_DeleteScopeValues(t *testing.T) {
	w, ts, eng := setup()
	w.Seed(worktest.Dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-05", workday.TypeHoliday))
	scope := []workday.Key{{EmployeeID: worktest.EmpAnna, Dt: workday.MustParseDate("2024-03-05"), Graph: workday.PlanDraft}}

	res := upsert(t, eng, batch.Options{DeleteScopeValues: scope})

	assert.Equal(t, 1, res.Stats[batch.ModelWorkerDay].Deleted)
	assert.Empty(t, all(t, ts))
}

func TestUpsert_UnboundedDeleteScope(t *testing.T) {
	_, _, eng := setup()

	_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin,
		Options: batch.Options{DeleteScopeFilter: &workday.Filter{EmployeeIDs: []workday.EmployeeID{worktest.EmpAnna}}}})

	var verr *workday.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unbounded_delete_scope", verr.Code)
}

// =============================================================================
// FAILURES ROLL BACK
// =============================================================================

func TestUpsert_DeniedWritesNothing(t *testing.T) {
	_, ts, eng := setup()

	_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAnna, Data: []batch.Desired{
		work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00"),
	}})

	var denied *workday.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, workday.ActionCreate, denied.Action)
	assert.Empty(t, all(t, ts))
}

func TestUpsert_ConflictsRollBack(t *testing.T) {
	t.Run("overlap with multiple rows per date", func(t *testing.T) {
		w, ts, eng := setup()
		w.UpdateSettings(worktest.NetMain, func(s *workday.NetworkSettings) { s.AllowMultipleWorkerDaysPerDate = true })

		_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin, Data: []batch.Desired{
			work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "14:00"),
			work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "13:00", "18:00"),
		}})

		var overlap *workday.WorkTimeOverlapError
		require.ErrorAs(t, err, &overlap)
		assert.Empty(t, all(t, ts))
	})

	t.Run("second row on a single-row date", func(t *testing.T) {
		_, ts, eng := setup()

		_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin, Data: []batch.Desired{
			work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "12:00"),
			work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "14:00", "18:00"),
		}})

		require.ErrorIs(t, err, workday.ErrConflict)
		assert.Empty(t, all(t, ts))
	})
}

func TestUpsert_InvalidRequest(t *testing.T) {
	_, _, eng := setup()
	noType := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00")
	noType.Type = ""
	noDate := work(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", "09:00", "18:00")
	noDate.Dt = workday.Date{}

	for name, d := range map[string]batch.Desired{"no type": noType, "no date": noDate} {
		t.Run(name, func(t *testing.T) {
			_, err := eng.Upsert(ctx, batch.Request{Actor: worktest.UserAdmin, Data: []batch.Desired{d}})
			var verr *workday.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "invalid_request", verr.Code)
		})
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestUpsert_OnePlanApprovedEventPerBatch(t *testing.T) {
	w, _, eng := setup()
	var got []events.Event
	w.Dispatcher.Subscribe(events.KindPlanApproved, "test", func(_ context.Context, ev events.Event) error {
		got = append(got, ev)
		return nil
	})

	upsert(t, eng, batch.Options{},
		work(workday.PlanApproved, worktest.EmpAnna, "2024-03-04", "09:00", "18:00"),
		work(workday.PlanApproved, worktest.EmpAnna, "2024-03-06", "09:00", "18:00"),
	)

	require.Len(t, got, 1)
	assert.Equal(t, []workday.EmployeeID{worktest.EmpAnna}, got[0].EmployeeIDs)
	assert.Equal(t, "2024-03-04", got[0].DtFrom.String())
	assert.Equal(t, "2024-03-06", got[0].DtTo.String())
}
