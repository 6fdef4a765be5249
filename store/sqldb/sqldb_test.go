package sqldb_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/store/sqldb"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
	"github.com/warp/worktime-engine/workhours"
)

var ctx = context.Background()

// =============================================================================
// TEST HELPERS
// =============================================================================

func openMemory(t *testing.T) *sqldb.Store {
	t.Helper()
	st, err := sqldb.Open(ctx, sqldb.Config{Driver: sqldb.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func openFile(t *testing.T) *sqldb.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "worktime.db")
	st, err := sqldb.Open(ctx, sqldb.Config{Driver: sqldb.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func at(dt, clock string) *time.Time {
	t, err := time.Parse("2006-01-02 15:04", dt+" "+clock)
	if err != nil {
		panic(err)
	}
	return &t
}

func workRow(emp workday.EmployeeID, dt, from, to string) workday.WorkerDay {
	return workday.WorkerDay{
		Dt:         workday.MustParseDate(dt),
		EmployeeID: workday.Ptr(emp),
		ShopID:     workday.Ptr(workday.ShopID(1)),
		Type:       workday.TypeWorkday,
		WorkStart:  at(dt, from),
		WorkEnd:    at(dt, to),
		WorkHours:  8 * time.Hour,
		Source:     workday.SourceBatch,
		Details:    []workday.Detail{{WorkTypeID: 11, WorkPart: 1}},
	}
}

func reference() *workday.ReferenceData {
	hired := workday.MustParseDate("2020-01-01")
	fired := workday.MustParseDate("2024-02-29")
	return &workday.ReferenceData{
		Networks:        []workday.Network{{ID: 1, Name: "Warp Retail"}, {ID: 2, Name: "Partner Staff"}},
		NetworkConnects: []workday.NetworkConnect{{ClientID: 1, OutsourcingID: 2}},
		Shops: []workday.Shop{{ID: 1, NetworkID: 1, RegionID: 1, Name: "Central",
			Schedule: map[time.Weekday]workday.OpenHours{time.Monday: {
				Open: workday.MustParseTimeOfDay("08:00"), Close: workday.MustParseTimeOfDay("22:00")}}}},
		WorkTypes: []workday.WorkType{{ID: 11, ShopID: 1, Name: "Cashier"}},
		Groups:    []workday.Group{{ID: 1, Name: "Admin"}},
		Users:     []workday.User{{ID: 1, NetworkID: 1, Name: "anna"}},
		Employees: []workday.Employee{
			{ID: 1, UserID: 1, NetworkID: 1, Name: "Anna"},
			{ID: 2, UserID: 1, NetworkID: 1, Name: "Anna (old)", DeletedAt: at("2023-01-01", "00:00")},
		},
		Employments: []workday.Employment{
			{ID: 1, EmployeeID: 1, ShopID: 1, DtHired: hired, NormWorkHours: decimal.NewFromInt(100),
				WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: 11, Priority: 1}}},
			{ID: 2, EmployeeID: 2, ShopID: 1, DtHired: hired, DtFired: &fired, NormWorkHours: decimal.NewFromInt(50)},
		},
		ProductionDays: []workday.ProductionDay{
			{Dt: workday.MustParseDate("2024-03-08"), RegionID: 1, Kind: workday.ProductionHoliday, IsCelebration: true},
		},
	}
}

// =============================================================================
// WORKER DAYS
// =============================================================================

func TestWorkerDay_RoundTrip(t *testing.T) {
	// GIVEN: a fully populated row
	st := openMemory(t)
	wd := workRow(1, "2024-03-04", "09:00", "18:00")
	cost := decimal.RequireFromString("12.50")
	wd.CostPerHour = &cost
	wd.Outsources = []workday.NetworkID{2}
	wd.Code = "ext-1"

	// WHEN: creating and reading it back
	require.NoError(t, st.Create(ctx, &wd))
	got, err := st.Get(ctx, wd.ID)

	// THEN: every field survives
	require.NoError(t, err)
	assert.NotZero(t, wd.ID)
	assert.False(t, wd.Modified.IsZero())
	assert.True(t, workday.SameContent(wd, *got))
	assert.True(t, got.WorkStart.Equal(*wd.WorkStart))
	assert.Equal(t, 8*time.Hour, got.WorkHours)
	assert.Equal(t, "12.5", got.CostPerHour.String())
	assert.Equal(t, []workday.NetworkID{2}, got.Outsources)
	assert.Equal(t, "ext-1", got.Code)
	assert.Nil(t, got.ParentID)
}

func TestWorkerDay_GetMissing(t *testing.T) {
	st := openMemory(t)

	_, err := st.Get(ctx, 42)

	assert.ErrorIs(t, err, workday.ErrNotFound)
}

func TestWorkerDay_UpdateAndDelete(t *testing.T) {
	// GIVEN: an approved plan and a fact linked to it
	st := openMemory(t)
	plan := workRow(1, "2024-03-04", "09:00", "18:00")
	plan.IsApproved = true
	require.NoError(t, st.Create(ctx, &plan))
	fact := workRow(1, "2024-03-04", "09:05", "18:00")
	fact.IsFact = true
	fact.ClosestPlanApprovedID = workday.Ptr(plan.ID)
	require.NoError(t, st.Create(ctx, &fact))

	// WHEN: updating the fact, then deleting the plan
	fact.WorkEnd = at("2024-03-04", "19:00")
	require.NoError(t, st.Update(ctx, &fact))
	require.NoError(t, st.Delete(ctx, plan.ID))

	// THEN: the fact keeps its new end but loses the link
	got, err := st.Get(ctx, fact.ID)
	require.NoError(t, err)
	assert.True(t, got.WorkEnd.Equal(*at("2024-03-04", "19:00")))
	assert.Nil(t, got.ClosestPlanApprovedID)

	missing := workRow(1, "2024-03-05", "09:00", "18:00")
	missing.ID = 999
	assert.ErrorIs(t, st.Update(ctx, &missing), workday.ErrNotFound)
}

func TestWorkerDay_ListFilters(t *testing.T) {
	// GIVEN: rows across employees, dates and graphs plus an open vacancy
	st := openMemory(t)
	rows := []workday.WorkerDay{
		workRow(1, "2024-03-04", "09:00", "18:00"),
		workRow(1, "2024-03-05", "09:00", "18:00"),
		workRow(2, "2024-03-04", "10:00", "19:00"),
	}
	rows[1].IsFact = true
	vacancy := workRow(1, "2024-03-04", "12:00", "20:00")
	vacancy.EmployeeID = nil
	vacancy.IsVacancy = true
	rows = append(rows, vacancy)
	for i := range rows {
		require.NoError(t, st.Create(ctx, &rows[i]))
	}

	tests := []struct {
		name   string
		filter workday.Filter
		want   []workday.WorkerDayID
	}{
		{"employee", workday.Filter{EmployeeIDs: []workday.EmployeeID{1}}, []workday.WorkerDayID{rows[0].ID, rows[1].ID}},
		{"date range", workday.Filter{DtFrom: workday.MustParseDate("2024-03-05"), DtTo: workday.MustParseDate("2024-03-05")}, []workday.WorkerDayID{rows[1].ID}},
		{"graph", workday.Filter{IsFact: workday.Ptr(false), ShopIDs: []workday.ShopID{1}, DtTo: workday.MustParseDate("2024-03-04")}, []workday.WorkerDayID{rows[3].ID, rows[0].ID, rows[2].ID}},
		{"open vacancies", workday.Filter{OnlyOpenVacancies: true}, []workday.WorkerDayID{rows[3].ID}},
		{"ids", workday.Filter{IDs: []workday.WorkerDayID{rows[2].ID, rows[0].ID}}, []workday.WorkerDayID{rows[0].ID, rows[2].ID}},
		{"types", workday.Filter{Types: []workday.TypeCode{workday.TypeHoliday}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []workday.WorkerDayID
			for _, wd := range got {
				assert.True(t, tt.filter.Match(wd))
				ids = append(ids, wd.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestWithTx_RollsBack(t *testing.T) {
	st := openMemory(t)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(s workday.Store) error {
		wd := workRow(1, "2024-03-04", "09:00", "18:00")
		require.NoError(t, s.Create(ctx, &wd))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	rows, err := st.List(ctx, workday.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func TestAttendance_UniqueTuple(t *testing.T) {
	// GIVEN: a stored tick
	st := openMemory(t)
	rec := workday.AttendanceRecord{Dt: workday.MustParseDate("2024-03-04"), Dttm: *at("2024-03-04", "08:55"),
		UserID: 1, EmployeeID: workday.Ptr(workday.EmployeeID(1)), ShopID: 1, Type: workday.AttendanceComing, Terminal: true}
	require.NoError(t, st.CreateAttendance(ctx, &rec))

	// WHEN: storing the same tuple again
	dup := rec
	dup.ID = 0
	err := st.CreateAttendance(ctx, &dup)

	// THEN: it conflicts and the original is found
	assert.ErrorIs(t, err, workday.ErrConflict)
	found, err := st.FindAttendance(ctx, 1, rec.Dttm, workday.AttendanceComing, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.ID, found.ID)
	assert.True(t, found.Terminal)

	none, err := st.FindAttendance(ctx, 1, rec.Dttm, workday.AttendanceLeaving, 1)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAttendance_ListOrderedByTime(t *testing.T) {
	st := openMemory(t)
	for _, clock := range []string{"18:02", "08:55", "13:00"} {
		rec := workday.AttendanceRecord{Dt: workday.MustParseDate("2024-03-04"), Dttm: *at("2024-03-04", clock),
			UserID: 1, ShopID: 1, Type: workday.AttendanceComing}
		require.NoError(t, st.CreateAttendance(ctx, &rec))
	}

	got, err := st.ListAttendance(ctx, workday.AttendanceFilter{
		UserIDs:  []workday.UserID{1},
		DttmFrom: *at("2024-03-04", "09:00"),
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Dttm.Equal(*at("2024-03-04", "13:00")))
	assert.True(t, got[1].Dttm.Equal(*at("2024-03-04", "18:02")))
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func TestImport_ServesDirectory(t *testing.T) {
	// GIVEN: imported reference data
	st := openMemory(t)
	require.NoError(t, st.Import(ctx, reference()))

	// THEN: lookups return the documents
	shop, err := st.Shop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Central", shop.Name)
	assert.Equal(t, workday.MustParseTimeOfDay("22:00"), shop.Schedule[time.Monday].Close)

	emps, err := st.EmployeesByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, emps, 1, "deleted employees are skipped")
	assert.Equal(t, workday.EmployeeID(1), emps[0].ID)

	active, err := st.ShopEmployments(ctx, 1, workday.MustParseDate("2024-03-01"), workday.MustParseDate("2024-03-31"))
	require.NoError(t, err)
	require.Len(t, active, 1, "fired before the period")
	assert.True(t, active[0].NormWorkHours.Equal(decimal.NewFromInt(100)))

	connects, err := st.NetworkConnects(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []workday.NetworkConnect{{ClientID: 1, OutsourcingID: 2}}, connects)

	days, err := st.ProductionDays(ctx, 1, workday.MustParseDate("2024-03-01"), workday.MustParseDate("2024-03-31"))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, workday.ProductionHoliday, days[0].Kind)

	types, err := st.DayTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, workday.DefaultDayTypes(), types, "empty catalogue falls back to defaults")

	_, err = st.User(ctx, 99)
	assert.ErrorIs(t, err, workday.ErrNotFound)
}

func TestImport_ReplacesEntities(t *testing.T) {
	st := openMemory(t)
	require.NoError(t, st.Import(ctx, reference()))

	again := reference()
	again.Shops[0].Name = "Central Renamed"
	again.DayTypes = workday.DayTypes{workday.TypeWorkday: workday.DefaultDayTypes()[workday.TypeWorkday]}
	require.NoError(t, st.Import(ctx, again))

	shop, err := st.Shop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Central Renamed", shop.Name)
	types, err := st.DayTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 1)
}

// =============================================================================
// TIMESHEET OVER SQL
// =============================================================================

func TestTimesheet_EnforcesOverlapOnSQLite(t *testing.T) {
	// GIVEN: a timesheet backed by a SQLite file
	st := openFile(t)
	require.NoError(t, st.Import(ctx, reference()))
	norms := workhours.NormFunc(func(context.Context, workday.EmployeeID, workday.Date, workday.Date) (decimal.Decimal, error) {
		return decimal.NewFromInt(168), nil
	})
	ts := timesheet.New(st, st, workhours.NewCalculator(calendar.NewDirectoryCalendar(st), norms))

	first := workRow(1, "2024-03-04", "09:00", "18:00")
	first.WorkHours = 0
	created, err := ts.BulkCreate(ctx, []workday.WorkerDay{first})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, workday.EmploymentID(1), *created[0].EmploymentID)
	assert.Positive(t, created[0].WorkHours)

	// WHEN: adding an overlapping shift on the same key
	second := workRow(1, "2024-03-04", "17:00", "20:00")
	_, err = ts.BulkCreate(ctx, []workday.WorkerDay{second})

	// THEN: the conflict rolls the write back
	assert.ErrorIs(t, err, workday.ErrConflict)
	rows, err := st.List(ctx, workday.Filter{EmployeeIDs: []workday.EmployeeID{1}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// =============================================================================
// POSTGRES PATHS (sqlmock)
// =============================================================================

func mockPostgres(t *testing.T) (*sqldb.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqldb.New(sqlx.NewDb(db, sqldb.DriverPostgres)), mock
}

func TestLockKeys_AdvisoryLockPerKey(t *testing.T) {
	// GIVEN: two keys inside a Postgres transaction
	st, mock := mockPostgres(t)
	keys := []workday.Key{
		{EmployeeID: 1, Dt: workday.MustParseDate("2024-03-04"), Graph: workday.PlanDraft},
		{EmployeeID: 2, Dt: workday.MustParseDate("2024-03-04"), Graph: workday.PlanDraft},
	}
	lock := regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")
	mock.ExpectBegin()
	mock.ExpectExec(lock).WithArgs(keys[0].LockName()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(lock).WithArgs(keys[1].LockName()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// WHEN
	err := st.WithTx(ctx, func(s workday.Store) error { return s.LockKeys(ctx, keys) })

	// THEN
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockKeys_OutsideTransactionIsNoop(t *testing.T) {
	st, mock := mockPostgres(t)

	err := st.LockKeys(ctx, []workday.Key{{EmployeeID: 1, Dt: workday.MustParseDate("2024-03-04")}})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RetriesSerializationFailure(t *testing.T) {
	// GIVEN: the first attempt hits a serialization failure
	st, mock := mockPostgres(t)
	key := workday.Key{EmployeeID: 1, Dt: workday.MustParseDate("2024-03-04")}
	lock := regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")
	mock.ExpectBegin()
	mock.ExpectExec(lock).WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(lock).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// WHEN
	attempts := 0
	err := st.WithTx(ctx, func(s workday.Store) error {
		attempts++
		return s.LockKeys(ctx, []workday.Key{key})
	})

	// THEN: the second attempt commits
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_GivesUpAfterRetries(t *testing.T) {
	st, mock := mockPostgres(t)
	for i := 0; i < 4; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	err := st.WithTx(ctx, func(workday.Store) error {
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	})

	assert.ErrorIs(t, err, workday.ErrConcurrentModification)
	assert.True(t, workday.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
