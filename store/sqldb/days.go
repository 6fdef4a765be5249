package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/workday"
)

// tsLayout is fixed-width so stored instants sort as strings.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// queries holds every statement; it runs on the pool or on a transaction.
type queries struct {
	c      conn
	driver string
	now    func() time.Time
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type dayRow struct {
	ID                    int64          `db:"id"`
	Dt                    string         `db:"dt"`
	EmployeeID            sql.NullInt64  `db:"employee_id"`
	EmploymentID          sql.NullInt64  `db:"employment_id"`
	ShopID                sql.NullInt64  `db:"shop_id"`
	Type                  string         `db:"type"`
	IsFact                bool           `db:"is_fact"`
	IsApproved            bool           `db:"is_approved"`
	WorkStart             sql.NullString `db:"work_start"`
	WorkEnd               sql.NullString `db:"work_end"`
	WorkHours             int64          `db:"work_hours"`
	IsVacancy             bool           `db:"is_vacancy"`
	IsOutsource           bool           `db:"is_outsource"`
	IsBlocked             bool           `db:"is_blocked"`
	ParentID              sql.NullInt64  `db:"parent_id"`
	ClosestPlanApprovedID sql.NullInt64  `db:"closest_plan_approved_id"`
	Source                string         `db:"source"`
	Code                  string         `db:"code"`
	CostPerHour           sql.NullString `db:"cost_per_hour"`
	CreatedBy             sql.NullInt64  `db:"created_by"`
	LastEditedBy          sql.NullInt64  `db:"last_edited_by"`
	Modified              string         `db:"modified"`
	DetailsJSON           string         `db:"details_json"`
	OutsourcesJSON        string         `db:"outsources_json"`
	VacancyStatus         string         `db:"vacancy_status"`
}

const dayColumns = `id, dt, employee_id, employment_id, shop_id, type, is_fact, is_approved,
	work_start, work_end, work_hours, is_vacancy, is_outsource, is_blocked, parent_id,
	closest_plan_approved_id, source, code, cost_per_hour, created_by, last_edited_by,
	modified, details_json, outsources_json, vacancy_status`

func toDayRow(wd workday.WorkerDay) (dayRow, error) {
	details, err := json.Marshal(nonNil(wd.Details))
	if err != nil {
		return dayRow{}, fmt.Errorf("encode details: %w", err)
	}
	outsources, err := json.Marshal(nonNil(wd.Outsources))
	if err != nil {
		return dayRow{}, fmt.Errorf("encode outsources: %w", err)
	}
	r := dayRow{
		ID:                    int64(wd.ID),
		Dt:                    wd.Dt.String(),
		EmployeeID:            nullID(wd.EmployeeID),
		EmploymentID:          nullID(wd.EmploymentID),
		ShopID:                nullID(wd.ShopID),
		Type:                  string(wd.Type),
		IsFact:                wd.IsFact,
		IsApproved:            wd.IsApproved,
		WorkStart:             nullTime(wd.WorkStart),
		WorkEnd:               nullTime(wd.WorkEnd),
		WorkHours:             int64(wd.WorkHours),
		IsVacancy:             wd.IsVacancy,
		IsOutsource:           wd.IsOutsource,
		IsBlocked:             wd.IsBlocked,
		ParentID:              nullID(wd.ParentID),
		ClosestPlanApprovedID: nullID(wd.ClosestPlanApprovedID),
		Source:                string(wd.Source),
		Code:                  wd.Code,
		CreatedBy:             nullID(wd.CreatedBy),
		LastEditedBy:          nullID(wd.LastEditedBy),
		Modified:              formatTime(wd.Modified),
		DetailsJSON:           string(details),
		OutsourcesJSON:        string(outsources),
		VacancyStatus:         string(wd.VacancyStatus),
	}
	if wd.CostPerHour != nil {
		r.CostPerHour = sql.NullString{String: wd.CostPerHour.String(), Valid: true}
	}
	return r, nil
}

func (r dayRow) day() (workday.WorkerDay, error) {
	dt, err := workday.ParseDate(r.Dt)
	if err != nil {
		return workday.WorkerDay{}, err
	}
	wd := workday.WorkerDay{
		ID:                    workday.WorkerDayID(r.ID),
		Dt:                    dt,
		EmployeeID:            idPtr[workday.EmployeeID](r.EmployeeID),
		EmploymentID:          idPtr[workday.EmploymentID](r.EmploymentID),
		ShopID:                idPtr[workday.ShopID](r.ShopID),
		Type:                  workday.TypeCode(r.Type),
		IsFact:                r.IsFact,
		IsApproved:            r.IsApproved,
		WorkHours:             time.Duration(r.WorkHours),
		IsVacancy:             r.IsVacancy,
		IsOutsource:           r.IsOutsource,
		IsBlocked:             r.IsBlocked,
		ParentID:              idPtr[workday.WorkerDayID](r.ParentID),
		ClosestPlanApprovedID: idPtr[workday.WorkerDayID](r.ClosestPlanApprovedID),
		Source:                workday.Source(r.Source),
		Code:                  r.Code,
		CreatedBy:             idPtr[workday.UserID](r.CreatedBy),
		LastEditedBy:          idPtr[workday.UserID](r.LastEditedBy),
		VacancyStatus:         workday.VacancyStatus(r.VacancyStatus),
	}
	if wd.WorkStart, err = parseNullTime(r.WorkStart); err != nil {
		return wd, err
	}
	if wd.WorkEnd, err = parseNullTime(r.WorkEnd); err != nil {
		return wd, err
	}
	if wd.Modified, err = time.Parse(tsLayout, r.Modified); err != nil {
		return wd, fmt.Errorf("parse modified: %w", err)
	}
	if r.CostPerHour.Valid {
		cost, err := decimal.NewFromString(r.CostPerHour.String)
		if err != nil {
			return wd, fmt.Errorf("parse cost_per_hour: %w", err)
		}
		wd.CostPerHour = &cost
	}
	if err := json.Unmarshal([]byte(r.DetailsJSON), &wd.Details); err != nil {
		return wd, fmt.Errorf("decode details: %w", err)
	}
	if err := json.Unmarshal([]byte(r.OutsourcesJSON), &wd.Outsources); err != nil {
		return wd, fmt.Errorf("decode outsources: %w", err)
	}
	if len(wd.Details) == 0 {
		wd.Details = nil
	}
	if len(wd.Outsources) == 0 {
		wd.Outsources = nil
	}
	return wd, nil
}

// =============================================================================
// WORKER DAYS (workday.Store)
// =============================================================================

func (q *queries) Get(ctx context.Context, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	var r dayRow
	err := q.c.GetContext(ctx, &r, q.c.Rebind("SELECT "+dayColumns+" FROM worker_days WHERE id = ?"), int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workday.NotFoundError{Entity: "worker day", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker day %d: %w", id, mapErr(err))
	}
	wd, err := r.day()
	if err != nil {
		return nil, fmt.Errorf("failed to scan worker day %d: %w", id, err)
	}
	return &wd, nil
}

func (q *queries) List(ctx context.Context, f workday.Filter) ([]workday.WorkerDay, error) {
	where, args, err := dayWhere(f)
	if err != nil {
		return nil, err
	}
	var rows []dayRow
	query := q.c.Rebind("SELECT " + dayColumns + " FROM worker_days" + where + " ORDER BY id")
	if err := q.c.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list worker days: %w", mapErr(err))
	}
	out := make([]workday.WorkerDay, 0, len(rows))
	for _, r := range rows {
		wd, err := r.day()
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker day %d: %w", r.ID, err)
		}
		out = append(out, wd)
	}
	// NULL ordering differs between drivers; sort in Go.
	sort.Slice(out, func(i, j int) bool { return workday.Less(out[i], out[j]) })
	return out, nil
}

// dayWhere renders f as a WHERE clause with ? placeholders.
func dayWhere(f workday.Filter) (string, []any, error) {
	var conds []string
	var args []any
	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}
	if len(f.IDs) > 0 {
		add("id IN (?)", int64s(f.IDs))
	}
	if len(f.EmployeeIDs) > 0 {
		add("employee_id IN (?)", int64s(f.EmployeeIDs))
	}
	if len(f.ShopIDs) > 0 {
		add("shop_id IN (?)", int64s(f.ShopIDs))
	}
	if !f.DtFrom.IsZero() {
		add("dt >= ?", f.DtFrom.String())
	}
	if !f.DtTo.IsZero() {
		add("dt <= ?", f.DtTo.String())
	}
	if f.IsFact != nil {
		add("is_fact = ?", *f.IsFact)
	}
	if f.IsApproved != nil {
		add("is_approved = ?", *f.IsApproved)
	}
	if len(f.Types) > 0 {
		add("type IN (?)", strs(f.Types))
	}
	if f.IsVacancy != nil {
		add("is_vacancy = ?", *f.IsVacancy)
	}
	if f.OnlyOpenVacancies {
		add("employee_id IS NULL")
	}
	if len(f.Codes) > 0 {
		add("code IN (?)", f.Codes)
	}
	if len(f.ClosestPlanApprovedIDs) > 0 {
		add("closest_plan_approved_id IN (?)", int64s(f.ClosestPlanApprovedIDs))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	query, args, err := sqlx.In(" WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return "", nil, fmt.Errorf("build worker day filter: %w", err)
	}
	return query, args, nil
}

const insertDay = `INSERT INTO worker_days (dt, employee_id, employment_id, shop_id, type, is_fact,
	is_approved, work_start, work_end, work_hours, is_vacancy, is_outsource, is_blocked, parent_id,
	closest_plan_approved_id, source, code, cost_per_hour, created_by, last_edited_by, modified,
	details_json, outsources_json, vacancy_status)
VALUES (:dt, :employee_id, :employment_id, :shop_id, :type, :is_fact, :is_approved, :work_start,
	:work_end, :work_hours, :is_vacancy, :is_outsource, :is_blocked, :parent_id,
	:closest_plan_approved_id, :source, :code, :cost_per_hour, :created_by, :last_edited_by,
	:modified, :details_json, :outsources_json, :vacancy_status)
RETURNING id`

const updateDay = `UPDATE worker_days SET dt = :dt, employee_id = :employee_id,
	employment_id = :employment_id, shop_id = :shop_id, type = :type, is_fact = :is_fact,
	is_approved = :is_approved, work_start = :work_start, work_end = :work_end,
	work_hours = :work_hours, is_vacancy = :is_vacancy, is_outsource = :is_outsource,
	is_blocked = :is_blocked, parent_id = :parent_id,
	closest_plan_approved_id = :closest_plan_approved_id, source = :source, code = :code,
	cost_per_hour = :cost_per_hour, created_by = :created_by, last_edited_by = :last_edited_by,
	modified = :modified, details_json = :details_json, outsources_json = :outsources_json,
	vacancy_status = :vacancy_status
WHERE id = :id`

// Create assigns wd.ID and wd.Modified.
func (q *queries) Create(ctx context.Context, wd *workday.WorkerDay) error {
	stamped := wd.Clone()
	stamped.Modified = q.now().UTC()
	r, err := toDayRow(stamped)
	if err != nil {
		return err
	}
	query, args, err := sqlx.Named(insertDay, r)
	if err != nil {
		return fmt.Errorf("bind worker day insert: %w", err)
	}
	var id int64
	if err := q.c.QueryRowxContext(ctx, q.c.Rebind(query), args...).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert worker day: %w", mapErr(err))
	}
	wd.ID = workday.WorkerDayID(id)
	wd.Modified = stamped.Modified
	return nil
}

func (q *queries) Update(ctx context.Context, wd *workday.WorkerDay) error {
	stamped := wd.Clone()
	stamped.Modified = q.now().UTC()
	r, err := toDayRow(stamped)
	if err != nil {
		return err
	}
	query, args, err := sqlx.Named(updateDay, r)
	if err != nil {
		return fmt.Errorf("bind worker day update: %w", err)
	}
	res, err := q.c.ExecContext(ctx, q.c.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update worker day %d: %w", wd.ID, mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &workday.NotFoundError{Entity: "worker day", ID: wd.ID}
	}
	wd.Modified = stamped.Modified
	return nil
}

// Delete removes rows and clears links pointing at them.
func (q *queries) Delete(ctx context.Context, ids ...workday.WorkerDayID) error {
	if len(ids) == 0 {
		return nil
	}
	stmts := []string{
		"UPDATE worker_days SET parent_id = NULL WHERE parent_id IN (?)",
		"UPDATE worker_days SET closest_plan_approved_id = NULL WHERE closest_plan_approved_id IN (?)",
		"DELETE FROM worker_days WHERE id IN (?)",
	}
	for _, stmt := range stmts {
		query, args, err := sqlx.In(stmt, int64s(ids))
		if err != nil {
			return err
		}
		if _, err := q.c.ExecContext(ctx, q.c.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete worker days: %w", mapErr(err))
		}
	}
	return nil
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type attendanceRow struct {
	ID         int64         `db:"id"`
	Dt         string        `db:"dt"`
	Dttm       string        `db:"dttm"`
	UserID     int64         `db:"user_id"`
	EmployeeID sql.NullInt64 `db:"employee_id"`
	ShopID     int64         `db:"shop_id"`
	Type       string        `db:"type"`
	Terminal   bool          `db:"terminal"`
}

const attendanceColumns = "id, dt, dttm, user_id, employee_id, shop_id, type, terminal"

func (r attendanceRow) record() (workday.AttendanceRecord, error) {
	dt, err := workday.ParseDate(r.Dt)
	if err != nil {
		return workday.AttendanceRecord{}, err
	}
	dttm, err := time.Parse(tsLayout, r.Dttm)
	if err != nil {
		return workday.AttendanceRecord{}, fmt.Errorf("parse dttm: %w", err)
	}
	return workday.AttendanceRecord{
		ID:         workday.AttendanceID(r.ID),
		Dt:         dt,
		Dttm:       dttm,
		UserID:     workday.UserID(r.UserID),
		EmployeeID: idPtr[workday.EmployeeID](r.EmployeeID),
		ShopID:     workday.ShopID(r.ShopID),
		Type:       workday.AttendanceType(r.Type),
		Terminal:   r.Terminal,
	}, nil
}

func (q *queries) CreateAttendance(ctx context.Context, rec *workday.AttendanceRecord) error {
	r := attendanceRow{
		Dt:         rec.Dt.String(),
		Dttm:       formatTime(rec.Dttm),
		UserID:     int64(rec.UserID),
		EmployeeID: nullID(rec.EmployeeID),
		ShopID:     int64(rec.ShopID),
		Type:       string(rec.Type),
		Terminal:   rec.Terminal,
	}
	query, args, err := sqlx.Named(`INSERT INTO attendance_records (dt, dttm, user_id, employee_id, shop_id, type, terminal)
		VALUES (:dt, :dttm, :user_id, :employee_id, :shop_id, :type, :terminal) RETURNING id`, r)
	if err != nil {
		return fmt.Errorf("bind attendance insert: %w", err)
	}
	var id int64
	if err := q.c.QueryRowxContext(ctx, q.c.Rebind(query), args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return &workday.ConflictError{Code: "duplicate_attendance", Message: "attendance record already stored"}
		}
		return fmt.Errorf("failed to insert attendance record: %w", mapErr(err))
	}
	rec.ID = workday.AttendanceID(id)
	return nil
}

func (q *queries) FindAttendance(ctx context.Context, userID workday.UserID, dttm time.Time, typ workday.AttendanceType, shopID workday.ShopID) (*workday.AttendanceRecord, error) {
	var r attendanceRow
	err := q.c.GetContext(ctx, &r, q.c.Rebind(`SELECT `+attendanceColumns+` FROM attendance_records
		WHERE user_id = ? AND dttm = ? AND type = ? AND shop_id = ?`),
		int64(userID), formatTime(dttm), string(typ), int64(shopID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find attendance record: %w", mapErr(err))
	}
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q *queries) ListAttendance(ctx context.Context, f workday.AttendanceFilter) ([]workday.AttendanceRecord, error) {
	var conds []string
	var args []any
	if len(f.UserIDs) > 0 {
		conds = append(conds, "user_id IN (?)")
		args = append(args, int64s(f.UserIDs))
	}
	if f.ShopID != nil {
		conds = append(conds, "shop_id = ?")
		args = append(args, int64(*f.ShopID))
	}
	if !f.DttmFrom.IsZero() {
		conds = append(conds, "dttm >= ?")
		args = append(args, formatTime(f.DttmFrom))
	}
	if !f.DttmTo.IsZero() {
		conds = append(conds, "dttm <= ?")
		args = append(args, formatTime(f.DttmTo))
	}
	query := "SELECT " + attendanceColumns + " FROM attendance_records"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query, args, err := sqlx.In(query+" ORDER BY dttm, id", args...)
	if err != nil {
		return nil, err
	}
	var rows []attendanceRow
	if err := q.c.SelectContext(ctx, &rows, q.c.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", mapErr(err))
	}
	out := make([]workday.AttendanceRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(tsLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse instant %q: %w", s.String, err)
	}
	return &t, nil
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func idPtr[T ~int64](n sql.NullInt64) *T {
	if !n.Valid {
		return nil
	}
	v := T(n.Int64)
	return &v
}

func int64s[T ~int64](ids []T) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
