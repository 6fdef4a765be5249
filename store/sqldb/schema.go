package sqldb

import "strings"

// schema returns the DDL for driver. Only the generated-id column type
// differs between SQLite and Postgres.
func schema(driver string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(ddl, "{{serial}}", serial)
}

const ddl = `
-- Worker days: one row per plan/fact x draft/approved entry
CREATE TABLE IF NOT EXISTS worker_days (
	id {{serial}},
	dt TEXT NOT NULL,
	employee_id BIGINT,
	employment_id BIGINT,
	shop_id BIGINT,
	type TEXT NOT NULL,
	is_fact BOOLEAN NOT NULL,
	is_approved BOOLEAN NOT NULL,
	work_start TEXT,
	work_end TEXT,
	work_hours BIGINT NOT NULL DEFAULT 0,
	is_vacancy BOOLEAN NOT NULL DEFAULT FALSE,
	is_outsource BOOLEAN NOT NULL DEFAULT FALSE,
	is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
	parent_id BIGINT,
	closest_plan_approved_id BIGINT,
	source TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	cost_per_hour TEXT,
	created_by BIGINT,
	last_edited_by BIGINT,
	modified TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '[]',
	outsources_json TEXT NOT NULL DEFAULT '[]',
	vacancy_status TEXT NOT NULL DEFAULT ''
);

-- Key lookups (employee, dt, graph): every write path
CREATE INDEX IF NOT EXISTS idx_worker_days_key
	ON worker_days(employee_id, dt, is_fact, is_approved);
CREATE INDEX IF NOT EXISTS idx_worker_days_shop_dt
	ON worker_days(shop_id, dt);
CREATE INDEX IF NOT EXISTS idx_worker_days_closest
	ON worker_days(closest_plan_approved_id) WHERE closest_plan_approved_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_worker_days_parent
	ON worker_days(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_worker_days_code
	ON worker_days(code) WHERE code <> '';

-- Attendance ticks; the tuple is unique so replays are no-ops
CREATE TABLE IF NOT EXISTS attendance_records (
	id {{serial}},
	dt TEXT NOT NULL,
	dttm TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	employee_id BIGINT,
	shop_id BIGINT NOT NULL,
	type TEXT NOT NULL,
	terminal BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_unique
	ON attendance_records(user_id, dttm, type, shop_id);
CREATE INDEX IF NOT EXISTS idx_attendance_user_dttm
	ON attendance_records(user_id, dttm);

-- Reference data, stored as JSON documents with lookup columns
CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS employees (
	id BIGINT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_employees_user ON employees(user_id);

CREATE TABLE IF NOT EXISTS employments (
	id BIGINT PRIMARY KEY,
	employee_id BIGINT NOT NULL,
	shop_id BIGINT NOT NULL,
	dt_hired TEXT NOT NULL,
	dt_fired TEXT,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_employments_employee ON employments(employee_id);
CREATE INDEX IF NOT EXISTS idx_employments_shop ON employments(shop_id, dt_hired);

CREATE TABLE IF NOT EXISTS shops (
	id BIGINT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS networks (
	id BIGINT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS network_connects (
	client_id BIGINT NOT NULL,
	outsourcing_id BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (client_id, outsourcing_id)
);

CREATE TABLE IF NOT EXISTS positions (
	id BIGINT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS work_types (
	id BIGINT PRIMARY KEY,
	shop_id BIGINT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_types_shop ON work_types(shop_id);

CREATE TABLE IF NOT EXISTS function_groups (
	id BIGINT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS day_types (
	code TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS production_days (
	region_id BIGINT NOT NULL,
	dt TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (region_id, dt)
);
`
