package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// REFERENCE DATA (workday.Directory)
// =============================================================================

func (q *queries) User(ctx context.Context, id workday.UserID) (*workday.User, error) {
	return getDoc[workday.User](ctx, q, "user", id, "SELECT doc FROM users WHERE id = ?", int64(id))
}

func (q *queries) Employee(ctx context.Context, id workday.EmployeeID) (*workday.Employee, error) {
	return getDoc[workday.Employee](ctx, q, "employee", id, "SELECT doc FROM employees WHERE id = ?", int64(id))
}

// EmployeesByUser skips deleted employees.
func (q *queries) EmployeesByUser(ctx context.Context, userID workday.UserID) ([]workday.Employee, error) {
	return selectDocs[workday.Employee](ctx, q,
		"SELECT doc FROM employees WHERE user_id = ? AND deleted = ? ORDER BY id", int64(userID), false)
}

func (q *queries) Employment(ctx context.Context, id workday.EmploymentID) (*workday.Employment, error) {
	return getDoc[workday.Employment](ctx, q, "employment", id, "SELECT doc FROM employments WHERE id = ?", int64(id))
}

func (q *queries) Employments(ctx context.Context, employeeID workday.EmployeeID) ([]workday.Employment, error) {
	return selectDocs[workday.Employment](ctx, q,
		"SELECT doc FROM employments WHERE employee_id = ? ORDER BY id", int64(employeeID))
}

// ShopEmployments returns employments of the shop active on any day of
// [from, to].
func (q *queries) ShopEmployments(ctx context.Context, shopID workday.ShopID, from, to workday.Date) ([]workday.Employment, error) {
	return selectDocs[workday.Employment](ctx, q, `SELECT doc FROM employments
		WHERE shop_id = ? AND dt_hired <= ? AND (dt_fired IS NULL OR dt_fired >= ?)
		ORDER BY id`, int64(shopID), to.String(), from.String())
}

func (q *queries) Shop(ctx context.Context, id workday.ShopID) (*workday.Shop, error) {
	return getDoc[workday.Shop](ctx, q, "shop", id, "SELECT doc FROM shops WHERE id = ?", int64(id))
}

func (q *queries) Network(ctx context.Context, id workday.NetworkID) (*workday.Network, error) {
	return getDoc[workday.Network](ctx, q, "network", id, "SELECT doc FROM networks WHERE id = ?", int64(id))
}

func (q *queries) Position(ctx context.Context, id workday.PositionID) (*workday.Position, error) {
	return getDoc[workday.Position](ctx, q, "position", id, "SELECT doc FROM positions WHERE id = ?", int64(id))
}

func (q *queries) WorkType(ctx context.Context, id workday.WorkTypeID) (*workday.WorkType, error) {
	return getDoc[workday.WorkType](ctx, q, "work type", id, "SELECT doc FROM work_types WHERE id = ?", int64(id))
}

func (q *queries) ShopWorkTypes(ctx context.Context, shopID workday.ShopID) ([]workday.WorkType, error) {
	return selectDocs[workday.WorkType](ctx, q,
		"SELECT doc FROM work_types WHERE shop_id = ? ORDER BY id", int64(shopID))
}

func (q *queries) Group(ctx context.Context, id workday.GroupID) (*workday.Group, error) {
	return getDoc[workday.Group](ctx, q, "group", id, "SELECT doc FROM function_groups WHERE id = ?", int64(id))
}

func (q *queries) NetworkConnects(ctx context.Context, clientID workday.NetworkID) ([]workday.NetworkConnect, error) {
	return selectDocs[workday.NetworkConnect](ctx, q,
		"SELECT doc FROM network_connects WHERE client_id = ? ORDER BY outsourcing_id", int64(clientID))
}

// DayTypes falls back to the built-in catalogue while the table is empty.
func (q *queries) DayTypes(ctx context.Context) (workday.DayTypes, error) {
	types, err := selectDocs[workday.DayType](ctx, q, "SELECT doc FROM day_types ORDER BY code")
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return workday.DefaultDayTypes(), nil
	}
	out := make(workday.DayTypes, len(types))
	for _, t := range types {
		out[t.Code] = t
	}
	return out, nil
}

func (q *queries) ProductionDays(ctx context.Context, regionID workday.RegionID, from, to workday.Date) ([]workday.ProductionDay, error) {
	return selectDocs[workday.ProductionDay](ctx, q, `SELECT doc FROM production_days
		WHERE region_id = ? AND dt >= ? AND dt <= ? ORDER BY dt`, int64(regionID), from.String(), to.String())
}

func getDoc[T any](ctx context.Context, q *queries, entity string, id any, query string, args ...any) (*T, error) {
	var doc string
	err := q.c.GetContext(ctx, &doc, q.c.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workday.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %v: %w", entity, id, mapErr(err))
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("decode %s %v: %w", entity, id, err)
	}
	return &v, nil
}

func selectDocs[T any](ctx context.Context, q *queries, query string, args ...any) ([]T, error) {
	var docs []string
	if err := q.c.SelectContext(ctx, &docs, q.c.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select reference data: %w", mapErr(err))
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode reference document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// =============================================================================
// IMPORT (workday.Importer)
// =============================================================================

var _ workday.Importer = (*Store)(nil)

// Import upserts data in one transaction. A non-nil DayTypes replaces the
// whole catalogue.
func (s *Store) Import(ctx context.Context, data *workday.ReferenceData) error {
	return s.WithTx(ctx, func(st workday.Store) error {
		q := st.(*txStore).queries
		if err := q.importData(ctx, data); err != nil {
			return err
		}
		s.logger.Info("reference data imported",
			zap.Int("shops", len(data.Shops)),
			zap.Int("employees", len(data.Employees)),
			zap.Int("employments", len(data.Employments)))
		return nil
	})
}

func (q *queries) importData(ctx context.Context, data *workday.ReferenceData) error {
	if data.DayTypes != nil {
		if _, err := q.c.ExecContext(ctx, "DELETE FROM day_types"); err != nil {
			return fmt.Errorf("failed to clear day types: %w", mapErr(err))
		}
		for _, t := range data.DayTypes {
			if err := q.upsert(ctx, "day_types", []string{"code"}, t, string(t.Code)); err != nil {
				return err
			}
		}
	}
	for _, n := range data.Networks {
		if err := q.upsert(ctx, "networks", []string{"id"}, n, int64(n.ID)); err != nil {
			return err
		}
	}
	for _, c := range data.NetworkConnects {
		if err := q.upsert(ctx, "network_connects", []string{"client_id", "outsourcing_id"}, c,
			int64(c.ClientID), int64(c.OutsourcingID)); err != nil {
			return err
		}
	}
	for _, sh := range data.Shops {
		if err := q.upsert(ctx, "shops", []string{"id"}, sh, int64(sh.ID)); err != nil {
			return err
		}
	}
	for _, p := range data.Positions {
		if err := q.upsert(ctx, "positions", []string{"id"}, p, int64(p.ID)); err != nil {
			return err
		}
	}
	for _, w := range data.WorkTypes {
		if err := q.upsert(ctx, "work_types", []string{"id", "shop_id"}, w, int64(w.ID), int64(w.ShopID)); err != nil {
			return err
		}
	}
	for _, g := range data.Groups {
		if err := q.upsert(ctx, "function_groups", []string{"id"}, g, int64(g.ID)); err != nil {
			return err
		}
	}
	for _, u := range data.Users {
		if err := q.upsert(ctx, "users", []string{"id"}, u, int64(u.ID)); err != nil {
			return err
		}
	}
	for _, e := range data.Employees {
		if err := q.upsert(ctx, "employees", []string{"id", "user_id", "deleted"}, e,
			int64(e.ID), int64(e.UserID), e.DeletedAt != nil); err != nil {
			return err
		}
	}
	for _, e := range data.Employments {
		var fired any
		if e.DtFired != nil {
			fired = e.DtFired.String()
		}
		if err := q.upsert(ctx, "employments", []string{"id", "employee_id", "shop_id", "dt_hired", "dt_fired"}, e,
			int64(e.ID), int64(e.EmployeeID), int64(e.ShopID), e.DtHired.String(), fired); err != nil {
			return err
		}
	}
	for _, p := range data.ProductionDays {
		if err := q.upsert(ctx, "production_days", []string{"region_id", "dt"}, p,
			int64(p.RegionID), p.Dt.String()); err != nil {
			return err
		}
	}
	return nil
}

// upsert writes doc plus its lookup columns. The first key columns form
// the primary key: one for most tables, two for the pair-keyed ones.
func (q *queries) upsert(ctx context.Context, table string, cols []string, doc any, vals ...any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", table, err)
	}
	pk := 1
	switch table {
	case "network_connects", "production_days":
		pk = 2
	}
	set := "doc = excluded.doc"
	for _, c := range cols[pk:] {
		set += ", " + c + " = excluded." + c
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, doc) VALUES (%s?) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Repeat("?, ", len(cols)), strings.Join(cols[:pk], ", "), set)
	if _, err := q.c.ExecContext(ctx, q.c.Rebind(query), append(vals, string(body))...); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", table, mapErr(err))
	}
	return nil
}
