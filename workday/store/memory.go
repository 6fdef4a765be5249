// Package store provides an in-memory workday.Backend.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps worker days and reference data in maps. Worker-day data and
// reference data sit behind separate locks so directory reads stay
// available while a transaction holds the data lock.
type Memory struct {
	mu   sync.RWMutex
	data *dayData

	refMu       sync.RWMutex
	users       map[workday.UserID]workday.User
	employees   map[workday.EmployeeID]workday.Employee
	employments map[workday.EmploymentID]workday.Employment
	shops       map[workday.ShopID]workday.Shop
	networks    map[workday.NetworkID]workday.Network
	positions   map[workday.PositionID]workday.Position
	workTypes   map[workday.WorkTypeID]workday.WorkType
	groups      map[workday.GroupID]workday.Group
	connects    []workday.NetworkConnect
	dayTypes    workday.DayTypes
	production  map[workday.RegionID]map[workday.Date]workday.ProductionDay
}

type dayData struct {
	days    map[workday.WorkerDayID]workday.WorkerDay
	att     []workday.AttendanceRecord
	nextDay workday.WorkerDayID
	nextAtt workday.AttendanceID
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		data: &dayData{
			days: make(map[workday.WorkerDayID]workday.WorkerDay),
			now:  time.Now,
		},
		users:       make(map[workday.UserID]workday.User),
		employees:   make(map[workday.EmployeeID]workday.Employee),
		employments: make(map[workday.EmploymentID]workday.Employment),
		shops:       make(map[workday.ShopID]workday.Shop),
		networks:    make(map[workday.NetworkID]workday.Network),
		positions:   make(map[workday.PositionID]workday.Position),
		workTypes:   make(map[workday.WorkTypeID]workday.WorkType),
		groups:      make(map[workday.GroupID]workday.Group),
		production:  make(map[workday.RegionID]map[workday.Date]workday.ProductionDay),
	}
}

var (
	_ workday.Backend  = (*Memory)(nil)
	_ workday.Importer = (*Memory)(nil)
)

// =============================================================================
// WORKER DAYS (workday.Store)
// =============================================================================

func (m *Memory) Get(ctx context.Context, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.get(id)
}

func (m *Memory) List(ctx context.Context, f workday.Filter) ([]workday.WorkerDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.list(f), nil
}

func (m *Memory) Create(ctx context.Context, wd *workday.WorkerDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.create(wd)
	return nil
}

func (m *Memory) Update(ctx context.Context, wd *workday.WorkerDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.update(wd)
}

func (m *Memory) Delete(ctx context.Context, ids ...workday.WorkerDayID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.delete(ids)
	return nil
}

// LockKeys is a no-op: transactions already hold the store-wide lock.
func (m *Memory) LockKeys(ctx context.Context, keys []workday.Key) error { return ctx.Err() }

func (m *Memory) CreateAttendance(ctx context.Context, rec *workday.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.createAttendance(rec)
	return nil
}

func (m *Memory) FindAttendance(ctx context.Context, userID workday.UserID, dttm time.Time, typ workday.AttendanceType, shopID workday.ShopID) (*workday.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.findAttendance(userID, dttm, typ, shopID), nil
}

func (m *Memory) ListAttendance(ctx context.Context, f workday.AttendanceFilter) ([]workday.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listAttendance(f), nil
}

func (d *dayData) get(id workday.WorkerDayID) (*workday.WorkerDay, error) {
	wd, ok := d.days[id]
	if !ok {
		return nil, &workday.NotFoundError{Entity: "worker day", ID: id}
	}
	out := wd.Clone()
	return &out, nil
}

func (d *dayData) list(f workday.Filter) []workday.WorkerDay {
	var out []workday.WorkerDay
	for _, wd := range d.days {
		if f.Match(wd) {
			out = append(out, wd.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return workday.Less(out[i], out[j]) })
	return out
}

func (d *dayData) create(wd *workday.WorkerDay) {
	d.nextDay++
	wd.ID = d.nextDay
	wd.Modified = d.now()
	d.days[wd.ID] = wd.Clone()
}

func (d *dayData) update(wd *workday.WorkerDay) error {
	if _, ok := d.days[wd.ID]; !ok {
		return &workday.NotFoundError{Entity: "worker day", ID: wd.ID}
	}
	wd.Modified = d.now()
	d.days[wd.ID] = wd.Clone()
	return nil
}

func (d *dayData) delete(ids []workday.WorkerDayID) {
	for _, id := range ids {
		delete(d.days, id)
	}
	// Dangling links are cleared the way ON DELETE SET NULL would.
	for id, wd := range d.days {
		changed := false
		if wd.ParentID != nil && slices.Contains(ids, *wd.ParentID) {
			wd.ParentID = nil
			changed = true
		}
		if wd.ClosestPlanApprovedID != nil && slices.Contains(ids, *wd.ClosestPlanApprovedID) {
			wd.ClosestPlanApprovedID = nil
			changed = true
		}
		if changed {
			d.days[id] = wd
		}
	}
}

func (d *dayData) createAttendance(rec *workday.AttendanceRecord) {
	d.nextAtt++
	rec.ID = d.nextAtt
	d.att = append(d.att, *rec)
}

func (d *dayData) findAttendance(userID workday.UserID, dttm time.Time, typ workday.AttendanceType, shopID workday.ShopID) *workday.AttendanceRecord {
	for _, rec := range d.att {
		if rec.UserID == userID && rec.Dttm.Equal(dttm) && rec.Type == typ && rec.ShopID == shopID {
			out := rec
			return &out
		}
	}
	return nil
}

func (d *dayData) listAttendance(f workday.AttendanceFilter) []workday.AttendanceRecord {
	var out []workday.AttendanceRecord
	for _, rec := range d.att {
		if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, rec.UserID) {
			continue
		}
		if f.ShopID != nil && rec.ShopID != *f.ShopID {
			continue
		}
		if !f.DttmFrom.IsZero() && rec.Dttm.Before(f.DttmFrom) {
			continue
		}
		if !f.DttmTo.IsZero() && rec.Dttm.After(f.DttmTo) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Dttm.Before(out[j].Dttm) })
	return out
}

func (d *dayData) clone() *dayData {
	days := make(map[workday.WorkerDayID]workday.WorkerDay, len(d.days))
	for id, wd := range d.days {
		days[id] = wd.Clone()
	}
	return &dayData{
		days:    days,
		att:     slices.Clone(d.att),
		nextDay: d.nextDay,
		nextAtt: d.nextAtt,
		now:     d.now,
	}
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(workday.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	view := &txView{data: m.data}

	if err := fn(view); err != nil {
		m.data = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// txView reads and writes the live data without locking; the enclosing
// WithTx holds the lock.
type txView struct {
	data *dayData
}

func (tv *txView) Get(ctx context.Context, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return tv.data.get(id)
}

func (tv *txView) List(ctx context.Context, f workday.Filter) ([]workday.WorkerDay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tv.data.list(f), nil
}

func (tv *txView) Create(ctx context.Context, wd *workday.WorkerDay) error {
	tv.data.create(wd)
	return ctx.Err()
}

func (tv *txView) Update(ctx context.Context, wd *workday.WorkerDay) error {
	return tv.data.update(wd)
}

func (tv *txView) Delete(ctx context.Context, ids ...workday.WorkerDayID) error {
	tv.data.delete(ids)
	return nil
}

func (tv *txView) LockKeys(ctx context.Context, keys []workday.Key) error { return ctx.Err() }

func (tv *txView) CreateAttendance(ctx context.Context, rec *workday.AttendanceRecord) error {
	tv.data.createAttendance(rec)
	return nil
}

func (tv *txView) FindAttendance(ctx context.Context, userID workday.UserID, dttm time.Time, typ workday.AttendanceType, shopID workday.ShopID) (*workday.AttendanceRecord, error) {
	return tv.data.findAttendance(userID, dttm, typ, shopID), nil
}

func (tv *txView) ListAttendance(ctx context.Context, f workday.AttendanceFilter) ([]workday.AttendanceRecord, error) {
	return tv.data.listAttendance(f), nil
}

// =============================================================================
// REFERENCE DATA (workday.Directory)
// =============================================================================

func (m *Memory) PutUser(u workday.User) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutEmployee(e workday.Employee) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.employees[e.ID] = e
}

func (m *Memory) PutEmployment(e workday.Employment) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.employments[e.ID] = e
}

func (m *Memory) PutShop(s workday.Shop) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.shops[s.ID] = s
}

func (m *Memory) PutNetwork(n workday.Network) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.networks[n.ID] = n
}

func (m *Memory) PutPosition(p workday.Position) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.positions[p.ID] = p
}

func (m *Memory) PutWorkType(w workday.WorkType) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.workTypes[w.ID] = w
}

func (m *Memory) PutGroup(g workday.Group) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.groups[g.ID] = g
}

func (m *Memory) PutNetworkConnect(c workday.NetworkConnect) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if !slices.Contains(m.connects, c) {
		m.connects = append(m.connects, c)
	}
}

func (m *Memory) SetDayTypes(ts workday.DayTypes) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.dayTypes = ts
}

func (m *Memory) PutProductionDay(p workday.ProductionDay) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.production[p.RegionID] == nil {
		m.production[p.RegionID] = make(map[workday.Date]workday.ProductionDay)
	}
	m.production[p.RegionID][p.Dt] = p
}

// Import stores every entity in data, replacing those with the same id.
func (m *Memory) Import(ctx context.Context, data *workday.ReferenceData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if data.DayTypes != nil {
		m.SetDayTypes(data.DayTypes)
	}
	for _, n := range data.Networks {
		m.PutNetwork(n)
	}
	for _, c := range data.NetworkConnects {
		m.PutNetworkConnect(c)
	}
	for _, s := range data.Shops {
		m.PutShop(s)
	}
	for _, p := range data.Positions {
		m.PutPosition(p)
	}
	for _, w := range data.WorkTypes {
		m.PutWorkType(w)
	}
	for _, g := range data.Groups {
		m.PutGroup(g)
	}
	for _, u := range data.Users {
		m.PutUser(u)
	}
	for _, e := range data.Employees {
		m.PutEmployee(e)
	}
	for _, e := range data.Employments {
		m.PutEmployment(e)
	}
	for _, p := range data.ProductionDays {
		m.PutProductionDay(p)
	}
	return nil
}

func (m *Memory) User(ctx context.Context, id workday.UserID) (*workday.User, error) {
	return lookup(&m.refMu, m.users, id, "user")
}

func (m *Memory) Employee(ctx context.Context, id workday.EmployeeID) (*workday.Employee, error) {
	return lookup(&m.refMu, m.employees, id, "employee")
}

func (m *Memory) EmployeesByUser(ctx context.Context, userID workday.UserID) ([]workday.Employee, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []workday.Employee
	for _, e := range m.employees {
		if e.UserID == userID && e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Employment(ctx context.Context, id workday.EmploymentID) (*workday.Employment, error) {
	return lookup(&m.refMu, m.employments, id, "employment")
}

func (m *Memory) Employments(ctx context.Context, employeeID workday.EmployeeID) ([]workday.Employment, error) {
	return m.filterEmployments(func(e workday.Employment) bool { return e.EmployeeID == employeeID }), nil
}

func (m *Memory) ShopEmployments(ctx context.Context, shopID workday.ShopID, from, to workday.Date) ([]workday.Employment, error) {
	return m.filterEmployments(func(e workday.Employment) bool {
		if e.ShopID != shopID || to.Before(e.DtHired) {
			return false
		}
		return e.DtFired == nil || !e.DtFired.Before(from)
	}), nil
}

func (m *Memory) filterEmployments(keep func(workday.Employment) bool) []workday.Employment {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []workday.Employment
	for _, e := range m.employments {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Shop(ctx context.Context, id workday.ShopID) (*workday.Shop, error) {
	return lookup(&m.refMu, m.shops, id, "shop")
}

func (m *Memory) Network(ctx context.Context, id workday.NetworkID) (*workday.Network, error) {
	return lookup(&m.refMu, m.networks, id, "network")
}

func (m *Memory) Position(ctx context.Context, id workday.PositionID) (*workday.Position, error) {
	return lookup(&m.refMu, m.positions, id, "position")
}

func (m *Memory) WorkType(ctx context.Context, id workday.WorkTypeID) (*workday.WorkType, error) {
	return lookup(&m.refMu, m.workTypes, id, "work type")
}

func (m *Memory) ShopWorkTypes(ctx context.Context, shopID workday.ShopID) ([]workday.WorkType, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []workday.WorkType
	for _, w := range m.workTypes {
		if w.ShopID == shopID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Group(ctx context.Context, id workday.GroupID) (*workday.Group, error) {
	return lookup(&m.refMu, m.groups, id, "group")
}

func (m *Memory) NetworkConnects(ctx context.Context, clientID workday.NetworkID) ([]workday.NetworkConnect, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []workday.NetworkConnect
	for _, c := range m.connects {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) DayTypes(ctx context.Context) (workday.DayTypes, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	if m.dayTypes == nil {
		return workday.DefaultDayTypes(), nil
	}
	return m.dayTypes, nil
}

func (m *Memory) ProductionDays(ctx context.Context, regionID workday.RegionID, from, to workday.Date) ([]workday.ProductionDay, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []workday.ProductionDay
	for dt, p := range m.production[regionID] {
		if !dt.Before(from) && !dt.After(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dt.Before(out[j].Dt) })
	return out, nil
}

func lookup[K comparable, V any](mu *sync.RWMutex, m map[K]V, id K, entity string) (*V, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[id]
	if !ok {
		return nil, &workday.NotFoundError{Entity: entity, ID: id}
	}
	return &v, nil
}
