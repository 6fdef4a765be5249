// Package worktest builds a seeded in-memory world for engine tests.
package worktest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
	"github.com/warp/worktime-engine/workday/store"
	"github.com/warp/worktime-engine/workhours"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

const (
	NetMain    workday.NetworkID = 1
	NetPartner workday.NetworkID = 2

	Region workday.RegionID = 1

	ShopCentral workday.ShopID = 1
	ShopNorth   workday.ShopID = 2
	ShopPartner workday.ShopID = 3

	WTCashierCentral workday.WorkTypeID = 11
	WTStockerCentral workday.WorkTypeID = 12
	WTCashierNorth   workday.WorkTypeID = 21
	WTCourierPartner workday.WorkTypeID = 31

	GroupAdmin   workday.GroupID = 1
	GroupManager workday.GroupID = 2
	GroupStaff   workday.GroupID = 3

	PositionCashier workday.PositionID = 1

	UserAdmin   workday.UserID = 100
	UserAnna    workday.UserID = 1
	UserBoris   workday.UserID = 2
	UserPavel   workday.UserID = 3
	UserManager workday.UserID = 4

	// Anna works in Central as a cashier.
	EmpAnna workday.EmployeeID = 1
	// Boris holds two employments: half rate in Central (stocker) and
	// full rate in North (cashier).
	EmpBoris workday.EmployeeID = 2
	// Pavel belongs to the partner network.
	EmpPavel workday.EmployeeID = 3
	// Maria manages Central.
	EmpMaria workday.EmployeeID = 4

	EmplAnna         workday.EmploymentID = 1
	EmplBorisCentral workday.EmploymentID = 2
	EmplBorisNorth   workday.EmploymentID = 3
	EmplPavel        workday.EmploymentID = 4
	EmplMariaCentral workday.EmploymentID = 5
)

// DefaultNormPerMonth is the norm in hours of employees without an entry in
// World.Norms.
const DefaultNormPerMonth = 168

// =============================================================================
// WORLD
// =============================================================================

// World is a seeded memory store plus the engine plumbing around it.
type World struct {
	Store      *store.Memory
	Calc       *workhours.Calculator
	Dispatcher *events.Dispatcher
	Oracle     *calendar.Oracle
	Norms      map[workday.EmployeeID]decimal.Decimal
}

// New seeds two networks, three shops and four employees. The clock is
// fixed at 2024-03-10 12:00 UTC.
func New() *World {
	m := store.NewMemory()
	w := &World{
		Store:      m,
		Dispatcher: events.NewDispatcher(),
		Norms:      make(map[workday.EmployeeID]decimal.Decimal),
	}
	cal := calendar.NewDirectoryCalendar(m)
	w.Calc = workhours.NewCalculator(cal, w)
	w.Oracle = calendar.NewOracle(cal)
	w.Oracle.Now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }

	m.PutNetwork(workday.Network{ID: NetMain, Name: "Warp Retail"})
	m.PutNetwork(workday.Network{ID: NetPartner, Name: "Partner Staff"})
	m.PutNetworkConnect(workday.NetworkConnect{ClientID: NetMain, OutsourcingID: NetPartner})

	m.PutShop(workday.Shop{ID: ShopCentral, NetworkID: NetMain, RegionID: Region, Name: "Central"})
	m.PutShop(workday.Shop{ID: ShopNorth, NetworkID: NetMain, RegionID: Region, Name: "North"})
	m.PutShop(workday.Shop{ID: ShopPartner, NetworkID: NetPartner, RegionID: Region, Name: "Partner Depot"})

	m.PutWorkType(workday.WorkType{ID: WTCashierCentral, ShopID: ShopCentral, Name: "Cashier"})
	m.PutWorkType(workday.WorkType{ID: WTStockerCentral, ShopID: ShopCentral, Name: "Stocker"})
	m.PutWorkType(workday.WorkType{ID: WTCashierNorth, ShopID: ShopNorth, Name: "Cashier"})
	m.PutWorkType(workday.WorkType{ID: WTCourierPartner, ShopID: ShopPartner, Name: "Courier"})

	m.PutPosition(workday.Position{ID: PositionCashier, NetworkID: NetMain, Name: "Cashier"})

	m.PutGroup(workday.Group{ID: GroupAdmin, Name: "Admin", Subordinates: []workday.GroupID{GroupManager, GroupStaff},
		HasPermToChangeProtectedWdays: true, Permissions: AllPermissions()})
	m.PutGroup(workday.Group{ID: GroupManager, Name: "Manager", Subordinates: []workday.GroupID{GroupStaff},
		Permissions: AllPermissions()})
	m.PutGroup(workday.Group{ID: GroupStaff, Name: "Staff"})

	m.PutUser(workday.User{ID: UserAdmin, NetworkID: NetMain, FunctionGroupID: workday.Ptr(GroupAdmin), Name: "admin"})
	m.PutUser(workday.User{ID: UserAnna, NetworkID: NetMain, Name: "anna"})
	m.PutUser(workday.User{ID: UserBoris, NetworkID: NetMain, Name: "boris"})
	m.PutUser(workday.User{ID: UserPavel, NetworkID: NetPartner, Name: "pavel"})
	m.PutUser(workday.User{ID: UserManager, NetworkID: NetMain, Name: "maria"})

	m.PutEmployee(workday.Employee{ID: EmpAnna, UserID: UserAnna, NetworkID: NetMain, Name: "Anna Petrova", TabelCode: "A-001"})
	m.PutEmployee(workday.Employee{ID: EmpBoris, UserID: UserBoris, NetworkID: NetMain, Name: "Boris Orlov", TabelCode: "B-002"})
	m.PutEmployee(workday.Employee{ID: EmpPavel, UserID: UserPavel, NetworkID: NetPartner, Name: "Pavel Sidorov", TabelCode: "P-003"})
	m.PutEmployee(workday.Employee{ID: EmpMaria, UserID: UserManager, NetworkID: NetMain, Name: "Maria Ivanova", TabelCode: "M-004"})

	hired := workday.MustParseDate("2020-01-01")
	full := decimal.NewFromInt(100)
	m.PutEmployment(workday.Employment{ID: EmplAnna, EmployeeID: EmpAnna, ShopID: ShopCentral,
		PositionID: workday.Ptr(PositionCashier), FunctionGroupID: workday.Ptr(GroupStaff), DtHired: hired,
		NormWorkHours: full, IsVisible: true, WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: WTCashierCentral, Priority: 1}}})
	m.PutEmployment(workday.Employment{ID: EmplBorisCentral, EmployeeID: EmpBoris, ShopID: ShopCentral,
		FunctionGroupID: workday.Ptr(GroupStaff), DtHired: hired, NormWorkHours: decimal.NewFromInt(50), IsVisible: true,
		WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: WTStockerCentral, Priority: 1}}})
	m.PutEmployment(workday.Employment{ID: EmplBorisNorth, EmployeeID: EmpBoris, ShopID: ShopNorth,
		FunctionGroupID: workday.Ptr(GroupStaff), DtHired: hired, NormWorkHours: full, IsVisible: true,
		WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: WTCashierNorth, Priority: 1}}})
	m.PutEmployment(workday.Employment{ID: EmplPavel, EmployeeID: EmpPavel, ShopID: ShopPartner,
		FunctionGroupID: workday.Ptr(GroupStaff), DtHired: hired, NormWorkHours: full, IsVisible: true,
		WorkTypes: []workday.EmploymentWorkType{{WorkTypeID: WTCourierPartner, Priority: 1}}})
	m.PutEmployment(workday.Employment{ID: EmplMariaCentral, EmployeeID: EmpMaria, ShopID: ShopCentral,
		FunctionGroupID: workday.Ptr(GroupManager), DtHired: hired, NormWorkHours: full, IsVisible: true})

	return w
}

// NormHours serves World.Norms, falling back to DefaultNormPerMonth.
func (w *World) NormHours(ctx context.Context, id workday.EmployeeID, from, to workday.Date) (decimal.Decimal, error) {
	if n, ok := w.Norms[id]; ok {
		return n, nil
	}
	return decimal.NewFromInt(DefaultNormPerMonth), nil
}

// Timesheet wires a timesheet over the world's store and dispatcher.
func (w *World) Timesheet() *timesheet.Timesheet {
	return timesheet.New(w.Store, w.Store, w.Calc, timesheet.WithDispatcher(w.Dispatcher))
}

// Gate builds a permission gate over the world's directory and clock.
func (w *World) Gate() *permission.Gate {
	return permission.NewGate(w.Store, w.Oracle)
}

// UpdateSettings edits a network's settings in place.
func (w *World) UpdateSettings(id workday.NetworkID, edit func(*workday.NetworkSettings)) {
	n, err := w.Store.Network(context.Background(), id)
	if err != nil {
		panic(err)
	}
	edit(&n.Settings)
	w.Store.PutNetwork(*n)
}

// UpdateShop edits a shop in place.
func (w *World) UpdateShop(id workday.ShopID, edit func(*workday.Shop)) {
	s, err := w.Store.Shop(context.Background(), id)
	if err != nil {
		panic(err)
	}
	edit(s)
	w.Store.PutShop(*s)
}

// AllPermissions grants every action on every graph and default type.
func AllPermissions() []workday.DayPermission {
	var out []workday.DayPermission
	for _, a := range []workday.Action{workday.ActionCreate, workday.ActionUpdate, workday.ActionDelete, workday.ActionApprove} {
		for _, g := range []workday.GraphKind{workday.GraphPlan, workday.GraphFact} {
			for code := range workday.DefaultDayTypes() {
				out = append(out, workday.DayPermission{Action: a, Graph: g, Type: code})
			}
		}
	}
	return out
}

// =============================================================================
// ROW BUILDERS
// =============================================================================

// At returns dt + clock in UTC. Clock hours past 24 roll into the next day,
// so At("2024-03-01", "27:00") is 03:00 on March 2nd.
func At(dt, clock string) time.Time {
	d := workday.MustParseDate(dt)
	hh, mm, _ := strings.Cut(clock, ":")
	h, err := strconv.Atoi(hh)
	if err != nil {
		panic(err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		panic(err)
	}
	return d.In(time.UTC).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

// Work builds a W row in graph g. An end before the start rolls over to the
// next day.
func Work(g workday.Graph, emp workday.EmployeeID, shop workday.ShopID, dt, from, to string) workday.WorkerDay {
	start, end := At(dt, from), At(dt, to)
	if !end.After(start) {
		end = end.Add(24 * time.Hour)
	}
	return workday.WorkerDay{
		Dt:         workday.MustParseDate(dt),
		EmployeeID: workday.Ptr(emp),
		ShopID:     workday.Ptr(shop),
		Type:       workday.TypeWorkday,
		IsFact:     g.IsFact,
		IsApproved: g.IsApproved,
		WorkStart:  &start,
		WorkEnd:    &end,
	}
}

// Dayoff builds a day-off row of type typ in graph g.
func Dayoff(g workday.Graph, emp workday.EmployeeID, dt string, typ workday.TypeCode) workday.WorkerDay {
	return workday.WorkerDay{
		Dt:         workday.MustParseDate(dt),
		EmployeeID: workday.Ptr(emp),
		Type:       typ,
		IsFact:     g.IsFact,
		IsApproved: g.IsApproved,
	}
}

// OpenVacancy builds an unassigned plan-draft W row.
func OpenVacancy(shop workday.ShopID, dt, from, to string) workday.WorkerDay {
	wd := Work(workday.PlanDraft, 0, shop, dt, from, to)
	wd.EmployeeID = nil
	wd.IsVacancy = true
	wd.VacancyStatus = workday.VacancyOpen
	return wd
}

// Seed writes rows through a timesheet transaction and returns them with
// ids assigned.
func (w *World) Seed(rows ...workday.WorkerDay) []workday.WorkerDay {
	out, err := w.Timesheet().BulkCreate(context.Background(), rows)
	if err != nil {
		panic(err)
	}
	return out
}
