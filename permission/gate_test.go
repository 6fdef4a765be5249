package permission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/internal/worktest"
	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/workday"
)

var ctx = context.Background()

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	groupLimited workday.GroupID = 50
	userLimited  workday.UserID  = 50
)

// limitedActor gives a fresh user a single group with the given
// permissions, able to manage staff.
func limitedActor(w *worktest.World, network workday.NetworkID, perms ...workday.DayPermission) workday.UserID {
	w.Store.PutGroup(workday.Group{ID: groupLimited, Name: "Limited", Subordinates: []workday.GroupID{worktest.GroupStaff}, Permissions: perms})
	w.Store.PutUser(workday.User{ID: userLimited, NetworkID: network, FunctionGroupID: workday.Ptr(groupLimited)})
	return userLimited
}

func planW(action workday.Action, emp workday.EmployeeID, shop workday.ShopID, dt string) permission.Check {
	return permission.Check{
		Action:     action,
		Graph:      workday.GraphPlan,
		Type:       workday.TypeWorkday,
		Dt:         workday.MustParseDate(dt),
		EmployeeID: workday.Ptr(emp),
		ShopID:     workday.Ptr(shop),
	}
}

func perm(action workday.Action, typ workday.TypeCode) workday.DayPermission {
	return workday.DayPermission{Action: action, Graph: workday.GraphPlan, Type: typ}
}

// =============================================================================
// BASICS
// =============================================================================

func TestGate_AdminAllowed(t *testing.T) {
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)

	ok, _, err := gate.Allowed(ctx, worktest.UserAdmin, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))

	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_SuperuserBypassesEverything(t *testing.T) {
	w := worktest.New()
	w.Store.PutUser(workday.User{ID: 77, NetworkID: worktest.NetPartner, IsSuperuser: true})
	gate := permission.NewGate(w.Store, w.Oracle)

	c := planW(workday.ActionDelete, worktest.EmpAnna, worktest.ShopCentral, "2000-01-01")
	c.IsBlocked = true

	assert.NoError(t, gate.Require(ctx, 77, c))
}

func TestGate_NoGroupMeansDenied(t *testing.T) {
	// GIVEN: Anna's only group grants nothing
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)

	// WHEN: Anna edits her own plan
	err := gate.Require(ctx, worktest.UserAnna, planW(workday.ActionUpdate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))

	// THEN: Denied with the full tuple
	var denied *workday.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, workday.ActionUpdate, denied.Action)
	assert.Equal(t, workday.GraphPlan, denied.Graph)
	assert.Equal(t, workday.TypeWorkday, denied.Type)
	assert.Equal(t, worktest.EmpAnna, *denied.EmployeeID)
	assert.Equal(t, worktest.ShopCentral, *denied.ShopID)
	assert.Equal(t, workday.KindPermission, workday.KindOf(err))
}

func TestGate_UnknownActorIsNotFound(t *testing.T) {
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)

	err := gate.Require(ctx, 999, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))

	assert.True(t, workday.IsNotFound(err))
}

// =============================================================================
// DAY WINDOW
// =============================================================================

func TestGate_DayWindow(t *testing.T) {
	// GIVEN: Today is 2024-03-10; three days back, one day ahead
	w := worktest.New()
	p := perm(workday.ActionCreate, workday.TypeWorkday)
	p.LimitDaysInPast = workday.Ptr(3)
	p.LimitDaysInFuture = workday.Ptr(1)
	actor := limitedActor(w, worktest.NetMain, p)
	gate := permission.NewGate(w.Store, w.Oracle)

	tests := []struct {
		dt   string
		want bool
	}{
		{"2024-03-07", true},
		{"2024-03-06", false},
		{"2024-03-11", true},
		{"2024-03-12", false},
	}
	for _, tt := range tests {
		t.Run(tt.dt, func(t *testing.T) {
			ok, reason, err := gate.Allowed(ctx, actor, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, tt.dt))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok, reason)
		})
	}
}

func TestGate_RequireReportsDeniedRange(t *testing.T) {
	w := worktest.New()
	p := perm(workday.ActionCreate, workday.TypeWorkday)
	p.LimitDaysInPast = workday.Ptr(0)
	actor := limitedActor(w, worktest.NetMain, p)
	gate := permission.NewGate(w.Store, w.Oracle)

	err := gate.Require(ctx, actor,
		planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-05"),
		planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-10"),
		planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-02"),
	)

	var denied *workday.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, workday.MustParseDate("2024-03-02"), denied.DtFrom)
	assert.Equal(t, workday.MustParseDate("2024-03-05"), denied.DtTo)
	assert.Contains(t, denied.Error(), "2024-03-02..2024-03-05")
}

// =============================================================================
// TYPE CHANGE
// =============================================================================

func TestGate_TypeChangeNeedsDeleteAndCreate(t *testing.T) {
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)
	prev := worktest.Work(workday.PlanDraft, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04", "10:00", "18:00")
	next := worktest.Dayoff(workday.PlanDraft, worktest.EmpAnna, "2024-03-04", workday.TypeHoliday)

	actor := limitedActor(w, worktest.NetMain,
		perm(workday.ActionUpdate, workday.TypeHoliday),
		perm(workday.ActionCreate, workday.TypeHoliday),
	)
	ok, reason, err := gate.Allowed(ctx, actor, permission.UpdateCheck(prev, next))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "delete on W")

	actor = limitedActor(w, worktest.NetMain,
		perm(workday.ActionCreate, workday.TypeHoliday),
		perm(workday.ActionDelete, workday.TypeWorkday),
	)
	ok, _, err = gate.Allowed(ctx, actor, permission.UpdateCheck(prev, next))
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// SUBORDINATES & SCOPES
// =============================================================================

func TestGate_Subordinates(t *testing.T) {
	// GIVEN: Maria manages Staff through her Central employment
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)

	// THEN: She may edit Anna (Staff) but not herself (Manager)
	ok, _, err := gate.Allowed(ctx, worktest.UserManager, planW(workday.ActionUpdate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := gate.Allowed(ctx, worktest.UserManager, planW(workday.ActionUpdate, worktest.EmpMaria, worktest.ShopCentral, "2024-03-04"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "employee is not a subordinate", reason)
}

func TestGate_EmployeeWithoutGroupIsOpen(t *testing.T) {
	w := worktest.New()
	w.Store.PutEmployee(workday.Employee{ID: 60, UserID: 60, NetworkID: worktest.NetMain, Name: "New Hire"})
	w.Store.PutEmployment(workday.Employment{ID: 60, EmployeeID: 60, ShopID: worktest.ShopCentral, DtHired: workday.MustParseDate("2024-01-01")})
	gate := permission.NewGate(w.Store, w.Oracle)

	ok, _, err := gate.Allowed(ctx, worktest.UserManager, planW(workday.ActionCreate, 60, worktest.ShopCentral, "2024-03-04"))

	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_OutsourceEmployee(t *testing.T) {
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)
	c := planW(workday.ActionCreate, worktest.EmpPavel, worktest.ShopCentral, "2024-03-04")

	// Network-wide permissions do not reach another network.
	ok, reason, err := gate.Allowed(ctx, worktest.UserAdmin, c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "employee outside the permitted scope", reason)

	// An outsource permission does, given the network connection.
	p := perm(workday.ActionCreate, workday.TypeWorkday)
	p.EmployeeType = workday.EmployeeOutsourceNetwork
	actor := limitedActor(w, worktest.NetMain, p)
	ok, _, err = gate.Allowed(ctx, actor, c)
	require.NoError(t, err)
	assert.True(t, ok)

	// Without a connection from the actor's network it does not.
	actor = limitedActor(w, worktest.NetPartner, p)
	ok, _, err = gate.Allowed(ctx, actor, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_MyShopsScopes(t *testing.T) {
	// GIVEN: A Central manager limited to her shops
	w := worktest.New()
	p := perm(workday.ActionCreate, workday.TypeWorkday)
	p.EmployeeType = workday.EmployeeMyShops
	p.ShopType = workday.ShopMyShops
	w.Store.PutGroup(workday.Group{ID: worktest.GroupManager, Name: "Manager",
		Subordinates: []workday.GroupID{worktest.GroupStaff}, Permissions: []workday.DayPermission{p}})
	gate := permission.NewGate(w.Store, w.Oracle)

	// THEN: Central staff in Central is fine; North is not
	ok, _, err := gate.Allowed(ctx, worktest.UserManager, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := gate.Allowed(ctx, worktest.UserManager, planW(workday.ActionCreate, worktest.EmpAnna, worktest.ShopNorth, "2024-03-04"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "shop outside the permitted scope", reason)
}

// =============================================================================
// PROTECTED DAYS
// =============================================================================

func TestGate_ProtectedDays(t *testing.T) {
	w := worktest.New()
	gate := permission.NewGate(w.Store, w.Oracle)
	c := planW(workday.ActionUpdate, worktest.EmpAnna, worktest.ShopCentral, "2024-03-04")
	c.IsBlocked = true

	ok, reason, err := gate.Allowed(ctx, worktest.UserManager, c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "day is protected", reason)

	ok, _, err = gate.Allowed(ctx, worktest.UserAdmin, c)
	require.NoError(t, err)
	assert.True(t, ok)
}
