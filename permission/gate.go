/*
gate.go - Permission gate for worker-day transitions

PURPOSE:
  Decides whether an actor may create, update, delete or approve a worker
  day of a given graph and type, on a date, for an employee, in a shop.
  Every engine asks the gate before it writes.

RULES:
  1. Effective groups: the actor's function group plus the function groups
     of every employment the actor holds today.
  2. A permission matches on (action, graph, type) and only inside its day
     window relative to today. A nil limit is unbounded.
  3. Changing the type on update needs delete on the old type and create
     on the new one.
  4. The target employee's groups must be among the subordinates of the
     actor's groups. Employees without a group are open to everyone.
  5. Employees of another network need an outsource_network permission
     and a NetworkConnect from the actor's network to theirs.
  6. Protected rows (is_blocked) need has_perm_to_change_protected_wdays.

  Superusers skip all of the above.

SEE ALSO:
  - workday/errors.go: PermissionDeniedError
  - batch/batch.go, approve/approve.go: Main callers
*/
package permission

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/calendar"
	"github.com/warp/worktime-engine/workday"
)

// Check is one transition to authorize.
type Check struct {
	Action workday.Action
	Graph  workday.GraphKind
	Type   workday.TypeCode
	// PrevType is the stored type on update. A different value turns the
	// update into delete(PrevType) + create(Type).
	PrevType   workday.TypeCode
	Dt         workday.Date
	EmployeeID *workday.EmployeeID
	ShopID     *workday.ShopID
	IsBlocked  bool
}

// CheckFor builds the check for acting on wd.
func CheckFor(action workday.Action, wd workday.WorkerDay) Check {
	return Check{
		Action:     action,
		Graph:      wd.Graph().Kind(),
		Type:       wd.Type,
		Dt:         wd.Dt,
		EmployeeID: wd.EmployeeID,
		ShopID:     wd.ShopID,
		IsBlocked:  wd.IsBlocked,
	}
}

// UpdateCheck builds the check for replacing prev with next.
func UpdateCheck(prev, next workday.WorkerDay) Check {
	c := CheckFor(workday.ActionUpdate, next)
	c.PrevType = prev.Type
	c.IsBlocked = prev.IsBlocked || next.IsBlocked
	return c
}

// =============================================================================
// GATE
// =============================================================================

type Gate struct {
	dir    workday.Directory
	oracle *calendar.Oracle
	logger *zap.Logger
}

type Option func(*Gate)

func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }

func NewGate(dir workday.Directory, oracle *calendar.Oracle, opts ...Option) *Gate {
	g := &Gate{dir: dir, oracle: oracle, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("permission")
	return g
}

// WithDirectory returns a gate reading from dir, typically a transaction's
// directory.
func (g *Gate) WithDirectory(dir workday.Directory) *Gate {
	cp := *g
	cp.dir = dir
	return &cp
}

// Allowed reports whether actor may perform c. The reason explains a denial.
func (g *Gate) Allowed(ctx context.Context, actor workday.UserID, c Check) (bool, string, error) {
	s, err := g.session(ctx, actor)
	if err != nil {
		return false, "", err
	}
	return s.allowed(ctx, c)
}

// Require authorizes every check. Denials are reported for the first
// denied (action, graph, type, employee, shop) with the date range of all
// checks denied for that tuple.
func (g *Gate) Require(ctx context.Context, actor workday.UserID, checks ...Check) error {
	if len(checks) == 0 {
		return nil
	}
	s, err := g.session(ctx, actor)
	if err != nil {
		return err
	}

	var denied *workday.PermissionDeniedError
	for _, c := range checks {
		ok, reason, err := s.allowed(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if denied == nil {
			denied = &workday.PermissionDeniedError{
				Action:     c.Action,
				Graph:      c.Graph,
				Type:       c.Type,
				EmployeeID: c.EmployeeID,
				ShopID:     c.ShopID,
				DtFrom:     c.Dt,
				DtTo:       c.Dt,
				Reason:     reason,
			}
			continue
		}
		if sameTarget(denied, c) {
			if c.Dt.Before(denied.DtFrom) {
				denied.DtFrom = c.Dt
			}
			if c.Dt.After(denied.DtTo) {
				denied.DtTo = c.Dt
			}
		}
	}
	if denied != nil {
		g.logger.Info("permission denied",
			zap.Int64("actor", int64(actor)),
			zap.String("action", string(denied.Action)),
			zap.String("graph", string(denied.Graph)),
			zap.String("type", string(denied.Type)),
			zap.String("reason", denied.Reason),
		)
		return denied
	}
	return nil
}

func sameTarget(e *workday.PermissionDeniedError, c Check) bool {
	return e.Action == c.Action && e.Graph == c.Graph && e.Type == c.Type &&
		eqID(e.EmployeeID, c.EmployeeID) && eqID(e.ShopID, c.ShopID)
}

func eqID[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// SESSION - actor context loaded once per call
// =============================================================================

type session struct {
	g         *Gate
	user      workday.User
	groups    []workday.Group
	shops     []workday.ShopID
	connected []workday.NetworkID
	targets   map[workday.EmployeeID]*target
	shopCache map[workday.ShopID]*workday.Shop
}

type target struct {
	employee    workday.Employee
	employments []workday.Employment
}

func (g *Gate) session(ctx context.Context, actor workday.UserID) (*session, error) {
	user, err := g.dir.User(ctx, actor)
	if err != nil {
		return nil, err
	}
	s := &session{
		g:         g,
		user:      *user,
		targets:   make(map[workday.EmployeeID]*target),
		shopCache: make(map[workday.ShopID]*workday.Shop),
	}
	if user.IsSuperuser {
		return s, nil
	}

	groupIDs := make([]workday.GroupID, 0, 2)
	if user.FunctionGroupID != nil {
		groupIDs = append(groupIDs, *user.FunctionGroupID)
	}
	today := g.oracle.TodayUTC()
	emps, err := g.dir.EmployeesByUser(ctx, actor)
	if err != nil {
		return nil, err
	}
	for _, e := range emps {
		employments, err := g.dir.Employments(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		for _, em := range employments {
			if !em.ActiveOn(today) {
				continue
			}
			if !slices.Contains(s.shops, em.ShopID) {
				s.shops = append(s.shops, em.ShopID)
			}
			if em.FunctionGroupID != nil && !slices.Contains(groupIDs, *em.FunctionGroupID) {
				groupIDs = append(groupIDs, *em.FunctionGroupID)
			}
		}
	}
	for _, id := range groupIDs {
		grp, err := g.dir.Group(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load group %d: %w", id, err)
		}
		s.groups = append(s.groups, *grp)
	}

	connects, err := g.dir.NetworkConnects(ctx, user.NetworkID)
	if err != nil {
		return nil, err
	}
	for _, c := range connects {
		s.connected = append(s.connected, c.OutsourcingID)
	}
	return s, nil
}

func (s *session) allowed(ctx context.Context, c Check) (bool, string, error) {
	if s.user.IsSuperuser {
		return true, "", nil
	}
	if c.Action == workday.ActionUpdate && c.PrevType != "" && c.PrevType != c.Type {
		del := c
		del.Action, del.Type, del.PrevType = workday.ActionDelete, c.PrevType, ""
		if ok, reason, err := s.allowed(ctx, del); !ok || err != nil {
			return ok, "type change needs delete on " + string(c.PrevType) + ": " + reason, err
		}
		create := c
		create.Action, create.PrevType = workday.ActionCreate, ""
		if ok, reason, err := s.allowed(ctx, create); !ok || err != nil {
			return ok, "type change needs create on " + string(c.Type) + ": " + reason, err
		}
		return true, "", nil
	}

	if c.IsBlocked && !slices.ContainsFunc(s.groups, func(g workday.Group) bool { return g.HasPermToChangeProtectedWdays }) {
		return false, "day is protected", nil
	}

	var tgt *target
	if c.EmployeeID != nil {
		t, err := s.target(ctx, *c.EmployeeID)
		if err != nil {
			return false, "", err
		}
		tgt = t
		if !s.isSubordinate(tgt, c.Dt) {
			return false, "employee is not a subordinate", nil
		}
	}
	var shop *workday.Shop
	if c.ShopID != nil {
		sh, err := s.shop(ctx, *c.ShopID)
		if err != nil {
			return false, "", err
		}
		shop = sh
	}

	today := s.g.oracle.TodayUTC()
	if shop != nil {
		today = s.g.oracle.Today(*shop)
	}

	reason := fmt.Sprintf("no %s permission on %s %s", c.Action, c.Graph, c.Type)
	for _, grp := range s.groups {
		for _, p := range grp.Permissions {
			if p.Action != c.Action || p.Graph != c.Graph || p.Type != c.Type {
				continue
			}
			if !inWindow(p, today, c.Dt) {
				reason = "date outside the allowed window"
				continue
			}
			if tgt != nil && !s.employeeInScope(p.EmployeeType, tgt, c.Dt) {
				reason = "employee outside the permitted scope"
				continue
			}
			if shop != nil && !s.shopInScope(p.ShopType, shop) {
				reason = "shop outside the permitted scope"
				continue
			}
			return true, "", nil
		}
	}
	return false, reason, nil
}

func inWindow(p workday.DayPermission, today, dt workday.Date) bool {
	if p.LimitDaysInPast != nil && dt.Before(today.AddDays(-*p.LimitDaysInPast)) {
		return false
	}
	if p.LimitDaysInFuture != nil && dt.After(today.AddDays(*p.LimitDaysInFuture)) {
		return false
	}
	return true
}

func (s *session) isSubordinate(t *target, dt workday.Date) bool {
	groups := t.groupsOn(dt)
	if len(groups) == 0 {
		return true
	}
	for _, g := range s.groups {
		for _, sub := range g.Subordinates {
			if slices.Contains(groups, sub) {
				return true
			}
		}
	}
	return false
}

func (s *session) employeeInScope(scope workday.EmployeeScope, t *target, dt workday.Date) bool {
	own := t.employee.NetworkID == s.user.NetworkID
	switch scope {
	case workday.EmployeeOutsourceNetwork:
		return !own && slices.Contains(s.connected, t.employee.NetworkID)
	case workday.EmployeeMyShops:
		return slices.ContainsFunc(t.employments, func(e workday.Employment) bool {
			return e.ActiveOn(dt) && slices.Contains(s.shops, e.ShopID)
		})
	default:
		return own
	}
}

func (s *session) shopInScope(scope workday.ShopScope, shop *workday.Shop) bool {
	switch scope {
	case workday.ShopMyShops:
		return slices.Contains(s.shops, shop.ID)
	case workday.ShopMyNetworkShops:
		return shop.NetworkID == s.user.NetworkID
	case workday.ShopOutsourceNetworkShops:
		return slices.Contains(s.connected, shop.NetworkID)
	default:
		return true
	}
}

func (s *session) target(ctx context.Context, id workday.EmployeeID) (*target, error) {
	if t, ok := s.targets[id]; ok {
		return t, nil
	}
	emp, err := s.g.dir.Employee(ctx, id)
	if err != nil {
		return nil, err
	}
	employments, err := s.g.dir.Employments(ctx, id)
	if err != nil {
		return nil, err
	}
	t := &target{employee: *emp, employments: employments}
	s.targets[id] = t
	return t, nil
}

func (s *session) shop(ctx context.Context, id workday.ShopID) (*workday.Shop, error) {
	if sh, ok := s.shopCache[id]; ok {
		return sh, nil
	}
	sh, err := s.g.dir.Shop(ctx, id)
	if err != nil {
		return nil, err
	}
	s.shopCache[id] = sh
	return sh, nil
}

// groupsOn returns the function groups of employments active on dt,
// falling back to all employments when none is active.
func (t *target) groupsOn(dt workday.Date) []workday.GroupID {
	var out []workday.GroupID
	collect := func(active bool) {
		for _, e := range t.employments {
			if active && !e.ActiveOn(dt) {
				continue
			}
			if e.FunctionGroupID != nil && !slices.Contains(out, *e.FunctionGroupID) {
				out = append(out, *e.FunctionGroupID)
			}
		}
	}
	collect(true)
	if len(out) == 0 {
		collect(false)
	}
	return out
}
