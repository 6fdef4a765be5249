package timesheet

import (
	"context"
	"fmt"

	"github.com/warp/worktime-engine/workday"
)

// Refs memoizes directory lookups for the lifetime of one transaction.
// Reference data does not change while a request runs.
type Refs struct {
	dir         workday.Directory
	types       workday.DayTypes
	employees   map[workday.EmployeeID]*workday.Employee
	employments map[workday.EmployeeID][]workday.Employment
	shops       map[workday.ShopID]*workday.Shop
	networks    map[workday.NetworkID]*workday.Network
	positions   map[workday.PositionID]*workday.Position
}

func NewRefs(dir workday.Directory) *Refs {
	return &Refs{
		dir:         dir,
		employees:   make(map[workday.EmployeeID]*workday.Employee),
		employments: make(map[workday.EmployeeID][]workday.Employment),
		shops:       make(map[workday.ShopID]*workday.Shop),
		networks:    make(map[workday.NetworkID]*workday.Network),
		positions:   make(map[workday.PositionID]*workday.Position),
	}
}

// Directory returns the underlying directory.
func (r *Refs) Directory() workday.Directory { return r.dir }

func (r *Refs) DayTypes(ctx context.Context) (workday.DayTypes, error) {
	if r.types != nil {
		return r.types, nil
	}
	ts, err := r.dir.DayTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load day types: %w", err)
	}
	r.types = ts
	return ts, nil
}

func (r *Refs) DayType(ctx context.Context, code workday.TypeCode) (workday.DayType, error) {
	ts, err := r.DayTypes(ctx)
	if err != nil {
		return workday.DayType{}, err
	}
	return ts.Get(code)
}

func (r *Refs) Employee(ctx context.Context, id workday.EmployeeID) (*workday.Employee, error) {
	return memo(ctx, r.employees, id, r.dir.Employee)
}

// Employments returns every employment of the employee, active or not.
func (r *Refs) Employments(ctx context.Context, id workday.EmployeeID) ([]workday.Employment, error) {
	if emps, ok := r.employments[id]; ok {
		return emps, nil
	}
	emps, err := r.dir.Employments(ctx, id)
	if err != nil {
		return nil, err
	}
	r.employments[id] = emps
	return emps, nil
}

// Employment looks the employment up among the employee's employments.
func (r *Refs) Employment(ctx context.Context, employeeID workday.EmployeeID, id workday.EmploymentID) (*workday.Employment, error) {
	emps, err := r.Employments(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	for i := range emps {
		if emps[i].ID == id {
			return &emps[i], nil
		}
	}
	return nil, &workday.NotFoundError{Entity: "employment", ID: id}
}

func (r *Refs) Shop(ctx context.Context, id workday.ShopID) (*workday.Shop, error) {
	return memo(ctx, r.shops, id, r.dir.Shop)
}

func (r *Refs) Network(ctx context.Context, id workday.NetworkID) (*workday.Network, error) {
	return memo(ctx, r.networks, id, r.dir.Network)
}

func (r *Refs) Position(ctx context.Context, id workday.PositionID) (*workday.Position, error) {
	return memo(ctx, r.positions, id, r.dir.Position)
}

// Settings returns the network's settings with defaults applied. A network
// missing from the directory runs on defaults.
func (r *Refs) Settings(ctx context.Context, id workday.NetworkID) (workday.NetworkSettings, error) {
	n, err := r.Network(ctx, id)
	if workday.IsNotFound(err) {
		return workday.NetworkSettings{}.WithDefaults(), nil
	}
	if err != nil {
		return workday.NetworkSettings{}, err
	}
	return n.Settings.WithDefaults(), nil
}

// EmployeeSettings returns the settings of the employee's network.
func (r *Refs) EmployeeSettings(ctx context.Context, id workday.EmployeeID) (workday.NetworkSettings, error) {
	emp, err := r.Employee(ctx, id)
	if err != nil {
		return workday.NetworkSettings{}, err
	}
	return r.Settings(ctx, emp.NetworkID)
}

// EmployeeName is used to label rows in errors. Unknown employees yield "".
func (r *Refs) EmployeeName(ctx context.Context, id workday.EmployeeID) string {
	emp, err := r.Employee(ctx, id)
	if err != nil {
		return ""
	}
	return emp.Name
}

func memo[K comparable, V any](ctx context.Context, cache map[K]*V, id K, load func(context.Context, K) (*V, error)) (*V, error) {
	if v, ok := cache[id]; ok {
		return v, nil
	}
	v, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = v
	return v, nil
}
