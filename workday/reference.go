package workday

import "context"

// ReferenceData is a bundle of directory entities loaded together, e.g.
// from a seed file.
type ReferenceData struct {
	DayTypes        DayTypes         `json:"day_types,omitempty"`
	Networks        []Network        `json:"networks,omitempty"`
	NetworkConnects []NetworkConnect `json:"network_connects,omitempty"`
	Shops           []Shop           `json:"shops,omitempty"`
	Positions       []Position       `json:"positions,omitempty"`
	WorkTypes       []WorkType       `json:"work_types,omitempty"`
	Groups          []Group          `json:"groups,omitempty"`
	Users           []User           `json:"users,omitempty"`
	Employees       []Employee       `json:"employees,omitempty"`
	Employments     []Employment     `json:"employments,omitempty"`
	ProductionDays  []ProductionDay  `json:"production_days,omitempty"`
}

// Importer stores reference data, replacing entities with the same id.
type Importer interface {
	Import(ctx context.Context, data *ReferenceData) error
}
