package transform

import (
	"shopline/internal/domain"
)

const (
	rootTop       = ""
	rootWorkOrder = "productionSchedule"
	rootStatus    = "machineStatus"
)

// fieldPath is one typed accessor into the wire record. get is only called when the root
// object is present.
type fieldPath struct {
	root string
	name string
	get  func(domain.ExternalRecord) string
	set  func(*domain.ExternalRecord, string)
}

func (p fieldPath) String() string {
	if p.root == rootTop {
		return p.name
	}
	return p.root + "." + p.name
}

// applicable reports whether p can be read from ext for a record of kind.
func (p fieldPath) applicable(ext domain.ExternalRecord, kind domain.Kind) bool {
	switch p.root {
	case rootTop:
		return true
	case rootWorkOrder:
		return kind == domain.KindWorkOrder && ext.ProductionSchedule != nil
	case rootStatus:
		return kind == domain.KindStatusRecord && ext.MachineStatus != nil
	}
	return false
}

// writable reports whether p belongs to the variant of kind.
func (p fieldPath) writable(kind domain.Kind) bool {
	switch p.root {
	case rootTop:
		return true
	case rootWorkOrder:
		return kind == domain.KindWorkOrder
	case rootStatus:
		return kind == domain.KindStatusRecord
	}
	return false
}

func ps(field func(*domain.ProductionSchedule) *string, name string) fieldPath {
	return fieldPath{
		root: rootWorkOrder,
		name: name,
		get: func(r domain.ExternalRecord) string {
			return *field(r.ProductionSchedule)
		},
		set: func(r *domain.ExternalRecord, v string) {
			if r.ProductionSchedule == nil {
				r.ProductionSchedule = &domain.ProductionSchedule{}
			}
			*field(r.ProductionSchedule) = v
		},
	}
}

func ms(field func(*domain.MachineStatus) *string, name string) fieldPath {
	return fieldPath{
		root: rootStatus,
		name: name,
		get: func(r domain.ExternalRecord) string {
			return *field(r.MachineStatus)
		},
		set: func(r *domain.ExternalRecord, v string) {
			if r.MachineStatus == nil {
				r.MachineStatus = &domain.MachineStatus{}
			}
			*field(r.MachineStatus) = v
		},
	}
}

func top(field func(*domain.ExternalRecord) *string, name string) fieldPath {
	return fieldPath{
		root: rootTop,
		name: name,
		get: func(r domain.ExternalRecord) string {
			return *field(&r)
		},
		set: func(r *domain.ExternalRecord, v string) {
			*field(r) = v
		},
	}
}

// Logical fields, each an ordered chain of paths.
var (
	idPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.ProductionScheduleID }, "productionScheduleId"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusID }, "machineStatusId"),
	}
	machinePaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.MachineSN }, "machineSN"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineSN }, "machineSN"),
		top(func(r *domain.ExternalRecord) *string { return &r.MachineSN }, "machineSN"),
	}
	areaPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.Area }, "area"),
		top(func(r *domain.ExternalRecord) *string { return &r.Area }, "area"),
	}
	planStartPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.PlanOnMachineDate }, "planOnMachineDate"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusPlanStartTime }, "machineStatusPlanStartTime"),
	}
	planEndPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.PlanFinishDate }, "planFinishDate"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusPlanEndTime }, "machineStatusPlanEndTime"),
	}
	actualStartPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.ActualOnMachineDate }, "actualOnMachineDate"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusActualStartTime }, "machineStatusActualStartTime"),
	}
	actualEndPaths = []fieldPath{
		ps(func(p *domain.ProductionSchedule) *string { return &p.ActualFinishDate }, "actualFinishDate"),
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusActualEndTime }, "machineStatusActualEndTime"),
	}
	reasonPaths = []fieldPath{
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusReason }, "machineStatusReason"),
	}
	productPaths = []fieldPath{
		ms(func(m *domain.MachineStatus) *string { return &m.MachineStatusProduct }, "machineStatusProduct"),
	}
)

// selectPaths keeps the paths of chain that can be read from ext for kind.
func selectPaths(ext domain.ExternalRecord, kind domain.Kind, chain ...[]fieldPath) []fieldPath {
	var out []fieldPath
	for _, c := range chain {
		for _, p := range c {
			if p.applicable(ext, kind) {
				out = append(out, p)
			}
		}
	}
	return out
}

// write sets value on every path of chain that belongs to kind's variant.
func write(ext *domain.ExternalRecord, kind domain.Kind, chain []fieldPath, value string) {
	for _, p := range chain {
		if p.root != rootTop && p.writable(kind) {
			p.set(ext, value)
		}
	}
}
