package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the operating state shown on a machine timeline.
type Status string

const (
	StatusOrderCreated Status = "OrderCreated"
	StatusIdle         Status = "Idle"
	StatusSetup        Status = "Setup"
	StatusTesting      Status = "Testing"
	StatusStopped      Status = "Stopped"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusOrderCreated, StatusIdle, StatusSetup, StatusTesting, StatusStopped}

// IsValid checks if the Status is one of the known values
func (s Status) IsValid() bool {
	switch s {
	case StatusOrderCreated, StatusIdle, StatusSetup, StatusTesting, StatusStopped:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names case-insensitively plus the upper snake wire form.
func ParseStatus(raw string) (Status, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", ""))
	for _, s := range Statuses {
		if strings.ToLower(string(s)) == key {
			return s, true
		}
	}
	return "", false
}

// Kind discriminates the two TimelineItem variants.
type Kind string

const (
	KindWorkOrder    Kind = "work_order"
	KindStatusRecord Kind = "status_record"
)

// WorkOrder is the immutable, externally issued production order payload.
type WorkOrder struct {
	WorkOrderSN  string    `json:"workOrderSN"`
	ProductSN    string    `json:"productSN"`
	ProductName  string    `json:"productName"`
	Quantity     int       `json:"quantity"`
	CompletedQty int       `json:"completedQty"`
	Process      string    `json:"process"`
	OrderStatus  string    `json:"orderStatus"`
	PostponeTime time.Time `json:"postponeTime,omitempty"`
}

// StatusDetail is the mutable machine-state payload.
type StatusDetail struct {
	Reason  string `json:"reason,omitempty"`
	Product string `json:"product,omitempty"`
}

// TimelineItem is the unified, visualization-ready record held in the timeline index.
// Exactly one of WorkOrder and Record is set, matching Kind.
type TimelineItem struct {
	ID          string        `json:"id"`
	MachineID   string        `json:"machineId"`
	Area        string        `json:"area"`
	Kind        Kind          `json:"kind"`
	Status      Status        `json:"status"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end,omitempty"`
	PlanStart   time.Time     `json:"planStart,omitempty"`
	PlanEnd     time.Time     `json:"planEnd,omitempty"`
	ActualStart time.Time     `json:"actualStart,omitempty"`
	ActualEnd   time.Time     `json:"actualEnd,omitempty"`
	WorkOrder   *WorkOrder    `json:"workOrder,omitempty"`
	Record      *StatusDetail `json:"record,omitempty"`
}

// HasEnd reports whether the resolved interval carries an end.
func (t TimelineItem) HasEnd() bool { return !t.End.IsZero() }

// IsHistorical reports whether an actual start or end has been recorded.
func (t TimelineItem) IsHistorical() bool {
	return !t.ActualStart.IsZero() || !t.ActualEnd.IsZero()
}

// IsWorkOrder reports whether the item is the work-order variant.
func (t TimelineItem) IsWorkOrder() bool { return t.Kind == KindWorkOrder }

// Clone returns a deep copy so index readers never share variant pointers.
func (t TimelineItem) Clone() TimelineItem {
	out := t
	if t.WorkOrder != nil {
		wo := *t.WorkOrder
		out.WorkOrder = &wo
	}
	if t.Record != nil {
		rec := *t.Record
		out.Record = &rec
	}
	return out
}

// Reason returns the status reason, if any.
func (t TimelineItem) Reason() string {
	if t.Record == nil {
		return ""
	}
	return t.Record.Reason
}

// Product returns the product under test, if any.
func (t TimelineItem) Product() string {
	if t.Record == nil {
		return ""
	}
	return t.Record.Product
}

// AreaOf derives the one-letter physical zone from a machine id.
func AreaOf(machineID string) string {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(machineID)
	return strings.ToUpper(string(r))
}

// Machine describes one production machine.
type Machine struct {
	ID      string `json:"machineSN" yaml:"id"`
	Area    string `json:"area" yaml:"area"`
	Name    string `json:"machineName,omitempty" yaml:"name"`
	Process string `json:"processName,omitempty" yaml:"process"`
}

// ProductionSchedule is the wire form of a work order.
type ProductionSchedule struct {
	ProductionScheduleID     string `json:"productionScheduleId,omitempty" yaml:"productionScheduleId"`
	MachineSN                string `json:"machineSN,omitempty" yaml:"machineSN"`
	Area                     string `json:"area,omitempty" yaml:"area"`
	PlanOnMachineDate        string `json:"planOnMachineDate,omitempty" yaml:"planOnMachineDate"`
	PlanFinishDate           string `json:"planFinishDate,omitempty" yaml:"planFinishDate"`
	ActualOnMachineDate      string `json:"actualOnMachineDate,omitempty" yaml:"actualOnMachineDate"`
	ActualFinishDate         string `json:"actualFinishDate,omitempty" yaml:"actualFinishDate"`
	WorkOrderSN              string `json:"workOrderSN,omitempty" yaml:"workOrderSN"`
	ProductSN                string `json:"productSN,omitempty" yaml:"productSN"`
	ProductName              string `json:"productName,omitempty" yaml:"productName"`
	WorkOrderQuantity        int    `json:"workOrderQuantity,omitempty" yaml:"workOrderQuantity"`
	ProductionQuantity       int    `json:"productionQuantity,omitempty" yaml:"productionQuantity"`
	ProcessName              string `json:"processName,omitempty" yaml:"processName"`
	ProductionScheduleStatus string `json:"productionScheduleStatus,omitempty" yaml:"productionScheduleStatus"`
	PostponeTime             string `json:"postponeTime,omitempty" yaml:"postponeTime"`
}

// MachineStatus is the wire form of a status record.
type MachineStatus struct {
	MachineStatusID              string `json:"machineStatusId,omitempty"`
	MachineSN                    string `json:"machineSN,omitempty"`
	MachineStatusPlanStartTime   string `json:"machineStatusPlanStartTime,omitempty"`
	MachineStatusPlanEndTime     string `json:"machineStatusPlanEndTime,omitempty"`
	MachineStatusActualStartTime string `json:"machineStatusActualStartTime,omitempty"`
	MachineStatusActualEndTime   string `json:"machineStatusActualEndTime,omitempty"`
	MachineStatusReason          string `json:"machineStatusReason,omitempty"`
	MachineStatusProduct         string `json:"machineStatusProduct,omitempty"`
}

// ExternalRecord is the normalized persistence/wire representation of one timeline entry.
type ExternalRecord struct {
	Status             string              `json:"status,omitempty"`
	MachineSN          string              `json:"machineSN,omitempty"`
	Area               string              `json:"area,omitempty"`
	ProductionSchedule *ProductionSchedule `json:"productionSchedule,omitempty"`
	MachineStatus      *MachineStatus      `json:"machineStatus,omitempty"`
}

// ServerID returns the server-assigned id of whichever sub-object is present.
func (r ExternalRecord) ServerID() string {
	if r.MachineStatus != nil && r.MachineStatus.MachineStatusID != "" {
		return r.MachineStatus.MachineStatusID
	}
	if r.ProductionSchedule != nil {
		return r.ProductionSchedule.ProductionScheduleID
	}
	return ""
}

// Clone deep-copies the sub-objects.
func (r ExternalRecord) Clone() ExternalRecord {
	out := r
	if r.ProductionSchedule != nil {
		ps := *r.ProductionSchedule
		out.ProductionSchedule = &ps
	}
	if r.MachineStatus != nil {
		ms := *r.MachineStatus
		out.MachineStatus = &ms
	}
	return out
}

// Event is one entry in the backing store audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Area       string `json:"area,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
