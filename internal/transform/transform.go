package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/logger"
	"shopline/internal/timeutil"
)

// MachineFaultReason is the status reason that marks an untagged record as Stopped.
const MachineFaultReason = "machine fault"

// Warning records that a logical field was resolved through a fallback.
type Warning struct {
	Field string
	Path  string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s resolved from fallback %s", w.Field, w.Path)
}

// Result is the outcome of ToInternal.
type Result struct {
	Item     domain.TimelineItem
	Warnings []Warning
}

// Options carries caller-supplied defaults for a single conversion.
type Options struct {
	// DefaultStart is the last link of the start chain.
	DefaultStart time.Time
}

// Transformer maps between the wire record and the timeline item.
type Transformer struct {
	Normalizer    timeutil.Normalizer
	DefaultStatus domain.Status
	Log           *logger.Logger
}

func New(n timeutil.Normalizer, defaultStatus domain.Status, log *logger.Logger) Transformer {
	if log == nil {
		log = logger.New()
	}
	if !defaultStatus.IsValid() || defaultStatus == domain.StatusOrderCreated {
		defaultStatus = domain.StatusIdle
	}
	return Transformer{Normalizer: n, DefaultStatus: defaultStatus, Log: log}
}

func kindOf(s domain.Status) domain.Kind {
	if s == domain.StatusOrderCreated {
		return domain.KindWorkOrder
	}
	return domain.KindStatusRecord
}

// Infer tags ext with its status and variant. An explicit status wins; otherwise the payload
// shape decides.
func (t Transformer) Infer(ext domain.ExternalRecord) (domain.Status, domain.Kind, error) {
	if strings.TrimSpace(ext.Status) != "" {
		s, ok := domain.ParseStatus(ext.Status)
		if !ok {
			return "", "", &apperrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", ext.Status)}
		}
		return s, kindOf(s), nil
	}
	if p := ext.ProductionSchedule; p != nil && p.ProductName != "" && p.ProcessName != "" {
		return domain.StatusOrderCreated, domain.KindWorkOrder, nil
	}
	if m := ext.MachineStatus; m != nil {
		switch {
		case strings.EqualFold(strings.TrimSpace(m.MachineStatusReason), MachineFaultReason):
			return domain.StatusStopped, domain.KindStatusRecord, nil
		case m.MachineStatusProduct != "":
			return domain.StatusTesting, domain.KindStatusRecord, nil
		}
		return domain.StatusIdle, domain.KindStatusRecord, nil
	}
	s := t.DefaultStatus
	if s == "" {
		s = domain.StatusIdle
	}
	return s, kindOf(s), nil
}

type resolver struct {
	t      Transformer
	ext    domain.ExternalRecord
	kind   domain.Kind
	result *Result
}

func (r *resolver) warn(field, path string) {
	r.result.Warnings = append(r.result.Warnings, Warning{Field: field, Path: path})
	r.t.Log.WithFields(map[string]interface{}{
		"field": field,
		"path":  path,
	}).Warn("field resolved from fallback")
}

// text resolves a string field, falling back to def.
func (r *resolver) text(field string, def string, chain ...[]fieldPath) string {
	paths := selectPaths(r.ext, r.kind, chain...)
	for i, p := range paths {
		if v := strings.TrimSpace(p.get(r.ext)); v != "" {
			if i > 0 {
				r.warn(field, p.String())
			}
			return v
		}
	}
	if def != "" && len(paths) > 0 {
		r.warn(field, "default")
	}
	return def
}

// timestamp resolves a timestamp field, falling back to def.
func (r *resolver) timestamp(field string, def time.Time, chain ...[]fieldPath) (time.Time, error) {
	paths := selectPaths(r.ext, r.kind, chain...)
	sources := make([]timeutil.Source, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, timeutil.Source{Name: p.String(), Value: p.get(r.ext)})
	}
	res, err := r.t.Normalizer.Resolve(field, sources, def)
	if err != nil {
		return time.Time{}, err
	}
	if res.Fallback() {
		r.warn(field, res.Source)
	}
	return res.Value, nil
}

// ToInternal converts a wire record into a timeline item.
func (t Transformer) ToInternal(ext domain.ExternalRecord, opts Options) (Result, error) {
	if t.Log == nil {
		t.Log = logger.New()
	}
	status, kind, err := t.Infer(ext)
	if err != nil {
		return Result{}, err
	}
	var out Result
	r := &resolver{t: t, ext: ext, kind: kind, result: &out}

	item := domain.TimelineItem{Kind: kind, Status: status}
	item.ID = r.text("id", "", idPaths)
	item.MachineID = r.text("machineId", "", machinePaths)
	if item.MachineID == "" {
		return Result{}, apperrors.NewValidationError("machineId", "machine id is required")
	}
	item.Area = r.text("area", domain.AreaOf(item.MachineID), areaPaths)

	if item.PlanStart, err = r.timestamp("planStart", time.Time{}, planStartPaths); err != nil {
		return Result{}, err
	}
	if item.PlanEnd, err = r.timestamp("planEnd", time.Time{}, planEndPaths); err != nil {
		return Result{}, err
	}
	if item.ActualStart, err = r.timestamp("actualStart", time.Time{}, actualStartPaths); err != nil {
		return Result{}, err
	}
	if item.ActualEnd, err = r.timestamp("actualEnd", time.Time{}, actualEndPaths); err != nil {
		return Result{}, err
	}
	if item.Start, err = r.timestamp("start", opts.DefaultStart, actualStartPaths, planStartPaths); err != nil {
		return Result{}, err
	}
	if item.Start.IsZero() {
		return Result{}, apperrors.NewValidationError("start", "start time is required")
	}
	if item.End, err = r.timestamp("end", time.Time{}, actualEndPaths, planEndPaths); err != nil {
		return Result{}, err
	}

	switch kind {
	case domain.KindWorkOrder:
		item.WorkOrder, err = t.workOrder(ext.ProductionSchedule)
		if err != nil {
			return Result{}, err
		}
	default:
		item.Record = &domain.StatusDetail{
			Reason:  r.text("reason", "", reasonPaths),
			Product: r.text("product", "", productPaths),
		}
	}
	out.Item = item
	return out, nil
}

func (t Transformer) workOrder(p *domain.ProductionSchedule) (*domain.WorkOrder, error) {
	if p == nil {
		return &domain.WorkOrder{}, nil
	}
	postpone, err := t.Normalizer.Parse(p.PostponeTime)
	if err != nil {
		return nil, &apperrors.ValidationError{Field: "postponeTime", Message: err.Error()}
	}
	return &domain.WorkOrder{
		WorkOrderSN:  p.WorkOrderSN,
		ProductSN:    p.ProductSN,
		ProductName:  p.ProductName,
		Quantity:     p.WorkOrderQuantity,
		CompletedQty: p.ProductionQuantity,
		Process:      p.ProcessName,
		OrderStatus:  p.ProductionScheduleStatus,
		PostponeTime: postpone,
	}, nil
}

// ToExternal writes item into a copy of prev. Fields the item does not own, server ids
// included, survive from prev; with a nil prev the record has no server id, so reading it
// back yields an item with an empty ID. Start and End land in the actual slots when the item carries
// actual times, otherwise in the plan slots.
func (t Transformer) ToExternal(item domain.TimelineItem, prev *domain.ExternalRecord) domain.ExternalRecord {
	var ext domain.ExternalRecord
	if prev != nil {
		ext = prev.Clone()
	}
	kind := item.Kind
	if kind == "" {
		kind = kindOf(item.Status)
	}

	ext.Status = string(item.Status)
	ext.MachineSN = item.MachineID
	ext.Area = item.Area
	write(&ext, kind, machinePaths, item.MachineID)
	write(&ext, kind, areaPaths, item.Area)

	planStart, actualStart := item.PlanStart, item.ActualStart
	if item.ActualStart.IsZero() {
		planStart = item.Start
	} else {
		actualStart = item.Start
	}
	planEnd, actualEnd := item.PlanEnd, item.ActualEnd
	if item.ActualEnd.IsZero() {
		planEnd = item.End
	} else {
		actualEnd = item.End
	}
	write(&ext, kind, planStartPaths, timeutil.Format(planStart))
	write(&ext, kind, planEndPaths, timeutil.Format(planEnd))
	write(&ext, kind, actualStartPaths, timeutil.Format(actualStart))
	write(&ext, kind, actualEndPaths, timeutil.Format(actualEnd))

	switch kind {
	case domain.KindWorkOrder:
		if wo := item.WorkOrder; wo != nil {
			p := ext.ProductionSchedule
			p.WorkOrderSN = wo.WorkOrderSN
			p.ProductSN = wo.ProductSN
			p.ProductName = wo.ProductName
			p.WorkOrderQuantity = wo.Quantity
			p.ProductionQuantity = wo.CompletedQty
			p.ProcessName = wo.Process
			p.ProductionScheduleStatus = wo.OrderStatus
			p.PostponeTime = timeutil.Format(wo.PostponeTime)
		}
	default:
		write(&ext, kind, reasonPaths, item.Reason())
		write(&ext, kind, productPaths, item.Product())
	}
	return ext
}

// Describe renders a short human label for logs and tables.
func Describe(item domain.TimelineItem) string {
	if item.WorkOrder != nil {
		return item.WorkOrder.WorkOrderSN + " " + item.WorkOrder.ProductName + " x" + strconv.Itoa(item.WorkOrder.Quantity)
	}
	switch {
	case item.Reason() != "":
		return string(item.Status) + ": " + item.Reason()
	case item.Product() != "":
		return string(item.Status) + ": " + item.Product()
	}
	return string(item.Status)
}
