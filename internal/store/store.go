package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shopline/internal/config"
	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/events"
	"shopline/internal/logger"
	"shopline/internal/overlap"
	"shopline/internal/repo"
	"shopline/internal/status"
	"shopline/internal/timeutil"
	"shopline/internal/transform"
)

// Service is the sqlite backing store. It serves engine.Backend in process and backs the
// HTTP API. Every mutation runs in one transaction together with its audit event.
type Service struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Transform transform.Transformer
	Log       *logger.Logger
	Now       func() time.Time
	validate  *validator.Validate
}

// New returns a Service over db. A nil cfg uses the defaults.
func New(db *sql.DB, cfg *config.Config, log *logger.Logger) Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New()
	}
	s := Service{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	n := timeutil.New(cfg.LocationOrUTC())
	n.DefaultWindow = cfg.Timeline.DefaultWindow
	s.Transform = transform.New(n, cfg.DefaultStatus(), log.WithField("component", "store"))
	return s
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// audit appends e with the service clock.
func (s Service) audit(ctx context.Context, tx *sql.Tx, e events.Entry) error {
	w := s.Events
	w.Now = s.now
	return w.Append(ctx, tx, e)
}

func (s Service) internal(rec domain.ExternalRecord) (domain.TimelineItem, error) {
	res, err := s.Transform.ToInternal(rec, transform.Options{})
	if err != nil {
		return domain.TimelineItem{}, err
	}
	return res.Item, nil
}

// machine loads the machine of a record, reporting an unknown id as a validation problem.
func (s Service) machine(ctx context.Context, tx *sql.Tx, id string) (domain.Machine, error) {
	m, err := s.Repo.GetMachine(ctx, tx, id)
	if apperrors.IsNotFound(err) {
		return m, apperrors.NewValidationError("machineSN", fmt.Sprintf("unknown machine %s", id))
	}
	return m, err
}

// siblings returns the stored items of machine, unreadable rows skipped.
func (s Service) siblings(ctx context.Context, tx *sql.Tx, machineID string) ([]domain.TimelineItem, error) {
	recs, err := s.Repo.ListMachineRecords(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.TimelineItem, 0, len(recs))
	for _, rec := range recs {
		item, err := s.internal(rec)
		if err != nil {
			s.Log.WithError(err).WithField("record_id", rec.ServerID()).Warn("skipping unreadable record")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchSchedule returns the records of area whose interval intersects [from, to].
func (s Service) FetchSchedule(ctx context.Context, area string, from, to *time.Time) ([]domain.ExternalRecord, error) {
	area = strings.ToUpper(strings.TrimSpace(area))
	if area == "" {
		return nil, apperrors.NewValidationError("area", "area is required")
	}
	var lo, hi time.Time
	if from != nil {
		lo = *from
	}
	if to != nil {
		hi = *to
	}
	if !lo.IsZero() && !hi.IsZero() && hi.Before(lo) {
		return nil, fmt.Errorf("%w: end %s before start %s", apperrors.ErrInvalidRange, timeutil.Format(hi), timeutil.Format(lo))
	}
	recs, err := s.Repo.ListSchedule(ctx, area)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExternalRecord, 0, len(recs))
	for _, rec := range recs {
		item, err := s.internal(rec)
		if err != nil {
			s.Log.WithError(err).WithField("record_id", rec.ServerID()).Warn("skipping unreadable record")
			continue
		}
		end := timeutil.EffectiveEnd(item.Start, item.End)
		if timeutil.Intersects(item.Start, end, lo, hi) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchMachines lists the machines of area, or all machines when area is empty.
func (s Service) FetchMachines(ctx context.Context, area string) ([]domain.Machine, error) {
	return s.Repo.ListMachines(ctx, strings.ToUpper(strings.TrimSpace(area)))
}

// AddMachine registers a machine. The area defaults to the first letter of the id.
func (s Service) AddMachine(ctx context.Context, m domain.Machine) (domain.Machine, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return m, apperrors.NewValidationError("machineSN", "machine id is required")
	}
	m.Area = strings.ToUpper(strings.TrimSpace(m.Area))
	if m.Area == "" {
		m.Area = domain.AreaOf(m.ID)
	}
	if len(s.Config.Areas) > 0 && !knownArea(s.Config.Areas, m.Area) {
		return m, apperrors.NewValidationError("area", fmt.Sprintf("area %s is not configured", m.Area))
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if _, err := s.Repo.GetMachine(ctx, tx, m.ID); err == nil {
		return m, apperrors.NewValidationError("machineSN", fmt.Sprintf("machine %s already exists", m.ID))
	} else if !apperrors.IsNotFound(err) {
		return m, err
	}
	if err := s.Repo.InsertMachine(ctx, tx, m, s.stamp()); err != nil {
		return m, err
	}
	if err := s.audit(ctx, tx, events.Entry{
		Type:       events.TypeMachineAdded,
		Area:       m.Area,
		EntityKind: events.KindMachine,
		EntityID:   m.ID,
		ActorID:    logger.ActorFrom(ctx),
		Payload:    events.EventPayload{"name": m.Name, "process": m.Process},
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	s.Log.For(ctx).WithField("machine_id", m.ID).Debug("machine added")
	return m, nil
}

func knownArea(areas []string, area string) bool {
	for _, a := range areas {
		if strings.EqualFold(strings.TrimSpace(a), area) {
			return true
		}
	}
	return false
}

// CreateStatusRecord stores a new status record under a fresh id.
func (s Service) CreateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	if rec.MachineStatus == nil {
		return rec, apperrors.NewValidationError("machineStatus", "machineStatus is required")
	}
	rec = rec.Clone()
	rec.MachineStatus.MachineStatusID = ""
	item, err := s.internal(rec)
	if err != nil {
		return rec, err
	}
	if item.IsWorkOrder() {
		return rec, apperrors.NewValidationError("status", "work orders are imported, not created")
	}
	if err := status.CanCreate(item.Status).Err(); err != nil {
		return rec, err
	}
	if err := timeutil.Validate(item.Start, item.End); err != nil {
		return rec, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	m, err := s.machine(ctx, tx, item.MachineID)
	if err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.Area) == "" {
		item.Area = m.Area
	}
	siblings, err := s.siblings(ctx, tx, item.MachineID)
	if err != nil {
		return rec, err
	}
	if err := overlap.Check(item, siblings); err != nil {
		return rec, err
	}
	item.ID = uuid.NewString()
	out := s.Transform.ToExternal(item, &rec)
	out.MachineStatus.MachineStatusID = item.ID
	if err := s.Repo.InsertStatusRecord(ctx, tx, out, s.stamp()); err != nil {
		return rec, err
	}
	if err := s.audit(ctx, tx, events.Entry{
		Type:       events.TypeStatusCreated,
		Area:       item.Area,
		EntityKind: events.KindStatusRecord,
		EntityID:   item.ID,
		ActorID:    logger.ActorFrom(ctx),
		Payload:    events.EventPayload{"machine_id": item.MachineID, "status": item.Status},
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	s.Log.For(ctx).WithFields(map[string]interface{}{
		"record_id":  item.ID,
		"machine_id": item.MachineID,
		"status":     item.Status,
	}).Debug("status record created")
	return out, nil
}

// UpdateStatusRecord replaces a stored status record. Historical records are locked and a
// status change has to be a legal transition.
func (s Service) UpdateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	id := rec.ServerID()
	if rec.MachineStatus == nil || id == "" {
		return rec, apperrors.NewValidationError("machineStatusId", "status record id is required")
	}
	next, err := s.internal(rec)
	if err != nil {
		return rec, err
	}
	if next.IsWorkOrder() {
		return rec, apperrors.NewStateTransitionError("", string(next.Status), status.ReasonNoEdge)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	stored, err := s.Repo.GetStatusRecord(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	current, err := s.internal(stored)
	if err != nil {
		return rec, err
	}
	if current.IsHistorical() {
		return rec, apperrors.NewStateTransitionError(string(current.Status), string(next.Status), status.ReasonHistorical)
	}
	if next.Status != current.Status {
		if err := status.CanTransition(current.Status, next.Status, next).Err(); err != nil {
			return rec, err
		}
	}
	if err := timeutil.Validate(next.Start, next.End); err != nil {
		return rec, err
	}
	m, err := s.machine(ctx, tx, next.MachineID)
	if err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.Area) == "" {
		next.Area = m.Area
	}
	siblings, err := s.siblings(ctx, tx, next.MachineID)
	if err != nil {
		return rec, err
	}
	if err := overlap.Check(next, siblings); err != nil {
		return rec, err
	}
	out := s.Transform.ToExternal(next, &rec)
	if err := s.Repo.UpdateStatusRecord(ctx, tx, out, s.stamp()); err != nil {
		return rec, err
	}
	if err := s.audit(ctx, tx, events.Entry{
		Type:       events.TypeStatusUpdated,
		Area:       next.Area,
		EntityKind: events.KindStatusRecord,
		EntityID:   id,
		ActorID:    logger.ActorFrom(ctx),
		Payload: events.EventPayload{
			"machine_id": next.MachineID,
			"from":       current.Status,
			"to":         next.Status,
		},
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	s.Log.For(ctx).WithFields(map[string]interface{}{
		"record_id":  id,
		"machine_id": next.MachineID,
		"status":     next.Status,
	}).Debug("status record updated")
	return out, nil
}

// DeleteStatusRecord removes a non-historical status record. It reports false when no record
// has id.
func (s Service) DeleteStatusRecord(ctx context.Context, id string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	stored, err := s.Repo.GetStatusRecord(ctx, tx, id)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current, err := s.internal(stored)
	if err != nil {
		return false, err
	}
	if current.IsHistorical() {
		return false, apperrors.NewStateTransitionError(string(current.Status), "", status.ReasonHistorical)
	}
	if err := s.Repo.DeleteStatusRecord(ctx, tx, id); err != nil {
		return false, err
	}
	if err := s.audit(ctx, tx, events.Entry{
		Type:       events.TypeStatusDeleted,
		Area:       current.Area,
		EntityKind: events.KindStatusRecord,
		EntityID:   id,
		ActorID:    logger.ActorFrom(ctx),
		Payload:    events.EventPayload{"machine_id": current.MachineID, "status": current.Status},
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.Log.For(ctx).WithField("record_id", id).Debug("status record deleted")
	return true, nil
}

// UpdateWorkOrder moves a work order to another machine, area or planned start. Every other
// field of rec is ignored. The planned end shifts with the start.
func (s Service) UpdateWorkOrder(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	id := rec.ServerID()
	if rec.ProductionSchedule == nil || id == "" {
		return rec, apperrors.NewValidationError("productionScheduleId", "work order id is required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	stored, err := s.Repo.GetWorkOrder(ctx, tx, id)
	if err != nil {
		return rec, err
	}
	current, err := s.internal(stored)
	if err != nil {
		return rec, err
	}
	if current.IsHistorical() {
		return rec, apperrors.NewStateTransitionError(string(current.Status), string(current.Status), status.ReasonHistorical)
	}
	label := current.WorkOrder.OrderStatus
	if !s.Config.OrderEditable(label) {
		return rec, fmt.Errorf("work order %s: %w: order status %q", id, apperrors.ErrNotEditable, label)
	}

	in := rec.ProductionSchedule
	out := stored.Clone()
	ps := out.ProductionSchedule
	machineID := strings.TrimSpace(in.MachineSN)
	if machineID == "" {
		machineID = strings.TrimSpace(rec.MachineSN)
	}
	if machineID != "" && machineID != ps.MachineSN {
		m, err := s.machine(ctx, tx, machineID)
		if err != nil {
			return rec, err
		}
		ps.MachineSN = m.ID
		ps.Area = m.Area
	}
	if area := strings.ToUpper(strings.TrimSpace(in.Area)); area != "" {
		ps.Area = area
	}
	start, err := s.Transform.Normalizer.Parse(in.PlanOnMachineDate)
	if err != nil {
		return rec, &apperrors.ValidationError{Field: "planOnMachineDate", Message: err.Error()}
	}
	if !start.IsZero() && !start.Equal(current.PlanStart) {
		if !current.PlanEnd.IsZero() {
			ps.PlanFinishDate = timeutil.Format(current.PlanEnd.Add(start.Sub(current.PlanStart)))
		}
		ps.PlanOnMachineDate = timeutil.Format(start)
	}
	out.MachineSN = ps.MachineSN
	out.Area = ps.Area

	if err := s.Repo.MoveWorkOrder(ctx, tx, out, s.stamp()); err != nil {
		return rec, err
	}
	if err := s.audit(ctx, tx, events.Entry{
		Type:       events.TypeWorkOrderMoved,
		Area:       ps.Area,
		EntityKind: events.KindWorkOrder,
		EntityID:   id,
		ActorID:    logger.ActorFrom(ctx),
		Payload: events.EventPayload{
			"work_order_sn": ps.WorkOrderSN,
			"from_machine":  current.MachineID,
			"to_machine":    ps.MachineSN,
			"plan_start":    ps.PlanOnMachineDate,
		},
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	s.Log.For(ctx).WithFields(map[string]interface{}{
		"record_id":  id,
		"machine_id": ps.MachineSN,
	}).Debug("work order moved")
	return out, nil
}

// orderForm holds the fields an imported work order must carry.
type orderForm struct {
	WorkOrderSN string `validate:"required"`
	MachineSN   string `validate:"required"`
	ProductName string `validate:"required"`
	ProcessName string `validate:"required"`
	OrderStatus string `validate:"required"`
	PlanStart   string `validate:"required"`
	Quantity    int    `validate:"gte=0"`
	Produced    int    `validate:"gte=0"`
}

// ImportResult reports what ImportWorkOrders stored and which order numbers it skipped
// because they already exist.
type ImportResult struct {
	Imported []domain.ExternalRecord `json:"imported"`
	Skipped  []string                `json:"skipped,omitempty"`
}

// ImportWorkOrders stores externally issued work orders. Orders whose number is already
// known are skipped; any invalid order aborts the whole import.
func (s Service) ImportWorkOrders(ctx context.Context, orders []domain.ProductionSchedule) (ImportResult, error) {
	var res ImportResult
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := s.stamp()
	for i, o := range orders {
		form := orderForm{
			WorkOrderSN: o.WorkOrderSN,
			MachineSN:   o.MachineSN,
			ProductName: o.ProductName,
			ProcessName: o.ProcessName,
			OrderStatus: o.ProductionScheduleStatus,
			PlanStart:   o.PlanOnMachineDate,
			Quantity:    o.WorkOrderQuantity,
			Produced:    o.ProductionQuantity,
		}
		if err := s.validate.Struct(form); err != nil {
			var ves validator.ValidationErrors
			if errors.As(err, &ves) && len(ves) > 0 {
				return res, apperrors.NewValidationError(fmt.Sprintf("orders[%d].%s", i, ves[0].Field()), fmt.Sprintf("failed %s check", ves[0].Tag()))
			}
			return res, fmt.Errorf("validation failed: %w", err)
		}
		existing, err := s.Repo.WorkOrderIDBySN(ctx, tx, o.WorkOrderSN)
		if err != nil {
			return res, err
		}
		if existing != "" {
			res.Skipped = append(res.Skipped, o.WorkOrderSN)
			continue
		}
		m, err := s.machine(ctx, tx, o.MachineSN)
		if err != nil {
			return res, err
		}
		ps := o
		ps.ProductionScheduleID = ""
		if strings.TrimSpace(ps.Area) == "" {
			ps.Area = m.Area
		}
		rec := domain.ExternalRecord{Status: string(domain.StatusOrderCreated), ProductionSchedule: &ps}
		item, err := s.internal(rec)
		if err != nil {
			return res, err
		}
		if err := timeutil.Validate(item.Start, item.End); err != nil {
			return res, err
		}
		item.ID = uuid.NewString()
		out := s.Transform.ToExternal(item, &rec)
		out.ProductionSchedule.ProductionScheduleID = item.ID
		if err := s.Repo.InsertWorkOrder(ctx, tx, out, now); err != nil {
			return res, err
		}
		if err := s.audit(ctx, tx, events.Entry{
			Type:       events.TypeWorkOrderImported,
			Area:       item.Area,
			EntityKind: events.KindWorkOrder,
			EntityID:   item.ID,
			ActorID:    logger.ActorFrom(ctx),
			Payload:    events.EventPayload{"work_order_sn": ps.WorkOrderSN, "machine_id": item.MachineID},
		}); err != nil {
			return res, err
		}
		res.Imported = append(res.Imported, out)
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	s.Log.For(ctx).WithFields(map[string]interface{}{
		"imported": len(res.Imported),
		"skipped":  len(res.Skipped),
	}).Debug("work orders imported")
	return res, nil
}

// OrderFile is the YAML document accepted by ParseOrders.
type OrderFile struct {
	Orders []domain.ProductionSchedule `yaml:"orders"`
}

// ParseOrders reads a YAML work-order file.
func ParseOrders(data []byte) ([]domain.ProductionSchedule, error) {
	var f OrderFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid order file: %w", err)
	}
	return f.Orders, nil
}

// ListEvents lists audit events.
func (s Service) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return s.Repo.ListEvents(ctx, f)
}
