package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
)

// Repo is the sqlite persistence of machines, status records, work orders and events.
// Timestamps are stored as the RFC 3339 strings of the wire form.
type Repo struct {
	DB *sql.DB
}

// ErrNotFound is apperrors.ErrNotFound so callers can match either.
var ErrNotFound = apperrors.ErrNotFound

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func affectedOrNotFound(res sql.Result, what, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// Machines

func (r Repo) InsertMachine(ctx context.Context, tx *sql.Tx, m domain.Machine, createdAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO machines(id,area,name,process,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Area, nullable(m.Name), nullable(m.Process), createdAt)
	return err
}

func (r Repo) GetMachine(ctx context.Context, tx *sql.Tx, id string) (domain.Machine, error) {
	var m domain.Machine
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,area,COALESCE(name,''),COALESCE(process,'') FROM machines WHERE id=?`, id).
		Scan(&m.ID, &m.Area, &m.Name, &m.Process)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (r Repo) ListMachines(ctx context.Context, area string) ([]domain.Machine, error) {
	query := `SELECT id,area,COALESCE(name,''),COALESCE(process,'') FROM machines`
	var args []any
	if area != "" {
		query += ` WHERE area=?`
		args = append(args, area)
	}
	query += ` ORDER BY area, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.ID, &m.Area, &m.Name, &m.Process); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// Status records

const statusColumns = `id,machine_id,area,status,COALESCE(plan_start,''),COALESCE(plan_end,''),COALESCE(actual_start,''),COALESCE(actual_end,''),COALESCE(reason,''),COALESCE(product,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanStatusRecord(s scanner) (domain.ExternalRecord, error) {
	ms := &domain.MachineStatus{}
	rec := domain.ExternalRecord{MachineStatus: ms}
	err := s.Scan(&ms.MachineStatusID, &ms.MachineSN, &rec.Area, &rec.Status,
		&ms.MachineStatusPlanStartTime, &ms.MachineStatusPlanEndTime,
		&ms.MachineStatusActualStartTime, &ms.MachineStatusActualEndTime,
		&ms.MachineStatusReason, &ms.MachineStatusProduct)
	rec.MachineSN = ms.MachineSN
	return rec, err
}

func (r Repo) InsertStatusRecord(ctx context.Context, tx *sql.Tx, rec domain.ExternalRecord, now string) error {
	ms := rec.MachineStatus
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO status_records(id,machine_id,area,status,plan_start,plan_end,actual_start,actual_end,reason,product,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ms.MachineStatusID, ms.MachineSN, rec.Area, rec.Status,
		nullable(ms.MachineStatusPlanStartTime), nullable(ms.MachineStatusPlanEndTime),
		nullable(ms.MachineStatusActualStartTime), nullable(ms.MachineStatusActualEndTime),
		nullable(ms.MachineStatusReason), nullable(ms.MachineStatusProduct), now, now)
	return err
}

func (r Repo) UpdateStatusRecord(ctx context.Context, tx *sql.Tx, rec domain.ExternalRecord, now string) error {
	ms := rec.MachineStatus
	res, err := r.q(tx).ExecContext(ctx, `UPDATE status_records SET machine_id=?,area=?,status=?,plan_start=?,plan_end=?,actual_start=?,actual_end=?,reason=?,product=?,updated_at=? WHERE id=?`,
		ms.MachineSN, rec.Area, rec.Status,
		nullable(ms.MachineStatusPlanStartTime), nullable(ms.MachineStatusPlanEndTime),
		nullable(ms.MachineStatusActualStartTime), nullable(ms.MachineStatusActualEndTime),
		nullable(ms.MachineStatusReason), nullable(ms.MachineStatusProduct), now, ms.MachineStatusID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, "status record", ms.MachineStatusID)
}

func (r Repo) DeleteStatusRecord(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM status_records WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, "status record", id)
}

func (r Repo) GetStatusRecord(ctx context.Context, tx *sql.Tx, id string) (domain.ExternalRecord, error) {
	rec, err := scanStatusRecord(r.q(tx).QueryRowContext(ctx, `SELECT `+statusColumns+` FROM status_records WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("status record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Work orders

const scheduleColumns = `id,machine_id,area,work_order_sn,COALESCE(product_sn,''),product_name,work_order_quantity,production_quantity,process_name,schedule_status,COALESCE(plan_start,''),COALESCE(plan_end,''),COALESCE(actual_start,''),COALESCE(actual_end,''),COALESCE(postpone_time,'')`

func scanSchedule(s scanner) (domain.ExternalRecord, error) {
	ps := &domain.ProductionSchedule{}
	rec := domain.ExternalRecord{ProductionSchedule: ps, Status: string(domain.StatusOrderCreated)}
	err := s.Scan(&ps.ProductionScheduleID, &ps.MachineSN, &ps.Area, &ps.WorkOrderSN, &ps.ProductSN,
		&ps.ProductName, &ps.WorkOrderQuantity, &ps.ProductionQuantity, &ps.ProcessName,
		&ps.ProductionScheduleStatus, &ps.PlanOnMachineDate, &ps.PlanFinishDate,
		&ps.ActualOnMachineDate, &ps.ActualFinishDate, &ps.PostponeTime)
	rec.MachineSN = ps.MachineSN
	rec.Area = ps.Area
	return rec, err
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, rec domain.ExternalRecord, now string) error {
	ps := rec.ProductionSchedule
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO production_schedules(id,machine_id,area,work_order_sn,product_sn,product_name,work_order_quantity,production_quantity,process_name,schedule_status,plan_start,plan_end,actual_start,actual_end,postpone_time,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ps.ProductionScheduleID, ps.MachineSN, ps.Area, ps.WorkOrderSN, nullable(ps.ProductSN), ps.ProductName,
		ps.WorkOrderQuantity, ps.ProductionQuantity, ps.ProcessName, ps.ProductionScheduleStatus,
		nullable(ps.PlanOnMachineDate), nullable(ps.PlanFinishDate),
		nullable(ps.ActualOnMachineDate), nullable(ps.ActualFinishDate), nullable(ps.PostponeTime), now, now)
	return err
}

// MoveWorkOrder writes the editable columns of a work order: machine, area and plan times.
func (r Repo) MoveWorkOrder(ctx context.Context, tx *sql.Tx, rec domain.ExternalRecord, now string) error {
	ps := rec.ProductionSchedule
	res, err := r.q(tx).ExecContext(ctx, `UPDATE production_schedules SET machine_id=?,area=?,plan_start=?,plan_end=?,updated_at=? WHERE id=?`,
		ps.MachineSN, ps.Area, nullable(ps.PlanOnMachineDate), nullable(ps.PlanFinishDate), now, ps.ProductionScheduleID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, "work order", ps.ProductionScheduleID)
}

func (r Repo) GetWorkOrder(ctx context.Context, tx *sql.Tx, id string) (domain.ExternalRecord, error) {
	rec, err := scanSchedule(r.q(tx).QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM production_schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// WorkOrderIDBySN returns the id of the work order with sn, or "" when there is none.
func (r Repo) WorkOrderIDBySN(ctx context.Context, tx *sql.Tx, sn string) (string, error) {
	var id string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id FROM production_schedules WHERE work_order_sn=?`, sn).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ListSchedule returns every work order and status record of area, work orders first.
func (r Repo) ListSchedule(ctx context.Context, area string) ([]domain.ExternalRecord, error) {
	return r.listRecords(ctx, r.DB, "area", area)
}

// ListMachineRecords is ListSchedule for a single machine, read inside tx when given.
func (r Repo) ListMachineRecords(ctx context.Context, tx *sql.Tx, machineID string) ([]domain.ExternalRecord, error) {
	return r.listRecords(ctx, r.q(tx), "machine_id", machineID)
}

func (r Repo) listRecords(ctx context.Context, q queryer, column, value string) ([]domain.ExternalRecord, error) {
	var res []domain.ExternalRecord
	rows, err := q.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM production_schedules WHERE `+column+`=? ORDER BY machine_id, plan_start`, value)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT `+statusColumns+` FROM status_records WHERE `+column+`=? ORDER BY machine_id, COALESCE(actual_start, plan_start)`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanStatusRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Events

// EventFilter narrows event listings. Zero values match everything.
type EventFilter struct {
	Area       string
	Type       string
	EntityKind string
	EntityID   string
	// Before returns events with ids lower than it, After those with higher ids.
	Before int64
	After  int64
	Limit  int
}

// ListEvents returns events newest first, or oldest first when After is set.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Area != "" {
		clauses = append(clauses, "area=?")
		args = append(args, f.Area)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	order := "DESC"
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(area,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Area, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
