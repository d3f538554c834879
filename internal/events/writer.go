package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the backing store.
const (
	TypeMachineAdded      = "machine.added"
	TypeStatusCreated     = "status_record.created"
	TypeStatusUpdated     = "status_record.updated"
	TypeStatusDeleted     = "status_record.deleted"
	TypeWorkOrderImported = "work_order.imported"
	TypeWorkOrderMoved    = "work_order.moved"
)

// Entity kinds.
const (
	KindMachine      = "machine"
	KindStatusRecord = "status_record"
	KindWorkOrder    = "work_order"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one event to append.
type Entry struct {
	Type       string
	Area       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,area,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.Area), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
