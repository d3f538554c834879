package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"shopline/internal/bus"
	"shopline/internal/config"
	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/index"
	"shopline/internal/logger"
	"shopline/internal/overlap"
	"shopline/internal/status"
	"shopline/internal/timeutil"
	"shopline/internal/transform"
)

// Remote operation names used in logs and APIError.Op.
const (
	OpFetchSchedule      = "fetchSchedule"
	OpFetchMachines      = "fetchMachines"
	OpCreateStatusRecord = "createStatusRecord"
	OpUpdateStatusRecord = "updateStatusRecord"
	OpDeleteStatusRecord = "deleteStatusRecord"
	OpUpdateWorkOrder    = "updateWorkOrder"
)

// Coordinator owns the timeline index. Every edit is validated and applied locally before
// the remote mutation is issued.
type Coordinator struct {
	Backend    Backend
	Index      *index.Index
	Bus        *bus.Bus
	Config     *config.Config
	Normalizer timeutil.Normalizer
	Transform  transform.Transformer
	Log        *logger.Logger

	validate *validator.Validate
	locks    machineLocks
	inflight sync.WaitGroup

	mu        sync.Mutex
	snapshots map[string]domain.ExternalRecord
	revs      map[string]uint64
	// serverIDs maps local ids to backend ids once a create has landed, whatever the
	// revision of the snapshot is by then.
	serverIDs map[string]string
	// chains holds the latest remote call per id; the next call for that id waits for it.
	chains map[string]*Pending
}

func New(backend Backend, idx *index.Index, b *bus.Bus, cfg *config.Config, log *logger.Logger) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New()
	}
	if idx == nil {
		idx = index.New()
	}
	if b == nil {
		b = bus.New()
	}
	n := timeutil.New(cfg.LocationOrUTC())
	n.DefaultWindow = cfg.Timeline.DefaultWindow
	return &Coordinator{
		Backend:    backend,
		Index:      idx,
		Bus:        b,
		Config:     cfg,
		Normalizer: n,
		Transform:  transform.New(n, cfg.DefaultStatus(), log),
		Log:        log,
		validate:   newValidator(),
		snapshots:  make(map[string]domain.ExternalRecord),
		revs:       make(map[string]uint64),
		serverIDs:  make(map[string]string),
		chains:     make(map[string]*Pending),
	}
}

// Intent is one requested edit. An item whose ID is empty or unknown to the index is created.
type Intent struct {
	Item    domain.TimelineItem
	ActorID string
}

// Submit validates and applies in.Item locally, then issues the remote mutation in the
// background. Validation and state errors are returned before anything is touched; remote
// errors arrive through the returned Pending and the bus.
func (c *Coordinator) Submit(ctx context.Context, in Intent) (*Pending, error) {
	if c.Backend == nil {
		return nil, apperrors.ErrNoBackend
	}
	item := in.Item.Clone()

	var (
		current domain.TimelineItem
		exists  bool
	)
	if item.ID != "" {
		current, exists = c.Index.Get(item.ID)
	}
	unlock := c.locks.lock(item.MachineID, current.MachineID)
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()
	if item.ID != "" {
		// re-read under the machine lock
		current, exists = c.Index.Get(item.ID)
	}

	var err error
	switch {
	case exists && current.IsWorkOrder():
		item, err = c.prepareWorkOrder(current, item)
	case exists:
		item, err = c.prepareUpdate(current, item)
	default:
		item, err = c.prepareCreate(item)
	}
	if err != nil {
		return nil, err
	}
	if err := overlap.Check(item, c.Index.List(item.MachineID)); err != nil {
		return nil, err
	}

	prevSnap, hadSnap := c.snapshot(item.ID)
	var base *domain.ExternalRecord
	if hadSnap {
		base = &prevSnap
	}
	ext := c.Transform.ToExternal(item, base)

	c.Index.Upsert(item)
	rev := c.apply(item.ID, ext)
	p := newPending()
	prior := c.chain(item.ID, p)
	unlock()
	unlock = nil

	if in.ActorID != "" {
		ctx = logger.WithActor(ctx, in.ActorID)
	}
	log := c.Log.For(ctx)
	log.WithFields(map[string]interface{}{
		"record_id":  item.ID,
		"machine_id": item.MachineID,
		"status":     item.Status,
		"queued":     prior != nil,
	}).Debug("edit applied locally")

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.unchain(item.ID, p)
		if prior != nil {
			<-prior.Done()
		}
		// create or update is decided only now, after any earlier create for this id landed
		op := OpUpdateWorkOrder
		if !item.IsWorkOrder() {
			op = OpCreateStatusRecord
			if sid := c.serverID(item.ID); sid != "" {
				op = OpUpdateStatusRecord
				ext = withServerID(ext, sid)
			}
		}
		created := op == OpCreateStatusRecord

		rctx := context.WithoutCancel(ctx)
		var (
			saved domain.ExternalRecord
			err   error
		)
		switch op {
		case OpUpdateWorkOrder:
			saved, err = c.Backend.UpdateWorkOrder(rctx, ext)
		case OpUpdateStatusRecord:
			saved, err = c.Backend.UpdateStatusRecord(rctx, ext)
		default:
			saved, err = c.Backend.CreateStatusRecord(rctx, ext)
		}
		if err != nil {
			apiErr := c.remoteFailed(log, op, item, err)
			if c.Config.Rollback() {
				c.rollback(item, rev, current, exists, prevSnap, hadSnap)
			}
			out := Outcome{Item: item, Record: ext, Created: created, Remote: true}
			p.settle(out, apiErr)
			c.Bus.Publish(bus.EditSaved{Item: item, Created: created, Err: apiErr})
			return
		}
		c.confirm(item.ID, rev, saved)
		out := Outcome{Item: item, Record: saved, Created: created, Remote: true}
		p.settle(out, nil)
		c.Bus.Publish(bus.EditSaved{Item: item, Created: created})
	}()
	return p, nil
}

// prepareCreate fills the defaults of a new status record and checks it.
func (c *Coordinator) prepareCreate(item domain.TimelineItem) (domain.TimelineItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = c.Transform.DefaultStatus
	}
	if !item.Status.IsValid() {
		return item, fmt.Errorf("%w: %q", apperrors.ErrInvalidStatus, item.Status)
	}
	if err := status.CanCreate(item.Status).Err(); err != nil {
		return item, err
	}
	item.Kind = domain.KindStatusRecord
	item.WorkOrder = nil
	if item.Record == nil {
		item.Record = &domain.StatusDetail{}
	}
	if item.MachineID == "" {
		return item, apperrors.NewValidationError("machineId", "machine id is required")
	}
	if item.Area == "" {
		item.Area = domain.AreaOf(item.MachineID)
	}
	if item.Start.IsZero() {
		item.Start = c.Normalizer.CurrentTime()
	}
	if item.End.IsZero() {
		item.End = item.Start.Add(c.Normalizer.Window())
	}
	if err := timeutil.Validate(item.Start, item.End); err != nil {
		return item, err
	}
	item.PlanStart, item.PlanEnd = item.Start, item.End
	item.ActualStart, item.ActualEnd = time.Time{}, time.Time{}
	return item, c.checkForm(item)
}

// prepareUpdate merges an edit of an existing status record and checks it. Actual times
// always come from the stored record.
func (c *Coordinator) prepareUpdate(current, item domain.TimelineItem) (domain.TimelineItem, error) {
	item.Kind = current.Kind
	item.WorkOrder = nil
	item.PlanStart, item.PlanEnd = current.PlanStart, current.PlanEnd
	item.ActualStart, item.ActualEnd = current.ActualStart, current.ActualEnd
	if item.Status == "" {
		item.Status = current.Status
	}
	if item.MachineID == "" {
		item.MachineID = current.MachineID
	}
	if item.Area == "" {
		item.Area = domain.AreaOf(item.MachineID)
	}
	if item.Start.IsZero() {
		item.Start = current.Start
	}
	// A return to Idle from a non-idle status must carry its own end.
	if item.End.IsZero() && (item.Status == current.Status || item.Status != domain.StatusIdle) {
		item.End = current.End
	}
	if item.Record == nil {
		item.Record = &domain.StatusDetail{Reason: current.Reason(), Product: current.Product()}
	}

	if item.Status != current.Status {
		if err := status.CanTransition(current.Status, item.Status, item).Err(); err != nil {
			return item, err
		}
	} else if current.IsHistorical() {
		return item, apperrors.NewStateTransitionError(string(current.Status), string(item.Status), status.ReasonHistorical)
	}
	if err := timeutil.Validate(item.Start, item.End); err != nil {
		return item, err
	}
	item.PlanStart, item.PlanEnd = item.Start, item.End
	return item, c.checkForm(item)
}

// prepareWorkOrder applies a move of a work order. Only machine, area and planned start may
// change; the end shifts with the start.
func (c *Coordinator) prepareWorkOrder(current, item domain.TimelineItem) (domain.TimelineItem, error) {
	if item.Status != "" && item.Status != current.Status {
		return item, status.CanTransition(current.Status, item.Status, current).Err()
	}
	if current.IsHistorical() {
		return item, apperrors.NewStateTransitionError(string(current.Status), string(current.Status), status.ReasonHistorical)
	}
	label := ""
	if current.WorkOrder != nil {
		label = current.WorkOrder.OrderStatus
	}
	if !c.Config.OrderEditable(label) {
		return item, fmt.Errorf("%w: order status %q", apperrors.ErrNotEditable, label)
	}
	if item.WorkOrder != nil && current.WorkOrder != nil && *item.WorkOrder != *current.WorkOrder {
		return item, apperrors.NewValidationError("workOrder", "work order details are read-only")
	}
	if item.Reason() != "" || item.Product() != "" {
		return item, apperrors.NewValidationError("record", "work orders carry no status details")
	}

	next := current.Clone()
	if item.MachineID != "" && item.MachineID != current.MachineID {
		next.MachineID = item.MachineID
		next.Area = domain.AreaOf(item.MachineID)
	}
	if item.Area != "" {
		next.Area = item.Area
	}
	if !item.Start.IsZero() && !item.Start.Equal(current.Start) {
		delta := item.Start.Sub(current.Start)
		next.Start = item.Start
		next.PlanStart = item.Start
		if next.HasEnd() {
			next.End = next.End.Add(delta)
			next.PlanEnd = next.End
		}
	}
	if !item.End.IsZero() && !item.End.Equal(current.End) && !item.End.Equal(next.End) {
		return item, apperrors.NewValidationError("end", "the end of a work order follows its start")
	}
	return next, nil
}

// Delete removes a status record locally and, when it was persisted, issues a best-effort
// remote delete. A failed remote delete does not restore the record.
func (c *Coordinator) Delete(ctx context.Context, id string) (*Pending, error) {
	current, ok := c.Index.Get(id)
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrNotFound)
	}
	unlock := c.locks.lock(current.MachineID)
	current, ok = c.Index.Get(id)
	if !ok {
		unlock()
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrNotFound)
	}
	if current.IsWorkOrder() {
		unlock()
		return nil, apperrors.NewStateTransitionError(string(current.Status), "", status.ReasonOrderCreated)
	}
	if current.IsHistorical() {
		unlock()
		return nil, apperrors.NewStateTransitionError(string(current.Status), "", status.ReasonHistorical)
	}
	c.Index.Remove(id)
	snap, _ := c.forget(id)
	p := newPending()
	prior := c.chain(id, p)
	unlock()

	if prior == nil && c.serverID(id) == "" {
		p.settle(Outcome{Item: current}, nil)
		c.unchain(id, p)
		c.Bus.Publish(bus.DeleteConfirmed{ID: id})
		return p, nil
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.unchain(id, p)
		if prior != nil {
			<-prior.Done()
		}
		serverID := c.serverID(id)
		if serverID == "" {
			// the create it was queued behind never landed
			p.settle(Outcome{Item: current}, nil)
			c.Bus.Publish(bus.DeleteConfirmed{ID: id})
			return
		}
		defer c.dropServerID(id)
		ok, err := c.Backend.DeleteStatusRecord(context.WithoutCancel(ctx), serverID)
		if err == nil && !ok {
			err = errors.New("backend reported failure")
		}
		if err != nil {
			apiErr := c.remoteFailed(c.Log.For(ctx), OpDeleteStatusRecord, current, err)
			p.settle(Outcome{Item: current, Record: snap, Remote: true}, apiErr)
			c.Bus.Publish(bus.DeleteConfirmed{ID: id, Remote: true, Err: apiErr})
			return
		}
		p.settle(Outcome{Item: current, Record: snap, Remote: true}, nil)
		c.Bus.Publish(bus.DeleteConfirmed{ID: id, Remote: true})
	}()
	return p, nil
}

// Load fetches the schedule of area and replaces the matching part of the index with it.
// Records that cannot be converted are skipped and logged.
func (c *Coordinator) Load(ctx context.Context, area string, from, to *time.Time) ([]domain.TimelineItem, error) {
	if c.Backend == nil {
		return nil, apperrors.ErrNoBackend
	}
	recs, err := c.Backend.FetchSchedule(ctx, area, from, to)
	if err != nil {
		return nil, c.remoteFailed(c.Log.For(ctx), OpFetchSchedule, domain.TimelineItem{Area: area}, err)
	}
	now := c.Normalizer.CurrentTime()
	items := make([]domain.TimelineItem, 0, len(recs))
	snaps := make(map[string]domain.ExternalRecord, len(recs))
	for _, rec := range recs {
		res, err := c.Transform.ToInternal(rec, transform.Options{DefaultStart: now})
		if err != nil {
			c.Log.WithError(err).WithField("record_id", rec.ServerID()).Warn("skipping unreadable record")
			continue
		}
		if res.Item.ID == "" {
			c.Log.WithField("machine_id", res.Item.MachineID).Warn("skipping record without id")
			continue
		}
		items = append(items, res.Item)
		snaps[res.Item.ID] = rec
	}

	scope := func(item domain.TimelineItem) bool {
		if item.Area != area {
			return false
		}
		end := timeutil.EffectiveEnd(item.Start, item.End)
		var lo, hi time.Time
		if from != nil {
			lo = *from
		}
		if to != nil {
			hi = *to
		}
		return timeutil.Intersects(item.Start, end, lo, hi)
	}
	// Persisted items of the window that the backend no longer returns are dropped. Local-only
	// items stay until they are saved or deleted.
	var kept []domain.TimelineItem
	for _, item := range c.Index.Area(area) {
		if _, fetched := snaps[item.ID]; fetched || !scope(item) {
			continue
		}
		if snap, ok := c.snapshot(item.ID); ok && snap.ServerID() == "" {
			kept = append(kept, item)
		}
	}
	c.Index.Replace(scope, append(items, kept...))

	c.mu.Lock()
	for id, rec := range snaps {
		c.snapshots[id] = rec
		c.revs[id]++
		if sid := rec.ServerID(); sid != "" {
			c.serverIDs[id] = sid
		}
	}
	c.mu.Unlock()
	return items, nil
}

// Machines lists the machines of area, or every machine when area is empty.
func (c *Coordinator) Machines(ctx context.Context, area string) ([]domain.Machine, error) {
	if c.Backend == nil {
		return nil, apperrors.ErrNoBackend
	}
	machines, err := c.Backend.FetchMachines(ctx, area)
	if err != nil {
		return nil, c.remoteFailed(c.Log.For(ctx), OpFetchMachines, domain.TimelineItem{Area: area}, err)
	}
	return machines, nil
}

// Wait blocks until every remote call issued so far has settled.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// Snapshot returns the last known wire form of id.
func (c *Coordinator) Snapshot(id string) (domain.ExternalRecord, bool) {
	return c.snapshot(id)
}

func (c *Coordinator) snapshot(id string) (domain.ExternalRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.snapshots[id]
	if !ok {
		return domain.ExternalRecord{}, false
	}
	return rec.Clone(), true
}

// apply records the optimistic snapshot of id and returns its revision.
func (c *Coordinator) apply(id string, ext domain.ExternalRecord) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[id] = ext
	c.revs[id]++
	return c.revs[id]
}

// confirm stores the server's answer unless a later edit superseded it. The server id is
// kept either way.
func (c *Coordinator) confirm(id string, rev uint64, saved domain.ExternalRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sid := saved.ServerID()
	if sid != "" {
		c.serverIDs[id] = sid
	}
	if c.revs[id] == rev {
		c.snapshots[id] = saved
		return
	}
	if snap, ok := c.snapshots[id]; ok && sid != "" && snap.ServerID() == "" && snap.ProductionSchedule == nil {
		c.snapshots[id] = withServerID(snap, sid)
	}
}

// serverID returns the backend id of id, or "" while nothing has been persisted.
func (c *Coordinator) serverID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sid := c.serverIDs[id]; sid != "" {
		return sid
	}
	if snap, ok := c.snapshots[id]; ok {
		return snap.ServerID()
	}
	return ""
}

func (c *Coordinator) dropServerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.serverIDs, id)
}

// chain registers p as the latest remote call of id and returns the call it must wait for.
func (c *Coordinator) chain(id string, p *Pending) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior := c.chains[id]
	c.chains[id] = p
	return prior
}

func (c *Coordinator) unchain(id string, p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chains[id] == p {
		delete(c.chains, id)
	}
}

// withServerID returns a copy of a status-record snapshot carrying sid.
func withServerID(rec domain.ExternalRecord, sid string) domain.ExternalRecord {
	out := rec.Clone()
	if out.MachineStatus == nil {
		out.MachineStatus = &domain.MachineStatus{}
	}
	out.MachineStatus.MachineStatusID = sid
	return out
}

func (c *Coordinator) forget(id string) (domain.ExternalRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.snapshots[id]
	delete(c.snapshots, id)
	c.revs[id]++
	return rec, ok
}

// rollback restores the state before a failed edit unless a later edit superseded it.
func (c *Coordinator) rollback(item domain.TimelineItem, rev uint64, prev domain.TimelineItem, existed bool, prevSnap domain.ExternalRecord, hadSnap bool) {
	unlock := c.locks.lock(item.MachineID, prev.MachineID)
	defer unlock()
	c.mu.Lock()
	if c.revs[item.ID] != rev {
		c.mu.Unlock()
		return
	}
	c.revs[item.ID]++
	if hadSnap {
		c.snapshots[item.ID] = prevSnap
	} else {
		delete(c.snapshots, item.ID)
	}
	c.mu.Unlock()

	if existed {
		c.Index.Upsert(prev)
	} else {
		c.Index.Remove(item.ID)
	}
	c.Log.WithFields(map[string]interface{}{
		"record_id":  item.ID,
		"machine_id": item.MachineID,
	}).Info("local edit rolled back")
}

type statusCoder interface {
	HTTPStatus() int
}

func (c *Coordinator) remoteFailed(log *logger.Logger, op string, item domain.TimelineItem, err error) error {
	apiErr := &apperrors.APIError{Op: op, RecordID: item.ID, MachineID: item.MachineID, Err: err}
	var sc statusCoder
	if errors.As(err, &sc) {
		apiErr.StatusCode = sc.HTTPStatus()
	}
	log.WithFields(map[string]interface{}{
		"operation":  op,
		"record_id":  item.ID,
		"machine_id": item.MachineID,
	}).WithError(err).Error("remote call failed")
	return apiErr
}
