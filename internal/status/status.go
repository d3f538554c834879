package status

import (
	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
)

// Denial reasons.
const (
	ReasonSameStatus   = "already in this status"
	ReasonOrderCreated = "work orders never change status"
	ReasonHistorical   = "record is historical; actual times are recorded"
	ReasonViaIdle      = "only Idle is reachable from a non-idle status directly"
	ReasonEndRequired  = "an end time is required when returning to Idle"
	ReasonNoEdge       = "transition is not allowed"
)

// transitions is the static edge table. OrderCreated has no outgoing edges and is never a target.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusIdle:    {domain.StatusSetup, domain.StatusTesting, domain.StatusStopped},
	domain.StatusSetup:   {domain.StatusIdle},
	domain.StatusTesting: {domain.StatusIdle},
	domain.StatusStopped: {domain.StatusIdle},
}

// Decision is the outcome of a transition request.
type Decision struct {
	Allowed bool
	From    domain.Status
	To      domain.Status
	Reason  string
}

// Err returns nil when allowed, otherwise a StateTransitionError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.NewStateTransitionError(string(d.From), string(d.To), d.Reason)
}

func allow(from, to domain.Status) Decision {
	return Decision{Allowed: true, From: from, To: to}
}

func deny(from, to domain.Status, reason string) Decision {
	return Decision{From: from, To: to, Reason: reason}
}

// CanTransition decides whether record may move from current to target.
// It is pure; callers apply the decision.
func CanTransition(current, target domain.Status, record domain.TimelineItem) Decision {
	return decide(current, target, record, false)
}

// CanCreate decides whether a new record may be created directly in target. Creation is
// treated as leaving Idle, so Idle itself is allowed and OrderCreated never is.
func CanCreate(target domain.Status) Decision {
	return decide(domain.StatusIdle, target, domain.TimelineItem{}, true)
}

func decide(current, target domain.Status, record domain.TimelineItem, creating bool) Decision {
	if current == target && !creating {
		return deny(current, target, ReasonSameStatus)
	}
	if current == domain.StatusOrderCreated {
		return deny(current, target, ReasonOrderCreated)
	}
	if record.IsHistorical() {
		return deny(current, target, ReasonHistorical)
	}
	if current == target {
		return allow(current, target)
	}
	if current != domain.StatusIdle && target != domain.StatusIdle {
		return deny(current, target, ReasonViaIdle)
	}
	if current != domain.StatusIdle && target == domain.StatusIdle && !record.HasEnd() {
		return deny(current, target, ReasonEndRequired)
	}
	for _, next := range transitions[current] {
		if next == target {
			return allow(current, target)
		}
	}
	return deny(current, target, ReasonNoEdge)
}

// Targets lists the statuses reachable from current by the edge table.
func Targets(current domain.Status) []domain.Status {
	out := make([]domain.Status, len(transitions[current]))
	copy(out, transitions[current])
	return out
}
