package overlap

import (
	"time"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/timeutil"
)

// span returns the interval used for comparison; a missing end counts as start plus the
// default window.
func span(item domain.TimelineItem) (time.Time, time.Time) {
	return item.Start, timeutil.EffectiveEnd(item.Start, item.End)
}

// eligible reports whether sibling takes part in the check against candidate.
func eligible(candidate, sibling domain.TimelineItem) bool {
	if sibling.MachineID != candidate.MachineID {
		return false
	}
	if sibling.ID != "" && sibling.ID == candidate.ID {
		return false
	}
	return sibling.Status != domain.StatusOrderCreated
}

// Conflicts reports whether two intervals collide. Sharing a start or sharing an end always
// collides; otherwise the intervals must strictly intersect, so adjacent intervals
// (a.end == b.start) do not collide.
func Conflicts(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aStart.Equal(bStart) || aEnd.Equal(bEnd) {
		return true
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// FindConflict returns the first sibling that collides with candidate.
// Work orders never take part, on either side.
func FindConflict(candidate domain.TimelineItem, siblings []domain.TimelineItem) (domain.TimelineItem, bool) {
	if candidate.Status == domain.StatusOrderCreated {
		return domain.TimelineItem{}, false
	}
	cs, ce := span(candidate)
	for _, s := range siblings {
		if !eligible(candidate, s) {
			continue
		}
		ss, se := span(s)
		if Conflicts(cs, ce, ss, se) {
			return s, true
		}
	}
	return domain.TimelineItem{}, false
}

// HasOverlap reports whether candidate collides with any sibling on its machine.
func HasOverlap(candidate domain.TimelineItem, siblings []domain.TimelineItem) bool {
	_, ok := FindConflict(candidate, siblings)
	return ok
}

// Check is HasOverlap returning a ValidationError that names the conflicting record.
func Check(candidate domain.TimelineItem, siblings []domain.TimelineItem) error {
	conflict, ok := FindConflict(candidate, siblings)
	if !ok {
		return nil
	}
	cs, ce := span(candidate)
	ss, se := span(conflict)
	return apperrors.NewOverlapError(apperrors.OverlapDetail{
		ConflictID:     conflict.ID,
		MachineID:      candidate.MachineID,
		CandidateStart: cs,
		CandidateEnd:   ce,
		ConflictStart:  ss,
		ConflictEnd:    se,
	})
}
