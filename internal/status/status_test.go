package status_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/status"
)

var base = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

func record(s domain.Status) domain.TimelineItem {
	return domain.TimelineItem{
		ID:        "r1",
		MachineID: "A1",
		Area:      "A",
		Kind:      domain.KindStatusRecord,
		Status:    s,
		Start:     base,
		Record:    &domain.StatusDetail{},
	}
}

func TestTransitionTable(t *testing.T) {
	withEnd := record(domain.StatusIdle)
	withEnd.End = base.Add(time.Hour)

	cases := []struct {
		from, to domain.Status
		allowed  bool
		reason   string
	}{
		{domain.StatusIdle, domain.StatusSetup, true, ""},
		{domain.StatusIdle, domain.StatusTesting, true, ""},
		{domain.StatusIdle, domain.StatusStopped, true, ""},
		{domain.StatusSetup, domain.StatusIdle, true, ""},
		{domain.StatusTesting, domain.StatusIdle, true, ""},
		{domain.StatusStopped, domain.StatusIdle, true, ""},
		{domain.StatusSetup, domain.StatusTesting, false, status.ReasonViaIdle},
		{domain.StatusTesting, domain.StatusStopped, false, status.ReasonViaIdle},
		{domain.StatusStopped, domain.StatusSetup, false, status.ReasonViaIdle},
		{domain.StatusIdle, domain.StatusOrderCreated, false, status.ReasonNoEdge},
		{domain.StatusSetup, domain.StatusOrderCreated, false, status.ReasonViaIdle},
		{domain.StatusIdle, domain.StatusIdle, false, status.ReasonSameStatus},
		{domain.StatusOrderCreated, domain.StatusIdle, false, status.ReasonOrderCreated},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			rec := withEnd
			rec.Status = tc.from
			d := status.CanTransition(tc.from, tc.to, rec)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			if tc.allowed {
				assert.NoError(t, d.Err())
			} else {
				assert.True(t, apperrors.IsStateTransition(d.Err()))
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	rec := record(domain.StatusStopped)
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			first := status.CanTransition(from, to, rec)
			for i := 0; i < 3; i++ {
				assert.Equal(t, first, status.CanTransition(from, to, rec))
			}
		}
	}
	assert.Equal(t, record(domain.StatusStopped), rec, "input must not be mutated")
}

func TestOrderCreatedNeverReachableOrLeavable(t *testing.T) {
	for _, historical := range []bool{false, true} {
		rec := record(domain.StatusIdle)
		rec.End = base.Add(time.Hour)
		if historical {
			rec.ActualStart = base
		}
		for _, s := range domain.Statuses {
			assert.False(t, status.CanTransition(s, domain.StatusOrderCreated, rec).Allowed, "%s -> OrderCreated", s)
			assert.False(t, status.CanTransition(domain.StatusOrderCreated, s, rec).Allowed, "OrderCreated -> %s", s)
		}
	}
	assert.False(t, status.CanCreate(domain.StatusOrderCreated).Allowed)
}

func TestHistoricalLockDeniesEverything(t *testing.T) {
	for _, actual := range []string{"start", "end"} {
		rec := record(domain.StatusIdle)
		rec.End = base.Add(time.Hour)
		if actual == "start" {
			rec.ActualStart = base
		} else {
			rec.ActualEnd = base.Add(time.Hour)
		}
		for _, from := range domain.Statuses {
			for _, to := range domain.Statuses {
				assert.False(t, status.CanTransition(from, to, rec).Allowed, "%s -> %s with actual %s", from, to, actual)
			}
		}
	}
}

func TestCreate(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusIdle, domain.StatusSetup, domain.StatusTesting, domain.StatusStopped} {
		assert.True(t, status.CanCreate(s).Allowed, s)
	}
}

func TestScenarioAIdleToStopped(t *testing.T) {
	rec := record(domain.StatusIdle)
	rec.Record.Reason = "tooling jam"
	d := status.CanTransition(domain.StatusIdle, domain.StatusStopped, rec)
	require.True(t, d.Allowed)
	rec.Status = d.To
	assert.Equal(t, domain.StatusStopped, rec.Status)
}

func TestScenarioBStoppedToTestingMustPassIdle(t *testing.T) {
	rec := record(domain.StatusStopped)
	d := status.CanTransition(domain.StatusStopped, domain.StatusTesting, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, "only Idle is reachable from a non-idle status directly", d.Reason)
}

func TestScenarioCHistoricalStoppedToIdle(t *testing.T) {
	rec := record(domain.StatusStopped)
	rec.ActualStart = base.Add(-time.Hour)
	rec.End = base
	d := status.CanTransition(domain.StatusStopped, domain.StatusIdle, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, status.ReasonHistorical, d.Reason)
}

func TestReturnToIdleRequiresEnd(t *testing.T) {
	rec := record(domain.StatusSetup)
	d := status.CanTransition(domain.StatusSetup, domain.StatusIdle, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, status.ReasonEndRequired, d.Reason)

	rec.End = base.Add(90 * time.Minute)
	assert.True(t, status.CanTransition(domain.StatusSetup, domain.StatusIdle, rec).Allowed)
}

func TestTargets(t *testing.T) {
	assert.ElementsMatch(t, []domain.Status{domain.StatusSetup, domain.StatusTesting, domain.StatusStopped}, status.Targets(domain.StatusIdle))
	assert.Equal(t, []domain.Status{domain.StatusIdle}, status.Targets(domain.StatusStopped))
	assert.Empty(t, status.Targets(domain.StatusOrderCreated))
}
