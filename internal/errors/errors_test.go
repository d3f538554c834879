package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindHelpersSeeThroughWrapping(t *testing.T) {
	v := fmt.Errorf("create: %w", NewValidationError("machineSN", "is required"))
	st := fmt.Errorf("update: %w", NewStateTransitionError("Setup", "Testing", "only Idle is reachable"))
	api := &APIError{Op: "createStatusRecord", Err: errors.New("boom")}
	form := &FormError{Fields: []FieldError{{Field: "reason", Message: "required"}}}

	assert.True(t, IsValidation(v))
	assert.False(t, IsValidation(st))
	assert.True(t, IsStateTransition(st))
	assert.True(t, IsAPI(fmt.Errorf("x: %w", api)))
	assert.True(t, IsForm(form))
	assert.True(t, IsNotFound(fmt.Errorf("record r1: %w", ErrNotFound)))
	assert.ErrorIs(t, api, api.Err)
}

func TestOverlapErrorCarriesConflict(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	err := NewOverlapError(OverlapDetail{
		ConflictID:     "r1",
		MachineID:      "A1",
		CandidateStart: start.Add(90 * time.Minute),
		CandidateEnd:   start.Add(3 * time.Hour),
		ConflictStart:  start,
		ConflictEnd:    start.Add(2 * time.Hour),
	})
	var v *ValidationError
	assert.True(t, errors.As(err, &v))
	assert.Equal(t, "interval", v.Field)
	if assert.NotNil(t, v.Conflict) {
		assert.Equal(t, "r1", v.Conflict.ConflictID)
	}
	assert.Contains(t, err.Error(), "machine A1")
}
