package editor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/bus"
	"shopline/internal/config"
	"shopline/internal/domain"
	"shopline/internal/editor"
	"shopline/internal/engine"
	apperrors "shopline/internal/errors"
	"shopline/internal/index"
)

type memBackend struct {
	mu   sync.Mutex
	next int
}

func (m *memBackend) FetchSchedule(context.Context, string, *time.Time, *time.Time) ([]domain.ExternalRecord, error) {
	return nil, nil
}

func (m *memBackend) FetchMachines(context.Context, string) ([]domain.Machine, error) {
	return nil, nil
}

func (m *memBackend) CreateStatusRecord(_ context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	rec = rec.Clone()
	rec.MachineStatus.MachineStatusID = fmt.Sprintf("srv-%d", m.next)
	return rec, nil
}

func (m *memBackend) UpdateStatusRecord(_ context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	return rec, nil
}

func (m *memBackend) DeleteStatusRecord(context.Context, string) (bool, error) {
	return true, nil
}

func (m *memBackend) UpdateWorkOrder(_ context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	return rec, nil
}

func newSession(t *testing.T) (*editor.Session, *engine.Coordinator) {
	t.Helper()
	b := bus.New()
	coord := engine.New(&memBackend{}, index.New(), b, config.Default(), nil)
	return editor.New(coord, b), coord
}

func TestEditorLifecycle(t *testing.T) {
	s, coord := newSession(t)
	ctx := context.Background()

	var states []bus.EditorState
	stop := s.OnEditorStateChanged(func(e bus.EditorState) { states = append(states, e) })
	defer stop()
	saved := make(chan bus.EditSaved, 1)
	s.OnEditSaved(func(e bus.EditSaved) { saved <- e })

	s.OpenEditor(nil, bus.ModeCreate)
	open, mode, _ := s.State()
	assert.True(t, open)
	assert.Equal(t, bus.ModeCreate, mode)

	start := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	p, err := s.SubmitEdit(ctx, domain.TimelineItem{
		ID:        "ignored-in-create",
		MachineID: "A1",
		Status:    domain.StatusSetup,
		Start:     start,
		End:       start.Add(time.Hour),
	})
	require.NoError(t, err)
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "ignored-in-create", out.Item.ID)

	select {
	case e := <-saved:
		assert.NoError(t, e.Err)
		assert.True(t, e.Created)
	case <-time.After(time.Second):
		t.Fatal("no EditSaved event")
	}

	open, _, _ = s.State()
	assert.False(t, open)
	require.Len(t, states, 2)
	assert.True(t, states[0].Open)
	assert.False(t, states[1].Open)
	assert.Len(t, coord.Index.List("A1"), 1)
}

func TestSubmitRequiresOpenEditor(t *testing.T) {
	s, _ := newSession(t)
	_, err := s.SubmitEdit(context.Background(), domain.TimelineItem{MachineID: "A1"})
	assert.True(t, errors.Is(err, apperrors.ErrEditorInactive))

	item := domain.TimelineItem{ID: "x", MachineID: "A1"}
	s.OpenEditor(&item, bus.ModeView)
	_, err = s.SubmitEdit(context.Background(), item)
	assert.True(t, errors.Is(err, apperrors.ErrEditorInactive))
}

func TestSynchronousFailureKeepsEditorOpen(t *testing.T) {
	s, _ := newSession(t)
	s.OpenEditor(nil, bus.ModeCreate)
	_, err := s.SubmitEdit(context.Background(), domain.TimelineItem{MachineID: "A1", Status: domain.StatusStopped})
	assert.True(t, apperrors.IsForm(err))
	open, _, _ := s.State()
	assert.True(t, open)
}

func TestDeleteFlow(t *testing.T) {
	s, coord := newSession(t)
	ctx := context.Background()

	s.OpenEditor(nil, bus.ModeCreate)
	p, err := s.SubmitEdit(ctx, domain.TimelineItem{MachineID: "A1"})
	require.NoError(t, err)
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	coord.Wait()

	confirmed := make(chan bus.DeleteConfirmed, 1)
	s.OnDeleteConfirmed(func(e bus.DeleteConfirmed) { confirmed <- e })

	_, err = s.ConfirmDelete(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrEditorInactive))

	s.OpenEditor(&out.Item, bus.ModeEdit)
	s.RequestDelete(out.Item.ID)
	p, err = s.ConfirmDelete(ctx)
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	select {
	case e := <-confirmed:
		assert.Equal(t, out.Item.ID, e.ID)
		assert.True(t, e.Remote)
	case <-time.After(time.Second):
		t.Fatal("no DeleteConfirmed event")
	}
	assert.Empty(t, coord.Index.List("A1"))
}

func TestCloseEditorDropsPendingDelete(t *testing.T) {
	s, _ := newSession(t)
	s.OpenEditor(nil, bus.ModeEdit)
	s.RequestDelete("r1")
	s.CloseEditor()
	_, err := s.ConfirmDelete(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrEditorInactive))
}
