package editor

import (
	"context"
	"fmt"
	"sync"

	"shopline/internal/bus"
	"shopline/internal/domain"
	"shopline/internal/engine"
	apperrors "shopline/internal/errors"
)

// Coordinator is the part of engine.Coordinator the editor drives.
type Coordinator interface {
	Submit(ctx context.Context, in engine.Intent) (*engine.Pending, error)
	Delete(ctx context.Context, id string) (*engine.Pending, error)
}

// Session is the presentation-facing edit workflow. It opens and closes the editor, forwards
// edits and deletes to the coordinator and fans results out over the bus.
type Session struct {
	coord   Coordinator
	bus     *bus.Bus
	ActorID string

	mu       sync.Mutex
	open     bool
	mode     bus.Mode
	item     *domain.TimelineItem
	deleteID string
}

func New(coord Coordinator, b *bus.Bus) *Session {
	return &Session{coord: coord, bus: b}
}

// OpenEditor opens the editor on item in mode. A nil item opens an empty create form.
func (s *Session) OpenEditor(item *domain.TimelineItem, mode bus.Mode) {
	s.mu.Lock()
	s.open = true
	s.mode = mode
	s.item = nil
	if item != nil {
		c := item.Clone()
		s.item = &c
	}
	ev := bus.EditorState{Open: true, Mode: mode, Item: s.item}
	s.mu.Unlock()
	s.bus.Publish(ev)
}

// CloseEditor closes the editor and drops any delete awaiting confirmation.
func (s *Session) CloseEditor() {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.item = nil
	s.deleteID = ""
	s.mu.Unlock()
	if wasOpen {
		s.bus.Publish(bus.EditorState{Open: false})
	}
}

// State reports whether the editor is open, its mode and the item it holds.
func (s *Session) State() (bool, bus.Mode, *domain.TimelineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item == nil {
		return s.open, s.mode, nil
	}
	c := s.item.Clone()
	return s.open, s.mode, &c
}

func (s *Session) OnEditorStateChanged(cb func(bus.EditorState)) func() {
	return s.bus.Subscribe(bus.TopicEditorState, func(e bus.Event) { cb(e.(bus.EditorState)) })
}

// SubmitEdit sends item through the coordinator. The editor closes once the edit is
// applied locally; the remote outcome arrives through OnEditSaved.
func (s *Session) SubmitEdit(ctx context.Context, item domain.TimelineItem) (*engine.Pending, error) {
	s.mu.Lock()
	open, mode := s.open, s.mode
	s.mu.Unlock()
	if !open {
		return nil, apperrors.ErrEditorInactive
	}
	if mode == bus.ModeView {
		return nil, fmt.Errorf("%w: editor is read-only", apperrors.ErrEditorInactive)
	}
	if mode == bus.ModeCreate {
		item.ID = ""
	}
	p, err := s.coord.Submit(ctx, engine.Intent{Item: item, ActorID: s.ActorID})
	if err != nil {
		return nil, err
	}
	s.CloseEditor()
	return p, nil
}

func (s *Session) OnEditSaved(cb func(bus.EditSaved)) func() {
	return s.bus.Subscribe(bus.TopicEditSaved, func(e bus.Event) { cb(e.(bus.EditSaved)) })
}

// RequestDelete marks id for deletion until ConfirmDelete or CloseEditor.
func (s *Session) RequestDelete(id string) {
	s.mu.Lock()
	s.deleteID = id
	s.mu.Unlock()
}

// ConfirmDelete deletes the record named by the last RequestDelete.
func (s *Session) ConfirmDelete(ctx context.Context) (*engine.Pending, error) {
	s.mu.Lock()
	id := s.deleteID
	s.deleteID = ""
	s.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("%w: no delete requested", apperrors.ErrEditorInactive)
	}
	p, err := s.coord.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.CloseEditor()
	return p, nil
}

func (s *Session) OnDeleteConfirmed(cb func(bus.DeleteConfirmed)) func() {
	return s.bus.Subscribe(bus.TopicDeleteConfirmed, func(e bus.Event) { cb(e.(bus.DeleteConfirmed)) })
}
