package bus

import (
	"sort"
	"sync"

	"shopline/internal/domain"
)

// Topic identifies a class of events.
type Topic string

const (
	TopicEditorState     Topic = "editor.state"
	TopicEditSaved       Topic = "edit.saved"
	TopicDeleteConfirmed Topic = "delete.confirmed"
)

// Event is anything published on the bus.
type Event interface {
	Topic() Topic
}

// Mode is the editor mode requested by the presentation layer.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
	ModeView   Mode = "view"
)

// EditorState reports the editor opening or closing.
type EditorState struct {
	Open bool
	Mode Mode
	Item *domain.TimelineItem
}

func (EditorState) Topic() Topic { return TopicEditorState }

// EditSaved reports the remote outcome of a submitted edit. Err is nil on success.
type EditSaved struct {
	Item    domain.TimelineItem
	Created bool
	Err     error
}

func (EditSaved) Topic() Topic { return TopicEditSaved }

// DeleteConfirmed reports a finished delete. Remote is false for records that never left
// the local index.
type DeleteConfirmed struct {
	ID     string
	Remote bool
	Err    error
}

func (DeleteConfirmed) Topic() Topic { return TopicDeleteConfirmed }

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe service. It is created once at wiring
// time and passed to every participant.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic]map[int]Handler
	next     int
}

func New() *Bus {
	return &Bus{handlers: make(map[Topic]map[int]Handler)}
}

// Subscribe registers h for topic and returns a func that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.handlers[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish delivers e to every handler of its topic, in subscription order, on the caller's
// goroutine. Handlers may subscribe or publish.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := b.handlers[e.Topic()]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	hs := make(map[int]Handler, len(subs))
	for id, h := range subs {
		hs[id] = h
	}
	b.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		hs[id](e)
	}
}
