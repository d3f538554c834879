package index

import (
	"sort"
	"sync"

	"shopline/internal/domain"
)

// ChangeType names the kind of mutation carried by a Change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is emitted to subscribers after every mutation.
type Change struct {
	Type     ChangeType
	Item     domain.TimelineItem
	Previous *domain.TimelineItem
}

const defaultBuffer = 64

// Index is the in-memory timeline every reader renders from. State lives locally,
// subscribers receive typed changes, and readers get copies.
// Only the coordinator writes to it.
type Index struct {
	mu    sync.RWMutex
	items map[string]domain.TimelineItem

	subs    map[int]chan Change
	nextSub int
}

func New() *Index {
	return &Index{
		items: make(map[string]domain.TimelineItem),
		subs:  make(map[int]chan Change),
	}
}

// Get returns a copy of the item with id.
func (x *Index) Get(id string) (domain.TimelineItem, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	item, ok := x.items[id]
	if !ok {
		return domain.TimelineItem{}, false
	}
	return item.Clone(), true
}

// Upsert stores item and returns the item it replaced, if any.
func (x *Index) Upsert(item domain.TimelineItem) (domain.TimelineItem, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, existed := x.items[item.ID]
	x.items[item.ID] = item.Clone()
	if existed {
		p := prev.Clone()
		x.emit(Change{Type: ChangeUpdate, Item: item.Clone(), Previous: &p})
	} else {
		x.emit(Change{Type: ChangeCreate, Item: item.Clone()})
	}
	return prev, existed
}

// Remove drops id and returns what was stored.
func (x *Index) Remove(id string) (domain.TimelineItem, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, ok := x.items[id]
	if !ok {
		return domain.TimelineItem{}, false
	}
	delete(x.items, id)
	x.emit(Change{Type: ChangeDelete, Item: prev.Clone()})
	return prev, true
}

// List returns the items on machineID ordered by start.
func (x *Index) List(machineID string) []domain.TimelineItem {
	return x.filter(func(item domain.TimelineItem) bool { return item.MachineID == machineID })
}

// Area returns the items in area ordered by machine and start.
func (x *Index) Area(area string) []domain.TimelineItem {
	return x.filter(func(item domain.TimelineItem) bool { return item.Area == area })
}

// Snapshot returns every item ordered by machine and start.
func (x *Index) Snapshot() []domain.TimelineItem {
	return x.filter(func(domain.TimelineItem) bool { return true })
}

// Len returns the number of stored items.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

// ReplaceArea swaps every item of area for items.
func (x *Index) ReplaceArea(area string, items []domain.TimelineItem) {
	x.Replace(func(item domain.TimelineItem) bool { return item.Area == area }, items)
}

// Replace swaps every stored item matching scope for items. Subscribers see deletes for
// items that disappeared and creates or updates for the rest.
func (x *Index) Replace(scope func(domain.TimelineItem) bool, items []domain.TimelineItem) {
	x.mu.Lock()
	defer x.mu.Unlock()
	keep := make(map[string]struct{}, len(items))
	for _, item := range items {
		keep[item.ID] = struct{}{}
	}
	for id, item := range x.items {
		if !scope(item) {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		delete(x.items, id)
		x.emit(Change{Type: ChangeDelete, Item: item.Clone()})
	}
	for _, item := range items {
		prev, existed := x.items[item.ID]
		x.items[item.ID] = item.Clone()
		if existed {
			p := prev.Clone()
			x.emit(Change{Type: ChangeUpdate, Item: item.Clone(), Previous: &p})
		} else {
			x.emit(Change{Type: ChangeCreate, Item: item.Clone()})
		}
	}
}

// Subscribe returns a buffered change stream and a func that closes it. Changes are dropped
// for a subscriber whose buffer is full.
func (x *Index) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Change, buffer)
	x.mu.Lock()
	id := x.nextSub
	x.nextSub++
	x.subs[id] = ch
	x.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			x.mu.Lock()
			delete(x.subs, id)
			x.mu.Unlock()
			close(ch)
		})
	}
}

func (x *Index) filter(keep func(domain.TimelineItem) bool) []domain.TimelineItem {
	x.mu.RLock()
	out := make([]domain.TimelineItem, 0, len(x.items))
	for _, item := range x.items {
		if keep(item) {
			out = append(out, item.Clone())
		}
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].MachineID != out[j].MachineID {
			return out[i].MachineID < out[j].MachineID
		}
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// emit must be called with mu held.
func (x *Index) emit(c Change) {
	for _, ch := range x.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
