package engine

import (
	"sort"
	"sync"
)

// machineLocks serializes validate and apply per machine.
type machineLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the locks of every distinct id in sorted order and returns the release func.
func (l *machineLocks) lock(ids ...string) func() {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	held := make([]*sync.Mutex, 0, len(uniq))
	for _, id := range uniq {
		mu, ok := l.m[id]
		if !ok {
			mu = &sync.Mutex{}
			l.m[id] = mu
		}
		held = append(held, mu)
	}
	l.mu.Unlock()

	for _, mu := range held {
		mu.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
