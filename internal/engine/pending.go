package engine

import (
	"context"
	"sync"

	"shopline/internal/domain"
)

// Outcome is the settled result of a submitted edit or delete.
type Outcome struct {
	Item    domain.TimelineItem
	Record  domain.ExternalRecord
	Created bool
	// Remote is false when nothing was sent to the backend.
	Remote bool
}

// Pending is the future result of the remote half of an edit. The local half has already
// been applied when a Pending is returned.
type Pending struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) settle(out Outcome, err error) {
	p.once.Do(func() {
		p.outcome = out
		p.err = err
		close(p.done)
	})
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the outcome is known or ctx ends. Cancelling ctx does not cancel the
// remote call.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
