package tools

import (
	"context"
	"sync"
)

// Approver delivers approval decisions. AwaitApproval blocks until a
// decision for invocationID exists or ctx is done.
type Approver interface {
	AwaitApproval(ctx context.Context, invocationID string) (Decision, error)
}

// ChannelApprover is an in-process Approver fed by Decide. Decisions made
// before anyone waits are kept until Forget is called.
type ChannelApprover struct {
	mu        sync.Mutex
	decisions map[string]Decision
	waiters   map[string]*waiter
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// NewChannelApprover returns an empty approver.
func NewChannelApprover() *ChannelApprover {
	return &ChannelApprover{
		decisions: make(map[string]Decision),
		waiters:   make(map[string]*waiter),
	}
}

// AwaitApproval waits for Decide(invocationID, ...). A caller that gives
// up releases its waiter entry.
func (a *ChannelApprover) AwaitApproval(ctx context.Context, invocationID string) (Decision, error) {
	a.mu.Lock()
	if d, ok := a.decisions[invocationID]; ok {
		a.mu.Unlock()
		return d, nil
	}
	w, ok := a.waiters[invocationID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		a.waiters[invocationID] = w
	}
	w.refs++
	a.mu.Unlock()

	select {
	case <-w.ch:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.decisions[invocationID], nil
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()
		w.refs--
		if w.refs == 0 && a.waiters[invocationID] == w {
			delete(a.waiters, invocationID)
		}
		return Decision{}, ctx.Err()
	}
}

// Decide stores d and wakes every waiter for invocationID. Only the first
// decision counts.
func (a *ChannelApprover) Decide(invocationID string, d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.decisions[invocationID]; done {
		return
	}
	a.decisions[invocationID] = d
	if w, ok := a.waiters[invocationID]; ok {
		close(w.ch)
		delete(a.waiters, invocationID)
	}
}

// Forget drops a stored decision once it has been persisted.
func (a *ChannelApprover) Forget(invocationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.decisions, invocationID)
}
