package tools

import (
	"context"
	"sort"
	"sync"
)

// Ledger persists invocation records by idempotency key.
type Ledger interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	ByInvocationID(ctx context.Context, invocationID string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Pending(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu    sync.RWMutex
	byKey map[string]Record
	byInv map[string]string
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byKey: make(map[string]Record), byInv: make(map[string]string)}
}

func (l *MemoryLedger) Get(_ context.Context, key string) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byKey[key]
	return r, ok, nil
}

func (l *MemoryLedger) ByInvocationID(_ context.Context, id string) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.byInv[id]
	if !ok {
		return Record{}, false, nil
	}
	r, ok := l.byKey[key]
	return r, ok, nil
}

func (l *MemoryLedger) Put(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[rec.Key] = rec
	l.byInv[rec.Invocation.InvocationID] = rec.Key
	return nil
}

// Pending returns pending records, oldest first.
func (l *MemoryLedger) Pending(_ context.Context) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.byKey {
		if r.ApprovalState == ApprovalPending && !r.Done() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

// keyLocks hands out one mutex per key and frees it when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock blocks until key is held and returns the release func.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
