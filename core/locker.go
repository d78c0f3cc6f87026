package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultSyncLockTTL = 5 * time.Minute

// MemoryAccountLocker is the in-process per-account lock used alongside the
// store-level compare-and-set. Single-process deployments can rely on it
// alone; multi-process deployments still serialize through BeginSync.
type MemoryAccountLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	nowFn func() time.Time
}

func NewMemoryAccountLocker() *MemoryAccountLocker {
	return &MemoryAccountLocker{
		locks: make(map[string]time.Time),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryAccountLocker) Acquire(_ context.Context, accountID string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: account locker is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("core: account id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = DefaultSyncLockTTL
	}

	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.locks[accountID]; ok && now.Before(until) {
		return nil, fmt.Errorf("core: sync lock already held for account %q", accountID)
	}
	l.locks[accountID] = now.Add(ttl)
	return &memoryLockHandle{locker: l, accountID: accountID}, nil
}

type memoryLockHandle struct {
	locker    *MemoryAccountLocker
	accountID string
	once      sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.locks, h.accountID)
		h.locker.mu.Unlock()
	})
	return nil
}

// WaitWithContext sleeps for delay unless the context is cancelled first.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ AccountLocker = (*MemoryAccountLocker)(nil)
