package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	if m.Len() != 0 {
		t.Fatalf("expected entry to be dropped after unlock, have %d", m.Len())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("counter")
			defer unlock()
			// Non-atomic increment: if mutual exclusion is broken, this will be visible.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock := m.Lock("blocked")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := m.LockContext(ctx, "blocked")
	if err == nil {
		got()
		t.Fatal("expected context error while key is held")
	}
	if got != nil {
		t.Fatal("expected nil unlock func on error")
	}
}

func TestKeyedMutex_UnrelatedKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()

	unlockA := m.Lock("txn-a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockB, err := m.LockContext(ctx, "txn-b")
	if err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewKeyedMutex()

	unlock := m.Lock("txn-1")
	unlock()
	unlock()

	again := m.Lock("txn-1")
	again()
}
