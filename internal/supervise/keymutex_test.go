package supervise

import (
	"sync"
	"testing"
	"time"
)

func TestKeyMutexSerializesSameKey(t *testing.T) {
	km := NewKeyMutex()
	unlock := km.Lock("a")

	entered := make(chan struct{})
	go func() {
		u := km.Lock("a")
		close(entered)
		u()
	}()

	select {
	case <-entered:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestKeyMutexIndependentKeys(t *testing.T) {
	km := NewKeyMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		u := km.Lock("b")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}
}

func TestKeyMutexUnlockIdempotentAndNoLeak(t *testing.T) {
	km := NewKeyMutex()
	unlock := km.Lock("a")
	unlock()
	unlock()

	km.mu.Lock()
	n := len(km.locks)
	km.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected lock map drained, got %d entries", n)
	}

	// Contended use must also drain.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := km.Lock("hot")
			u()
		}()
	}
	wg.Wait()
	km.mu.Lock()
	n = len(km.locks)
	km.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected lock map drained after contention, got %d entries", n)
	}
}
