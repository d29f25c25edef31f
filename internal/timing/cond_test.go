package timing

import (
	"sync"
	"testing"
	"time"
)

func TestCondWaitTimesOut(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	mu.Lock()
	start := time.Now()
	woken := c.Wait(20 * time.Millisecond)
	elapsed := time.Since(start)
	mu.Unlock()

	if woken {
		t.Error("expected timeout, got wake")
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("returned early after %v", elapsed)
	}
}

func TestCondBroadcastWakesAll(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	const waiters = 5
	var ready sync.WaitGroup
	done := make(chan bool, waiters)

	for i := 0; i < waiters; i++ {
		ready.Add(1)
		go func() {
			mu.Lock()
			ready.Done()
			woken := c.Wait(-1)
			mu.Unlock()
			done <- woken
		}()
	}

	ready.Wait()
	// Every waiter has released the lock inside Wait once we can take it.
	mu.Lock()
	c.Broadcast()
	mu.Unlock()

	timeout := time.After(time.Second)
	for i := 0; i < waiters; i++ {
		select {
		case woken := <-done:
			if !woken {
				t.Error("waiter reported timeout on an untimed wait")
			}
		case <-timeout:
			t.Fatalf("only %d of %d waiters woke", i, waiters)
		}
	}
}

func TestCondWaitReacquiresLock(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	mu.Lock()
	c.Wait(time.Millisecond)
	if mu.TryLock() {
		t.Fatal("lock was not held after Wait returned")
	}
	mu.Unlock()
}
