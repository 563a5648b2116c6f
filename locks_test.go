package manta

import (
	"sync"
	"testing"
)

func TestLockTableSerializes(t *testing.T) {
	table := NewLockTable()
	var held bool
	var mu sync.Mutex

	release := table.Acquire("conv")
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := table.Acquire("conv")
		mu.Lock()
		if held {
			t.Error("lock acquired while still held")
		}
		mu.Unlock()
		r()
	}()

	mu.Lock()
	held = true
	mu.Unlock()
	mu.Lock()
	held = false
	mu.Unlock()
	release()
	<-done
}

func TestLockTableEviction(t *testing.T) {
	table := NewLockTable()
	r1 := table.Acquire("a")
	r2 := table.Acquire("b")
	if table.Len() != 2 {
		t.Fatalf("len = %d, want 2", table.Len())
	}
	r1()
	if table.Len() != 1 {
		t.Fatalf("len = %d after release, want 1", table.Len())
	}
	r2()
	if table.Len() != 0 {
		t.Fatalf("len = %d after all released, want 0", table.Len())
	}
}

func TestLockTableTryAcquire(t *testing.T) {
	table := NewLockTable()
	release := table.Acquire("conv")

	if r, ok := table.TryAcquire("conv"); ok {
		r()
		t.Fatal("TryAcquire succeeded on a held lock")
	}
	// A failed try must not leak a table entry past the holder.
	release()
	if table.Len() != 0 {
		t.Fatalf("len = %d after release, want 0", table.Len())
	}

	r, ok := table.TryAcquire("conv")
	if !ok {
		t.Fatal("TryAcquire failed on a free lock")
	}
	r()
	if table.Len() != 0 {
		t.Fatalf("len = %d, want 0", table.Len())
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	table := NewLockTable()
	release := table.Acquire("conv")
	release()
	release() // second call must be a no-op, not an unlock of a free mutex
	if table.Len() != 0 {
		t.Fatalf("len = %d, want 0", table.Len())
	}
}
