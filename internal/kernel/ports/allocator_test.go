package ports

import (
	"sync"
	"testing"

	"github.com/hivedev/hive/internal/common/errors"
)

func TestAllocateSequential(t *testing.T) {
	a := NewAllocator(42000, 42002)

	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p1 != 42000 {
		t.Errorf("expected 42000, got %d", p1)
	}

	p2, _ := a.Allocate()
	if p2 != 42001 {
		t.Errorf("expected 42001, got %d", p2)
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := NewAllocator(42000, 42001)

	_, _ = a.Allocate()
	_, _ = a.Allocate()
	_, err := a.Allocate()

	if err == nil {
		t.Fatal("expected error on exhausted range")
	}
	if !errors.IsCapacityExhausted(err) {
		t.Errorf("expected capacity-exhausted error, got %v", err)
	}
}

func TestReleaseMakesPortAvailable(t *testing.T) {
	a := NewAllocator(42000, 42000)

	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	a.Release(p)

	p2, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Release failed: %v", err)
	}
	if p2 != p {
		t.Errorf("expected released port %d, got %d", p, p2)
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	a := NewAllocator(42000, 42001)
	a.Release(42000)
	if a.Held() != 0 {
		t.Errorf("expected 0 held ports, got %d", a.Held())
	}
}

func TestConcurrentAllocateUnique(t *testing.T) {
	const n = 50
	a := NewAllocator(42000, 42000+n-1)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate()
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			mu.Lock()
			if seen[p] {
				t.Errorf("port %d allocated twice", p)
			}
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d unique ports, got %d", n, len(seen))
	}
}
