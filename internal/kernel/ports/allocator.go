// Package ports hands out unique local TCP ports from a fixed range.
package ports

import (
	"sync"

	"github.com/hivedev/hive/internal/common/errors"
)

// Allocator tracks held ports within [min, max]. State is in-memory only and
// resets with the process.
type Allocator struct {
	mu   sync.Mutex
	min  int
	max  int
	held map[int]bool
}

// NewAllocator creates an allocator for the inclusive range [min, max].
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:  min,
		max:  max,
		held: make(map[int]bool),
	}
}

// Allocate returns the first free port in the range and marks it held.
// The scan is O(range); the range is small enough for that to be fine.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if !a.held[port] {
			a.held[port] = true
			return port, nil
		}
	}
	return 0, errors.CapacityExhausted("port-range")
}

// Release clears the hold on a port. Releasing an unheld port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Held returns the number of currently held ports.
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
