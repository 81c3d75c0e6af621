package registry

import (
	"fmt"
	"net"
	"sync"
)

// DefaultProbeLimit bounds how many ports Allocate tries before giving up
const DefaultProbeLimit = 100

// PortAllocator hands out host ports above a high-water mark. The mark only
// moves forward, so a port is never offered twice during a process lifetime.
type PortAllocator struct {
	mu    sync.Mutex
	base  int
	next  int
	limit int
	probe func(port int) bool
}

// NewPortAllocator creates an allocator starting at base. A nil probe checks
// the port by binding to it.
func NewPortAllocator(base, limit int, probe func(port int) bool) *PortAllocator {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}
	if probe == nil {
		probe = IsPortAvailable
	}
	return &PortAllocator{
		base:  base,
		next:  base,
		limit: limit,
		probe: probe,
	}
}

// Restore resets the high-water mark from the highest port in use, or to the
// base port when nothing is allocated
func (a *PortAllocator) Restore(highest int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if highest <= 0 {
		a.next = a.base
		return
	}
	a.next = highest + 1
}

// Next returns the next port that will be probed
func (a *PortAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Allocate returns the first available port at or above the high-water mark,
// skipping ports the taken func reports as owned
func (a *PortAllocator) Allocate(taken func(port int) bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for offset := 0; offset < a.limit; offset++ {
		port := a.next + offset
		if port > 65535 {
			break
		}
		if taken != nil && taken(port) {
			continue
		}
		if a.probe(port) {
			a.next = port + 1
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: no available ports in range %d-%d", ErrPortExhausted, a.next, a.next+a.limit-1)
}

// IsPortAvailable checks if a port is available by attempting to listen on it
func IsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
