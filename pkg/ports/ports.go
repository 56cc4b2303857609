// Package ports hands out local TCP ports from a configured range. A port
// is verified free with a bind test at reservation time, guarding against
// other processes on the host racing for the same range.
package ports

import (
	"fmt"
	"net"
	"sync"
)

// Registry allocates ports from [Min, Max].
type Registry struct {
	min, max int

	mu       sync.Mutex
	reserved map[int]struct{}
	next     int
}

// NewRegistry creates a registry over the inclusive port range.
func NewRegistry(min, max int) (*Registry, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Registry{
		min:      min,
		max:      max,
		reserved: make(map[int]struct{}),
		next:     min,
	}, nil
}

// Reserve returns a free port from the range. The bind test happens
// immediately before the reservation is recorded, so a port handed out here
// was bindable at that instant; the caller is expected to occupy it
// promptly.
func (r *Registry) Reserve() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.max - r.min + 1
	for i := 0; i < size; i++ {
		port := r.next
		r.next++
		if r.next > r.max {
			r.next = r.min
		}

		if _, taken := r.reserved[port]; taken {
			continue
		}
		if !bindable(port) {
			continue
		}
		r.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", r.min, r.max)
}

// Release returns a port to the pool.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, port)
}

// InRange reports whether port falls inside the registry's range.
func (r *Registry) InRange(port int) bool {
	return port >= r.min && port <= r.max
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
