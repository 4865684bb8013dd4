package forward

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

var ErrPoolExhausted = errors.New("no available ports")

// PortPool hands out hub ports for forward listeners from a fixed range.
type PortPool struct {
	available  chan int
	allocated  map[int]string // port -> machine id
	mu         sync.RWMutex
	rangeStart int
	rangeEnd   int
}

func NewPortPool(start, end int) (*PortPool, error) {
	if start > end {
		return nil, fmt.Errorf("invalid port range: start (%d) must be <= end (%d)", start, end)
	}
	if start < 1 || end < 1 {
		return nil, fmt.Errorf("invalid port range: ports must be >= 1 (start: %d, end: %d)", start, end)
	}
	if end > 65535 {
		return nil, fmt.Errorf("invalid port range: end port (%d) must be <= 65535", end)
	}

	size := end - start + 1
	p := &PortPool{
		available:  make(chan int, size),
		allocated:  make(map[int]string),
		rangeStart: start,
		rangeEnd:   end,
	}
	for port := start; port <= end; port++ {
		p.available <- port
	}

	slog.Info("Forward port pool initialized", "range_start", start, "range_end", end, "pool_size", size)
	return p, nil
}

// Allocate takes a free port for mid without blocking.
func (p *PortPool) Allocate(mid string) (int, error) {
	select {
	case port := <-p.available:
		p.mu.Lock()
		p.allocated[port] = mid
		p.mu.Unlock()
		slog.Debug("Port allocated", "port", port, "machine_id", mid, "available_ports", len(p.available))
		return port, nil
	default:
		return 0, fmt.Errorf("%w in range %d-%d", ErrPoolExhausted, p.rangeStart, p.rangeEnd)
	}
}

// Release returns port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	mid, ok := p.allocated[port]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.allocated, port)
	p.mu.Unlock()

	p.available <- port
	slog.Debug("Port released", "port", port, "machine_id", mid, "available_ports", len(p.available))
}

// Allocations returns a snapshot of port -> machine id.
func (p *PortPool) Allocations() map[int]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.allocated)
}
