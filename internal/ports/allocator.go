// Package ports leases host ports to lab containers.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/galadd/labwarden/internal/logging"
)

var (
	ErrPoolExhausted  = errors.New("no available ports")
	ErrPortOutOfRange = errors.New("port outside allocator range")
	ErrPortInUse      = errors.New("port already leased")
)

// Allocator hands out exclusive leases on ports in [low, high). The lowest free
// port always wins so allocation order is deterministic.
type Allocator struct {
	low, high int
	logger    *slog.Logger

	mu     sync.Mutex
	leased map[int]struct{}
}

func New(low, high int, logger *slog.Logger) (*Allocator, error) {
	if low <= 0 || high > 65536 || low >= high {
		return nil, fmt.Errorf("invalid port range [%d, %d)", low, high)
	}
	return &Allocator{
		low:    low,
		high:   high,
		logger: logging.Ensure(logger).With("component", "ports"),
		leased: make(map[int]struct{}),
	}, nil
}

func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.low; p < a.high; p++ {
		if _, taken := a.leased[p]; !taken {
			a.leased[p] = struct{}{}
			a.logger.Debug("port acquired", "port", p)
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w in [%d, %d)", ErrPoolExhausted, a.low, a.high)
}

// Claim leases a specific port, e.g. one already held by a running instance
// recorded before a restart.
func (a *Allocator) Claim(port int) error {
	if !a.InRange(port) {
		return fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.leased[port]; taken {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	a.leased[port] = struct{}{}
	return nil
}

// Release returns port to the pool. Unknown ports are ignored.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.leased[port]; !taken {
		a.logger.Debug("release of port that was not leased", "port", port)
		return
	}
	delete(a.leased, port)
	a.logger.Debug("port released", "port", port)
}

func (a *Allocator) InRange(port int) bool {
	return port >= a.low && port < a.high
}

// Leased returns the leased ports in ascending order.
func (a *Allocator) Leased() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.leased))
	for p := range a.leased {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.high - a.low - len(a.leased)
}
