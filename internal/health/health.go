// Package health probes central database endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/models"
)

// DefaultTimeout ограничение на одну проверку
const DefaultTimeout = 3 * time.Second

// ErrProbeTimeout возвращается, если проверка не уложилась в таймаут
var ErrProbeTimeout = errors.New("probe timed out")

// Pinger is the round trip used by a probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Observer receives probe outcomes, e.g. metrics.
type Observer interface {
	ObserveProbe(endpoint string, latency time.Duration, reachable bool)
}

// Checker probes one endpoint and remembers consecutive failures.
// Probing is purely observational.
type Checker struct {
	pinger   Pinger
	clock    clock.Clock
	observer Observer
	status   models.EndpointStatus
	timeout  time.Duration
	mu       sync.Mutex
}

// Option configures Checker
type Option func(*Checker)

// WithTimeout bounds each probe
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source
func WithClock(cl clock.Clock) Option {
	return func(c *Checker) {
		c.clock = cl
	}
}

// WithObserver reports every probe outcome
func WithObserver(o Observer) Option {
	return func(c *Checker) {
		c.observer = o
	}
}

// NewChecker creates a checker for an endpoint. replicaIndex is the replica
// priority starting at 1, or 0 for the primary.
func NewChecker(name string, role models.Role, replicaIndex int, pinger Pinger, opts ...Option) *Checker {
	c := &Checker{
		pinger:  pinger,
		clock:   clock.System(),
		timeout: DefaultTimeout,
		status: models.EndpointStatus{
			Name:         name,
			Role:         role,
			ReplicaIndex: replicaIndex,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe performs one time-bounded round trip and returns the updated status.
func (c *Checker) Probe(ctx context.Context) models.EndpointStatus {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	err := c.ping(probeCtx)
	latency := c.clock.Now().Sub(start)

	c.mu.Lock()
	c.status.LastProbeTime = start
	if err != nil {
		c.status.Reachable = false
		c.status.ConsecutiveFailures++
		c.status.LastError = err.Error()
		c.status.Latency = 0
	} else {
		c.status.Reachable = true
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
		c.status.Latency = latency
	}
	status := c.status
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObserveProbe(status.Name, latency, status.Reachable)
	}

	return status
}

// Status returns the result of the latest probe.
func (c *Checker) Status() models.EndpointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// ping выполняет Ping, не доверяя драйверу соблюдение дедлайна
func (c *Checker) ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.pinger.Ping(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrProbeTimeout, c.timeout)
	}
}
