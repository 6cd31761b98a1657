// Package liveness implements the background poller that tracks whether a
// destination worker's DICOM peer is currently reachable.
package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Status is one of four labels describing a destination's last known
// reachability. It always starts UNKNOWN and is owned by a single
// Checker; any other component only ever reads it.
type Status int

const (
	// Unknown is the initial status, before the first check has run.
	Unknown Status = iota
	// Live means the last check succeeded.
	Live
	// SoftFail is reserved for a transient failure a strategy may choose
	// to report; the DICOM echo strategy never returns it.
	SoftFail
	// HardFail means the last check failed outright.
	HardFail
)

func (s Status) String() string {
	switch s {
	case Live:
		return "LIVE"
	case SoftFail:
		return "SOFT_FAIL"
	case HardFail:
		return "HARD_FAIL"
	default:
		return "UNKNOWN"
	}
}

// Strategy performs a single liveness probe against a destination and
// reports the resulting status. Implementations should treat ctx
// cancellation as a hard failure.
type Strategy interface {
	Check(ctx context.Context) Status
}

// StrategyFunc adapts a function to Strategy, mirroring the
// EchoHandlerFunc adapter style used by the SCP package.
type StrategyFunc func(ctx context.Context) Status

// Check implements Strategy.
func (f StrategyFunc) Check(ctx context.Context) Status {
	return f(ctx)
}

// Checker runs a Strategy on a fixed interval for the lifetime of a single
// SCU worker, publishing the result to an atomic cell that can be read
// concurrently without locking.
type Checker struct {
	id            string
	strategy      Strategy
	checkInterval time.Duration
	status        atomic.Value // Status
	stopCh        chan struct{}
	logger        *log.Logger
}

// New creates a Checker for the given worker id. The checker does not
// start running until Run is called in its own goroutine.
func New(id string, strategy Strategy, checkInterval time.Duration, logger *log.Logger) *Checker {
	c := &Checker{
		id:            id,
		strategy:      strategy,
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
	c.status.Store(Unknown)
	return c
}

// Status returns the most recently observed liveness status. Safe to call
// from any goroutine.
func (c *Checker) Status() Status {
	return c.status.Load().(Status)
}

// Run executes the check loop until ctx is cancelled or Stop is called.
// It is intended to be launched with `go checker.Run(ctx)` by the
// supervisor, one goroutine per SCU worker.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Info("starting liveness checker", "worker", c.id, "interval", c.checkInterval)

	for {
		result := c.strategy.Check(ctx)
		previous := c.Status()
		if result != previous {
			c.logger.Info("liveness status changed", "worker", c.id, "from", previous, "to", result)
		}
		c.status.Store(result)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(c.checkInterval):
		}
	}
}

// Stop signals Run to exit. A sleep in progress is cut short; a check in
// progress finishes first. Idempotent.
func (c *Checker) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
