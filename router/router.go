// Package router implements the queueing stage between an ingress SCP and
// the worker sets it may hand instances off to.
package router

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/routable"
	"github.com/llob/dicom-loadbalancer/workerset"
)

// Router owns a single bounded FIFO queue and, on its own goroutine, offers
// each routable to its configured worker sets in order, handing it to the
// first one that accepts.
type Router struct {
	id         string
	workerSets []*workerset.WorkerSet
	queue      chan routable.Routable
	logger     *log.Logger
}

// New creates a Router that tries workerSets in the given order for every
// routable it receives.
func New(id string, workerSets []*workerset.WorkerSet, queueSize int, logger *log.Logger) *Router {
	return &Router{
		id:         id,
		workerSets: workerSets,
		queue:      make(chan routable.Routable, queueSize),
		logger:     logger,
	}
}

// ID returns the router's configured identifier.
func (rt *Router) ID() string { return rt.id }

// Route hands r to the router's queue. It does not block on downstream
// I/O; any work beyond enqueuing happens on the router's own goroutine.
func (rt *Router) Route(r routable.Routable) {
	rt.queue <- r
}

// TryRoute offers r to the router's queue without blocking, reporting
// false if the queue is currently full. Callers that must never block the
// upstream caller (the SCP handler) use this instead of Route.
func (rt *Router) TryRoute(r routable.Routable) bool {
	select {
	case rt.queue <- r:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is cancelled, offering each routable to
// its worker sets in configured order and dropping it with a warning if
// none accept.
func (rt *Router) Run(ctx context.Context) {
	rt.logger.Info("starting router", "router", rt.id)

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-rt.queue:
			rt.dispatch(r)
		}
	}
}

func (rt *Router) dispatch(r routable.Routable) {
	for _, ws := range rt.workerSets {
		if ws.CanAccept(r) {
			ws.Consume(r)
			return
		}
	}
	rt.logger.Warn("no worker set accepted routable, dropping", "router", rt.id, "scp", r.SCPID())
}
