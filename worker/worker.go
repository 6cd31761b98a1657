// Package worker implements the destination handlers that a worker set hands
// routables off to: sending them on to a remote DICOM SCU peer or writing
// them to local storage.
package worker

import (
	"context"

	"github.com/llob/dicom-loadbalancer/routable"
)

// Worker is the capability contract every destination handler satisfies.
// A worker owns a bounded ingress queue and runs its own goroutine; Process
// is the only thing a router or worker set ever calls on it.
type Worker interface {
	// ID returns the worker's configured identifier.
	ID() string
	// Process hands a routable to the worker. It must never block the
	// caller on I/O; queuing and eventual delivery happen on the worker's
	// own goroutine.
	Process(r routable.Routable)
	// Run executes the worker's main loop until ctx is cancelled.
	Run(ctx context.Context)
}
