// Package supervisor builds the full worker/worker-set/router/listener
// graph from a loaded configuration and drives its startup and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/config"
	"github.com/llob/dicom-loadbalancer/liveness"
	"github.com/llob/dicom-loadbalancer/router"
	"github.com/llob/dicom-loadbalancer/scplistener"
	"github.com/llob/dicom-loadbalancer/worker"
	"github.com/llob/dicom-loadbalancer/workerset"
)

const (
	defaultQueueSize   = 1024
	defaultGracePeriod = 10 * time.Second
)

// Supervisor owns every long-running component built from one
// configuration and coordinates their startup and graceful shutdown.
type Supervisor struct {
	workers   []worker.Worker
	routers   []*router.Router
	listeners []*scplistener.Listener

	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build constructs the full graph bottom-up: workers, then worker sets
// wired to workers by id, then routerCount routers sharing the same
// ordered worker-set list, then one listener per SCP sharing the same
// router pool. It fails fast on any unresolvable reference; config.Load
// having already run its own cross-referential validation means this
// should only fail on a resource-level problem (e.g. a since-deleted
// local-storage output directory).
func Build(cfg *config.Configuration, logger *log.Logger) (*Supervisor, error) {
	workers, workersByID, err := buildWorkers(cfg.Workers, logger)
	if err != nil {
		return nil, err
	}

	workerSets, err := buildWorkerSets(cfg.WorkerSets, workersByID, logger)
	if err != nil {
		return nil, err
	}

	routers := make([]*router.Router, cfg.Core.RouterCount)
	for i := 0; i < cfg.Core.RouterCount; i++ {
		routers[i] = router.New(fmt.Sprintf("router-%d", i), workerSets, defaultQueueSize, logger)
	}

	listeners := make([]*scplistener.Listener, 0, len(cfg.SCPs))
	for _, scpCfg := range cfg.SCPs {
		l, err := scplistener.New(scplistener.Config{
			ID:           scpCfg.ID,
			AETitle:      scpCfg.AETitle,
			ListenAddr:   fmt.Sprintf("%s:%d", scpCfg.Address, scpCfg.Port),
			Routers:      routers,
			RefuseOnDrop: scpCfg.RefuseOnDrop,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor: building listener %s: %w", scpCfg.ID, err)
		}
		listeners = append(listeners, l)
	}

	return &Supervisor{
		workers:   workers,
		routers:   routers,
		listeners: listeners,
		logger:    logger,
	}, nil
}

func buildWorkers(cfgs []config.Worker, logger *log.Logger) ([]worker.Worker, map[string]worker.Worker, error) {
	workers := make([]worker.Worker, 0, len(cfgs))
	byID := make(map[string]worker.Worker, len(cfgs))

	for _, wc := range cfgs {
		var w worker.Worker
		var err error

		switch wc.Type {
		case config.WorkerKindSCU:
			w = worker.NewSCUWorker(wc.ID, callingAETitle, wc.AETitle, fmt.Sprintf("%s:%d", wc.Address, wc.Port), defaultQueueSize, wc.MaxAssociationsPerMinute, logger)
		case config.WorkerKindLocalStorage:
			w, err = worker.NewLocalStorageWorker(wc.ID, wc.OutputDirPath, defaultQueueSize, logger)
		default:
			err = fmt.Errorf("unknown worker type %q", wc.Type)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("supervisor: building worker %s: %w", wc.ID, err)
		}

		workers = append(workers, w)
		byID[wc.ID] = w
	}

	return workers, byID, nil
}

func buildWorkerSets(cfgs []config.WorkerSet, workersByID map[string]worker.Worker, logger *log.Logger) ([]*workerset.WorkerSet, error) {
	sets := make([]*workerset.WorkerSet, 0, len(cfgs))

	for _, wsc := range cfgs {
		members := make([]worker.Worker, 0, len(wsc.WorkerIDs))
		for _, id := range wsc.WorkerIDs {
			w, ok := workersByID[id]
			if !ok {
				return nil, fmt.Errorf("supervisor: worker set %s references unknown worker %s", wsc.ID, id)
			}
			members = append(members, w)
		}

		requirements := make([]workerset.HeaderRequirement, 0, len(wsc.HeaderRequirements))
		for _, hr := range wsc.HeaderRequirements {
			t, err := hr.ResolvedTag()
			if err != nil {
				return nil, fmt.Errorf("supervisor: worker set %s: %w", wsc.ID, err)
			}
			requirements = append(requirements, workerset.HeaderRequirement{
				Tag:         t,
				Requirement: workerset.Requirement(hr.Requirement),
				Regexp:      hr.Regexp,
			})
		}

		ws, err := workerset.New(wsc.ID, members, wsc.AcceptedSCPIDs, requirements, wsc.HashMethod, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		sets = append(sets, ws)
	}

	return sets, nil
}

// callingAETitle is used by every SCU worker this supervisor builds when
// opening an outbound association. It could be made per-worker
// configurable; the reference implementation used a single fixed title.
const callingAETitle = "DICOM_LB"

// Run starts every worker, router, and listener goroutine, then blocks
// until ctx is cancelled, at which point it calls Shutdown: listeners stop
// accepting first, then one shared context cancellation stops routers,
// workers, and their liveness checkers together. A router finishes the
// routable it is dispatching; routables still queued in routers or workers,
// and an SCU worker's unsent buffer, are not delivered.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}

	for _, rt := range s.routers {
		rt := rt
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rt.Run(runCtx)
		}()
	}

	for _, l := range s.listeners {
		if err := l.Listen(runCtx); err != nil {
			s.Shutdown(context.Background())
			return fmt.Errorf("supervisor: listener %s: %w", l.ID(), err)
		}
	}

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown stops every listener, cancels the context shared by routers and
// workers, and waits up to defaultGracePeriod for their goroutines to exit.
// Workers exit without draining their queues or send buffers.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, l := range s.listeners {
		if err := l.Shutdown(ctx); err != nil {
			s.logger.Warn("error shutting down listener", "listener", l.ID(), "err", err)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultGracePeriod):
		s.logger.Warn("grace period elapsed before all workers drained")
	}

	return nil
}

// ListenerAddrs returns each listener's bound address keyed by its
// configured id. An address is empty until the listener has started
// accepting connections.
func (s *Supervisor) ListenerAddrs() map[string]string {
	addrs := make(map[string]string, len(s.listeners))
	for _, l := range s.listeners {
		addrs[l.ID()] = l.Addr()
	}
	return addrs
}

// LivenessStatuses returns the current liveness status of every SCU
// worker, keyed by worker id, for the health surface.
func (s *Supervisor) LivenessStatuses() map[string]liveness.Status {
	statuses := make(map[string]liveness.Status)
	for _, w := range s.workers {
		if scu, ok := w.(interface{ LivenessStatus() liveness.Status }); ok {
			statuses[w.ID()] = scu.LivenessStatus()
		}
	}
	return statuses
}
