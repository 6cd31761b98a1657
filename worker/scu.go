package worker

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/llob/dicom-loadbalancer/dicom/tag"
	"github.com/llob/dicom-loadbalancer/dicom/uid"
	"github.com/llob/dicom-loadbalancer/dimse/dul"
	"github.com/llob/dicom-loadbalancer/dimse/scu"
	"github.com/llob/dicom-loadbalancer/liveness"
	"github.com/llob/dicom-loadbalancer/routable"
	"golang.org/x/time/rate"
)

const (
	sendCooldown  = 3 * time.Second
	queueWaitTime = 5 * time.Second

	livenessCheckInterval = 10 * time.Second
)

// scuPresentationContexts are the presentation contexts requested on every
// association a SCU worker opens, covering the storage SOP classes this
// load balancer accepts from ingress SCPs.
var scuPresentationContexts = []dul.PresentationContextRQ{
	{ID: 1, AbstractSyntax: uid.CTImageStorage.String(), TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String(), uid.ExplicitVRLittleEndian.String()}},
	{ID: 3, AbstractSyntax: uid.MRImageStorage.String(), TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String(), uid.ExplicitVRLittleEndian.String()}},
	{ID: 5, AbstractSyntax: uid.EnhancedCTImageStorage.String(), TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String(), uid.ExplicitVRLittleEndian.String()}},
	{ID: 7, AbstractSyntax: uid.EnhancedMRImageStorage.String(), TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String(), uid.ExplicitVRLittleEndian.String()}},
}

// SCUWorker forwards accepted instances to a remote DICOM storage peer. It
// buffers routables it has received but not yet delivered, retrying the
// oldest one first on a send failure: a routable is only ever removed from
// the front of the buffer, and a failed send is pushed back onto the
// front, never appended to the tail. This differs from the reference
// implementation, whose buffer was actually a stack: the most recently
// received instance, not the oldest, was retried first, and a failure
// re-added it behind everything already waiting. That silently reorders
// deliveries under any sustained failure and is not reproduced here.
type SCUWorker struct {
	id             string
	callingAETitle string
	calledAETitle  string
	remoteAddr     string

	mu           sync.Mutex
	buffer       []routable.Routable
	lastSendTime time.Time

	checker *liveness.Checker
	limiter *rate.Limiter
	queue   chan routable.Routable
	logger  *log.Logger
}

// NewSCUWorker creates an SCUWorker that forwards to remoteAddr, identifying
// itself with callingAETitle and expecting calledAETitle on the peer. A
// maxAssociationsPerMinute of 0 or less means no rate limiting.
func NewSCUWorker(id, callingAETitle, calledAETitle, remoteAddr string, queueSize, maxAssociationsPerMinute int, logger *log.Logger) *SCUWorker {
	strategy := liveness.NewDicomEchoStrategy(callingAETitle, calledAETitle, remoteAddr)

	w := &SCUWorker{
		id:             id,
		callingAETitle: callingAETitle,
		calledAETitle:  calledAETitle,
		remoteAddr:     remoteAddr,
		checker:        liveness.New(id, strategy, livenessCheckInterval, logger),
		queue:          make(chan routable.Routable, queueSize),
		logger:         logger,
	}

	if maxAssociationsPerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(float64(maxAssociationsPerMinute)/60.0), 1)
	}

	return w
}

// ID implements Worker.
func (w *SCUWorker) ID() string { return w.id }

// Process implements Worker. Enqueue is non-blocking; a full queue drops
// the routable and logs a warning rather than stalling the caller.
func (w *SCUWorker) Process(r routable.Routable) {
	select {
	case w.queue <- r:
	default:
		w.logger.Warn("dropping routable, worker queue full", "worker", w.id)
	}
}

// LivenessStatus returns the worker's current liveness status, for use by
// a health surface.
func (w *SCUWorker) LivenessStatus() liveness.Status {
	return w.checker.Status()
}

// Run implements Worker. It starts the liveness checker, then loops
// receiving routables off the queue (waiting up to queueWaitTime before
// checking the buffer regardless) and attempting a send-batch on every
// iteration, whether or not the queue produced anything new.
func (w *SCUWorker) Run(ctx context.Context) {
	w.logger.Info("starting SCU worker", "worker", w.id, "remote", w.remoteAddr)

	go w.checker.Run(ctx)
	defer w.checker.Stop()

	timer := time.NewTimer(queueWaitTime)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.queue:
			w.mu.Lock()
			w.buffer = append(w.buffer, r)
			w.mu.Unlock()
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(queueWaitTime)

		w.sendBuffer(ctx)
	}
}

// sendBuffer attempts to deliver every buffered routable over a single
// association, front of the buffer first. It is a no-op if the buffer is
// empty or the cooldown since the last completed attempt has not elapsed.
func (w *SCUWorker) sendBuffer(ctx context.Context) {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	if !w.lastSendTime.IsZero() && time.Since(w.lastSendTime) < sendCooldown {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if w.limiter != nil && !w.limiter.Allow() {
		w.logger.Debug("deferring send-batch, rate limit reached", "worker", w.id)
		return
	}

	correlationID := uuid.New().String()

	client := scu.NewClient(scu.Config{
		CallingAETitle:       w.callingAETitle,
		CalledAETitle:        w.calledAETitle,
		RemoteAddr:           w.remoteAddr,
		PresentationContexts: scuPresentationContexts,
	})

	if err := client.Connect(ctx); err != nil {
		w.logger.Warn("failed to establish association with peer", "worker", w.id, "remote", w.remoteAddr, "correlationId", correlationID, "err", err)
		w.mu.Lock()
		w.lastSendTime = time.Now()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.logger.Debug("established association with peer", "worker", w.id, "remote", w.remoteAddr, "correlationId", correlationID)
	for len(w.buffer) > 0 {
		r := w.buffer[0]

		elem, err := r.Dataset().Get(tag.SOPClassUID)
		if err != nil {
			w.logger.Warn("dropping buffered instance missing SOP class UID", "worker", w.id)
			w.buffer = w.buffer[1:]
			continue
		}
		sopClassUID := elem.Value().String()

		instElem, err := r.Dataset().Get(tag.SOPInstanceUID)
		if err != nil {
			w.logger.Warn("dropping buffered instance missing SOP instance UID", "worker", w.id)
			w.buffer = w.buffer[1:]
			continue
		}
		sopInstanceUID := instElem.Value().String()

		w.mu.Unlock()
		err = client.Store(ctx, r.Dataset(), sopClassUID, sopInstanceUID)
		w.mu.Lock()

		if err != nil {
			w.logger.Warn("failed to send to peer", "worker", w.id, "remote", w.remoteAddr, "err", err)
			w.lastSendTime = time.Now()
			w.mu.Unlock()
			//nolint:errcheck // best-effort close on an already-failing association
			client.Close(ctx)
			return
		}

		w.buffer = w.buffer[1:]
	}
	w.lastSendTime = time.Now()
	w.mu.Unlock()

	//nolint:errcheck // release is best-effort once the buffer has drained
	client.Close(ctx)
}
