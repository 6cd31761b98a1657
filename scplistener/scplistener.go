// Package scplistener wraps a DIMSE SCP server, turning each accepted
// C-STORE into a Routable and round-robin dispatching it to a pool of
// routers.
package scplistener

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/dicom/uid"
	"github.com/llob/dicom-loadbalancer/dimse/dimse"
	"github.com/llob/dicom-loadbalancer/dimse/scp"
	"github.com/llob/dicom-loadbalancer/routable"
	"github.com/llob/dicom-loadbalancer/router"
)

// supportedContexts lists the abstract syntaxes this listener accepts,
// each offered over both Explicit and Implicit VR Little Endian.
var supportedContexts = map[string][]string{
	uid.VerificationSOPClass.String():   {uid.ExplicitVRLittleEndian.String(), uid.ImplicitVRLittleEndian.String()},
	uid.CTImageStorage.String():         {uid.ExplicitVRLittleEndian.String(), uid.ImplicitVRLittleEndian.String()},
	uid.MRImageStorage.String():         {uid.ExplicitVRLittleEndian.String(), uid.ImplicitVRLittleEndian.String()},
	uid.EnhancedCTImageStorage.String(): {uid.ExplicitVRLittleEndian.String(), uid.ImplicitVRLittleEndian.String()},
	uid.EnhancedMRImageStorage.String(): {uid.ExplicitVRLittleEndian.String(), uid.ImplicitVRLittleEndian.String()},
}

// Listener is a single SCPConfig's endpoint: one DIMSE server bound to one
// address, dispatching accepted instances across a fixed router pool.
type Listener struct {
	id           string
	server       *scp.Server
	routers      []*router.Router
	nextRouter   atomic.Uint64
	refuseOnDrop bool
	logger       *log.Logger
}

// Config configures a Listener.
type Config struct {
	ID           string
	AETitle      string
	ListenAddr   string
	Routers      []*router.Router
	RefuseOnDrop bool
	Logger       *log.Logger
}

// New builds a Listener bound to Config.ListenAddr. It does not start
// accepting connections until Listen is called.
func New(cfg Config) (*Listener, error) {
	if len(cfg.Routers) == 0 {
		return nil, fmt.Errorf("scp listener %s: at least one router is required", cfg.ID)
	}

	l := &Listener{
		id:           cfg.ID,
		routers:      cfg.Routers,
		refuseOnDrop: cfg.RefuseOnDrop,
		logger:       cfg.Logger,
	}

	server, err := scp.NewServer(scp.Config{
		AETitle:           cfg.AETitle,
		ListenAddr:        cfg.ListenAddr,
		SupportedContexts: supportedContexts,
		EchoHandler:       scp.NewDefaultEchoHandler(),
		StoreHandler:      scp.StoreHandlerFunc(l.handleStore),
	})
	if err != nil {
		return nil, fmt.Errorf("scp listener %s: %w", cfg.ID, err)
	}
	l.server = server

	return l, nil
}

// ID returns the listener's configured identifier.
func (l *Listener) ID() string { return l.id }

// Addr returns the listener's bound address. Valid only after Listen.
func (l *Listener) Addr() string {
	if l.server.Addr() == nil {
		return ""
	}
	return l.server.Addr().String()
}

// Listen starts accepting associations. A bind failure here is fatal to
// this listener but the caller decides whether it is fatal to the process.
func (l *Listener) Listen(ctx context.Context) error {
	l.logger.Info("starting scp listener", "listener", l.id, "addr", l.server.Addr())
	return l.server.Listen(ctx)
}

// Shutdown stops accepting new associations and waits for in-flight ones
// to finish.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *Listener) handleStore(ctx context.Context, req *scp.StoreRequest) *scp.StoreResponse {
	r := routable.New(l.id, req.DataSet)

	rt := l.nextRouterRoundRobin()
	if !rt.TryRoute(r) {
		l.logger.Warn("dropping routable, router queue full", "listener", l.id, "router", rt.ID())
		if l.refuseOnDrop {
			return &scp.StoreResponse{Status: dimse.StatusResourceLimitation}
		}
	}

	return &scp.StoreResponse{Status: dimse.StatusSuccess}
}

func (l *Listener) nextRouterRoundRobin() *router.Router {
	idx := l.nextRouter.Add(1) - 1
	return l.routers[idx%uint64(len(l.routers))]
}
