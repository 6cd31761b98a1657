package scp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/llob/dicom-loadbalancer/dicom"
	"github.com/llob/dicom-loadbalancer/dimse/dimse"
	"github.com/llob/dicom-loadbalancer/dimse/dul"
	"github.com/llob/dicom-loadbalancer/dimse/pdu"
)

// Server represents a DIMSE SCP server. It accepts C-ECHO and C-STORE
// associations only; the load balancer has no use for query/retrieve.
type Server struct {
	config       Config
	listener     net.Listener
	associations map[*dul.Association]*associationHandler
	mu           sync.RWMutex
	activeConns  int32
	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Config holds SCP server configuration
type Config struct {
	AETitle           string
	ListenAddr        string
	MaxPDULength      uint32
	MaxAssociations   int
	SupportedContexts map[string][]string // abstract syntax -> transfer syntaxes

	// Service handlers
	EchoHandler  EchoHandler
	StoreHandler StoreHandler
}

// Service handler interfaces

// EchoHandler handles C-ECHO requests
type EchoHandler interface {
	HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse
}

// EchoRequest represents a C-ECHO request
type EchoRequest struct {
	CallingAE string
	CalledAE  string
}

// EchoResponse represents a C-ECHO response
type EchoResponse struct {
	Status uint16
}

// StoreHandler handles C-STORE requests
type StoreHandler interface {
	HandleStore(ctx context.Context, req *StoreRequest) *StoreResponse
}

// StoreRequest represents a C-STORE request
type StoreRequest struct {
	CallingAE      string
	CalledAE       string
	SOPClassUID    string
	SOPInstanceUID string
	DataSet        *dicom.DataSet
}

// StoreResponse represents a C-STORE response
type StoreResponse struct {
	Status uint16
}

// NewServer creates a new SCP server
func NewServer(config Config) (*Server, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if config.MaxAssociations == 0 {
		config.MaxAssociations = 10
	}

	return &Server{
		config:       config,
		associations: make(map[*dul.Association]*associationHandler),
		shutdownCh:   make(chan struct{}),
	}, nil
}

// Listen starts the server listening for connections
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	go s.acceptLoop(ctx)

	return nil
}

// Addr returns the address the server is listening on. It is only
// valid after Listen has returned successfully.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				continue
			}
		}

		// Check max associations
		if atomic.LoadInt32(&s.activeConns) >= int32(s.config.MaxAssociations) {
			//nolint:errcheck // Connection rejection, error not critical
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single connection
func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()
	//nolint:errcheck // Connection close in defer
	defer func() { _ = netConn.Close() }()

	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	// Create DUL connection
	conn := dul.NewConnection(netConn)
	conn.SetMaxPDULength(s.config.MaxPDULength)

	// Trigger transport connection indication event (AE-2)
	// This transitions state machine from Sta1 (Idle) to Sta2 (Transport Open)
	if err := conn.TriggerTransportIndication(ctx); err != nil {
		return
	}

	// Wait for A-ASSOCIATE-RQ
	pduMsg, err := conn.ReadPDU(ctx)
	if err != nil {
		return
	}

	assocRQ, ok := pduMsg.(*pdu.AssociateRQ)
	if !ok {
		return
	}

	// Create association
	callingAE := pdu.TrimAETitle(assocRQ.CallingAETitle)
	assoc := dul.NewAssociation(conn, s.config.AETitle, callingAE)

	// Accept association
	if err := assoc.AcceptAssociation(ctx, assocRQ, s.config.SupportedContexts); err != nil {
		return
	}

	// Create association handler
	handler := &associationHandler{
		server:      s,
		assoc:       assoc,
		conn:        conn,
		reassembler: dimse.NewMessageReassembler(),
	}

	s.mu.Lock()
	s.associations[assoc] = handler
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.associations, assoc)
		s.mu.Unlock()
	}()

	// Handle messages
	handler.handleMessages(ctx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		if s.listener != nil {
			//nolint:errcheck // Listener close during shutdown, error not critical
			_ = s.listener.Close()
		}

		// Wait for active connections with timeout
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})

	return err
}

// associationHandler handles messages for a single association
type associationHandler struct {
	server      *Server
	assoc       *dul.Association
	conn        *dul.Connection
	reassembler *dimse.MessageReassembler
}

// handleMessages handles incoming DIMSE messages
func (h *associationHandler) handleMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read PDU
		pduMsg, err := h.conn.ReadPDU(ctx)
		if err != nil {
			return
		}

		// Handle different PDU types
		switch p := pduMsg.(type) {
		case *pdu.DataTF:
			if err := h.handleDataPDU(ctx, p); err != nil {
				return
			}

		case *pdu.ReleaseRQ:
			//nolint:errcheck // State machine event during release
			// Trigger A-RELEASE indication (AE-12)
			_, _ = h.conn.StateMachine().ProcessEvent(dul.AE12)

			//nolint:errcheck // State machine event during release
			// Send A-RELEASE-RP (trigger AE-14)
			_, _ = h.conn.StateMachine().ProcessEvent(dul.AE14)
			//nolint:errcheck // PDU send during release
			_ = h.conn.SendPDU(ctx, &pdu.ReleaseRP{})
			return

		case *pdu.Abort:
			// Association aborted
			return
		}
	}
}

// handleDataPDU handles P-DATA-TF PDUs
func (h *associationHandler) handleDataPDU(ctx context.Context, dataPDU *pdu.DataTF) error {
	// Reassemble message
	msg, err := h.reassembler.AddPDU(dataPDU)
	if err != nil {
		return err
	}

	// Message not yet complete
	if msg == nil {
		return nil
	}

	// Dispatch based on command field
	switch msg.CommandSet.CommandField {
	case dimse.CommandCEchoRQ:
		return h.handleCEcho(ctx, msg)
	case dimse.CommandCStoreRQ:
		return h.handleCStore(ctx, msg)
	default:
		return fmt.Errorf("unsupported command: 0x%04X", msg.CommandSet.CommandField)
	}
}

// handleCEcho handles C-ECHO-RQ
func (h *associationHandler) handleCEcho(ctx context.Context, msg *dimse.Message) error {
	// Call handler if configured
	status := dimse.StatusSuccess
	if h.server.config.EchoHandler != nil {
		req := &EchoRequest{
			CallingAE: h.assoc.CallingAETitle(),
			CalledAE:  h.assoc.CalledAETitle(),
		}
		resp := h.server.config.EchoHandler.HandleEcho(ctx, req)
		status = resp.Status
	}

	// Create response
	rsp := &dimse.CommandSet{
		CommandField:              dimse.CommandCEchoRSP,
		MessageIDBeingRespondedTo: msg.CommandSet.MessageID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    status,
		AffectedSOPClassUID:       msg.CommandSet.AffectedSOPClassUID,
	}

	return h.sendResponse(ctx, rsp, nil, msg.PresentationContextID)
}

// handleCStore handles C-STORE-RQ
func (h *associationHandler) handleCStore(ctx context.Context, msg *dimse.Message) error {
	// Call handler if configured
	status := dimse.StatusSuccess
	if h.server.config.StoreHandler != nil {
		req := &StoreRequest{
			CallingAE:      h.assoc.CallingAETitle(),
			CalledAE:       h.assoc.CalledAETitle(),
			SOPClassUID:    msg.CommandSet.AffectedSOPClassUID,
			SOPInstanceUID: msg.CommandSet.AffectedSOPInstanceUID,
			DataSet:        msg.DataSet,
		}
		resp := h.server.config.StoreHandler.HandleStore(ctx, req)
		status = resp.Status
	}

	// Create response
	rsp := &dimse.CommandSet{
		CommandField:              dimse.CommandCStoreRSP,
		MessageIDBeingRespondedTo: msg.CommandSet.MessageID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    status,
		AffectedSOPClassUID:       msg.CommandSet.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.CommandSet.AffectedSOPInstanceUID,
	}

	return h.sendResponse(ctx, rsp, nil, msg.PresentationContextID)
}

// sendResponse sends a DIMSE response message
func (h *associationHandler) sendResponse(ctx context.Context, cmd *dimse.CommandSet, ds *dicom.DataSet, pcID uint8) error {
	msg := &dimse.Message{
		CommandSet:            cmd,
		DataSet:               ds,
		PresentationContextID: pcID,
	}

	pdus, err := msg.Encode(h.conn.GetMaxPDULength())
	if err != nil {
		return err
	}

	for _, pdu := range pdus {
		if err := h.assoc.SendData(ctx, pdu); err != nil {
			return err
		}
	}

	return nil
}
