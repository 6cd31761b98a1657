package liveness

import (
	"context"

	"github.com/llob/dicom-loadbalancer/dicom/uid"
	"github.com/llob/dicom-loadbalancer/dimse/dul"
	"github.com/llob/dicom-loadbalancer/dimse/scu"
)

// DicomEchoStrategy checks liveness by opening a DICOM association against
// a destination's Verification SOP Class and issuing a C-ECHO. The
// reference implementation this was ported from left this strategy as an
// unimplemented stub; this is the real implementation.
type DicomEchoStrategy struct {
	callingAETitle string
	calledAETitle  string
	remoteAddr     string
}

// NewDicomEchoStrategy builds a Strategy that echoes the given destination.
func NewDicomEchoStrategy(callingAETitle, calledAETitle, remoteAddr string) *DicomEchoStrategy {
	return &DicomEchoStrategy{
		callingAETitle: callingAETitle,
		calledAETitle:  calledAETitle,
		remoteAddr:     remoteAddr,
	}
}

// Check implements Strategy. It opens a fresh association, performs one
// C-ECHO, and releases the association regardless of outcome.
func (s *DicomEchoStrategy) Check(ctx context.Context) Status {
	client := scu.NewClient(scu.Config{
		CallingAETitle: s.callingAETitle,
		CalledAETitle:  s.calledAETitle,
		RemoteAddr:     s.remoteAddr,
		PresentationContexts: []dul.PresentationContextRQ{
			{
				ID:               1,
				AbstractSyntax:   uid.VerificationSOPClass.String(),
				TransferSyntaxes: []string{uid.ImplicitVRLittleEndian.String()},
			},
		},
	})

	if err := client.Connect(ctx); err != nil {
		return HardFail
	}
	defer func() { _ = client.Close(context.Background()) }()

	if err := client.Echo(ctx); err != nil {
		return HardFail
	}

	return Live
}
