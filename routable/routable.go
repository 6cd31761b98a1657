// Package routable defines the envelope that carries a single DICOM
// instance through the load balancer's pipeline, from SCP ingress to
// whichever destination worker ultimately accepts it.
package routable

import "github.com/llob/dicom-loadbalancer/dicom"

// Routable is an immutable pairing of the ingress SCP that accepted an
// instance with its parsed dataset. It is created once inside the C-STORE
// handler and never mutated; routers and worker sets only ever read it.
type Routable struct {
	scpID   string
	dataset *dicom.DataSet
}

// New constructs a Routable for an instance accepted by the SCP identified
// by scpID.
func New(scpID string, dataset *dicom.DataSet) Routable {
	return Routable{scpID: scpID, dataset: dataset}
}

// SCPID returns the id of the SCP that accepted this instance.
func (r Routable) SCPID() string {
	return r.scpID
}

// Dataset returns the parsed DICOM dataset carried by this routable.
func (r Routable) Dataset() *dicom.DataSet {
	return r.dataset
}
