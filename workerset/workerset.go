// Package workerset implements the admission filter and affinity dispatcher
// that sits between a router and a group of destination workers.
package workerset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/dicom/tag"
	"github.com/llob/dicom-loadbalancer/dicom/value"
	"github.com/llob/dicom-loadbalancer/hashfn"
	"github.com/llob/dicom-loadbalancer/routable"
	"github.com/llob/dicom-loadbalancer/worker"
)

// Requirement names a header requirement kind.
type Requirement string

const (
	Present     Requirement = "present"
	Absent      Requirement = "absent"
	RegexpMatch Requirement = "regexp-match"
)

// HeaderRequirement constrains admission on the presence, absence, or
// value of a single DICOM element.
type HeaderRequirement struct {
	Tag         tag.Tag
	Requirement Requirement
	Regexp      string
}

// WorkerSet is a stateless admission filter paired with a deterministic,
// patient-affinity dispatcher across a fixed set of member workers.
type WorkerSet struct {
	id                 string
	workers            []worker.Worker
	acceptedSCPIDs     map[string]struct{}
	headerRequirements []HeaderRequirement
	hashFn             hashfn.Func
	logger             *log.Logger
}

// New constructs a WorkerSet. hashMethod is resolved against the hashfn
// registry; an unknown name is a configuration error.
func New(id string, workers []worker.Worker, acceptedSCPIDs []string, headerRequirements []HeaderRequirement, hashMethod string, logger *log.Logger) (*WorkerSet, error) {
	hashFn, err := hashfn.Lookup(hashMethod)
	if err != nil {
		return nil, fmt.Errorf("worker set %s: %w", id, err)
	}

	var accepted map[string]struct{}
	if len(acceptedSCPIDs) > 0 {
		accepted = make(map[string]struct{}, len(acceptedSCPIDs))
		for _, id := range acceptedSCPIDs {
			accepted[id] = struct{}{}
		}
	}

	logger.Info("creating worker set", "workerSet", id, "workers", len(workers))

	return &WorkerSet{
		id:                 id,
		workers:            workers,
		acceptedSCPIDs:     accepted,
		headerRequirements: headerRequirements,
		hashFn:             hashFn,
		logger:             logger,
	}, nil
}

// ID returns the worker set's configured identifier.
func (ws *WorkerSet) ID() string { return ws.id }

// CanAccept reports whether r passes this worker set's SCP filter and
// header requirements. Requirements are evaluated in order and combined
// with AND; an unknown requirement kind counts as a rejection.
func (ws *WorkerSet) CanAccept(r routable.Routable) bool {
	if ws.acceptedSCPIDs != nil {
		if _, ok := ws.acceptedSCPIDs[r.SCPID()]; !ok {
			return false
		}
	}

	for _, req := range ws.headerRequirements {
		switch req.Requirement {
		case Present:
			if !ws.headerPresent(req.Tag, r) {
				return false
			}
		case Absent:
			if ws.headerPresent(req.Tag, r) {
				return false
			}
		case RegexpMatch:
			if !ws.headerMatches(req.Tag, req.Regexp, r) {
				return false
			}
		default:
			ws.logger.Warn("unknown header requirement kind", "workerSet", ws.id, "requirement", req.Requirement)
			return false
		}
	}

	return true
}

func (ws *WorkerSet) headerPresent(t tag.Tag, r routable.Routable) bool {
	return r.Dataset().Contains(t)
}

func (ws *WorkerSet) headerMatches(t tag.Tag, pattern string, r routable.Routable) bool {
	if !ws.headerPresent(t, r) {
		return false
	}

	elem, err := r.Dataset().Get(t)
	if err != nil {
		return false
	}

	value := canonicalHeaderValue(elem.Value())
	// The pattern is anchored at the start of the value, not at its end.
	matched, err := regexp.MatchString("^(?:"+pattern+")", value)
	if err != nil {
		ws.logger.Warn("invalid header requirement regexp", "workerSet", ws.id, "pattern", pattern, "err", err)
		return false
	}
	return matched
}

// canonicalHeaderValue renders a (possibly multi-valued) element value as
// the single string a regexp requirement matches against. Multi-valued
// string elements join their components with a backslash, DICOM's own
// multi-valued string convention.
func canonicalHeaderValue(v value.Value) string {
	if sv, ok := v.(*value.StringValue); ok {
		return strings.Join(sv.Strings(), `\`)
	}
	return v.String()
}

// Consume routes r to the worker selected by hashing the routable's
// patient ID into the worker index space, so that all instances for a
// given patient reach the same worker. A routable missing a patient ID is
// dropped with a warning.
func (ws *WorkerSet) Consume(r routable.Routable) {
	elem, err := r.Dataset().Get(tag.PatientID)
	if err != nil {
		ws.logger.Warn("dropping routable missing patient id", "workerSet", ws.id)
		return
	}

	patientID := elem.Value().String()

	index, err := ws.hashFn(patientID, len(ws.workers))
	if err != nil {
		ws.logger.Warn("failed to hash patient id", "workerSet", ws.id, "err", err)
		return
	}

	w := ws.workers[index]
	ws.logger.Debug("allocating to worker", "workerSet", ws.id, "worker", w.ID(), "index", index)
	w.Process(r)
}
