// Package config loads and validates the JSON configuration that describes
// a load balancer's core settings, ingress SCPs, worker sets, and workers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/llob/dicom-loadbalancer/dicom/tag"
	"github.com/llob/dicom-loadbalancer/hashfn"
)

// WorkerKind is one of the two destination kinds a worker entry may name.
type WorkerKind string

const (
	WorkerKindSCU          WorkerKind = "scu"
	WorkerKindLocalStorage WorkerKind = "local-storage"
)

// HeaderRequirement mirrors the JSON shape of a worker set's header
// requirement, before its tag has been resolved to a tag.Tag.
type HeaderRequirement struct {
	Tag         [2]string `json:"tag" validate:"len=2,dive,required"`
	Requirement string    `json:"requirement" validate:"required,oneof=present absent regexp-match"`
	Regexp      string    `json:"regexp"`
}

// ResolvedTag parses the requirement's two hex strings, radix 16, into a
// tag.Tag.
func (h HeaderRequirement) ResolvedTag() (tag.Tag, error) {
	group, err := strconv.ParseUint(h.Tag[0], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("invalid tag group %q: %w", h.Tag[0], err)
	}
	element, err := strconv.ParseUint(h.Tag[1], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("invalid tag element %q: %w", h.Tag[1], err)
	}
	return tag.New(uint16(group), uint16(element)), nil
}

// WorkerSet is the decoded, struct-validated shape of one worker-sets[]
// entry. Cross-referential checks (worker id resolution, hash method
// registry lookup) happen separately in Load.
type WorkerSet struct {
	ID                 string              `json:"id" validate:"required"`
	Name               string              `json:"name"`
	WorkerIDs          []string            `json:"worker-ids" validate:"required,min=1,dive,required"`
	Distribution       string              `json:"distribution" validate:"required,oneof=hash"`
	HashMethod         string              `json:"hash-method" validate:"required"`
	AcceptedSCPIDs     []string            `json:"accepted-scp-ids"`
	HeaderRequirements []HeaderRequirement `json:"header-requirements" validate:"dive"`
}

// Core is the decoded, struct-validated shape of the core section.
type Core struct {
	LogDirPath    string `json:"log-dir-path" validate:"required"`
	LogFormat     string `json:"log-format" validate:"required,oneof=pretty json"`
	BufferDirPath string `json:"buffer-dir-path" validate:"required"`
	RouterCount   int    `json:"router-count" validate:"required,min=1"`
}

// SCP is the decoded, struct-validated shape of one scps[] entry.
type SCP struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name"`
	AETitle      string `json:"ae-title" validate:"required"`
	Address      string `json:"address" validate:"required"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	RefuseOnDrop bool   `json:"refuse-on-drop"`
}

// Worker is the decoded, struct-validated shape of one workers[] entry.
// Field requirements differ by Type and are enforced by Load, not by
// struct tags, since validator can't express "required iff another field
// equals X" cleanly across this many branches.
type Worker struct {
	ID                       string     `json:"id" validate:"required"`
	Name                     string     `json:"name"`
	Type                     WorkerKind `json:"type" validate:"required,oneof=scu local-storage"`
	AETitle                  string     `json:"ae-title"`
	Address                  string     `json:"address"`
	Port                     int        `json:"port"`
	OutputDirPath            string     `json:"output-dir-path"`
	MaxAssociationsPerMinute int        `json:"max-associations-per-minute"`
}

// Configuration is the fully loaded, validated configuration for one
// supervisor instance.
type Configuration struct {
	Core       *Core
	SCPs       []SCP
	Workers    []Worker
	WorkerSets []WorkerSet
}

// fragment is the top-level JSON shape of a single configuration file; any
// subset of the four keys may be present.
type fragment struct {
	Core       *Core       `json:"core"`
	SCPs       []SCP       `json:"scps"`
	Workers    []Worker    `json:"workers"`
	WorkerSets []WorkerSet `json:"worker-sets"`
}

// Load reads configuration from path. If path is a directory, every
// regular file in it is read and its fragments concatenated in directory
// enumeration order; otherwise path is read as a single file. The result
// is struct-validated and then cross-referentially validated before being
// returned.
func Load(path string) (*Configuration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Configuration{}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("config: read directory %s: %w", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := loadFragment(filepath.Join(path, entry.Name()), cfg); err != nil {
				return nil, err
			}
		}
	} else {
		if err := loadFragment(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := validateStructs(cfg); err != nil {
		return nil, err
	}
	if err := validateCrossReferences(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFragment(path string, cfg *Configuration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var frag fragment
	if err := json.Unmarshal(data, &frag); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if frag.Core != nil {
		cfg.Core = frag.Core
	}
	cfg.SCPs = append(cfg.SCPs, frag.SCPs...)
	cfg.Workers = append(cfg.Workers, frag.Workers...)
	cfg.WorkerSets = append(cfg.WorkerSets, frag.WorkerSets...)

	return nil
}

var structValidator = validator.New()

func validateStructs(cfg *Configuration) error {
	var errs Errors

	if cfg.Core != nil {
		if err := structValidator.Struct(cfg.Core); err != nil {
			errs.Addf("core", "%v", err)
		}
	} else {
		errs.Add("core", "missing required core section")
	}

	for i, scp := range cfg.SCPs {
		if err := structValidator.Struct(scp); err != nil {
			errs.Addf(fmt.Sprintf("scps[%d]", i), "%v", err)
		}
	}
	for i, w := range cfg.Workers {
		if err := structValidator.Struct(w); err != nil {
			errs.Addf(fmt.Sprintf("workers[%d]", i), "%v", err)
		}
	}
	for i, ws := range cfg.WorkerSets {
		if err := structValidator.Struct(ws); err != nil {
			errs.Addf(fmt.Sprintf("worker-sets[%d]", i), "%v", err)
		}
	}

	if errs.HasErrors() {
		return &errs
	}
	return nil
}

// validateCrossReferences checks invariants that span multiple sections:
// worker id resolution, listener address uniqueness, type-conditional
// required fields, and header requirement tag parsing. These can't be
// expressed as struct tags on a single type.
func validateCrossReferences(cfg *Configuration) error {
	var errs Errors

	workerIDs := make(map[string]Worker, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if _, dup := workerIDs[w.ID]; dup {
			errs.Addf("workers", "duplicate worker id %q", w.ID)
		}
		workerIDs[w.ID] = w

		switch w.Type {
		case WorkerKindSCU:
			if w.AETitle == "" || w.Address == "" || w.Port == 0 {
				errs.Addf(fmt.Sprintf("workers[%s]", w.ID), "ae-title, address and port are required for a scu worker")
			}
		case WorkerKindLocalStorage:
			if w.OutputDirPath == "" {
				errs.Addf(fmt.Sprintf("workers[%s]", w.ID), "output-dir-path is required for a local-storage worker")
			}
		}
	}

	listenerAddrs := make(map[string]string, len(cfg.SCPs))
	scpIDs := make(map[string]struct{}, len(cfg.SCPs))
	for _, scp := range cfg.SCPs {
		if _, dup := scpIDs[scp.ID]; dup {
			errs.Addf("scps", "duplicate scp id %q", scp.ID)
		}
		scpIDs[scp.ID] = struct{}{}

		addr := fmt.Sprintf("%s:%d", scp.Address, scp.Port)
		if owner, dup := listenerAddrs[addr]; dup {
			errs.Addf("scps", "address %s used by both %q and %q", addr, owner, scp.ID)
		}
		listenerAddrs[addr] = scp.ID
	}

	for _, ws := range cfg.WorkerSets {
		if _, err := hashfn.Lookup(ws.HashMethod); err != nil {
			errs.Addf(fmt.Sprintf("worker-sets[%s]", ws.ID), "%v", err)
		}
		for _, id := range ws.WorkerIDs {
			if _, ok := workerIDs[id]; !ok {
				errs.Addf(fmt.Sprintf("worker-sets[%s]", ws.ID), "unknown worker id %q", id)
			}
		}
		for _, id := range ws.AcceptedSCPIDs {
			if _, ok := scpIDs[id]; !ok {
				errs.Addf(fmt.Sprintf("worker-sets[%s]", ws.ID), "unknown accepted scp id %q", id)
			}
		}
		for i, hr := range ws.HeaderRequirements {
			if _, err := hr.ResolvedTag(); err != nil {
				errs.Addf(fmt.Sprintf("worker-sets[%s].header-requirements[%d]", ws.ID, i), "%v", err)
			}
			if hr.Requirement == "regexp-match" && hr.Regexp == "" {
				errs.Addf(fmt.Sprintf("worker-sets[%s].header-requirements[%d]", ws.ID, i), "regexp is required for requirement regexp-match")
			}
		}
	}

	if errs.HasErrors() {
		return &errs
	}
	return nil
}
