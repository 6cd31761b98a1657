package scp

import (
	"github.com/llob/dicom-loadbalancer/dicom/tag"
)

// Common DICOM tags used by SCP services
var (
	TagSOPClassUID    = tag.New(0x0008, 0x0016)
	TagSOPInstanceUID = tag.New(0x0008, 0x0018)
)
