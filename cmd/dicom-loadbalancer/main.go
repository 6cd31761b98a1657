package main

import (
	"os"

	"github.com/llob/dicom-loadbalancer/cmd/dicom-loadbalancer/internal/cli"
)

// version, commit, and date are set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Run(version, commit, date); err != nil {
		os.Exit(1)
	}
}
