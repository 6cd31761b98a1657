package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/common-nighthawk/go-figure"
)

// BannerStyle defines the styling for the startup ASCII banner.
var BannerStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#2596be")).
	Bold(true)

// PrintBanner prints the daemon's startup banner to stderr. It is skipped
// entirely under JSON logging, where it would just be noise in an
// aggregator.
func PrintBanner() {
	banner := figure.NewFigure("DICOM LB", "banner3", true)
	fmt.Fprintln(os.Stderr, BannerStyle.Render(banner.String()))
	fmt.Fprintln(os.Stderr)
}
