package ui

import (
	"github.com/fatih/color"
)

var (
	noColorFlag bool
	jsonFlag    bool
)

// InitUI wires the global output flags into the package. JSON mode
// silences every human-facing helper so stdout stays machine-parseable.
func InitUI(noColor, jsonOutput bool) {
	noColorFlag = noColor
	jsonFlag = jsonOutput

	if noColor {
		color.NoColor = true
	}
}

// JSONMode reports whether machine-readable output was requested.
func JSONMode() bool {
	return jsonFlag
}

// Close cleans up any UI resources.
func Close() {
}
