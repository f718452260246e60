// Package ui provides terminal output for the djvu CLI: progress bars,
// spinners and status messages. All output respects the --no-color and
// --json flags so scripted callers get clean streams.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar wraps a progressbar instance for deterministic progress
// display. A nil-backed bar (JSON mode) swallows every call.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a progress bar with the given total and
// description. Pass total -1 when the total is not known yet and set
// it later with SetTotal; the bar renders as a spinner until then.
func NewProgressBar(total int64, description string) *ProgressBar {
	if jsonFlag {
		return &ProgressBar{}
	}
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Set moves the progress bar to the given absolute position.
func (p *ProgressBar) Set(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Add advances the progress bar by delta.
func (p *ProgressBar) Add(delta int64) {
	if p.bar != nil {
		_ = p.bar.Add64(delta)
	}
}

// SetTotal updates the total once it becomes known.
func (p *ProgressBar) SetTotal(total int64) {
	if p.bar != nil {
		p.bar.ChangeMax64(total)
	}
}

// Describe replaces the bar's description text.
func (p *ProgressBar) Describe(description string) {
	if p.bar != nil {
		p.bar.Describe(description)
	}
}

// Finish completes the progress bar and clears the line.
func (p *ProgressBar) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Spinner wraps a spinner instance for indeterminate progress display.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) *Spinner {
	if jsonFlag {
		return &Spinner{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	if s.spinner != nil {
		s.spinner.Start()
	}
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	if s.spinner != nil {
		s.spinner.Stop()
	}
}

// UpdateMessage updates the spinner's message while it runs.
func (s *Spinner) UpdateMessage(message string) {
	if s.spinner != nil {
		s.spinner.Suffix = " " + message
	}
}
