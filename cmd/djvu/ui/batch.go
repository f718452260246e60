package ui

import (
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// BatchProgress renders one bar per document during multi-document
// conversion runs. Completed bars stay on screen, so a batch leaves a
// visible per-document record behind.
type BatchProgress struct {
	progress *mpb.Progress
}

// NewBatchProgress creates the batch renderer. In JSON mode the
// renderer is inert and DocumentBar returns nil bars, which the Bar
// wrapper tolerates.
func NewBatchProgress() *BatchProgress {
	if jsonFlag {
		return &BatchProgress{}
	}
	return &BatchProgress{progress: mpb.New(
		mpb.WithWidth(64),
		mpb.WithOutput(os.Stderr),
	)}
}

// Bar tracks the pages of one document inside a batch.
type Bar struct {
	bar *mpb.Bar
}

// DocumentBar adds a bar for a document with the given page total.
func (b *BatchProgress) DocumentBar(name string, total int64) *Bar {
	if b.progress == nil {
		return &Bar{}
	}
	bar := b.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 12}),
				" done",
			),
		),
	)
	return &Bar{bar: bar}
}

// Increment advances the bar by one page.
func (b *Bar) Increment() {
	if b.bar != nil {
		b.bar.Increment()
	}
}

// Abort drops the bar, for documents whose job failed outright.
func (b *Bar) Abort() {
	if b.bar != nil {
		b.bar.Abort(true)
	}
}

// Complete marks the bar finished even when fewer than total
// increments arrived.
func (b *Bar) Complete() {
	if b.bar != nil {
		b.bar.SetTotal(-1, true)
	}
}

// Close flushes the batch renderer. Waiting only makes sense on a
// terminal; piped output cannot render bars and Wait may hang there.
func (b *BatchProgress) Close() {
	if b.progress == nil {
		return
	}
	if IsTerminal() {
		b.progress.Wait()
	} else {
		b.progress.Shutdown()
	}
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
