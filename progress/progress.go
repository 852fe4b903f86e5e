package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailtm-drain/stats"
)

// Bar shows a live counter while the inbox is being drained. The inbox size
// is unknown up front, so it is a spinner rather than a bounded bar.
type Bar struct {
	spinner   *pterm.SpinnerPrinter
	collector *stats.Collector
	mu        sync.Mutex
	enabled   bool
}

// New creates a progress display. Nothing is drawn when enabled is false.
func New(address string, enabled bool) *Bar {
	bar := &Bar{
		collector: stats.NewCollector(),
		enabled:   enabled,
	}

	if enabled {
		pterm.Info.Printf("Draining inbox: %s\n", address)
		spinner, err := pterm.DefaultSpinner.
			WithRemoveWhenDone(false).
			Start("Listing messages")
		if err != nil {
			bar.enabled = false
			return bar
		}
		bar.spinner = spinner
	}

	return bar
}

// Update applies evt to the counters and refreshes the spinner text.
func (b *Bar) Update(evt stats.Event) {
	b.collector.Apply(evt)
	if !b.enabled || b.spinner == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeError:
		// Printed above the spinner; the summary only keeps the last one.
		if evt.Err != nil {
			pterm.Warning.Printf("%v\n", evt.Err)
		}
	case stats.EventTypeRateLimited:
		b.spinner.UpdateText("Rate limited, waiting: " + evt.Detail)
		return
	}

	b.spinner.UpdateText(Line(b.collector.Snapshot()))
}

// Line renders the one-line status shown next to the spinner.
func Line(s stats.Summary) string {
	text := fmt.Sprintf("listed %d | archived %d | deleted %d", s.Listed, s.Archived, s.Deleted)
	if s.DryRun > 0 {
		text += fmt.Sprintf(" | dry-run %d", s.DryRun)
	}
	if s.Errors > 0 {
		text += fmt.Sprintf(" | errors %d", s.Errors)
	}
	return text
}

// Stop finalizes the spinner.
func (b *Bar) Stop() {
	if !b.enabled || b.spinner == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	summary := b.collector.Snapshot()
	if summary.Errors > 0 {
		b.spinner.Warning("Drain finished with errors: " + Line(summary))
		return
	}
	b.spinner.Success("Drain complete: " + Line(summary))
}

// Subscriber creates a stats subscriber function that updates the spinner.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter prints the final summary section once the run ends.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the spinner and the summary printer to
// stream. With a disabled bar it subscribes nothing.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started).Round(time.Millisecond)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Listed: %d\n", summary.Listed)
	pterm.Info.Printf("Archived: %d\n", summary.Archived)
	pterm.Info.Printf("Deleted: %d\n", summary.Deleted)
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry-run (untouched): %d\n", summary.DryRun)
	}
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Rate limited: %d\n", summary.RateLimited)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	if pr.logger != nil {
		pr.logger.Debug("progress summary printed", "duration", duration)
	}
	return nil
}
