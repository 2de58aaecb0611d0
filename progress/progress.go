package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-to-mbox/stats"
)

// Bar tracks download progress across folders. The total grows as each
// folder announces its candidate count.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFolderStarted:
		if evt.Count == 0 {
			pterm.Info.Printf("%s: nothing new\n", evt.Folder)
			return
		}
		b.total += evt.Count
		if b.pb == nil {
			pb, err := pterm.DefaultProgressbar.
				WithTotal(b.total).
				WithTitle("Downloading " + evt.Folder).
				Start()
			if err != nil {
				b.enabled = false
				return
			}
			b.pb = pb
			return
		}
		b.pb.Total = b.total
		b.pb.UpdateTitle("Downloading " + evt.Folder)
	case stats.EventTypeFetched, stats.EventTypeFailed:
		if b.pb == nil {
			return
		}
		b.done++
		b.pb.Increment()
		if evt.Type == stats.EventTypeFailed && evt.Err != nil {
			// Show error messages above the progress bar
			pterm.Error.Printf("%s/%s: %v\n", evt.Folder, evt.MessageID, evt.Err)
		}
	case stats.EventTypeFolderFailed:
		if evt.Err != nil {
			pterm.Error.Printf("Folder %s: %v\n", evt.Folder, evt.Err)
		}
	case stats.EventTypeUnreadable:
		if evt.Err != nil {
			pterm.Warning.Printf("Skipped %s/%s: %v\n", evt.Folder, evt.MessageID, evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	// Aborted folders leave candidates behind; close the bar at what was done.
	if b.pb.Current < b.pb.Total {
		b.pb.Total = b.done
		b.pb.Current = b.done
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Download complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
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

// ProgressReporter drives the bar and prints a summary when the run ends.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

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

func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Folders: %d\n", summary.Folders)
	pterm.Info.Printf("Downloaded: %d\n", summary.Fetched)
	pterm.Info.Printf("Already archived (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Failed messages: %d\n", summary.Failed)
	if summary.FolderErrors > 0 {
		pterm.Error.Printf("Failed folders: %d\n", summary.FolderErrors)
	}
	if summary.Written > 0 || summary.Unreadable > 0 {
		pterm.Info.Printf("Archived into mbox: %d\n", summary.Written)
		pterm.Info.Printf("Unreadable files: %d\n", summary.Unreadable)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
