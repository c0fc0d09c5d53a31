package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/mailtools/pop3-to-pipe/stats"
)

// Display renders one progress bar per account as the event stream
// announces totals and outcomes. Pure observer; it holds no state the
// fetch loop depends on.
type Display struct {
	mu      sync.Mutex
	enabled bool

	account string
	bar     *pterm.ProgressbarPrinter
	total   int
}

// New creates a display that renders only at the "info" log level; at any
// other level the structured log carries the progress instead.
func New(logLevel string) *Display {
	return &Display{enabled: logLevel == "info"}
}

// Update advances the display for one event.
func (d *Display) Update(evt stats.Event) {
	if !d.enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeTotal:
		d.finishBar()
		d.account = evt.Account
		d.total = evt.Total
		if evt.Total == 0 {
			pterm.Info.Printf("%s: no mail\n", evt.Account)
			return
		}
		pterm.Info.Printf("%s: %d messages pending\n", evt.Account, evt.Total)
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(evt.Total).
			WithTitle(evt.Account).
			Start()
		d.bar = pb
	case stats.EventTypeBytes:
		if d.bar != nil && evt.Size > 0 {
			d.bar.UpdateTitle(fmt.Sprintf("%s: %s (%d/%d bytes)", d.account, truncate(evt.UID, 24), evt.Bytes, evt.Size))
		}
	case stats.EventTypeDelivered, stats.EventTypeDuplicate:
		if d.bar != nil {
			d.bar.Increment()
		}
	case stats.EventTypeAccountDone:
		d.finishBar()
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Account, evt.Err)
		}
	}
}

func (d *Display) finishBar() {
	if d.bar == nil {
		return
	}
	if d.bar.Current < d.total {
		d.bar.Current = d.total
	}
	_, _ = d.bar.Stop()
	d.bar = nil
}

// Subscriber adapts the display to the runner's stats subscription.
func (d *Display) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				d.mu.Lock()
				d.finishBar()
				d.mu.Unlock()
				return nil
			}
			d.Update(evt)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Reporter combines the live display with the final summary section.
type Reporter struct {
	display   *Display
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the display and a summary collector to the
// event stream.
func NewReporter(stream stats.EventStream, display *Display, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		display:   display,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if display != nil && display.enabled {
		stream.SubscribeStats("progress-display", display.Subscriber)
		stream.SubscribeStats("progress-summary", reporter.collectStats)
	}

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Accounts: %d\n", summary.Accounts)
	pterm.Info.Printf("Delivered: %d\n", summary.Delivered)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Deleted from server: %d\n", summary.Deleted)
	pterm.Info.Printf("Ledger entries pruned: %d\n", summary.Pruned)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
