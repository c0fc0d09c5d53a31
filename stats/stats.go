package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDeliver Stage = "deliver"
	StageLedger  Stage = "ledger"
)

type EventType string

const (
	EventTypeConnected   EventType = "connected"
	EventTypeTotal       EventType = "total"
	EventTypeBytes       EventType = "bytes"
	EventTypeDelivered   EventType = "delivered"
	EventTypeDuplicate   EventType = "duplicate"
	EventTypeDeleted     EventType = "deleted"
	EventTypePruned      EventType = "pruned"
	EventTypeAccountDone EventType = "account_done"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	Account string
	UID     string
	Seq     int
	Total   int
	Size    int64
	Bytes   int64
	Count   int
	Err     error
}

type Summary struct {
	Accounts   int
	Delivered  int
	Duplicates int
	Deleted    int
	Pruned     int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"accounts", s.Accounts,
		"delivered", s.Delivered,
		"duplicates", s.Duplicates,
		"deleted", s.Deleted,
		"pruned", s.Pruned,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypePruned:
		c.summary.Pruned += evt.Count
	case EventTypeAccountDone:
		c.summary.Accounts++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
