package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageList    Stage = "list"
	StageArchive Stage = "archive"
	StageDelete  Stage = "delete"
	StageAPI     Stage = "api"
)

type EventType string

const (
	EventTypeListed      EventType = "listed"
	EventTypeEnqueued    EventType = "enqueued"
	EventTypeArchived    EventType = "archived"
	EventTypeDeleted     EventType = "deleted"
	EventTypeDryRun      EventType = "dry_run"
	EventTypeDuplicate   EventType = "duplicate"
	EventTypeRateLimited EventType = "rate_limited"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Listed      int
	Enqueued    int
	Archived    int
	Deleted     int
	DryRun      int
	Duplicates  int
	RateLimited int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"enqueued", s.Enqueued,
		"archived", s.Archived,
		"deleted", s.Deleted,
		"dryRun", s.DryRun,
		"duplicates", s.Duplicates,
		"rateLimited", s.RateLimited,
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
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeRateLimited:
		c.summary.RateLimited++
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

// Summary returns the counters collected so far.
func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// FprintTop writes the top N most frequent items in a map to w.
func FprintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range TopN(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// TopN returns the limit most frequent keys, ties broken alphabetically.
func TopN(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
