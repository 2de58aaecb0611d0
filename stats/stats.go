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
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
)

type EventType string

const (
	// EventTypeFolderStarted carries the number of candidates in Count.
	EventTypeFolderStarted EventType = "folder_started"
	EventTypeFetched       EventType = "fetched"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeFailed        EventType = "failed"
	EventTypeFolderFailed  EventType = "folder_failed"
	EventTypeFolderDone    EventType = "folder_done"
	EventTypeWritten       EventType = "written"
	EventTypeUnreadable    EventType = "unreadable"
)

type Event struct {
	Stage     Stage
	Type      EventType
	Folder    string
	MessageID string
	Count     int
	Err       error
	Detail    string
}

type Summary struct {
	Folders      int
	Candidates   int
	Fetched      int
	Duplicates   int
	Failed       int
	FolderErrors int
	Written      int
	Unreadable   int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"folders", s.Folders,
		"candidates", s.Candidates,
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"failed", s.Failed,
		"folderErrors", s.FolderErrors,
		"written", s.Written,
		"unreadable", s.Unreadable,
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
	case EventTypeFolderStarted:
		c.summary.Folders++
		c.summary.Candidates += evt.Count
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeFolderFailed:
		c.summary.FolderErrors++
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeUnreadable:
		c.summary.Unreadable++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
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
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys, ties broken alphabetically.
func Top(m map[string]int, limit int) []Pair {
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
