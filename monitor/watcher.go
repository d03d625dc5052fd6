package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/glimte/hutch-go/messaging"
)

// QueueStatusSource is the part of an extended bus the watcher polls
type QueueStatusSource interface {
	QueueStatus(ctx context.Context, name string) (messaging.QueueStatus, error)
}

// QueueWatcher prints queue depths at a fixed interval
type QueueWatcher struct {
	source   QueueStatusSource
	interval time.Duration
	out      io.Writer
}

// NewQueueWatcher creates a new queue watcher writing to out
func NewQueueWatcher(source QueueStatusSource, interval time.Duration, out io.Writer) *QueueWatcher {
	return &QueueWatcher{
		source:   source,
		interval: interval,
		out:      out,
	}
}

// Watch prints the named queues until ctx ends
func (w *QueueWatcher) Watch(ctx context.Context, queues []string) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.display(w.Snapshot(ctx, queues))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.display(w.Snapshot(ctx, queues))
		}
	}
}

// QueueRow is one queue in a snapshot. Err is set when the queue could not
// be inspected.
type QueueRow struct {
	messaging.QueueStatus
	Err error
}

// Snapshot inspects every named queue once, deepest queue first
func (w *QueueWatcher) Snapshot(ctx context.Context, queues []string) []QueueRow {
	rows := make([]QueueRow, 0, len(queues))
	for _, name := range queues {
		status, err := w.source.QueueStatus(ctx, name)
		if err != nil {
			rows = append(rows, QueueRow{QueueStatus: messaging.QueueStatus{Queue: name}, Err: err})
			continue
		}
		rows = append(rows, QueueRow{QueueStatus: status})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].MessageCount > rows[j].MessageCount
	})
	return rows
}

func (w *QueueWatcher) display(rows []QueueRow) {
	fmt.Fprintf(w.out, "Queue Monitor - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w.out, strings.Repeat("=", 72))

	totalMessages, totalConsumers := 0, 0
	for _, r := range rows {
		totalMessages += r.MessageCount
		totalConsumers += r.ConsumerCount
	}
	fmt.Fprintf(w.out, "Total Queues: %d | Total Messages: %d | Total Consumers: %d\n",
		len(rows), totalMessages, totalConsumers)
	fmt.Fprintln(w.out, strings.Repeat("-", 72))

	fmt.Fprintf(w.out, "%-40s %10s %10s\n", "Queue Name", "Messages", "Consumers")
	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(w.out, "%-40s %s\n", truncateString(r.Queue, 39), r.Err)
			continue
		}
		highlight := ""
		if r.MessageCount > 1000 {
			highlight = "*"
		} else if r.MessageCount > 100 {
			highlight = "+"
		}
		fmt.Fprintf(w.out, "%-40s %10d %10d\n", truncateString(r.Queue, 39)+highlight, r.MessageCount, r.ConsumerCount)
	}
	fmt.Fprintln(w.out, strings.Repeat("-", 72))
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
