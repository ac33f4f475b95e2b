package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Publisher receives newly-detected events in publish order.
type Publisher interface {
	Publish(Event)
}

// Scheduler drives the poll loop: snapshot from the source, reconcile
// against the cache, publish new events, sleep for the configured interval.
type Scheduler struct {
	source   Source
	cache    *Cache
	pub      Publisher
	interval time.Duration
	clock    clockwork.Clock
}

func NewScheduler(source Source, cache *Cache, pub Publisher, interval time.Duration, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		source:   source,
		cache:    cache,
		pub:      pub,
		interval: interval,
		clock:    clock,
	}
}

// Run polls until ctx is cancelled, which under normal operation is the
// process lifetime. Every source failure is recovered locally by skipping
// the cycle; the fixed interval is the only throttle.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.interval)
	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	slog.Debug("checking for new entries")
	cells, err := s.source.Snapshot(ctx)
	if err != nil {
		slog.Error("map snapshot failed", "error", err)
		return
	}

	events := s.Reconcile(cells)
	if len(events) == 0 {
		slog.Debug("no new events found")
		return
	}

	slog.Debug("publishing events", "count", len(events))
	for _, evt := range events {
		s.pub.Publish(evt)
	}
}

// Reconcile applies one snapshot to the cache and returns an event for
// every cell that newly turned active. Marked cells are inserted, cells
// reported present-but-unmarked are removed, anything not in the snapshot
// is untouched.
func (s *Scheduler) Reconcile(cells []CellReport) []Event {
	var events []Event
	for _, cell := range cells {
		if cell.Marked {
			if s.cache.MarkActive(cell.Location) {
				slog.Info("new battle detected", "location", cell.Location.Key())
				events = append(events, Event{Location: cell.Location})
			}
			continue
		}
		if s.cache.MarkInactive(cell.Location) {
			slog.Debug("battle expired", "location", cell.Location.Key())
		}
	}
	return events
}
