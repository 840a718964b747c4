// Package replay re-sends recorded session logs over UDP with the
// original packet spacing, for exercising a relay without a live venue.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

// Event is one pending packet emission with an absolute deadline.
type Event struct {
	At      time.Time
	Payload []byte
}

// Scheduler fires events at absolute deadlines. Each wait is computed
// against the clock at fire time rather than by chaining relative sleeps,
// so slow fire functions never accumulate drift: a late event is sent
// immediately and subsequent events stay pinned to their own deadlines.
type Scheduler struct {
	clk clock.Clock
}

// NewScheduler returns a Scheduler on the given clock, or the wall clock
// if clk is nil.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clk: clk}
}

// Run fires every event in deadline order, waiting out each deadline
// first. Cancelling ctx abandons all pending events and returns ctx's
// error; a fire error stops the run and is returned as-is.
func (s *Scheduler) Run(ctx context.Context, events []Event, fire func(Event) error) error {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].At.Before(sorted[j].At)
	})

	for _, ev := range sorted {
		if wait := ev.At.Sub(s.clk.Now()); wait > 0 {
			timer := s.clk.Timer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := fire(ev); err != nil {
			return err
		}
	}
	return nil
}
