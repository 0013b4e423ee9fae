// Package retention runs the Store's bounded-retention sweep (spec §5
// backpressure: "a configured retention cap evicts the oldest events once
// the total event count exceeds it") on a cron schedule, and doubles as the
// Poller's supervised stats-snapshot fallback: a periodic log line so an
// operator watching the process directly still sees liveness even if the
// Poller's own 60s ticker were ever to wedge.
package retention

import (
	"log/slog"

	"wanderer-kills/internal/store"

	"github.com/robfig/cron/v3"
)

// Sweeper owns the cron schedule driving periodic Store.EvictOldest calls.
type Sweeper struct {
	store     *store.Store
	maxEvents int
	cron      *cron.Cron
}

// New builds a Sweeper. schedule is a robfig/cron spec, e.g. "@every 1m".
func New(st *store.Store, maxEvents int, schedule string) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{store: st, maxEvents: maxEvents, cron: c}

	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron scheduler. Non-blocking.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	if s.maxEvents <= 0 {
		return
	}
	total := s.store.TotalEvents()
	if total <= s.maxEvents {
		slog.Info("retention sweep", "evicted", 0, "remaining", total)
		return
	}
	evicted := s.store.EvictOldest(s.maxEvents)
	slog.Info("retention sweep", "evicted", evicted, "remaining", s.store.TotalEvents())
}
