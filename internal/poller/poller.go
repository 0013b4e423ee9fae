// Package poller implements the Poller (spec §4.7, component C7): a
// single-threaded adaptive long-poll loop that drives EnrichmentPipeline,
// writes accepted killmails to Store, and calls the dispatch callback
// exactly once per accepted killmail.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/enrichment"
	"wanderer-kills/internal/fetcher"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/pkg/config"
)

// maxActiveSystems bounds the tracked active-system set (spec §4.7 step 5:
// "bounded"); once reached, further distinct systems are simply not
// recorded rather than evicting existing ones.
const maxActiveSystems = 10_000

// DispatchFunc is called exactly once per accepted killmail.
type DispatchFunc func(km killmail.Killmail)

// Config bundles the adaptive-schedule tunables.
type Config struct {
	QueueID        string
	TTWSeconds     int
	FastInterval   time.Duration
	IdleInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	CutoffWindow   time.Duration
	SnapshotEvery  time.Duration
}

// Counters mirrors spec §4.7 step 5's per-minute / cumulative tallies.
type Counters struct {
	Received  int64
	Older     int64
	Skipped   int64
	Legacy    int64
	Errors    int64
	NoPackage int64
}

func (c *Counters) add(other *Counters) {
	c.Received += other.Received
	c.Older += other.Older
	c.Skipped += other.Skipped
	c.Legacy += other.Legacy
	c.Errors += other.Errors
	c.NoPackage += other.NoPackage
}

type atomicCounters struct {
	received  atomic.Int64
	older     atomic.Int64
	skipped   atomic.Int64
	legacy    atomic.Int64
	errors    atomic.Int64
	noPackage atomic.Int64
}

func (a *atomicCounters) snapshotAndReset() Counters {
	return Counters{
		Received:  a.received.Swap(0),
		Older:     a.older.Swap(0),
		Skipped:   a.skipped.Swap(0),
		Legacy:    a.legacy.Swap(0),
		Errors:    a.errors.Swap(0),
		NoPackage: a.noPackage.Swap(0),
	}
}

// StatsSnapshot is published every Config.SnapshotEvery.
type StatsSnapshot struct {
	PerMinute    Counters
	Cumulative   Counters
	ActiveSystem int
	At           time.Time
}

// Poller drives one RefStream source.
type Poller struct {
	refStream *fetcher.RefStream
	pipeline  *enrichment.Pipeline
	store     *store.Store
	dispatch  DispatchFunc
	cfg       Config
	onStats   func(StatsSnapshot)

	perMinute  atomicCounters
	cumulative Counters
	cumMu      sync.Mutex

	activeMu      sync.Mutex
	activeSystems map[int32]struct{}

	backoff time.Duration
}

func New(refStream *fetcher.RefStream, pipeline *enrichment.Pipeline, st *store.Store, dispatch DispatchFunc, cfg Config, onStats func(StatsSnapshot)) *Poller {
	return &Poller{
		refStream:     refStream,
		pipeline:      pipeline,
		store:         st,
		dispatch:      dispatch,
		cfg:           cfg,
		onStats:       onStats,
		activeSystems: make(map[int32]struct{}),
		backoff:       cfg.InitialBackoff,
	}
}

// Run blocks, polling until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	nextSnapshot := time.Now().Add(p.cfg.SnapshotEvery)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := p.pollOnce(ctx)

		if time.Now().After(nextSnapshot) {
			p.publishSnapshot()
			nextSnapshot = time.Now().Add(p.cfg.SnapshotEvery)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce runs one GET-classify-process round and returns the delay
// before the next poll, per the adaptive schedule.
func (p *Poller) pollOnce(ctx context.Context) time.Duration {
	pollCtx, cancel := context.WithTimeout(ctx, config.GetLongPollTimeout())
	pkg, err := p.refStream.Poll(pollCtx, p.cfg.QueueID, p.cfg.TTWSeconds)
	cancel()
	if err != nil {
		slog.WarnContext(ctx, "poll failed", "error", err)
		return p.onError()
	}

	switch pkg.Format {
	case fetcher.FormatNone:
		p.perMinute.noPackage.Add(1)
		return p.onIdle()

	case fetcher.FormatLegacy:
		p.perMinute.legacy.Add(1)
		return p.process(ctx, pkg.KillID, nil, pkg.ZKB)

	default: // FormatNew
		return p.process(ctx, pkg.KillID, pkg.Killmail, pkg.ZKB)
	}
}

func (p *Poller) process(ctx context.Context, killID int64, wire *fetcher.WireKillmail, zkb fetcher.WireZKB) time.Duration {
	cutoff := time.Now().Add(-p.cfg.CutoffWindow)
	result := p.pipeline.Process(ctx, killID, wire, zkb, cutoff)

	switch result.Outcome {
	case enrichment.OutcomeOK:
		_, inserted := p.store.Put(result.Killmail.SystemID, result.Killmail)
		if inserted {
			p.trackActiveSystem(result.Killmail.SystemID)
			p.perMinute.received.Add(1)
			p.dispatch(result.Killmail)
			return p.onReceived()
		}
		p.perMinute.skipped.Add(1) // already-ingested
		return p.onIdle()

	case enrichment.OutcomeSkip:
		p.perMinute.older.Add(1)
		return p.onIdle()

	default: // OutcomeError
		slog.WarnContext(ctx, "enrichment error", "kill_id", killID, "error", result.Err)
		p.perMinute.errors.Add(1)
		return p.onError()
	}
}

func (p *Poller) onReceived() time.Duration {
	p.backoff = p.cfg.InitialBackoff
	return p.cfg.FastInterval
}

func (p *Poller) onIdle() time.Duration {
	p.backoff = p.cfg.InitialBackoff
	return p.cfg.IdleInterval
}

func (p *Poller) onError() time.Duration {
	next := time.Duration(float64(p.backoff) * p.cfg.BackoffFactor)
	if next > p.cfg.MaxBackoff {
		next = p.cfg.MaxBackoff
	}
	if p.backoff < p.cfg.InitialBackoff {
		p.backoff = p.cfg.InitialBackoff
	}
	delay := p.backoff
	p.backoff = next
	return delay
}

func (p *Poller) trackActiveSystem(systemID int32) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if _, ok := p.activeSystems[systemID]; ok {
		return
	}
	if len(p.activeSystems) >= maxActiveSystems {
		return
	}
	p.activeSystems[systemID] = struct{}{}
}

func (p *Poller) activeSystemCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeSystems)
}

func (p *Poller) publishSnapshot() {
	minute := p.perMinute.snapshotAndReset()

	p.cumMu.Lock()
	p.cumulative.add(&minute)
	cumulative := p.cumulative
	p.cumMu.Unlock()

	if p.onStats == nil {
		return
	}
	p.onStats(StatsSnapshot{
		PerMinute:    minute,
		Cumulative:   cumulative,
		ActiveSystem: p.activeSystemCount(),
		At:           time.Now(),
	})
}
