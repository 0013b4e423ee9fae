// Package gate implements the UpstreamGate (spec §4.4, component C4): the
// token-bucket-gated, priority-queued, coalescing, circuit-broken front
// door that every zkb/ESI call passes through. It exclusively owns its
// bucket and queue state (spec §3 Ownership); everything else talks to it
// only through Execute.
package gate

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"wanderer-kills/internal/errkind"

	"github.com/sony/gobreaker"
)

// Gate is one upstream's rate/flow control front door (one instance per
// upstream: zkb, esi).
type Gate struct {
	name    string
	bucket  *TokenBucket
	breaker *gobreaker.CircuitBreaker

	maxQueueDepth int
	dispatchEvery time.Duration

	mu      sync.Mutex
	queue   waiterHeap
	pending map[string]*pendingCall

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

type pendingCall struct {
	done   chan struct{}
	result any
	err    error
}

// Config bundles the tunables spec §4.4 and the Ambient Stack's
// CIRCUIT_FAILURE_THRESHOLD/CIRCUIT_RESET_AFTER env pair expose.
type Config struct {
	Name              string
	BucketCapacity    int
	RefillRatePerSec  float64
	FailureThreshold  int
	ResetAfter        time.Duration
	MaxQueueDepth     int
}

// New builds a Gate and starts its background dispatcher goroutine. Call
// Close to stop it.
func New(cfg Config) *Gate {
	g := &Gate{
		name:          cfg.Name,
		bucket:        NewTokenBucket(cfg.BucketCapacity, cfg.RefillRatePerSec),
		maxQueueDepth: cfg.MaxQueueDepth,
		dispatchEvery: 10 * time.Millisecond,
		pending:       make(map[string]*pendingCall),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// client_error (non-retryable 4xx other than 429) leaves the
			// circuit unaffected, per spec §4.4 Failure taxonomy.
			if kind, ok := errkind.As(err); ok && kind == errkind.ClientError {
				return true
			}
			return false
		},
	})

	go g.run()
	return g
}

// Close stops the dispatcher goroutine. Waiters still queued receive
// ctx.Err() once their caller's context is canceled; Close does not itself
// cancel in-flight waits.
func (g *Gate) Close() {
	g.once.Do(func() { close(g.stopCh) })
}

func (g *Gate) run() {
	ticker := time.NewTicker(g.dispatchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.dispatch()
		case <-g.wake:
			g.dispatch()
		}
	}
}

func (g *Gate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// dispatch pops queued waiters in priority order, spending one token per
// admitted waiter. A canceled waiter is discarded without spending a
// token, satisfying the "cancellation never leaks a token" contract.
func (g *Gate) dispatch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) > 0 {
		front := g.queue[0]
		if front.canceled {
			heap.Pop(&g.queue)
			continue
		}
		if !g.bucket.TryTake() {
			break
		}
		heap.Pop(&g.queue)
		close(front.ready)
	}
}

// acquire blocks until a token is admitted for priority, ctx is canceled,
// or the queue is at capacity (immediate queue_full rejection).
func (g *Gate) acquire(ctx context.Context, priority Priority) error {
	g.mu.Lock()
	if len(g.queue) >= g.maxQueueDepth {
		g.mu.Unlock()
		return errkind.New(errkind.QueueFull, "upstream gate queue full")
	}
	w := &waiter{priority: priority, enqueuedAt: time.Now(), ready: make(chan struct{})}
	heap.Push(&g.queue, w)
	g.mu.Unlock()
	g.signal()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		w.canceled = true
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Execute runs fn once a permit is admitted and the circuit is closed (or
// half-open and willing to probe), coalescing concurrent callers that share
// fingerprint when coalesce is true. fingerprint is ignored when coalesce
// is false or empty.
func (g *Gate) Execute(ctx context.Context, priority Priority, fingerprint string, coalesce bool, fn func(ctx context.Context) (any, error)) (any, error) {
	if coalesce && fingerprint != "" {
		return g.executeCoalesced(ctx, priority, fingerprint, fn)
	}
	return g.executeOnce(ctx, priority, fn)
}

func (g *Gate) executeCoalesced(ctx context.Context, priority Priority, fingerprint string, fn func(ctx context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	if pc, ok := g.pending[fingerprint]; ok {
		g.mu.Unlock()
		select {
		case <-pc.done:
			return pc.result, pc.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pc := &pendingCall{done: make(chan struct{})}
	g.pending[fingerprint] = pc
	g.mu.Unlock()

	pc.result, pc.err = g.executeOnce(ctx, priority, fn)

	g.mu.Lock()
	delete(g.pending, fingerprint)
	g.mu.Unlock()
	close(pc.done)

	return pc.result, pc.err
}

func (g *Gate) executeOnce(ctx context.Context, priority Priority, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := g.breaker.Execute(func() (any, error) {
		if acqErr := g.acquire(ctx, priority); acqErr != nil {
			return nil, acqErr
		}
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errkind.New(errkind.CircuitOpen, g.name+" circuit open")
		}
		return nil, err
	}
	return result, nil
}

// Stats is a point-in-time snapshot for health/metrics surfaces.
type Stats struct {
	Name         string
	QueueDepth   int
	Tokens       float64
	Capacity     float64
	BreakerState string
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	depth := len(g.queue)
	g.mu.Unlock()

	state := "closed"
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		state = "open"
	case gobreaker.StateHalfOpen:
		state = "half_open"
	}

	return Stats{
		Name:         g.name,
		QueueDepth:   depth,
		Tokens:       g.bucket.Tokens(),
		Capacity:     g.bucket.Capacity(),
		BreakerState: state,
	}
}
