// Package webhook implements the WebhookNotifier (spec §4.10, component
// C10): validates callback URLs, POSTs JSON payloads with a bounded
// worker pool, and drops the oldest queued job rather than blocking the
// caller when the queue is full.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/gate"
	"wanderer-kills/internal/killmail"
)

// Job is one queued delivery.
type Job struct {
	URL      string
	SubID    string
	Payload  any
	Priority gate.Priority
}

// KillmailUpdatePayload builds the killmail_update webhook/broadcast body
// (spec §6 downstream REST API payload shapes).
func KillmailUpdatePayload(systemID int32, kills []killmail.Killmail) map[string]any {
	return map[string]any{
		"type":      "killmail_update",
		"system_id": systemID,
		"kills":     kills,
		"timestamp": time.Now().UTC(),
	}
}

// KillmailCountUpdatePayload builds the killmail_count_update body.
func KillmailCountUpdatePayload(systemID int32, count int64) map[string]any {
	return map[string]any{
		"type":      "killmail_count_update",
		"system_id": systemID,
		"count":     count,
		"timestamp": time.Now().UTC(),
	}
}

// Doer is the HTTP client seam, shared with internal/fetcher for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier is a bounded worker pool delivering webhook jobs.
type Notifier struct {
	client    Doer
	userAgent string
	timeout   time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Job
	maxDepth int
	dropped  int64

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds a Notifier and starts workers background goroutines.
func New(client Doer, userAgent string, timeout time.Duration, maxDepth, workers int) *Notifier {
	if workers < 1 {
		workers = 1
	}
	n := &Notifier{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
		maxDepth:  maxDepth,
		stopCh:    make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Close signals the workers to stop and waits for them to exit; each worker
// first delivers every job still queued. Enqueue does not check for Close: a
// job enqueued after Close is queued but never delivered.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.stopCh)
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	})
	n.wg.Wait()
}

// Enqueue validates job.URL and queues it. If the queue is at capacity the
// oldest queued job is dropped to make room — newest-job priority, since a
// stale notification is less useful than a fresh one.
func (n *Notifier) Enqueue(job Job) error {
	if err := validateCallbackURL(job.URL); err != nil {
		return err
	}

	n.mu.Lock()
	if n.maxDepth > 0 && len(n.queue) >= n.maxDepth {
		n.queue = n.queue[1:]
		n.dropped++
		slog.Warn("webhook queue full, dropping oldest job", "dropped_total", n.dropped)
	}
	n.queue = append(n.queue, job)
	n.cond.Signal()
	n.mu.Unlock()
	return nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errkind.Wrap(errkind.Validation, "invalid callback_url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errkind.New(errkind.Validation, "callback_url must be http or https")
	}
	if u.Host == "" {
		return errkind.New(errkind.Validation, "callback_url missing host")
	}
	return nil
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		job, ok := n.dequeue()
		if !ok {
			return
		}
		n.deliver(job)
	}
}

func (n *Notifier) dequeue() (Job, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.queue) == 0 {
		select {
		case <-n.stopCh:
			return Job{}, false
		default:
		}
		n.cond.Wait()
		select {
		case <-n.stopCh:
			if len(n.queue) == 0 {
				return Job{}, false
			}
		default:
		}
	}
	job := n.queue[0]
	n.queue = n.queue[1:]
	return job, true
}

func (n *Notifier) deliver(job Job) {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		slog.Error("webhook payload marshal failed", "sub_id", job.SubID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook request build failed", "sub_id", job.SubID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "sub_id", job.SubID, "url", job.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("webhook endpoint returned error status", "sub_id", job.SubID, "url", job.URL, "status", resp.StatusCode)
	}
}

// QueueDepth reports the current number of jobs waiting for a worker.
func (n *Notifier) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Dropped reports how many jobs were discarded due to queue overflow.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
