package webhook_test

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"wanderer-kills/internal/gate"
	"wanderer-kills/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDoer struct {
	mu    sync.Mutex
	urls  []string
	bodies []string
	headers []http.Header
	delay time.Duration
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	body, _ := io.ReadAll(req.Body)
	d.mu.Lock()
	d.urls = append(d.urls, req.URL.String())
	d.bodies = append(d.bodies, string(body))
	d.headers = append(d.headers, req.Header.Clone())
	d.mu.Unlock()
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (d *recordingDoer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueRejectsInvalidCallbackURL(t *testing.T) {
	doer := &recordingDoer{}
	n := webhook.New(doer, "wanderer-kills/1.0", time.Second, 10, 1)
	defer n.Close()

	err := n.Enqueue(webhook.Job{URL: "not-a-url", Payload: "x"})
	require.Error(t, err)

	err = n.Enqueue(webhook.Job{URL: "ftp://example.com", Payload: "x"})
	require.Error(t, err)
}

func TestEnqueueDeliversWithExpectedHeaders(t *testing.T) {
	doer := &recordingDoer{}
	n := webhook.New(doer, "wanderer-kills/1.0", time.Second, 10, 1)
	defer n.Close()

	err := n.Enqueue(webhook.Job{URL: "https://example.com/hook", SubID: "sub_1", Payload: webhook.KillmailCountUpdatePayload(30000142, 5)})
	require.NoError(t, err)

	waitFor(t, func() bool { return doer.count() == 1 })
	assert.Equal(t, "https://example.com/hook", doer.urls[0])
	assert.Equal(t, "application/json", doer.headers[0].Get("Content-Type"))
	assert.Equal(t, "wanderer-kills/1.0", doer.headers[0].Get("User-Agent"))
	assert.Contains(t, doer.bodies[0], "killmail_count_update")
}

func TestQueueOverflowDropsOldestJob(t *testing.T) {
	doer := &recordingDoer{delay: 50 * time.Millisecond}
	n := webhook.New(doer, "wanderer-kills/1.0", time.Second, 1, 1)
	defer n.Close()

	// First job gets picked up by the single worker immediately, leaving the
	// queue empty; enqueue two more to fill (depth 1) then overflow it.
	require.NoError(t, n.Enqueue(webhook.Job{URL: "https://example.com/a", Payload: "a"}))
	time.Sleep(5 * time.Millisecond) // let the worker claim job "a"
	require.NoError(t, n.Enqueue(webhook.Job{URL: "https://example.com/b", Payload: "b"}))
	require.NoError(t, n.Enqueue(webhook.Job{URL: "https://example.com/c", Payload: "c"}))

	assert.Equal(t, int64(1), n.Dropped())
}

func TestPriorityFieldIsCarriedOnTheJob(t *testing.T) {
	job := webhook.Job{URL: "https://example.com", Priority: gate.PriorityBackground}
	assert.Equal(t, gate.PriorityBackground, job.Priority)
}
