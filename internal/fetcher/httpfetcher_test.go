package fetcher_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/fetcher"
	"wanderer-kills/internal/gate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedDoer struct {
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	r := d.responses[d.calls]
	d.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(strings.NewReader(r.body))}, nil
}

func testGate(t *testing.T) *gate.Gate {
	t.Helper()
	g := gate.New(gate.Config{
		Name:             "test",
		BucketCapacity:   100,
		RefillRatePerSec: 100,
		FailureThreshold: 100,
		ResetAfter:       time.Second,
		MaxQueueDepth:    100,
	})
	t.Cleanup(g.Close)
	return g
}

func fastRetry() fetcher.RetryConfig {
	return fetcher.RetryConfig{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2, MaxRetries: 4}
}

func TestFetchJSONSucceedsFirstTry(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 200, body: `{"name":"Test Pilot"}`}}}
	f := fetcher.New(doer, testGate(t), "wanderer-kills/1.0", fastRetry())

	var out struct {
		Name string `json:"name"`
	}
	err := f.FetchJSON(context.Background(), gate.PriorityRealtime, "", false, "http://upstream/x", &out)
	require.NoError(t, err)
	assert.Equal(t, "Test Pilot", out.Name)
	assert.Equal(t, 1, doer.calls)
}

func TestFetchJSONRetriesOn500ThenSucceeds(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{
		{status: 500, body: ""},
		{status: 200, body: `{"name":"Test Pilot"}`},
	}}
	f := fetcher.New(doer, testGate(t), "wanderer-kills/1.0", fastRetry())

	var out struct {
		Name string `json:"name"`
	}
	err := f.FetchJSON(context.Background(), gate.PriorityRealtime, "", false, "http://upstream/x", &out)
	require.NoError(t, err)
	assert.Equal(t, 2, doer.calls)
}

func TestFetchJSONRetriesOn429(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{
		{status: 429, body: ""},
		{status: 200, body: `{"name":"ok"}`},
	}}
	f := fetcher.New(doer, testGate(t), "wanderer-kills/1.0", fastRetry())

	var out struct {
		Name string `json:"name"`
	}
	err := f.FetchJSON(context.Background(), gate.PriorityRealtime, "", false, "http://upstream/x", &out)
	require.NoError(t, err)
	assert.Equal(t, 2, doer.calls)
}

func TestFetchJSONClientErrorDoesNotRetry(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 404, body: ""}}}
	f := fetcher.New(doer, testGate(t), "wanderer-kills/1.0", fastRetry())

	err := f.FetchJSON(context.Background(), gate.PriorityRealtime, "", false, "http://upstream/x", nil)
	require.Error(t, err)
	kind, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.ClientError, kind)
	assert.Equal(t, 1, doer.calls, "a non-retryable client error must not be retried")
}

func TestFetchJSONExhaustsRetriesOnNetworkError(t *testing.T) {
	networkErr := errors.New("connection refused")
	doer := &scriptedDoer{responses: []scriptedResponse{
		{err: networkErr}, {err: networkErr}, {err: networkErr}, {err: networkErr},
	}}
	f := fetcher.New(doer, testGate(t), "wanderer-kills/1.0", fastRetry())

	err := f.FetchJSON(context.Background(), gate.PriorityRealtime, "", false, "http://upstream/x", nil)
	require.Error(t, err)
	kind, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.ConnectionFailed, kind)
	assert.Equal(t, 4, doer.calls)
}
