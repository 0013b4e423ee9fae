package enrichment_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/enrichment"
	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/fetcher"
	"wanderer-kills/internal/gate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routingDoer answers differently depending on which ESI-shaped path was
// requested, counting calls per path so tests can assert coalescing.
type routingDoer struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
}

func newRoutingDoer() *routingDoer {
	return &routingDoer{calls: make(map[string]int)}
}

func (d *routingDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	d.mu.Lock()
	d.calls[path]++
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	var body string
	switch {
	case strings.Contains(path, "/characters/"):
		body = `{"name":"Some Pilot"}`
	case strings.Contains(path, "/killmails/"):
		body = `{"killmail_id":123,"killmail_time":"2024-01-01T12:00:00Z","solar_system_id":30000142,"victim":{"character_id":95465499,"damage_done":100},"attackers":[]}`
	default:
		body = `{"name":"Unknown"}`
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func newPipeline(t *testing.T, doer fetcher.Doer, workers int) (*enrichment.Pipeline, cache.Cache) {
	t.Helper()
	g := gate.New(gate.Config{Name: "test", BucketCapacity: 1000, RefillRatePerSec: 1000, FailureThreshold: 1000, ResetAfter: time.Second, MaxQueueDepth: 1000})
	t.Cleanup(g.Close)
	f := fetcher.New(doer, g, "wanderer-kills/1.0", fetcher.RetryConfig{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1, MaxRetries: 2})
	c := cache.NewMemory(nil, time.Hour)
	l := fetcher.NewLookups(f, c, "http://esi")
	return enrichment.New(l, c, workers), c
}

func sampleWire(killID int64, systemID int32, killTime string) *fetcher.WireKillmail {
	charID := int64(95465499)
	return &fetcher.WireKillmail{
		KillmailID:    killID,
		KillmailTime:  killTime,
		SolarSystemID: systemID,
		Victim:        fetcher.WireParticipant{CharacterID: &charID, DamageDone: 100},
		Attackers:     []fetcher.WireParticipant{{CharacterID: &charID, DamageDone: 50}},
	}
}

func TestProcessHappyPathNewFormat(t *testing.T) {
	p, _ := newPipeline(t, newRoutingDoer(), 2)
	cutoff := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	wire := sampleWire(123, 30000142, "2024-01-01T12:00:00Z")
	zkb := fetcher.WireZKB{TotalValue: 10_000_000.0, NPC: false, Hash: "abc"}

	res := p.Process(context.Background(), 123, wire, zkb, cutoff)
	require.Equal(t, enrichment.OutcomeOK, res.Outcome)
	assert.Equal(t, int64(123), res.Killmail.KillmailID)
	assert.Equal(t, 10_000_000.0, res.Killmail.TotalValue)
	assert.False(t, res.Killmail.NPC)
	assert.True(t, res.Killmail.Enriched)
	assert.Equal(t, "Some Pilot", res.Killmail.Victim.Names.Character)
}

func TestProcessSkipsKillTooOld(t *testing.T) {
	p, _ := newPipeline(t, newRoutingDoer(), 2)
	cutoff := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	wire := sampleWire(123, 30000142, "2024-01-01T12:00:00Z")

	res := p.Process(context.Background(), 123, wire, fetcher.WireZKB{}, cutoff)
	require.Equal(t, enrichment.OutcomeSkip, res.Outcome)
	kind, ok := errkind.As(res.Err)
	require.True(t, ok)
	assert.Equal(t, errkind.KillTooOld, kind)
}

func TestProcessErrorsOnInvalidFormat(t *testing.T) {
	p, _ := newPipeline(t, newRoutingDoer(), 2)
	wire := &fetcher.WireKillmail{KillmailID: 0, SolarSystemID: 0}

	res := p.Process(context.Background(), 0, wire, fetcher.WireZKB{}, time.Now().Add(-time.Hour))
	require.Equal(t, enrichment.OutcomeError, res.Outcome)
	kind, ok := errkind.As(res.Err)
	require.True(t, ok)
	assert.Equal(t, errkind.InvalidFormat, kind)
}

func TestProcessFetchesToFullForLegacyPackages(t *testing.T) {
	doer := newRoutingDoer()
	p, _ := newPipeline(t, doer, 2)
	cutoff := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	zkb := fetcher.WireZKB{Hash: "abc", TotalValue: 1.0}

	res := p.Process(context.Background(), 123, nil, zkb, cutoff)
	require.Equal(t, enrichment.OutcomeOK, res.Outcome)
	assert.Equal(t, int64(123), res.Killmail.KillmailID)

	doer.mu.Lock()
	defer doer.mu.Unlock()
	found := false
	for path := range doer.calls {
		if strings.Contains(path, "/killmails/") {
			found = true
		}
	}
	assert.True(t, found, "legacy package must trigger a fetch_full_killmail call")
}

func TestProcessPopulatesCharacterExtractionCache(t *testing.T) {
	p, c := newPipeline(t, newRoutingDoer(), 2)
	cutoff := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	wire := sampleWire(123, 30000142, "2024-01-01T12:00:00Z")

	res := p.Process(context.Background(), 123, wire, fetcher.WireZKB{}, cutoff)
	require.Equal(t, enrichment.OutcomeOK, res.Outcome)

	v, found := c.Get(context.Background(), cache.NamespaceCharacterExtraction, "123")
	require.True(t, found)
	ids := v.([]int64)
	assert.Contains(t, ids, int64(95465499))
}

func TestProcessBatchDedupesSharedCharacterLookups(t *testing.T) {
	doer := newRoutingDoer()
	doer.delay = 15 * time.Millisecond
	p, _ := newPipeline(t, doer, 4)
	cutoff := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

	items := []enrichment.BatchItem{
		{KillID: 1, Wire: sampleWire(1, 30000142, "2024-01-01T12:00:00Z")},
		{KillID: 2, Wire: sampleWire(2, 30000142, "2024-01-01T12:00:01Z")},
		{KillID: 3, Wire: sampleWire(3, 30000142, "2024-01-01T12:00:02Z")},
	}

	results := p.ProcessBatch(context.Background(), items, cutoff)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, enrichment.OutcomeOK, r.Outcome)
		assert.Equal(t, "Some Pilot", r.Killmail.Victim.Names.Character)
	}

	doer.mu.Lock()
	characterCalls := doer.calls["/characters/95465499/"]
	doer.mu.Unlock()
	assert.Less(t, int64(characterCalls), int64(len(items)), "concurrent identical lookups should coalesce below one call per item")
}
