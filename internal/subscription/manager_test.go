package subscription_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"wanderer-kills/internal/broadcaster"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDoer struct {
	mu   sync.Mutex
	urls []string
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.urls = append(d.urls, req.URL.String())
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

func newManager(t *testing.T, doer *recordingDoer) *subscription.Manager {
	t.Helper()
	st := store.New()
	c := cache.NewMemory(nil, time.Hour)
	bc := broadcaster.New(4)
	wh := webhook.New(doer, "wanderer-kills/1.0", time.Second, 10, 1)
	t.Cleanup(wh.Close)
	return subscription.New(st, c, bc, wh)
}

func int64p(v int64) *int64 { return &v }

func TestSubscribeValidatesBounds(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})

	_, err := mgr.Subscribe(subscription.CreateRequest{SubscriberID: "alice"})
	assert.Error(t, err)

	_, err = mgr.Subscribe(subscription.CreateRequest{SystemIDs: []int32{1}})
	assert.Error(t, err)

	many := make([]int32, 101)
	for i := range many {
		many[i] = int32(30000001 + i)
	}
	_, err = mgr.Subscribe(subscription.CreateRequest{SubscriberID: "alice", SystemIDs: many})
	assert.Error(t, err)
}

func TestSubscribeDedupesAndSortsIDs(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})

	id, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000144, 30000142, 30000142},
	})
	require.NoError(t, err)

	sub, ok := mgr.Get(id)
	require.True(t, ok)
	assert.Equal(t, []int32{30000142, 30000144}, sub.SystemIDs)
	assert.Equal(t, subscription.KindHTTP, sub.Kind)
}

func TestUnsubscribeSubscriberRemovesAll(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})

	id1, err := mgr.Subscribe(subscription.CreateRequest{SubscriberID: "alice", SystemIDs: []int32{1}})
	require.NoError(t, err)
	id2, err := mgr.Subscribe(subscription.CreateRequest{SubscriberID: "alice", SystemIDs: []int32{2}})
	require.NoError(t, err)

	mgr.UnsubscribeSubscriber("alice")

	_, ok := mgr.Get(id1)
	assert.False(t, ok)
	_, ok = mgr.Get(id2)
	assert.False(t, ok)
	assert.Equal(t, 0, mgr.Stats().TotalSubscriptions)
}

func TestUnsubscribeSubscriberIsIdempotent(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})
	mgr.UnsubscribeSubscriber("nobody")
	assert.Equal(t, 0, mgr.Stats().TotalSubscriptions)
}

func TestDispatchRoutesToMatchingSystemSubscription(t *testing.T) {
	doer := &recordingDoer{}
	mgr := newManager(t, doer)

	_, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000142},
		CallbackURL:  "https://example.com/hook",
		Kind:         subscription.KindHTTP,
	})
	require.NoError(t, err)

	km := killmail.Killmail{
		KillmailID: 1,
		SystemID:   30000142,
		KillTime:   time.Now(),
		Victim:     killmail.Participant{CharacterID: int64p(100)},
	}
	mgr.Dispatch(km)

	waitFor(t, func() bool { return doer.count() == 1 })
	assert.Equal(t, "https://example.com/hook", doer.urls[0])
}

func TestDispatchIgnoresNonMatchingSubscription(t *testing.T) {
	doer := &recordingDoer{}
	mgr := newManager(t, doer)

	_, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000999},
		CallbackURL:  "https://example.com/hook",
	})
	require.NoError(t, err)

	mgr.Dispatch(killmail.Killmail{KillmailID: 1, SystemID: 30000142, KillTime: time.Now()})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, doer.count())
}

func TestDispatchMatchesByCharacterID(t *testing.T) {
	doer := &recordingDoer{}
	mgr := newManager(t, doer)

	_, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "bob",
		CharacterIDs: []int64{100},
		CallbackURL:  "https://example.com/bob",
	})
	require.NoError(t, err)

	km := killmail.Killmail{
		KillmailID: 2,
		SystemID:   30000142,
		KillTime:   time.Now(),
		Attackers:  []killmail.Participant{{CharacterID: int64p(100)}},
	}
	mgr.Dispatch(km)

	waitFor(t, func() bool { return doer.count() == 1 })
}

func TestDispatchBatchGroupsBySubscription(t *testing.T) {
	doer := &recordingDoer{}
	mgr := newManager(t, doer)

	_, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000142},
		CallbackURL:  "https://example.com/hook",
	})
	require.NoError(t, err)

	kms := []killmail.Killmail{
		{KillmailID: 1, SystemID: 30000142, KillTime: time.Now()},
		{KillmailID: 2, SystemID: 30000142, KillTime: time.Now()},
	}
	mgr.DispatchBatch(kms)

	waitFor(t, func() bool { return doer.count() == 1 })
	assert.Equal(t, 1, doer.count())
}

func TestUpdateDiffAppliesOnlyProvidedFields(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})

	id, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{1},
		CallbackURL:  "https://example.com/old",
	})
	require.NoError(t, err)

	newSystems := []int32{2, 3}
	err = mgr.Update(id, subscription.UpdateRequest{SystemIDs: &newSystems})
	require.NoError(t, err)

	sub, ok := mgr.Get(id)
	require.True(t, ok)
	assert.Equal(t, []int32{2, 3}, sub.SystemIDs)
	assert.Equal(t, "https://example.com/old", sub.CallbackURL)
}

func TestUpdateUnknownSubscriptionReturnsNotFound(t *testing.T) {
	mgr := newManager(t, &recordingDoer{})
	err := mgr.Update("sub_missing", subscription.UpdateRequest{})
	assert.Error(t, err)
}

func TestPreloadDeliversRecentKillmailsWithinLookback(t *testing.T) {
	doer := &recordingDoer{}
	st := store.New()
	c := cache.NewMemory(nil, time.Hour)
	bc := broadcaster.New(4)
	wh := webhook.New(doer, "wanderer-kills/1.0", time.Second, 10, 1)
	defer wh.Close()
	mgr := subscription.New(st, c, bc, wh)

	st.InsertEvent(30000142, killmail.Killmail{KillmailID: 1, SystemID: 30000142, KillTime: time.Now()})
	st.InsertEvent(30000142, killmail.Killmail{KillmailID: 2, SystemID: 30000142, KillTime: time.Now().Add(-48 * time.Hour)})

	id, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000142},
		CallbackURL:  "https://example.com/hook",
	})
	require.NoError(t, err)

	err = mgr.Preload(context.Background(), id, time.Hour, 10)
	require.NoError(t, err)

	waitFor(t, func() bool { return doer.count() == 1 })
}

func TestPreloadSkipsWebSocketSubscriptions(t *testing.T) {
	doer := &recordingDoer{}
	st := store.New()
	c := cache.NewMemory(nil, time.Hour)
	bc := broadcaster.New(4)
	wh := webhook.New(doer, "wanderer-kills/1.0", time.Second, 10, 1)
	defer wh.Close()
	mgr := subscription.New(st, c, bc, wh)

	st.InsertEvent(30000142, killmail.Killmail{KillmailID: 1, SystemID: 30000142, KillTime: time.Now()})

	id, err := mgr.Subscribe(subscription.CreateRequest{
		SubscriberID: "alice",
		SystemIDs:    []int32{30000142},
		Kind:         subscription.KindWebSocket,
	})
	require.NoError(t, err)

	err = mgr.Preload(context.Background(), id, time.Hour, 10)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, doer.count())
}
