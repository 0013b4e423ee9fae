package broadcaster_test

import (
	"testing"

	"wanderer-kills/internal/broadcaster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribersOfTopic(t *testing.T) {
	b := broadcaster.New(4)
	s1 := b.Subscribe("system:30000142")
	s2 := b.Subscribe("system:30000142")

	b.Publish("system:30000142", "hello")

	assert.Equal(t, "hello", <-s1.Messages())
	assert.Equal(t, "hello", <-s2.Messages())
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := broadcaster.New(4)
	other := b.Subscribe("system:30000999")

	b.Publish("system:30000142", "hello")

	select {
	case <-other.Messages():
		t.Fatal("subscriber on a different topic must not receive the message")
	default:
	}
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	b := broadcaster.New(4)
	assert.NotPanics(t, func() { b.Publish("all_systems", "hello") })
}

func TestFullMailboxDropsRatherThanBlocks(t *testing.T) {
	b := broadcaster.New(1)
	sub := b.Subscribe("all_systems")

	b.Publish("all_systems", "first")
	b.Publish("all_systems", "second") // mailbox already full, must drop not block

	assert.Equal(t, int64(1), sub.Dropped())
	assert.Equal(t, "first", <-sub.Messages())
}

func TestUnsubscribeClosesMailboxAndStopsDelivery(t *testing.T) {
	b := broadcaster.New(4)
	sub := b.Subscribe("all_systems")
	b.Unsubscribe(sub)

	require.Equal(t, 0, b.SubscriberCount("all_systems"))
	b.Publish("all_systems", "hello") // must not panic sending on a removed/closed channel

	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestSubscriberCountTracksLiveSubscribers(t *testing.T) {
	b := broadcaster.New(4)
	assert.Equal(t, 0, b.SubscriberCount("all_systems"))
	s1 := b.Subscribe("all_systems")
	b.Subscribe("all_systems")
	assert.Equal(t, 2, b.SubscriberCount("all_systems"))
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount("all_systems"))
}
