package store_test

import (
	"testing"
	"time"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKillmail(id int64, systemID int32) killmail.Killmail {
	return killmail.Killmail{
		KillmailID: id,
		KillTime:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		SystemID:   systemID,
		Victim:     killmail.Participant{Damage: 100},
	}
}

func TestInsertEventMonotonicity(t *testing.T) {
	s := store.New()
	e1 := s.InsertEvent(30000142, sampleKillmail(1, 30000142))
	e2 := s.InsertEvent(30000142, sampleKillmail(2, 30000142))
	assert.Less(t, e1.EventID, e2.EventID)
}

func TestPerSystemOrderPreserved(t *testing.T) {
	s := store.New()
	s.InsertEvent(30000142, sampleKillmail(1, 30000142))
	s.InsertEvent(30000999, sampleKillmail(2, 30000999))
	s.InsertEvent(30000142, sampleKillmail(3, 30000142))

	events := s.FetchForClient("client-a", []int32{30000142})
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Killmail.KillmailID)
	assert.Equal(t, int64(3), events[1].Killmail.KillmailID)
	assert.Less(t, events[0].EventID, events[1].EventID)
}

func TestOffsetAdvancementIsIdempotent(t *testing.T) {
	s := store.New()
	s.InsertEvent(30000142, sampleKillmail(1, 30000142))

	first := s.FetchForClient("client-a", []int32{30000142})
	require.Len(t, first, 1)

	second := s.FetchForClient("client-a", []int32{30000142})
	assert.Empty(t, second, "repeated fetch with no new inserts must return empty")
}

func TestAtLeastOnceVisibility(t *testing.T) {
	s := store.New()
	s.InsertEvent(30000142, sampleKillmail(1, 30000142))

	events := s.FetchForClient("late-client", []int32{30000142})
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Killmail.KillmailID)
}

func TestFetchOneEventAdvancesOnlyThatSystem(t *testing.T) {
	s := store.New()
	s.InsertEvent(1, sampleKillmail(1, 1))
	s.InsertEvent(2, sampleKillmail(2, 2))

	ev, ok := s.FetchOneEvent("c", []int32{1, 2})
	require.True(t, ok)

	offsets := s.GetClientOffsets("c")
	assert.Equal(t, ev.EventID, offsets[ev.SystemID])
	other := int32(1)
	if ev.SystemID == 1 {
		other = 2
	}
	assert.Zero(t, offsets[other])
}

func TestPutSkipsIdenticalRestore(t *testing.T) {
	s := store.New()
	km := sampleKillmail(1, 30000142)

	_, inserted := s.Put(30000142, km)
	assert.True(t, inserted)

	_, insertedAgain := s.Put(30000142, km)
	assert.False(t, insertedAgain, "identical re-store must not append a new event")

	assert.Equal(t, 1, s.TotalEvents())
}

func TestPutAppendsOnChange(t *testing.T) {
	s := store.New()
	km := sampleKillmail(1, 30000142)
	s.Put(30000142, km)

	km.Enriched = true
	_, inserted := s.Put(30000142, km)
	assert.True(t, inserted, "a changed record must append a new event")
}

func TestEvictOldestHonorsGlobalInsertOrder(t *testing.T) {
	s := store.New()
	for i := int64(1); i <= 5; i++ {
		s.InsertEvent(30000142, sampleKillmail(i, 30000142))
	}
	evicted := s.EvictOldest(2)
	assert.Equal(t, 3, evicted)
	assert.Equal(t, 2, s.TotalEvents())

	remaining := s.ListBySystem(30000142)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(4), remaining[0].KillmailID)
	assert.Equal(t, int64(5), remaining[1].KillmailID)
}

func TestKillCounts(t *testing.T) {
	s := store.New()
	s.IncrementSystemKillCount(1)
	s.IncrementSystemKillCount(1)
	assert.Equal(t, int64(2), s.GetSystemKillCount(1))
	assert.Equal(t, int64(0), s.GetSystemKillCount(2))
}
