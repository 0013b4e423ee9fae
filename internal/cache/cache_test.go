package cache_test

import (
	"context"
	"testing"
	"time"

	"wanderer-kills/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	c := cache.NewMemory(nil, time.Hour)
	ctx := context.Background()

	_, found := c.Get(ctx, cache.NamespaceCharacterInfo, "95465499")
	assert.False(t, found)

	c.Put(ctx, cache.NamespaceCharacterInfo, "95465499", "Some Pilot")
	v, found := c.Get(ctx, cache.NamespaceCharacterInfo, "95465499")
	require.True(t, found)
	assert.Equal(t, "Some Pilot", v)
}

func TestMemoryPerNamespaceTTL(t *testing.T) {
	ttls := map[string]time.Duration{
		cache.NamespaceCharacterExtraction: time.Millisecond,
	}
	c := cache.NewMemory(ttls, time.Hour)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceCharacterExtraction, "123", []int64{1, 2})
	time.Sleep(5 * time.Millisecond)

	_, found := c.Get(ctx, cache.NamespaceCharacterExtraction, "123")
	assert.False(t, found, "expired entry must report missing, not error")
}

func TestMemoryDeleteAndExists(t *testing.T) {
	c := cache.NewMemory(nil, time.Hour)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceShipType, "670", "Capsule")
	assert.True(t, c.Exists(ctx, cache.NamespaceShipType, "670"))

	c.Delete(ctx, cache.NamespaceShipType, "670")
	assert.False(t, c.Exists(ctx, cache.NamespaceShipType, "670"))
}

func TestMemorySizeIsolatesNamespaces(t *testing.T) {
	c := cache.NewMemory(nil, time.Hour)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceCharacterInfo, "1", "a")
	c.Put(ctx, cache.NamespaceCharacterInfo, "2", "b")
	c.Put(ctx, cache.NamespaceCorporationInfo, "1", "c")

	assert.Equal(t, 2, c.Size(cache.NamespaceCharacterInfo))
	assert.Equal(t, 1, c.Size(cache.NamespaceCorporationInfo))
}
