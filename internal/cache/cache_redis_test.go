package cache_test

import (
	"context"
	"testing"
	"time"

	"wanderer-kills/internal/cache"
	"wanderer-kills/pkg/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) *cache.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedis(&database.Redis{Client: client}, nil, time.Hour)
}

func TestRedisPutGetRoundTripsPrimitive(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceCharacterInfo, "95465499", "Some Pilot")
	v, found := c.Get(ctx, cache.NamespaceCharacterInfo, "95465499")
	require.True(t, found)
	assert.Equal(t, "Some Pilot", v)
}

// A struct stored through Redis decodes back as map[string]interface{}, not
// its original type, since GetJSON round-trips every value through
// encoding/json into an any. A bare type assertion on the result would
// panic; GetTyped must paper over this.
type wireStruct struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

func TestRedisGetDecodesStructAsMap(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceKillmail, "1", wireStruct{Name: "Rifter", ID: 587})
	v, found := c.Get(ctx, cache.NamespaceKillmail, "1")
	require.True(t, found)

	_, ok := v.(wireStruct)
	assert.False(t, ok, "Redis.Get must not hand back the original struct type")
	_, ok = v.(map[string]interface{})
	assert.True(t, ok, "Redis.Get decodes structs as map[string]interface{}")
}

func TestGetTypedRecoversStructFromRedis(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceKillmail, "1", wireStruct{Name: "Rifter", ID: 587})

	got, found := cache.GetTyped[wireStruct](ctx, c, cache.NamespaceKillmail, "1")
	require.True(t, found)
	assert.Equal(t, wireStruct{Name: "Rifter", ID: 587}, got)
}

func TestGetTypedMissingKey(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	_, found := cache.GetTyped[wireStruct](ctx, c, cache.NamespaceKillmail, "missing")
	assert.False(t, found)
}
