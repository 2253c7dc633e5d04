package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheGetSet(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(10, nil)

	_, ok := mc.Get(ctx, "missing")
	assert.False(t, ok)

	mc.Set(ctx, "whois:example.com", []byte(`{"registrar":"Example"}`), time.Minute)
	got, ok := mc.Get(ctx, "whois:example.com")
	require.True(t, ok)
	assert.Equal(t, `{"registrar":"Example"}`, string(got))

	mc.Delete(ctx, "whois:example.com")
	_, ok = mc.Get(ctx, "whois:example.com")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache(10, nil)
	mc.now = func() time.Time { return now }

	mc.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := mc.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = mc.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Len())
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache(2, nil)
	mc.now = func() time.Time { return now }

	mc.Set(ctx, "short", []byte("1"), time.Minute)
	mc.Set(ctx, "long", []byte("2"), time.Hour)
	mc.Set(ctx, "new", []byte("3"), time.Hour)

	assert.Equal(t, 2, mc.Len())
	_, ok := mc.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = mc.Get(ctx, "long")
	assert.True(t, ok)

	// Overwriting an existing key never evicts.
	mc.Set(ctx, "long", []byte("4"), time.Hour)
	assert.Equal(t, 2, mc.Len())
}

func TestMemoryCacheEvictsExpiredFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache(2, nil)
	mc.now = func() time.Time { return now }

	mc.Set(ctx, "a", []byte("1"), time.Minute)
	mc.Set(ctx, "b", []byte("2"), time.Minute)
	now = now.Add(time.Hour)
	mc.Set(ctx, "c", []byte("3"), time.Minute)

	assert.Equal(t, 1, mc.Len())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(10, nil)

	type geo struct {
		Country string `json:"country"`
		ASN     int    `json:"asn"`
	}
	require.NoError(t, SetJSON(ctx, mc, Key("geoip", "8.8.8.8"), geo{Country: "US", ASN: 15169}, time.Minute))

	var got geo
	require.True(t, GetJSON(ctx, mc, "geoip:8.8.8.8", &got))
	assert.Equal(t, geo{Country: "US", ASN: 15169}, got)

	mc.Set(ctx, "broken", []byte("{"), time.Minute)
	assert.False(t, GetJSON(ctx, mc, "broken", &got))
	_, ok := mc.Get(ctx, "broken")
	assert.False(t, ok)

	assert.Error(t, SetJSON(ctx, mc, "chan", make(chan int), time.Minute))
}

func TestNewFallsBackToMemory(t *testing.T) {
	c := New(Config{}, nil)
	_, ok := c.(*MemoryCache)
	assert.True(t, ok)

	c = New(Config{RedisURL: "not a redis url", Size: 5}, nil)
	mc, ok := c.(*MemoryCache)
	require.True(t, ok)
	assert.Equal(t, 5, mc.maxSize)
	assert.NoError(t, c.Close())
}
