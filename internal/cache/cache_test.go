package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_GetSet(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", 2)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.Equal(t, 0.5, c.Stats().HitRatio())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](2, WithEvictCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRU_PeekDoesNotTouch(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)
	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	c.Set("c", 3)

	_, ok = c.Peek("a")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Hits())
}

func TestLRU_DeleteAndClear(t *testing.T) {
	var removed []string
	c, err := NewLRU[string](4, WithEvictCallback(func(key, _ string) {
		removed = append(removed, key)
	}))
	require.NoError(t, err)
	c.Set("a", "x")
	c.Set("b", "y")
	c.Set("c", "z")

	assert.True(t, c.Delete("b"))
	assert.False(t, c.Delete("b"))
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Equal(t, []string{"b", "a", "c"}, removed)
}

func TestLRU_Validation(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.Error(t, err)

	c, err := NewLRU[int](1)
	require.NoError(t, err)
	_, err = c.Set("", 1)
	assert.Error(t, err)
}

func TestLRU_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewLRU[int](1, WithMetrics[int](reg, "plans"))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("b")
	c.Get("a")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		m := f.GetMetric()[0]
		if m.GetCounter() != nil {
			values[f.GetName()] = m.GetCounter().GetValue()
		} else {
			values[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["voike_cache_hits_total"])
	assert.Equal(t, 1.0, values["voike_cache_misses_total"])
	assert.Equal(t, 2.0, values["voike_cache_sets_total"])
	assert.Equal(t, 1.0, values["voike_cache_evictions_total"])
	assert.Equal(t, 1.0, values["voike_cache_size"])

	_, err = NewLRU[int](1, WithMetrics[int](reg, "plans"))
	assert.Error(t, err)
}

func TestLRU_Concurrent(t *testing.T) {
	c, err := NewLRU[int](16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (n+j)%32)
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
