package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLRU_Capacity(t *testing.T) {
	testCases := []struct {
		name      string
		capacity  int
		expectCap int
	}{
		{"default capacity", 0, DefaultCapacity},
		{"negative capacity", -3, DefaultCapacity},
		{"custom capacity", 5, 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewLRU[string, int](tc.capacity)
			assert.Equal(t, tc.expectCap, c.Capacity())
			assert.Zero(t, c.Len())
		})
	}
}

func TestLRU_SetGet(t *testing.T) {
	c := NewLRU[string, int](2)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Zero(t, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the eviction candidate.
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_GetOrCreate(t *testing.T) {
	c := NewLRU[string, string](4)
	calls := 0
	create := func(k string) (string, error) {
		calls++
		if k == "bad" {
			return "", errors.New("cannot build")
		}
		return k + "!", nil
	}

	v, err := c.GetOrCreate("x", create)
	require.NoError(t, err)
	assert.Equal(t, "x!", v)

	v, err = c.GetOrCreate("x", create)
	require.NoError(t, err)
	assert.Equal(t, "x!", v)
	assert.Equal(t, 1, calls)

	_, err = c.GetOrCreate("bad", create)
	assert.Error(t, err)
	_, err = c.GetOrCreate("bad", create)
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "errors are not cached")
}

func TestLRU_Concurrent(t *testing.T) {
	c := NewLRU[int, int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Set(g*100+i, i)
				_, _ = c.Get(g*100 + i)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
}
