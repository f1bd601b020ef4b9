package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	c.SetTTL("a", "x", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_DeletePrefix(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.Set("room-1:a", 1)
	c.Set("room-1:b", 2)
	c.Set("room-2:a", 3)

	c.DeletePrefix("room-1:")

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("room-2:a")
	assert.True(t, ok)
}

func TestCache_GetOrFill(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	calls := 0
	fill := func() (int, error) {
		calls++
		return 7, nil
	}

	v, err := c.GetOrFill("a", fill)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = c.GetOrFill("a", fill)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, calls)

	_, err = c.GetOrFill("b", func() (int, error) { return 0, errors.New("nope") })
	assert.Error(t, err)
	assert.Equal(t, 1, c.Len())
}
