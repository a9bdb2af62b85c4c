package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[string, int](time.Second).WithClock(func() time.Time { return now })

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry expires exactly at ttl")

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoad(t *testing.T) {
	c := NewTTL[string, int](time.Minute)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("k", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := NewTTL[string, int](time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad("k", func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestRunJanitorPurgesExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[string, int](time.Second).WithClock(func() time.Time { return now })
	c.Set("old", 1)
	later := now.Add(time.Hour)
	c.WithClock(func() time.Time { return later })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunJanitor(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestRunJanitorWithoutTTLReturns(t *testing.T) {
	c := NewTTL[string, int](0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunJanitor(context.Background(), 0)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor with no interval should return immediately")
	}
}
