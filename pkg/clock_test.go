package pkg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_clock_monotonic_under_frozen_wall(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewCausalClockWithWall(func() time.Time { return frozen })

	first := clock.UtcNow()
	second := clock.UtcNow()
	third := clock.UtcNow()

	assert.Equal(t, frozen, first)
	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
}

func Test_clock_follows_wall(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewCausalClockWithWall(func() time.Time { return now })

	_ = clock.UtcNow()
	now = now.Add(time.Second)
	assert.Equal(t, now, clock.UtcNow())
}

func Test_clock_skew_backwards(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	clock := NewCausalClockWithWall(func() time.Time { return now })

	before := clock.UtcNow()
	now = now.Add(-5 * time.Second)
	after := clock.UtcNow()
	assert.Equal(t, before.Add(time.Nanosecond), after)
}

func Test_clock_merge_remote_ahead(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewCausalClockWithWall(func() time.Time { return now })

	remote := now.Add(time.Minute)
	merged := clock.MergeUtcNow(remote)
	require.Equal(t, remote.Add(time.Nanosecond), merged)
	assert.True(t, clock.UtcNow().After(merged))
}

func Test_clock_merge_remote_behind(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewCausalClockWithWall(func() time.Time { return now })

	merged := clock.MergeUtcNow(now.Add(-time.Minute))
	assert.Equal(t, now, merged)

	clock.Merge(now.Add(time.Hour))
	assert.Equal(t, now.Add(time.Hour+time.Nanosecond), clock.UtcNow())
}
