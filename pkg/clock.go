package pkg

import (
	"sync"
	"time"
)

// CausalClock 产生严格递增的时间戳, 并合并远端观察到的时间戳
type CausalClock struct {
	mux      sync.Mutex
	previous time.Time
	wall     func() time.Time
}

func NewCausalClock() *CausalClock {
	return NewCausalClockWithWall(time.Now)
}

// 测试时可以注入墙上时钟
func NewCausalClockWithWall(wall func() time.Time) *CausalClock {
	return &CausalClock{wall: wall}
}

func (c *CausalClock) UtcNow() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.advance(c.previous.Add(time.Nanosecond))
}

func (c *CausalClock) MergeUtcNow(observed time.Time) time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	floor := c.previous.Add(time.Nanosecond)
	if o := observed.Add(time.Nanosecond); o.After(floor) {
		floor = o
	}
	return c.advance(floor)
}

// Merge 只吸收远端的时间戳, 不产生新的时间
func (c *CausalClock) Merge(observed time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if observed.After(c.previous) {
		c.previous = observed.UTC()
	}
}

func (c *CausalClock) advance(floor time.Time) time.Time {
	now := c.wall().UTC().Round(0)
	if floor.After(now) {
		now = floor.UTC()
	}
	c.previous = now
	return now
}
