// Package capacity tracks vehicle occupancy against a fixed capacity.
package capacity

import "sync/atomic"

// Counter is an occupancy value clamped to [0, capacity]. Adjustments are
// compare-and-swap against the current value, so racing callers never push it
// out of range.
type Counter struct {
	capacity int64
	value    atomic.Int64
}

func NewCounter(capacity, initial int) *Counter {
	if capacity < 0 {
		capacity = 0
	}
	c := &Counter{capacity: int64(capacity)}
	c.value.Store(c.clamp(int64(initial)))
	return c
}

func (c *Counter) clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > c.capacity {
		return c.capacity
	}
	return v
}

// Adjust adds delta and returns the clamped result.
func (c *Counter) Adjust(delta int) int {
	for {
		cur := c.value.Load()
		next := c.clamp(cur + int64(delta))
		if c.value.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// Set overwrites the value, clamped.
func (c *Counter) Set(v int) int {
	n := c.clamp(int64(v))
	c.value.Store(n)
	return int(n)
}

func (c *Counter) Value() int    { return int(c.value.Load()) }
func (c *Counter) Capacity() int { return int(c.capacity) }

// Percent is the rounded share of capacity in use.
func (c *Counter) Percent() int {
	if c.capacity == 0 {
		return 0
	}
	return int((c.value.Load()*100 + c.capacity/2) / c.capacity)
}
