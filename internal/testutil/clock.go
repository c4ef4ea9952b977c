package testutil

import "sync"

// OrderClock hands out strictly increasing command orders for tests, the
// way a source hands out offsets.
//
// Unlike a real source, OrderClock can be reset so the same scenario can run
// several times with identical orders.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type OrderClock struct {
	mu    sync.Mutex
	order int64
}

// NewOrderClock creates a clock whose first Next() returns 1.
func NewOrderClock() *OrderClock {
	return &OrderClock{}
}

// Next increments and returns the next order.
func (c *OrderClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order++
	return c.order
}

// Current returns the last order handed out without incrementing.
func (c *OrderClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

// Reset rewinds the clock so the next call to Next() returns 1.
func (c *OrderClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = 0
}
