package novarfb

import (
	"sync/atomic"
	"time"
)

// ConnContext tracks the pending-byte quota and the input token bucket of
// one connection.
type ConnContext struct {
	bufferUsed int64
	maxBuffer  int64
	tokens     int64
	lastRefill int64
	rate       int64
	burst      int64
}

// NewConnContext starts the bucket holding InputRate tokens.
func NewConnContext(l Limits) *ConnContext {
	now := time.Now().UnixNano()
	return &ConnContext{
		maxBuffer:  int64(l.MaxPending),
		tokens:     int64(l.InputRate),
		lastRefill: now,
		rate:       int64(l.InputRate),
		burst:      int64(l.InputBurst),
	}
}

// Reserve accounts for n more pending bytes and reports whether the total
// is still within the quota.
func (c *ConnContext) Reserve(n int) bool {
	used := atomic.AddInt64(&c.bufferUsed, int64(n))
	return c.maxBuffer <= 0 || used <= c.maxBuffer
}

func (c *ConnContext) Release(n int) {
	atomic.AddInt64(&c.bufferUsed, -int64(n))
}

// Used reports the bytes currently reserved.
func (c *ConnContext) Used() int {
	return int(atomic.LoadInt64(&c.bufferUsed))
}

// Allow takes one input token. A zero rate never limits.
func (c *ConnContext) Allow() bool {
	if c.rate <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	elapsed := now - c.lastRefill

	add := elapsed * c.rate / int64(time.Second)
	if add > 0 {
		newTokens := c.tokens + add
		if newTokens > c.burst {
			newTokens = c.burst
		}
		c.tokens = newTokens
		c.lastRefill = now
	}

	if c.tokens <= 0 {
		return false
	}

	c.tokens--
	return true
}
