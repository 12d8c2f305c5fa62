package keybridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnLimits bounds what a single remote host connection may consume.
type ConnLimits struct {
	MaxBuffer int64 // bytes buffered but not yet dispatched
	Rate      int64 // calls per second
	Burst     int64 // token bucket capacity
	Initial   int64 // tokens available at connect
}

// DefaultConnLimits is used by NewConnContext.
var DefaultConnLimits = ConnLimits{
	MaxBuffer: 256 * 1024,
	Rate:      100,
	Burst:     200,
	Initial:   100,
}

// ConnContext tracks buffer usage and call rate for one connection.
type ConnContext struct {
	bufferUsed int64
	limits     ConnLimits

	mu         sync.Mutex
	tokens     int64
	lastRefill time.Time
}

func NewConnContext() *ConnContext {
	return NewConnContextWithLimits(DefaultConnLimits)
}

func NewConnContextWithLimits(l ConnLimits) *ConnContext {
	return &ConnContext{
		limits:     l,
		tokens:     l.Initial,
		lastRefill: time.Now(),
	}
}

// Reserve accounts n buffered bytes and reports whether the quota still holds.
func (c *ConnContext) Reserve(n int) bool {
	used := atomic.AddInt64(&c.bufferUsed, int64(n))
	return used <= c.limits.MaxBuffer
}

func (c *ConnContext) Release(n int) {
	atomic.AddInt64(&c.bufferUsed, -int64(n))
}

// Allow takes one call token, refilling the bucket from elapsed time.
func (c *ConnContext) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	add := int64(now.Sub(c.lastRefill)) * c.limits.Rate / int64(time.Second)
	if add > 0 {
		c.tokens = min(c.tokens+add, c.limits.Burst)
		c.lastRefill = now
	}

	if c.tokens <= 0 {
		return false
	}
	c.tokens--
	return true
}
