package invoker

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// outputBudget is the byte ceiling shared by a child's stdout and stderr.
type outputBudget struct {
	max  int64
	used atomic.Int64
	once sync.Once
	trip func()
}

func (b *outputBudget) exceeded() bool {
	return b.max > 0 && b.used.Load() > b.max
}

// cappedBuffer keeps bytes until the shared budget runs out, then drops
// the rest and fires the budget's trip function once.
type cappedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	budget *outputBudget
}

func newCappedBuffer(budget *outputBudget) *cappedBuffer {
	return &cappedBuffer{budget: budget}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.budget.max > 0 {
		used := c.budget.used.Add(int64(n))
		if used > c.budget.max {
			keep := int64(n) - (used - c.budget.max)
			if keep > 0 {
				c.mu.Lock()
				c.buf.Write(p[:keep])
				c.mu.Unlock()
			}
			if c.budget.trip != nil {
				c.budget.once.Do(c.budget.trip)
			}
			// Report success so the copier keeps draining the pipe while the
			// child is being stopped.
			return n, nil
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Tail returns at most n trailing bytes of s.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
