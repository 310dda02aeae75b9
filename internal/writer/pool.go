package writer

import (
	"sync"
	"sync/atomic"
)

// Pool is a named group of connections whose aggregate outbound rate may be
// capped across all writer threads.
type Pool struct {
	Name string

	// Limit is the aggregate rate in KB/s, 0 for none.
	Limit int

	mu    sync.Mutex
	rates map[int]int // writer thread slot -> that thread's measured rate

	bytesSent atomic.Int64
	jobs      atomic.Int64
}

// NewPool creates a pool with an aggregate rate limit (0 disables it).
func NewPool(name string, limit int) *Pool {
	return &Pool{Name: name, Limit: limit, rates: make(map[int]int)}
}

// BytesSent is the number of bytes transmitted by released jobs.
func (p *Pool) BytesSent() int64 { return p.bytesSent.Load() }

// Jobs is the number of jobs submitted for this pool.
func (p *Pool) Jobs() int64 { return p.jobs.Load() }

// totalRate publishes the rate measured by one writer thread and returns the
// sum over all threads together with the number of threads currently
// sending for the pool (at least one).
func (p *Pool) totalRate(slot, rate int) (total, threads int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rates[slot] = rate
	for _, r := range p.rates {
		total += r
		if r > 0 {
			threads++
		}
	}
	return total, max(threads, 1)
}
