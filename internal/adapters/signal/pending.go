package signal

import (
	"sync"
)

// call is one request waiting for its result.
type call struct {
	req    Request
	done   chan struct{}
	result any
	err    error
}

// pendingTable correlates in-flight requests with their results. An entry is
// popped exactly once: either by the result or by the timeout, whichever comes
// first. The loser finds nothing and its outcome is dropped.
type pendingTable struct {
	mu    sync.Mutex
	seq   uint64
	queue map[uint64]*call
}

func newPendingTable() *pendingTable {
	return &pendingTable{queue: make(map[uint64]*call, 1)}
}

func (p *pendingTable) push(req Request) (uint64, *call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	c := &call{req: req, done: make(chan struct{})}
	p.queue[p.seq] = c
	return p.seq, c
}

func (p *pendingTable) pop(key uint64) *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.queue[key]
	delete(p.queue, key)
	return c
}

// resolve delivers a result. Returns false when the entry already timed out.
func (p *pendingTable) resolve(key uint64, result any, err error) bool {
	c := p.pop(key)
	if c == nil {
		return false
	}
	c.result, c.err = result, err
	close(c.done)
	return true
}

// releaseQueue fails every outstanding entry with err.
func (p *pendingTable) releaseQueue(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.queue {
		c.err = err
		close(c.done)
		delete(p.queue, key)
	}
}

func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
