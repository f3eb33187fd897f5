package scanner

import "sync"

// pool is the bounded shared work stack of §4.C step 2-3: a small LIFO that
// lets an idle worker steal a subdirectory from a busy one, guarded by a
// condition variable. When every worker is simultaneously blocked on an
// empty stack, the scan is complete.
type pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	shared []*dirWork
	cap    int
	idle   int
	total  int
	done   bool
}

func newPool(workers, capacity int) *pool {
	p := &pool{cap: capacity, total: workers}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// tryPush pushes w onto the shared stack if there is room, returning false
// if the caller should keep w on its own private LIFO instead (§4.C step
// 4's "push its new DirWork onto the shared stack (if space and T>1) or
// onto the worker's private LIFO").
func (p *pool) tryPush(w *dirWork) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total <= 1 || len(p.shared) >= p.cap {
		return false
	}
	p.shared = append(p.shared, w)
	p.cond.Signal()
	return true
}

// pop blocks until shared work is available or every worker is idle, in
// which case the scan is over and ok is false.
func (p *pool) pop() (w *dirWork, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.shared) == 0 && !p.done {
		p.idle++
		if p.idle == p.total {
			p.done = true
			p.cond.Broadcast()
			p.idle--
			return nil, false
		}
		p.cond.Wait()
		p.idle--
	}
	if len(p.shared) == 0 {
		return nil, false
	}
	w = p.shared[len(p.shared)-1]
	p.shared = p.shared[:len(p.shared)-1]
	return w, true
}

// stop wakes every blocked worker so they can observe cancellation.
func (p *pool) stop() {
	p.mu.Lock()
	p.done = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
