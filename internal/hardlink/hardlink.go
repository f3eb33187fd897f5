// Package hardlink implements the inode equivalence-class accounting of
// §4.F: it tracks which Links in the scan share a (device, inode) pair and
// attributes their size to ancestors as either fully-owned or shared.
package hardlink

import (
	"sync"
	"sync/atomic"

	"github.com/distr1/duscan/internal/entry"
)

type key struct {
	dev uint32
	ino uint64
}

// class is one inode equivalence class: a ring of entry.Link nodes that
// share (dev, ino), with a bit recording whether the ring's current size is
// already reflected in ancestor aggregates.
type class struct {
	rep     *entry.Link
	counted bool
}

// Table is a scan-scoped inode map. A single mutex guards it (§5): it is
// never held across an I/O call, only across the in-memory bookkeeping
// below.
type Table struct {
	mu        sync.Mutex
	classes   map[key]*class
	uncounted map[key]*class
	fullSweep bool

	done, total uint64 // atomic, sampled by AddAllStats for UI progress
}

func NewTable() *Table {
	return &Table{
		classes:   make(map[key]*class),
		uncounted: make(map[key]*class),
	}
}

func classKey(l *entry.Link) key { return key{dev: l.Dev, ino: l.Ino} }

// AddLink registers l as a member of its (dev, ino) equivalence class,
// creating the class if this is the first sighting, and marks the class
// uncounted so a later AddAllStats picks it up.
func (t *Table) AddLink(l *entry.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := classKey(l)
	c, ok := t.classes[k]
	if !ok {
		l.Next, l.Prev = l, l
		c = &class{rep: l}
		t.classes[k] = c
	} else {
		rep := c.rep
		l.Next = rep.Next
		l.Prev = rep
		rep.Next.Prev = l
		rep.Next = l
	}
	c.counted = false
	t.markUncountedLocked(k, c)
}

// RemoveLink unlinks l from its ring (used by refresh/delete). If the class
// is currently counted, its whole contribution (l included) is retracted
// from ancestor totals first. If the class becomes empty it is dropped
// entirely; otherwise it is marked uncounted so the next AddAllStats adds
// the remaining members' contribution back.
func (t *Table) RemoveLink(l *entry.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := classKey(l)
	c, ok := t.classes[k]
	if !ok {
		return
	}
	if c.counted {
		setStats(c, false)
		c.counted = false
	}
	l.Prev.Next = l.Next
	l.Next.Prev = l.Prev
	wasAlone := l.Next == l
	l.Next, l.Prev = l, l

	if c.rep == l {
		if wasAlone {
			delete(t.classes, k)
			delete(t.uncounted, k)
			return
		}
		c.rep = l.Next
	}
	c.counted = false
	t.markUncountedLocked(k, c)
}

// markUncountedLocked adds c to the pending set; once the pending set grows
// past one-eighth of the class count, a full sweep is cheaper than tracking
// individual classes, per §3.
func (t *Table) markUncountedLocked(k key, c *class) {
	t.uncounted[k] = c
	if len(t.uncounted) > len(t.classes)/8 {
		t.fullSweep = true
		t.uncounted = make(map[key]*class)
	}
}

// setStats walks c's ring, determines the effective nlink (§4.F step 2),
// and adds (or, if add is false, subtracts) the representative's size to
// every ancestor that contains at least one ring member, attributing to
// SharedBlocks/SharedSize the ancestors that do not contain the full class.
func setStats(c *class, add bool) {
	counts := make(map[*entry.Dir]uint32)
	declared := c.rep.Nlink
	consistent := true
	n := uint32(0)

	start := c.rep
	for cur := start; ; {
		n++
		if cur.Nlink != declared {
			consistent = false
		}
		for p := cur.Parent(); p != nil; p = p.Parent() {
			counts[p]++
		}
		cur = cur.Next
		if cur == start {
			break
		}
	}

	nlink := declared
	if !consistent || nlink == 0 {
		nlink = n
	}

	for anc, c2 := range counts {
		anc.Lock()
		if add {
			anc.CumBlocks = entry.SatAdd(anc.CumBlocks, c.rep.Blocks)
			anc.CumSize = entry.SatAdd(anc.CumSize, c.rep.Size)
			if c2 < nlink {
				anc.SharedBlocks = entry.SatAdd(anc.SharedBlocks, c.rep.Blocks)
				anc.SharedSize = entry.SatAdd(anc.SharedSize, c.rep.Size)
			}
		} else {
			anc.CumBlocks = entry.SatSub(anc.CumBlocks, c.rep.Blocks)
			anc.CumSize = entry.SatSub(anc.CumSize, c.rep.Size)
			if c2 < nlink {
				anc.SharedBlocks = entry.SatSub(anc.SharedBlocks, c.rep.Blocks)
				anc.SharedSize = entry.SatSub(anc.SharedSize, c.rep.Size)
			}
		}
		anc.Unlock()
	}
}

// AddAllStats recomputes ancestor aggregates for every class touched since
// the last call (or every class, if the pending set triggered a full
// sweep). It must be called from a quiescent scan state: no scanner
// goroutines may be running concurrently (§5).
func (t *Table) AddAllStats() {
	t.mu.Lock()
	var targets []*class
	if t.fullSweep {
		targets = make([]*class, 0, len(t.classes))
		for _, c := range t.classes {
			targets = append(targets, c)
		}
		t.fullSweep = false
	} else {
		targets = make([]*class, 0, len(t.uncounted))
		for _, c := range t.uncounted {
			targets = append(targets, c)
		}
	}
	t.uncounted = make(map[key]*class)
	t.mu.Unlock()

	total := len(targets)
	atomic.StoreUint64(&t.total, uint64(total))
	for i, c := range targets {
		if c.counted {
			setStats(c, false)
		}
		setStats(c, true)
		c.counted = true
		if i%64 == 0 || i == total-1 {
			atomic.StoreUint64(&t.done, uint64(i+1))
		}
	}
}

// Progress reports the monotonic (done, total) pair from the most recent
// AddAllStats call, for UI sampling.
func (t *Table) Progress() (done, total uint64) {
	return atomic.LoadUint64(&t.done), atomic.LoadUint64(&t.total)
}
