// Package memsink implements the in-memory tree sink of §4.E: it builds
// entry.Dir/File/NonReg/Link/Special nodes as the scanner (or a binary
// import, see internal/container) feeds them in, reusing existing children
// on refresh and driving internal/hardlink once the whole pass is done.
package memsink

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/hardlink"
	"github.com/distr1/duscan/internal/sink"
)

// Sink is the memory-tree backend. One Sink is created per scan (or
// refresh); it owns the hardlink table for that pass.
type Sink struct {
	Links *hardlink.Table
}

func New() *Sink {
	return &Sink{Links: hardlink.NewTable()}
}

// thread is the per-worker sink.Thread implementation: atomic counters plus
// a mutex-guarded "current Dir" pointer for the (out-of-scope) progress UI.
type thread struct {
	files atomic.Uint32
	bytes atomic.Uint64

	mu  sync.Mutex
	cur sink.Dir
}

func (t *thread) AddFile()             { t.files.Add(1) }
func (t *thread) AddBytes(n uint64)    { t.bytes.Add(n) }
func (t *thread) FilesSeen() uint32    { return t.files.Load() }
func (t *thread) BytesSeen() uint64    { return t.bytes.Load() }
func (t *thread) CurrentDir() sink.Dir {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}
func (t *thread) SetDir(d sink.Dir) {
	t.mu.Lock()
	t.cur = d
	t.mu.Unlock()
}

func (s *Sink) CreateThreads(n int) []sink.Thread {
	ts := make([]sink.Thread, n)
	for i := range ts {
		ts[i] = &thread{}
	}
	return ts
}

// dirHandle is the sink.Dir implementation wrapping one entry.Dir.
type dirHandle struct {
	s      *Sink
	d      *entry.Dir
	parent *dirHandle

	refcount int32

	mu         sync.Mutex
	byName     map[string]int // name -> index into d.Children, rebuilt at creation
	seen       map[string]bool
	refreshing bool
}

func newHandle(s *Sink, d *entry.Dir, parent *dirHandle, refreshing bool) *dirHandle {
	h := &dirHandle{
		s:          s,
		d:          d,
		parent:     parent,
		refcount:   1,
		byName:     make(map[string]int, len(d.Children)),
		seen:       make(map[string]bool, len(d.Children)),
		refreshing: refreshing,
	}
	for i, c := range d.Children {
		h.byName[c.Name()] = i
	}
	return h
}

// CreateRoot implements sink.Sink for a fresh scan.
func (s *Sink) CreateRoot(name string, st *sink.Stat) (sink.Dir, error) {
	d := entry.NewDir(name, st.Ext, st.Dev)
	d.OwnBlocks, d.OwnSize = st.Blocks, st.Size
	return newHandle(s, d, nil, false), nil
}

// Refresh rescans into an existing Dir in place (§4.E "merge-on-refresh",
// §8 property 6): unseen children are removed and seen ones reused, exactly
// as a fresh scan would build the same tree from empty.
func (s *Sink) Refresh(d *entry.Dir) sink.Dir {
	return newHandle(s, d, nil, true)
}

// Dir exposes the underlying entry.Dir once a scan (or refresh) finishes;
// callers must wait for the root's Unref to settle first.
func (h *dirHandle) Dir() *entry.Dir { return h.d }

// Delete removes the filesystem object n represents (found at path, since
// entry.Node carries only a name, not an absolute path) and unlinks n from
// the in-memory tree (§1's explicit delete operation; the confirmation
// dialog that would normally gate a call to this is out of scope). Callers
// must call s.Links.AddAllStats afterwards if n was a Link: RemoveLink
// retracts the whole class's contribution, and AddAllStats adds back that
// of the members that remain.
func (s *Sink) Delete(n entry.Node, path string) error {
	switch v := n.(type) {
	case *entry.Dir:
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		entry.ZeroStats(v)
	case *entry.Link:
		if err := os.Remove(path); err != nil {
			return err
		}
		s.Links.RemoveLink(v)
		subtractLeafFromAncestors(v.Parent(), 0, 0)
	case *entry.File:
		if err := os.Remove(path); err != nil {
			return err
		}
		subtractLeafFromAncestors(v.Parent(), v.Blocks, v.Size)
	case *entry.NonReg:
		if err := os.Remove(path); err != nil {
			return err
		}
		subtractLeafFromAncestors(v.Parent(), 0, 0)
	case *entry.Special:
		// A Special records an exclusion or a read error, not a real
		// scanned object: nothing exists on disk to remove.
		subtractLeafFromAncestors(v.Parent(), 0, 0)
	}

	parent := n.Parent()
	if parent == nil {
		return nil // n was the scan root: nothing left to unlink it from
	}
	parent.Lock()
	parent.RemoveChild(n)
	parent.Unlock()

	for p := parent; p != nil; p = p.Parent() {
		before := p.SubErr
		entry.UpdateSubErr(p)
		if p.SubErr == before {
			break
		}
	}
	return nil
}

// subtractLeafFromAncestors retracts a single non-directory node's
// contribution (blocks/size may be zero for kinds that carry none, or for a
// Link whose size is instead retracted by hardlink.Table.RemoveLink) from
// every ancestor's cumulative totals and item count.
func subtractLeafFromAncestors(parent *entry.Dir, blocks, size uint64) {
	for p := parent; p != nil; p = p.Parent() {
		p.Lock()
		p.CumBlocks = entry.SatSub(p.CumBlocks, blocks)
		p.CumSize = entry.SatSub(p.CumSize, size)
		p.Items = entry.SatSubItems(p.Items, 1)
		p.Unlock()
	}
}

func kindOf(st *sink.Stat) entry.Kind {
	switch {
	case st.IsDir:
		return entry.KindDir
	case st.IsRegular && (st.Nlink > 1 || st.ForceLink):
		return entry.KindLink
	case st.IsRegular:
		return entry.KindFile
	default:
		return entry.KindNonReg
	}
}

// reuse looks for an existing child named `name` of a compatible kind; on
// refresh this lets unchanged entries keep their identity (and hardlink
// ring membership) across a rescan instead of being destroyed and
// recreated.
func (h *dirHandle) reuse(name string, st *sink.Stat) (entry.Node, bool) {
	idx, ok := h.byName[name]
	if !ok {
		return nil, false
	}
	existing := h.d.Children[idx]
	if existing.Kind() != kindOf(st) {
		return nil, false
	}
	if l, ok := existing.(*entry.Link); ok && (l.Dev != st.Dev || l.Ino != st.Ino) {
		return nil, false
	}
	return existing, true
}

func (h *dirHandle) AddStat(t sink.Thread, name string, st *sink.Stat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen[name] = true
	if t != nil {
		t.AddFile()
		t.AddBytes(st.Size)
	}

	if existing, ok := h.reuse(name, st); ok {
		switch v := existing.(type) {
		case *entry.File:
			v.Blocks, v.Size = st.Blocks, st.Size
		case *entry.NonReg:
			// no size to update
		case *entry.Link:
			v.Blocks, v.Size, v.Nlink = st.Blocks, st.Size, st.Nlink
			h.s.Links.AddLink(v) // re-mark uncounted; ring membership unchanged
		}
		return nil
	}

	var n entry.Node
	switch kindOf(st) {
	case entry.KindFile:
		n = entry.NewFile(name, st.Ext, st.Blocks, st.Size)
	case entry.KindNonReg:
		n = entry.NewNonReg(name, st.Ext)
	case entry.KindLink:
		l := entry.NewLink(name, st.Ext, st.Blocks, st.Size, st.Dev, st.Ino, st.Nlink)
		h.s.Links.AddLink(l)
		n = l
	default:
		n = entry.NewNonReg(name, st.Ext)
	}
	idx := len(h.d.Children)
	h.d.AddChild(n)
	h.byName[name] = idx
	return nil
}

func (h *dirHandle) AddDir(t sink.Thread, name string, st *sink.Stat) (sink.Dir, error) {
	h.mu.Lock()
	h.seen[name] = true
	if t != nil {
		t.AddFile()
	}

	if idx, ok := h.byName[name]; ok {
		if cd, ok := h.d.Children[idx].(*entry.Dir); ok {
			cd.OwnBlocks, cd.OwnSize = st.Blocks, st.Size
			atomic.AddInt32(&h.refcount, 1)
			h.mu.Unlock()
			return newHandle(h.s, cd, h, true), nil
		}
	}

	d := entry.NewDir(name, st.Ext, st.Dev)
	d.OwnBlocks, d.OwnSize = st.Blocks, st.Size
	idx := len(h.d.Children)
	h.d.AddChild(d)
	h.byName[name] = idx
	atomic.AddInt32(&h.refcount, 1)
	h.mu.Unlock()
	return newHandle(h.s, d, h, false), nil
}

func (h *dirHandle) AddSpecial(t sink.Thread, name string, kind entry.SpecialKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[name] = true
	if idx, ok := h.byName[name]; ok {
		if sp, ok := h.d.Children[idx].(*entry.Special); ok {
			sp.What = kind
			return
		}
	}
	n := entry.NewSpecial(name, kind)
	idx := len(h.d.Children)
	h.d.AddChild(n)
	h.byName[name] = idx
}

func (h *dirHandle) SetReadError(t sink.Thread) {
	h.mu.Lock()
	h.d.Lock()
	h.d.Err = true
	h.d.Unlock()
	h.mu.Unlock()
}

func (h *dirHandle) Unref(t sink.Thread) {
	if atomic.AddInt32(&h.refcount, -1) != 0 {
		return
	}
	h.final()
	if h.parent != nil {
		h.parent.Unref(nil)
	}
}

// final implements §4.E: drop children not seen this pass, recompute
// Items/CumBlocks/CumSize from the surviving children (hardlink Links are
// excluded from this sum — their contribution is added by
// hardlink.Table.AddAllStats once the whole scan is quiescent, §5), and
// recompute SubErr.
func (h *dirHandle) final() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refreshing {
		kept := h.d.Children[:0]
		for _, c := range h.d.Children {
			if h.seen[c.Name()] {
				kept = append(kept, c)
				continue
			}
			if cd, ok := c.(*entry.Dir); ok {
				entry.ZeroStats(cd)
			}
			if l, ok := c.(*entry.Link); ok {
				h.s.Links.RemoveLink(l)
			}
		}
		h.d.Children = kept
	}

	var items uint32
	var cumBlocks, cumSize uint64
	for _, c := range h.d.Children {
		items = entry.SatAddItems(items, 1)
		switch v := c.(type) {
		case *entry.Dir:
			items = entry.SatAddItems(items, v.Items)
			cumBlocks = entry.SatAdd(cumBlocks, v.CumBlocks)
			cumSize = entry.SatAdd(cumSize, v.CumSize)
		case *entry.File:
			cumBlocks = entry.SatAdd(cumBlocks, v.Blocks)
			cumSize = entry.SatAdd(cumSize, v.Size)
		case *entry.NonReg, *entry.Special, *entry.Link:
			// NonReg/Special carry no size; Link is accounted for by the
			// hardlink pass exclusively, to avoid double-counting across
			// ancestors that contain more than one member of its class.
		}
	}

	h.d.Lock()
	h.d.Items = items
	h.d.CumBlocks = entry.SatAdd(h.d.OwnBlocks, cumBlocks)
	h.d.CumSize = entry.SatAdd(h.d.OwnSize, cumSize)
	h.d.Unlock()

	entry.UpdateSubErr(h.d)
}
