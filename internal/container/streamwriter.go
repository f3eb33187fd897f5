package container

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/sink"
)

// StreamWriter implements sink.Sink directly against the binary container
// format, for the CLI's "-O during a live scan" path. Unlike Export (which
// serializes an already hardlink-aggregated entry.Dir tree), a StreamWriter
// has no global tree to consult: per §2's sink-dispatch table, only the
// memory sink feeds internal/hardlink, so a directory containing part of a
// hardlink class whose other members lie elsewhere in the tree gets that
// link's bytes counted once, in place, with no cross-ancestor "shared"
// attribution. Recommended usage remains scan-to-memory then Export; this
// type exists so a direct "-O" export doesn't require holding the whole tree
// in memory.
type StreamWriter struct {
	bw    *blockWriter
	level int

	errMu sync.Mutex
	err   error
}

func NewStreamWriter(out io.Writer, level int) (*StreamWriter, error) {
	bw, err := newBlockWriter(out)
	if err != nil {
		return nil, err
	}
	return &StreamWriter{bw: bw, level: level}, nil
}

func (sw *StreamWriter) setErr(err error) {
	sw.errMu.Lock()
	if sw.err == nil {
		sw.err = err
	}
	sw.errMu.Unlock()
}

// Err returns the first write error observed by any thread, if any. The CLI
// checks this once the scan (and the root's Unref) has completed.
func (sw *StreamWriter) Err() error {
	sw.errMu.Lock()
	defer sw.errMu.Unlock()
	return sw.err
}

type streamThread struct {
	th    *thread
	files atomic.Uint32
	bytes atomic.Uint64

	mu  sync.Mutex
	cur sink.Dir
}

func (t *streamThread) AddFile()          { t.files.Add(1) }
func (t *streamThread) AddBytes(n uint64) { t.bytes.Add(n) }
func (t *streamThread) FilesSeen() uint32 { return t.files.Load() }
func (t *streamThread) BytesSeen() uint64 { return t.bytes.Load() }
func (t *streamThread) CurrentDir() sink.Dir {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}
func (t *streamThread) SetDir(d sink.Dir) {
	t.mu.Lock()
	t.cur = d
	t.mu.Unlock()
}

// CreateThreads allocates one zstd encoder and accumulation buffer per
// worker. Encoder construction with our fixed, validated options cannot
// fail in practice; a failure here would mean a programming error in how
// this package calls zstd.NewWriter, so it panics rather than threading an
// error through the sink.Sink interface (which has none to give).
func (sw *StreamWriter) CreateThreads(n int) []sink.Thread {
	ts := make([]sink.Thread, n)
	for i := range ts {
		th, err := newThread(sw.bw, sw.level)
		if err != nil {
			panic(xerrors.Errorf("container: create thread: %w", err))
		}
		ts[i] = &streamThread{th: th}
	}
	return ts
}

// streamDir is the sink.Dir implementation. It keeps only the bookkeeping
// needed to write this directory's own record once finalized: a
// single-slot prev/sub chain and saturating own-subtree totals.
type streamDir struct {
	sw     *StreamWriter
	parent *streamDir
	name   string
	ext    *entry.Ext
	dev    uint32

	ownBlocks, ownSize uint64

	refcount int32

	mu         sync.Mutex
	cumBlocks  uint64
	cumSize    uint64
	items      uint32
	err        bool
	subErr     bool
	lastChild  itemref
	hasLast    bool
}

func newStreamDir(sw *StreamWriter, name string, dev uint32, ext *entry.Ext, ownBlocks, ownSize uint64, parent *streamDir) *streamDir {
	return &streamDir{sw: sw, parent: parent, name: name, dev: dev, ext: ext, ownBlocks: ownBlocks, ownSize: ownSize, refcount: 1}
}

func (sw *StreamWriter) CreateRoot(name string, st *sink.Stat) (sink.Dir, error) {
	return newStreamDir(sw, name, st.Dev, st.Ext, st.Blocks, st.Size, nil), nil
}

func threadOf(t sink.Thread) *thread {
	if t == nil {
		return nil
	}
	st, ok := t.(*streamThread)
	if !ok || st == nil {
		return nil
	}
	return st.th
}

func leafRecord(name string, st *sink.Stat) *record {
	switch {
	case st.IsRegular && st.Nlink > 1:
		return &record{Type: ETypeLink, Name: []byte(name), HasASize: true, ASize: st.Size, HasDSize: true, DSize: st.Blocks, HasIno: true, Ino: st.Ino, HasNlink: true, Nlink: uint64(st.Nlink)}
	case st.IsRegular:
		return &record{Type: ETypeFile, Name: []byte(name), HasASize: true, ASize: st.Size, HasDSize: true, DSize: st.Blocks}
	default:
		return &record{Type: ETypeNonReg, Name: []byte(name)}
	}
}

// appendChild writes r as d's next child, chaining it onto d's prev list.
// It does not touch d.items: the caller decides whether r represents one
// item (a leaf) or 1+transitive (a finished subdirectory).
func (d *streamDir) appendChild(th *thread, r *record) (itemref, error) {
	d.mu.Lock()
	if d.hasLast {
		r.HasPrev, r.Prev = true, d.lastChild
	}
	d.mu.Unlock()

	ref, err := th.writeRecord(r)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.lastChild, d.hasLast = ref, true
	d.mu.Unlock()
	return ref, nil
}

func (d *streamDir) AddStat(t sink.Thread, name string, st *sink.Stat) error {
	th := threadOf(t)
	if t != nil {
		t.AddFile()
		t.AddBytes(st.Size)
	}
	r := leafRecord(name, st)
	applyExt(r, st.Ext)
	_, err := d.appendChild(th, r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cumBlocks = entry.SatAdd(d.cumBlocks, st.Blocks)
	d.cumSize = entry.SatAdd(d.cumSize, st.Size)
	d.items = entry.SatAddItems(d.items, 1)
	d.mu.Unlock()
	return nil
}

func (d *streamDir) AddSpecial(t sink.Thread, name string, kind entry.SpecialKind) {
	th := threadOf(t)
	if t != nil {
		t.AddFile()
	}
	r := &record{Type: specialEType(kind), Name: []byte(name)}
	if _, err := d.appendChild(th, r); err != nil {
		d.sw.setErr(err)
	}
	d.mu.Lock()
	d.items = entry.SatAddItems(d.items, 1)
	if kind == entry.SpecialReadErr {
		d.subErr = true
	}
	d.mu.Unlock()
}

func (d *streamDir) AddDir(t sink.Thread, name string, st *sink.Stat) (sink.Dir, error) {
	if t != nil {
		t.AddFile()
	}
	atomic.AddInt32(&d.refcount, 1)
	return newStreamDir(d.sw, name, st.Dev, st.Ext, st.Blocks, st.Size, d), nil
}

func (d *streamDir) SetReadError(t sink.Thread) {
	d.mu.Lock()
	d.err = true
	d.mu.Unlock()
}

// Unref finalizes d once every child (and every AddStat/AddSpecial call) has
// been accounted for: it writes d's own tagged-map record — referencing its
// last child via keySub — into the current thread's buffer. For a non-root
// Dir that record becomes one more child of its parent, chained onto the
// parent's own prev list exactly like a leaf; for the root it is the
// top-level record whose itemref gets recorded as the container's root.
func (d *streamDir) Unref(t sink.Thread) {
	if atomic.AddInt32(&d.refcount, -1) != 0 {
		return
	}
	th := threadOf(t)

	d.mu.Lock()
	r := &record{
		Type:        ETypeDir,
		Name:        []byte(d.name),
		HasASize:    true,
		ASize:       d.ownSize,
		HasDSize:    true,
		DSize:       d.ownBlocks,
		HasCumASize: true,
		CumASize:    entry.SatAdd(d.ownSize, d.cumSize),
		HasCumDSize: true,
		CumDSize:    entry.SatAdd(d.ownBlocks, d.cumBlocks),
		HasItems:    true,
		Items:       uint64(d.items),
	}
	// §4.G key 5: dev is only present when it differs from the parent's.
	if d.parent == nil || d.parent.dev != d.dev {
		r.HasDev, r.Dev = true, uint64(d.dev)
	}
	if d.err {
		r.HasOwnErr = true
	} else if d.subErr {
		r.HasSubErr = true
	}
	if d.hasLast {
		r.HasSub, r.Sub = true, d.lastChild
	}
	applyExt(r, d.ext)
	ownCumSize, ownCumBlocks := r.CumASize, r.CumDSize
	hasErr := r.HasOwnErr || r.HasSubErr
	d.mu.Unlock()

	parent := d.parent
	if parent == nil {
		ref, err := th.writeRecord(r)
		if err != nil {
			d.sw.setErr(err)
			return
		}
		if err := th.close(); err != nil {
			d.sw.setErr(err)
			return
		}
		if err := d.sw.bw.finalize(uint64(ref)); err != nil {
			d.sw.setErr(err)
		}
		return
	}

	if _, err := parent.appendChild(th, r); err != nil {
		d.sw.setErr(err)
	}
	d.mu.Lock()
	childItems := d.items
	d.mu.Unlock()
	parent.mu.Lock()
	parent.cumBlocks = entry.SatAdd(parent.cumBlocks, ownCumBlocks)
	parent.cumSize = entry.SatAdd(parent.cumSize, ownCumSize)
	parent.items = entry.SatAddItems(parent.items, entry.SatAddItems(1, childItems))
	if hasErr {
		parent.subErr = true
	}
	parent.mu.Unlock()

	parent.Unref(t)
}
