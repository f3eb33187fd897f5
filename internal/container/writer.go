package container

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/entry"
)

// flushThresholds are the cumulative block counts at which a worker's buffer
// target doubles, 64KiB up to 2MiB (§4.G).
var flushThresholds = [...]uint64{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20}

const (
	initialBufTarget = 64 * 1024
	maxBufTarget     = 2 * 1024 * 1024
)

// thread is one worker's private accumulation buffer plus its own zstd
// encoder (§4.G: "each worker buffer is compressed independently, so workers
// never contend on a shared encoder").
type thread struct {
	bw   *blockWriter
	enc  zstdEncoder
	buf  []byte

	blockNum      uint32
	target        int
	blocksFlushed uint64
}

// zstdEncoder is the subset of *zstd.Encoder this package uses, so tests can
// swap in a fake.
type zstdEncoder interface {
	EncodeAll(src, dst []byte) []byte
	Close() error
}

func newThread(bw *blockWriter, level int) (*thread, error) {
	enc, err := newEncoder(level)
	if err != nil {
		return nil, xerrors.Errorf("container: new encoder: %w", err)
	}
	return &thread{bw: bw, enc: enc, target: initialBufTarget, blockNum: bw.reserveBlock()}, nil
}

func (t *thread) itemref() itemref { return makeItemref(t.blockNum, len(t.buf)) }

func (t *thread) writeRecord(r *record) (itemref, error) {
	cur := t.itemref()
	t.buf = r.encode(t.buf, cur)
	if len(t.buf) >= t.target {
		if err := t.flush(); err != nil {
			return 0, err
		}
	}
	return cur, nil
}

func (t *thread) flush() error {
	if len(t.buf) == 0 {
		return nil
	}
	compressed := t.enc.EncodeAll(t.buf, nil)
	if err := t.bw.writeDataBlock(t.blockNum, compressed); err != nil {
		return err
	}
	t.blocksFlushed++
	t.buf = t.buf[:0]
	t.blockNum = t.bw.reserveBlock()
	for _, thresh := range flushThresholds {
		if t.blocksFlushed == thresh && t.target < maxBufTarget {
			t.target *= 2
		}
	}
	return nil
}

func (t *thread) close() error {
	if err := t.flush(); err != nil {
		return err
	}
	return t.enc.Close()
}

// Writer drives a single-pass, depth-first serialization of an already
// fully-aggregated entry.Dir tree — the primary export path (§4.G/H),
// typically fed from internal/memsink once a scan (with correct hardlink
// accounting) has finished. Export is single-threaded: ordering across a
// whole tree is easiest to reason about linearly, and the container format's
// worker-buffer story only pays off for the live multi-threaded scan path
// (see StreamWriter).
type Writer struct {
	bw    *blockWriter
	level int
}

func NewWriter(out io.Writer, level int) (*Writer, error) {
	bw, err := newBlockWriter(out)
	if err != nil {
		return nil, err
	}
	return &Writer{bw: bw, level: level}, nil
}

// Export writes root's subtree to out and finalizes the container.
func Export(root *entry.Dir, out io.Writer, level int) error {
	wr, err := NewWriter(out, level)
	if err != nil {
		return err
	}
	th, err := newThread(wr.bw, wr.level)
	if err != nil {
		return err
	}
	rootRef, err := writeDirRecord(th, root, 0, false)
	if err != nil {
		return xerrors.Errorf("container: export: %w", err)
	}
	if err := th.close(); err != nil {
		return xerrors.Errorf("container: export: final flush: %w", err)
	}
	if err := wr.bw.finalize(uint64(rootRef)); err != nil {
		return xerrors.Errorf("container: export: %w", err)
	}
	return nil
}

func applyExt(r *record, ext *entry.Ext) {
	if ext == nil {
		return
	}
	if ext.HasMtime {
		r.HasMtime, r.Mtime = true, ext.Mtime
	}
	if ext.HasUid {
		r.HasUid, r.Uid = true, uint64(ext.Uid)
	}
	if ext.HasGid {
		r.HasGid, r.Gid = true, uint64(ext.Gid)
	}
	if ext.HasMode {
		r.HasMode, r.Mode = true, uint64(ext.Mode)
	}
}

func specialEType(k entry.SpecialKind) int64 {
	switch k {
	case entry.SpecialReadErr:
		return ETypeReadErr
	case entry.SpecialPattern:
		return ETypePattern
	case entry.SpecialOtherFS:
		return ETypeOtherFS
	case entry.SpecialKernFS:
		return ETypeKernFS
	default:
		return ETypeReadErr
	}
}

func writeDirRecord(th *thread, d *entry.Dir, prev itemref, hasPrev bool) (itemref, error) {
	var lastChild itemref
	hasLast := false
	for _, c := range d.Children {
		var ref itemref
		var err error
		switch v := c.(type) {
		case *entry.Dir:
			ref, err = writeDirRecord(th, v, lastChild, hasLast)
		case *entry.File:
			r := &record{Type: ETypeFile, Name: []byte(v.Name()), HasASize: true, ASize: v.Size, HasDSize: true, DSize: v.Blocks}
			if hasLast {
				r.HasPrev, r.Prev = true, lastChild
			}
			applyExt(r, v.Ext())
			ref, err = th.writeRecord(r)
		case *entry.NonReg:
			r := &record{Type: ETypeNonReg, Name: []byte(v.Name())}
			if hasLast {
				r.HasPrev, r.Prev = true, lastChild
			}
			applyExt(r, v.Ext())
			ref, err = th.writeRecord(r)
		case *entry.Link:
			r := &record{Type: ETypeLink, Name: []byte(v.Name()), HasASize: true, ASize: v.Size, HasDSize: true, DSize: v.Blocks, HasIno: true, Ino: v.Ino, HasNlink: true, Nlink: uint64(v.Nlink)}
			if hasLast {
				r.HasPrev, r.Prev = true, lastChild
			}
			applyExt(r, v.Ext())
			ref, err = th.writeRecord(r)
		case *entry.Special:
			r := &record{Type: specialEType(v.What), Name: []byte(v.Name())}
			if hasLast {
				r.HasPrev, r.Prev = true, lastChild
			}
			ref, err = th.writeRecord(r)
		}
		if err != nil {
			return 0, err
		}
		lastChild, hasLast = ref, true
	}

	r := &record{
		Type:        ETypeDir,
		Name:        []byte(d.Name()),
		HasASize:    true,
		ASize:       d.OwnSize,
		HasDSize:    true,
		DSize:       d.OwnBlocks,
		HasCumASize: true,
		CumASize:    d.CumSize,
		HasCumDSize: true,
		CumDSize:    d.CumBlocks,
		HasShrASize: true,
		ShrASize:    d.SharedSize,
		HasShrDSize: true,
		ShrDSize:    d.SharedBlocks,
		HasItems:    true,
		Items:       uint64(d.Items),
	}
	// §4.G key 5: dev is only present when it differs from the parent's,
	// since a directory defaults to its parent's device otherwise.
	if p := d.Parent(); p == nil || p.Dev != d.Dev {
		r.HasDev, r.Dev = true, uint64(d.Dev)
	}
	if d.Err {
		r.HasOwnErr = true
	} else if d.SubErr {
		r.HasSubErr = true
	}
	if hasPrev {
		r.HasPrev, r.Prev = true, prev
	}
	if hasLast {
		r.HasSub, r.Sub = true, lastChild
	}
	applyExt(r, d.Ext())
	return th.writeRecord(r)
}
