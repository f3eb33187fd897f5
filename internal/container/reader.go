package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/sink"
)

// Reader gives random access to a container file: §4.H's "locate a block by
// (offset,length) from the index, decompress on miss, cache the result."
type Reader struct {
	ra   io.ReaderAt
	size int64

	index []uint64 // one (offset<<24|length) slot per block number
	root  itemref

	mu   sync.Mutex
	dec  *decoderPool
	lru  *blockLRU
}

// decoderPool holds the single zstd decoder a Reader uses for every block.
// Reader serializes all decompression via mu, so that one decoder is reused
// under the lock; callers that want concurrency can make their own Reader
// over the same io.ReaderAt.
type decoderPool struct{ dec zstdDecoder }

type zstdDecoder interface {
	DecodeAll(src, dst []byte) ([]byte, error)
}

// Open parses the signature and trailing index block of a container file.
// size must be the exact byte length of the data behind ra.
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(len(signature))+12 {
		return nil, fmt.Errorf("container: file too short")
	}
	var sig [8]byte
	if _, err := ra.ReadAt(sig[:], 0); err != nil {
		return nil, xerrors.Errorf("container: read signature: %w", err)
	}
	if sig != signature {
		return nil, fmt.Errorf("container: bad signature")
	}

	var trailer [4]byte
	if _, err := ra.ReadAt(trailer[:], size-4); err != nil {
		return nil, xerrors.Errorf("container: read trailer: %w", err)
	}
	trailerVal := binary.BigEndian.Uint32(trailer[:])
	kind := trailerVal >> 28
	length := trailerVal & 0x0FFFFFFF
	if kind != blockKindIndex {
		return nil, fmt.Errorf("container: final block is not an index block (kind %d)", kind)
	}

	blockStart := size - int64(length)
	if blockStart < int64(len(signature)) {
		return nil, fmt.Errorf("container: index block length implausible")
	}
	var header [4]byte
	if _, err := ra.ReadAt(header[:], blockStart); err != nil {
		return nil, xerrors.Errorf("container: read index header: %w", err)
	}
	if binary.BigEndian.Uint32(header[:]) != trailerVal {
		return nil, fmt.Errorf("container: index block header/trailer mismatch")
	}

	body := make([]byte, int(length)-8)
	if _, err := ra.ReadAt(body, blockStart+4); err != nil {
		return nil, xerrors.Errorf("container: read index body: %w", err)
	}
	if len(body) < 8 {
		return nil, fmt.Errorf("container: index block has no root itemref")
	}
	root := binary.BigEndian.Uint64(body[len(body)-8:])
	slots := body[:len(body)-8]
	if len(slots)%8 != 0 {
		return nil, fmt.Errorf("container: index block slot array misaligned")
	}
	index := make([]uint64, len(slots)/8)
	for i := range index {
		index[i] = binary.BigEndian.Uint64(slots[i*8 : i*8+8])
	}

	dec, err := newDecoder()
	if err != nil {
		return nil, xerrors.Errorf("container: new decoder: %w", err)
	}
	return &Reader{
		ra:    ra,
		size:  size,
		index: index,
		root:  itemref(root),
		dec:   &decoderPool{dec: dec},
		lru:   newBlockLRU(8),
	}, nil
}

// GetRoot returns the itemref of the scan root's own directory entry.
func (r *Reader) GetRoot() itemref { return r.root }

func (r *Reader) blockOffsetLength(blockNum uint32) (int64, uint32, error) {
	if int(blockNum) >= len(r.index) {
		return 0, 0, fmt.Errorf("container: block %d not in index (have %d)", blockNum, len(r.index))
	}
	slot := r.index[blockNum]
	length := uint32(slot & 0xFFFFFF)
	if length == 0 {
		return 0, 0, fmt.Errorf("container: block %d has an empty index slot", blockNum)
	}
	return int64(slot >> 24), length, nil
}

func (r *Reader) getBlock(blockNum uint32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if data, ok := r.lru.get(blockNum); ok {
		return data, nil
	}
	offset, length, err := r.blockOffsetLength(blockNum)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, length)
	if _, err := r.ra.ReadAt(raw, offset); err != nil {
		return nil, xerrors.Errorf("container: read block %d: %w", blockNum, err)
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("container: block %d shorter than its own header+trailer", blockNum)
	}
	headerVal := binary.BigEndian.Uint32(raw[:4])
	trailerVal := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if headerVal != trailerVal {
		return nil, fmt.Errorf("container: block %d header/trailer mismatch", blockNum)
	}
	if headerVal&0x0FFFFFFF != uint32(length) {
		return nil, fmt.Errorf("container: block %d declares a different length than its index slot", blockNum)
	}
	gotNum := binary.BigEndian.Uint32(raw[4:8])
	if gotNum != blockNum {
		return nil, fmt.Errorf("container: block %d's body claims to be block %d", blockNum, gotNum)
	}

	data, err := r.dec.dec.DecodeAll(raw[8:len(raw)-4], nil)
	if err != nil {
		return nil, xerrors.Errorf("container: decompress block %d: %w", blockNum, err)
	}
	r.lru.put(blockNum, data)
	return data, nil
}

// ReadItem decodes the single entry at ref.
func (r *Reader) ReadItem(ref itemref) (*record, error) {
	blockNum := uint32(ref >> 24)
	offset := int(ref & 0xFFFFFF)
	data, err := r.getBlock(blockNum)
	if err != nil {
		return nil, err
	}
	if offset >= len(data) {
		return nil, fmt.Errorf("container: itemref %#x: offset out of range", ref)
	}
	rec, _, err := decodeRecord(data[offset:], ref)
	return rec, err
}

// statFromRecord builds a sink.Stat from rec. parentDev is the enclosing
// directory's device id, used when rec omits key 5 (§4.G: a directory
// defaults to its parent's device unless explicitly distinct).
func statFromRecord(rec *record, parentDev uint32) *sink.Stat {
	st := &sink.Stat{
		Size:      rec.ASize,
		Blocks:    rec.DSize,
		IsDir:     rec.Type == ETypeDir,
		IsRegular: rec.Type == ETypeFile || rec.Type == ETypeLink,
		Dev:       parentDev,
	}
	if rec.HasDev {
		st.Dev = uint32(rec.Dev)
	}
	if rec.HasIno {
		st.Ino = rec.Ino
	}
	if rec.HasNlink {
		st.Nlink = uint32(rec.Nlink)
	}
	ext := &entry.Ext{}
	any := false
	if rec.HasMtime {
		ext.HasMtime, ext.Mtime = true, rec.Mtime
		any = true
	}
	if rec.HasUid {
		ext.HasUid, ext.Uid = true, uint32(rec.Uid)
		any = true
	}
	if rec.HasGid {
		ext.HasGid, ext.Gid = true, uint32(rec.Gid)
		any = true
	}
	if rec.HasMode {
		ext.HasMode, ext.Mode = true, uint32(rec.Mode)
		any = true
	}
	if any {
		st.Ext = ext
	}
	return st
}

func specialKindFromEType(t int64) entry.SpecialKind {
	switch t {
	case ETypePattern:
		return entry.SpecialPattern
	case ETypeOtherFS:
		return entry.SpecialOtherFS
	case ETypeKernFS:
		return entry.SpecialKernFS
	default:
		return entry.SpecialReadErr
	}
}

// Import replays a whole container's tree into sk, single-threaded (§4.H:
// "also callable purely for format conversion, e.g. binary to JSON"). It is
// deliberately generic over sink.Sink: driving it at a memsink.Sink
// re-derives hardlink accounting from scratch via internal/hardlink: the
// cum/shared totals that were persisted are not trusted blindly, since they
// may come from a StreamWriter export that never had a global hardlink
// view (see StreamWriter's doc comment).
func Import(r *Reader, sk sink.Sink) (sink.Dir, error) {
	threads := sk.CreateThreads(1)
	t := threads[0]

	rootRec, err := r.ReadItem(r.GetRoot())
	if err != nil {
		return nil, xerrors.Errorf("container: import: read root: %w", err)
	}
	rootSt := statFromRecord(rootRec, 0)
	rootDir, err := sk.CreateRoot(string(rootRec.Name), rootSt)
	if err != nil {
		return nil, xerrors.Errorf("container: import: create root: %w", err)
	}
	if rootRec.HasOwnErr {
		rootDir.SetReadError(t)
	}
	if err := importChildren(r, t, rootDir, rootRec, rootSt.Dev); err != nil {
		return nil, err
	}
	rootDir.Unref(t)
	return rootDir, nil
}

// importChildren walks dirRec's sub/prev singly-linked list (last child
// first, per §4.G) into a slice, reverses it to restore original scan
// order, then replays each child through dir.
func importChildren(r *Reader, t sink.Thread, dir sink.Dir, dirRec *record, parentDev uint32) error {
	if !dirRec.HasSub {
		return nil
	}
	var refs []itemref
	var recs []*record
	cur := dirRec.Sub
	for {
		rec, err := r.ReadItem(cur)
		if err != nil {
			return xerrors.Errorf("container: import: read sibling chain: %w", err)
		}
		refs = append(refs, cur)
		recs = append(recs, rec)
		if !rec.HasPrev {
			break
		}
		cur = rec.Prev
	}
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
		recs[i], recs[j] = recs[j], recs[i]
	}

	for _, rec := range recs {
		name := string(rec.Name)
		switch {
		case rec.Type == ETypeDir:
			childSt := statFromRecord(rec, parentDev)
			cdir, err := dir.AddDir(t, name, childSt)
			if err != nil {
				return err
			}
			if rec.HasOwnErr {
				cdir.SetReadError(t)
			}
			if err := importChildren(r, t, cdir, rec, childSt.Dev); err != nil {
				return err
			}
			cdir.Unref(t)
		case rec.Type < 0:
			dir.AddSpecial(t, name, specialKindFromEType(rec.Type))
		default:
			if err := dir.AddStat(t, name, statFromRecord(rec, parentDev)); err != nil {
				return err
			}
		}
	}
	return nil
}
