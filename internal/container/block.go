package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

// signature identifies the container format on disk (§4.G). Readers reject
// anything else outright.
var signature = [8]byte{'d', 'u', 's', 'c', 'a', 'n', '1', 0}

const (
	blockKindData  = 0
	blockKindIndex = 1

	// maxFileOffset is the §4.G ceiling on file size: offsets must stay
	// below 2^40 so they fit the 40 high bits of an index slot.
	maxFileOffset = int64(1) << 40

	// maxBlockLen is the ceiling on one block's total on-disk length
	// (header + body + trailer): the index slot's low 24 bits.
	maxBlockLen = 1 << 24
)

// blockWriter serializes blocks (and the final index) to an underlying
// io.Writer under a single mutex, exactly as §5 mandates: "a single mutex is
// held for the duration of writing one block, covering both the data bytes
// and the corresponding index-slot update."
type blockWriter struct {
	mu         sync.Mutex
	out        io.Writer
	fileOffset int64
	index      []byte // 8-byte slots, one per reserved block number
}

func newBlockWriter(out io.Writer) (*blockWriter, error) {
	if _, err := out.Write(signature[:]); err != nil {
		return nil, xerrors.Errorf("container: write signature: %w", err)
	}
	return &blockWriter{out: out, fileOffset: int64(len(signature))}, nil
}

// reserveBlock grows the shared index by one zero slot and returns its
// index, which becomes that block's number (§4.G: "the next block's number
// is (index_len-4)/8", i.e. the slot count before growth).
func (w *blockWriter) reserveBlock() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := uint32(len(w.index) / 8)
	w.index = append(w.index, make([]byte, 8)...)
	return n
}

// writeDataBlock writes a compressed payload as block number blockNum
// (previously reserved) and records its (offset, length) in that block's
// index slot.
func (w *blockWriter) writeDataBlock(blockNum uint32, compressed []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 4 /*header*/ + 4 /*block number*/ + len(compressed) + 4 /*trailer*/
	if total >= maxBlockLen {
		return fmt.Errorf("container: block %d too large (%d bytes)", blockNum, total)
	}
	if w.fileOffset+int64(total) >= maxFileOffset {
		return fmt.Errorf("container: file too large for itemref addressing")
	}

	header := uint32(blockKindData)<<28 | uint32(total)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], header)
	var bn [4]byte
	binary.BigEndian.PutUint32(bn[:], blockNum)

	off := w.fileOffset
	for _, b := range [][]byte{hdr[:], bn[:], compressed, hdr[:]} {
		if _, err := w.out.Write(b); err != nil {
			return xerrors.Errorf("container: write block %d: %w", blockNum, err)
		}
	}
	w.fileOffset += int64(total)

	slot := uint64(off)<<24 | uint64(total)
	binary.BigEndian.PutUint64(w.index[blockNum*8:blockNum*8+8], slot)
	return nil
}

// finalize trims trailing never-written slots, appends the root itemref, and
// writes the whole thing as the terminal index block (§4.G: "kind=1").
func (w *blockWriter) finalize(root uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	end := len(w.index)
	for end >= 8 && isZero8(w.index[end-8:end]) {
		end -= 8
	}
	body := make([]byte, 0, end+8)
	body = append(body, w.index[:end]...)
	var rootBuf [8]byte
	binary.BigEndian.PutUint64(rootBuf[:], root)
	body = append(body, rootBuf[:]...)

	total := 4 + len(body) + 4
	header := uint32(blockKindIndex)<<28 | uint32(total)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], header)

	for _, b := range [][]byte{hdr[:], body, hdr[:]} {
		if _, err := w.out.Write(b); err != nil {
			return xerrors.Errorf("container: write index block: %w", err)
		}
	}
	w.fileOffset += int64(total)
	return nil
}

func isZero8(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// newEncoder returns a fresh zstd encoder at the given level (§4.G: "each
// worker buffer is compressed independently").
func newEncoder(level int) (*zstd.Encoder, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
}

func newDecoder() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
}
