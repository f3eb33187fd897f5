package container

import "fmt"

// itemref is (block_number<<24)|offset, the address of one entry within the
// block stream (§4.G, §9).
type itemref = uint64

func makeItemref(block uint32, offset int) itemref {
	return uint64(block)<<24 | uint64(offset)
}

// record is the decoded or to-be-encoded form of one entry's tagged map: a
// plain struct rather than a generic map, since the key schema is fixed and
// keyed by field, not by an open set (§4.G).
type record struct {
	Type int64
	Name []byte

	HasPrev bool
	Prev    itemref

	HasASize bool
	ASize    uint64
	HasDSize bool
	DSize    uint64

	HasDev bool
	Dev    uint64

	HasOwnErr bool
	HasSubErr bool

	HasCumASize bool
	CumASize    uint64
	HasCumDSize bool
	CumDSize    uint64
	HasShrASize bool
	ShrASize    uint64
	HasShrDSize bool
	ShrDSize    uint64

	HasItems bool
	Items    uint64

	HasSub bool
	Sub    itemref

	HasIno bool
	Ino    uint64
	HasNlink bool
	Nlink    uint64

	HasMtime bool
	Mtime    int64
	HasUid   bool
	Uid      uint64
	HasGid   bool
	Gid      uint64
	HasMode  bool
	Mode     uint64
}

// encodeRef writes an itemref field relative to the entry currently being
// written at `cur` (§9): a pos-int for an absolute forward/unrelated
// reference is never produced by this writer — every reference this format
// needs (prev sibling, last child) always points strictly backward, so it is
// always written as a neg-int argument equal to cur-target-1, wrapping
// modulo 2^64 if target happens to be numerically greater than cur (itemrefs
// are compared arithmetically, not structurally).
func encodeRef(buf []byte, key int, cur, target itemref) []byte {
	buf = writeUint(buf, uint64(key))
	delta := cur - target - 1 // wraps per §9 if target > cur
	return writeNegArg(buf, delta)
}

func decodeRef(cur itemref, h head) (itemref, error) {
	if h.major != majNegInt {
		return 0, fmt.Errorf("container: itemref field is not a neg-int (major %d)", h.major)
	}
	return cur - h.arg - 1, nil
}

// encode appends r's tagged-map encoding to buf. cur is this entry's own
// itemref, needed to relativize keyPrev/keySub.
func (r *record) encode(buf []byte, cur itemref) []byte {
	buf = writeMapIndefOpen(buf)

	buf = writeUint(buf, keyType)
	if r.Type < 0 {
		buf = writeNegArg(buf, uint64(-r.Type-1))
	} else {
		buf = writeUint(buf, uint64(r.Type))
	}

	if r.Name != nil {
		buf = writeUint(buf, keyName)
		buf = writeBytes(buf, r.Name)
	}
	if r.HasPrev {
		buf = encodeRef(buf, keyPrev, cur, r.Prev)
	}
	if r.HasASize {
		buf = writeUint(buf, keyASize)
		buf = writeUint(buf, r.ASize)
	}
	if r.HasDSize {
		buf = writeUint(buf, keyDSize)
		buf = writeUint(buf, r.DSize)
	}
	if r.HasDev {
		buf = writeUint(buf, keyDev)
		buf = writeUint(buf, r.Dev)
	}
	if r.HasOwnErr {
		buf = writeUint(buf, keyRderr)
		buf = writeSimple(buf, simpleOwnErr)
	} else if r.HasSubErr {
		buf = writeUint(buf, keyRderr)
		buf = writeSimple(buf, simpleSubErr)
	}
	if r.HasCumASize {
		buf = writeUint(buf, keyCumASize)
		buf = writeUint(buf, r.CumASize)
	}
	if r.HasCumDSize {
		buf = writeUint(buf, keyCumDSize)
		buf = writeUint(buf, r.CumDSize)
	}
	if r.HasShrASize && r.ShrASize > 0 {
		buf = writeUint(buf, keyShrASize)
		buf = writeUint(buf, r.ShrASize)
	}
	if r.HasShrDSize && r.ShrDSize > 0 {
		buf = writeUint(buf, keyShrDSize)
		buf = writeUint(buf, r.ShrDSize)
	}
	if r.HasItems {
		buf = writeUint(buf, keyItems)
		buf = writeUint(buf, r.Items)
	}
	if r.HasSub {
		buf = encodeRef(buf, keySub, cur, r.Sub)
	}
	if r.HasIno {
		buf = writeUint(buf, keyIno)
		buf = writeUint(buf, r.Ino)
	}
	if r.HasNlink {
		buf = writeUint(buf, keyNlink)
		buf = writeUint(buf, r.Nlink)
	}
	if r.HasMtime {
		buf = writeUint(buf, keyMtime)
		if r.Mtime < 0 {
			buf = writeNegArg(buf, uint64(-r.Mtime-1))
		} else {
			buf = writeUint(buf, uint64(r.Mtime))
		}
	}
	if r.HasUid {
		buf = writeUint(buf, keyUid)
		buf = writeUint(buf, r.Uid)
	}
	if r.HasGid {
		buf = writeUint(buf, keyGid)
		buf = writeUint(buf, r.Gid)
	}
	if r.HasMode {
		buf = writeUint(buf, keyMode)
		buf = writeUint(buf, r.Mode)
	}

	return writeBreak(buf)
}

// decodeRecord parses one tagged-map entry starting at b[0] (which must be
// the 0xBF indefinite-map opener) and returns it plus the number of bytes
// consumed. cur is this entry's own itemref, needed to de-relativize
// keyPrev/keySub.
func decodeRecord(b []byte, cur itemref) (*record, int, error) {
	if len(b) == 0 || b[0] != 0xBF {
		return nil, 0, fmt.Errorf("container: expected indefinite map opener")
	}
	pos := 1
	r := &record{}
	for {
		if pos >= len(b) {
			return nil, 0, fmt.Errorf("container: truncated entry")
		}
		if b[pos] == breakByte {
			pos++
			break
		}
		kh, err := readHead(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += kh.n
		key := int(kh.arg)

		vh, err := readHead(b[pos:])
		if err != nil {
			return nil, 0, err
		}

		switch key {
		case keyType:
			if vh.major == majNegInt {
				r.Type = -int64(vh.arg) - 1
			} else {
				r.Type = int64(vh.arg)
			}
			pos += vh.n
		case keyName:
			name, n, err := readBytesValue(b[pos:])
			if err != nil {
				return nil, 0, err
			}
			r.Name = name
			pos += n
		case keyPrev:
			ref, err := decodeRef(cur, vh)
			if err != nil {
				return nil, 0, err
			}
			r.HasPrev, r.Prev = true, ref
			pos += vh.n
		case keyASize:
			r.HasASize, r.ASize = true, vh.arg
			pos += vh.n
		case keyDSize:
			r.HasDSize, r.DSize = true, vh.arg
			pos += vh.n
		case keyDev:
			r.HasDev, r.Dev = true, vh.arg
			pos += vh.n
		case keyRderr:
			if vh.major != majSimple {
				return nil, 0, fmt.Errorf("container: rderr is not a simple value")
			}
			if vh.arg == uint64(simpleOwnErr) {
				r.HasOwnErr = true
			} else {
				r.HasSubErr = true
			}
			pos += vh.n
		case keyCumASize:
			r.HasCumASize, r.CumASize = true, vh.arg
			pos += vh.n
		case keyCumDSize:
			r.HasCumDSize, r.CumDSize = true, vh.arg
			pos += vh.n
		case keyShrASize:
			r.HasShrASize, r.ShrASize = true, vh.arg
			pos += vh.n
		case keyShrDSize:
			r.HasShrDSize, r.ShrDSize = true, vh.arg
			pos += vh.n
		case keyItems:
			r.HasItems, r.Items = true, vh.arg
			pos += vh.n
		case keySub:
			ref, err := decodeRef(cur, vh)
			if err != nil {
				return nil, 0, err
			}
			r.HasSub, r.Sub = true, ref
			pos += vh.n
		case keyIno:
			r.HasIno, r.Ino = true, vh.arg
			pos += vh.n
		case keyNlink:
			r.HasNlink, r.Nlink = true, vh.arg
			pos += vh.n
		case keyMtime:
			if vh.major == majNegInt {
				r.HasMtime, r.Mtime = true, -int64(vh.arg)-1
			} else {
				r.HasMtime, r.Mtime = true, int64(vh.arg)
			}
			pos += vh.n
		case keyUid:
			r.HasUid, r.Uid = true, vh.arg
			pos += vh.n
		case keyGid:
			r.HasGid, r.Gid = true, vh.arg
			pos += vh.n
		case keyMode:
			r.HasMode, r.Mode = true, vh.arg
			pos += vh.n
		default:
			// §4.G's iterate_item contract skips unknown keys rather than
			// failing the whole record; only an ill-typed known key is fatal.
			if vh.major == majBytes {
				_, n, err := readBytesValue(b[pos:])
				if err != nil {
					return nil, 0, err
				}
				pos += n
			} else {
				pos += vh.n
			}
		}
	}
	return r, pos, nil
}
