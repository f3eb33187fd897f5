package container

// Map keys of the per-entry tagged map (§4.G). Every entry is an indefinite
// CBOR map; only the keys relevant to that entry's kind are written.
const (
	keyType     = 0  // EType code, pos-int (dirs/files/links) or neg-int (specials)
	keyName     = 1  // byte string, the entry's own name within its parent
	keyPrev     = 2  // itemref of the previous sibling in this directory, relative
	keyASize    = 3  // apparent size in bytes
	keyDSize    = 4  // disk usage in 512-byte blocks
	keyDev      = 5  // interned device id (dirs only, when distinct from parent)
	keyRderr    = 6  // simple(21)=own read error, simple(20)=subtree has one (dirs only)
	keyCumASize = 7  // cumulative apparent size (dirs only)
	keyCumDSize = 8  // cumulative disk usage (dirs only)
	keyShrASize = 9  // hardlink-shared apparent size (dirs only, omitted when zero)
	keyShrDSize = 10 // hardlink-shared disk usage (dirs only, omitted when zero)
	keyItems    = 11 // transitive descendant count (dirs only)
	keySub      = 12 // itemref of the last child written (dirs only), relative
	keyIno      = 13 // inode number (links only)
	keyNlink    = 14 // declared link count (links only)
	keyMtime    = 15
	keyUid      = 16
	keyGid      = 17
	keyMode     = 18
)

// EType codes identify what keyType's value means. Positive codes are real
// entries; negative codes are the Special reasons of §3.
const (
	ETypeDir     int64 = 1
	ETypeFile    int64 = 2
	ETypeLink    int64 = 3
	ETypeNonReg  int64 = 4
	ETypeReadErr int64 = -1
	ETypePattern int64 = -2
	ETypeOtherFS int64 = -3
	ETypeKernFS  int64 = -4
)

// rderr simple values (§4.G: "rderr: simple(21)=own error, simple(20)=subtree
// error"). A directory with both its own error and a descendant error writes
// the own-error code only: it is the more specific of the two, and SubErr is
// always recoverable on import by re-deriving it from children (entry.UpdateSubErr).
const (
	simpleSubErr byte = 20
	simpleOwnErr byte = 21
)
