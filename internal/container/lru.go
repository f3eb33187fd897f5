package container

// blockLRU caches up to `cap` decompressed blocks (§4.H: "an LRU of up to 8
// decompressed blocks avoids re-inflating a block that's read from
// repeatedly, e.g. while a UI is walking struct siblings back to front").
type blockLRU struct {
	cap   int
	order []uint32
	data  map[uint32][]byte
}

func newBlockLRU(cap int) *blockLRU {
	return &blockLRU{cap: cap, data: make(map[uint32][]byte, cap)}
}

func (l *blockLRU) get(n uint32) ([]byte, bool) {
	d, ok := l.data[n]
	if ok {
		l.touch(n)
	}
	return d, ok
}

func (l *blockLRU) touch(n uint32) {
	for i, v := range l.order {
		if v == n {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, n)
}

func (l *blockLRU) put(n uint32, data []byte) {
	if _, ok := l.data[n]; !ok && len(l.order) >= l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.data, oldest)
	}
	l.data[n] = data
	l.touch(n)
}
