package entry

import "sync"

// DeviceTable interns raw (major, minor) device identifiers into a dense
// 30-bit space, matching §3's "device ids are interned into a dense 30-bit
// space". A single mutex guards it, following the teacher's convention of
// one explicit mutex per shared table (§5) rather than a lock-free
// structure.
type DeviceTable struct {
	mu  sync.Mutex
	ids map[uint64]uint32
}

func NewDeviceTable() *DeviceTable {
	return &DeviceTable{ids: make(map[uint64]uint32)}
}

// Intern returns the dense id for the given raw device number, allocating a
// new one on first sight. The raw number is treated as opaque (callers
// combine major/minor however their platform reports it).
func (t *DeviceTable) Intern(raw uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[raw]; ok {
		return id
	}
	id := uint32(len(t.ids))
	if id >= 1<<30 {
		// Exceeding 2^30 distinct devices in one scan is not something any
		// real filesystem layout produces; clamp rather than silently wrap.
		id = 1<<30 - 1
	}
	t.ids[raw] = id
	return id
}
