// Package sink defines the type-erased dispatch contract of §4.D: the
// scanner (internal/scanner) drives one of these interfaces without caring
// whether the backing store is the in-memory tree (internal/memsink) or the
// binary streaming writer (internal/container).
package sink

import (
	"sync"

	"github.com/distr1/duscan/internal/entry"
)

// Stat is the scanner's stat-like event payload (§4.C): everything it
// learned about one directory entry before handing it to a Dir.
type Stat struct {
	Blocks uint64 // 512-byte units (§3)
	Size   uint64 // bytes
	Dev    uint32 // interned device id
	Ino    uint64
	Nlink  uint32

	IsDir     bool
	IsRegular bool // false (and not IsDir) means NonReg, whatever Nlink is

	// ForceLink classifies a regular file as a hardlink independent of
	// Nlink: a legacy-style import may carry hlnkc without nlink (§9).
	ForceLink bool

	Ext *entry.Ext
}

// Thread is per-worker sink state: progress counters (§4.D) plus whichever
// Dir the worker is currently inside, published for the (out-of-scope)
// progress UI.
type Thread interface {
	AddFile()
	AddBytes(n uint64)
	SetDir(d Dir)
	FilesSeen() uint32
	BytesSeen() uint64
	CurrentDir() Dir
}

// Sink is the top-level backend: it allocates per-worker Thread state and
// produces the root Dir handle.
type Sink interface {
	CreateThreads(n int) []Thread
	CreateRoot(name string, st *Stat) (Dir, error)
}

// Dir is a handle to one in-progress directory. Calls are sequential per
// Dir (§5: "within a single Dir, addStat/addDir/addSpecial calls
// happen-before that Dir's unref/final"), but different Dirs may be driven
// concurrently by different workers.
//
// Dir is refcounted (§4.D): it starts at 1 (held by its creator), a new
// child Dir increments its parent's refcount, and Unref decrements; the
// implementation's final() runs only once the count reaches zero, and only
// after every child Dir has itself reached zero, guaranteeing
// parent-after-children finalization order.
type Dir interface {
	AddSpecial(t Thread, name string, kind entry.SpecialKind)
	AddStat(t Thread, name string, st *Stat) error
	AddDir(t Thread, name string, st *Stat) (Dir, error)
	SetReadError(t Thread)
	Unref(t Thread)
}

// ErrorBox is the single last-observed-error slot of §4.D: there is no
// queue, and the (out-of-scope) UI is allowed to lag behind it.
type ErrorBox struct {
	mu   sync.Mutex
	path string
	err  error
}

func (b *ErrorBox) Set(path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.path, b.err = path, err
}

func (b *ErrorBox) Get() (path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path, b.err
}
