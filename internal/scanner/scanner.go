// Package scanner implements the parallel directory walker of §4.C: a
// bounded shared work stack plus per-worker private LIFOs, stat-ing every
// entry, honoring exclusion patterns, filesystem boundaries and kernfs
// detection, and feeding everything to a sink.Sink.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/exclude"
	"github.com/distr1/duscan/internal/sink"
)

// Flags mirrors the scan-flags set of §4.C.
type Flags struct {
	SameFS         bool
	FollowSymlinks bool
	ExcludeCaches  bool
	ExcludeKernfs  bool
}

// Options bundles the scanner's tunables.
type Options struct {
	Threads int
	Flags   Flags
}

// ErrNotDirectory is returned when the scan root is not a directory (§4.C
// step 1: "fail fast with a typed error").
type ErrNotDirectory struct{ Path string }

func (e *ErrNotDirectory) Error() string { return xerrors.Errorf("%s: not a directory", e.Path).Error() }

// cacheDirTagSignature is the first 43 bytes of a CACHEDIR.TAG file, as
// defined by the Bazaar/ccache convention (§4.C step 4.viii).
const cacheDirTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"

// knownKernfsMagic holds the statfs(2) f_type magic numbers of Linux
// pseudo-filesystems (§4.C step 4.vii, §GLOSSARY "Kernfs").
var knownKernfsMagic = map[int64]bool{
	0x01021994: true, // TMPFS_MAGIC
	0x9fa0:     true, // PROC_SUPER_MAGIC
	0x62656572: true, // SYSFS_MAGIC
	0x42494e4d: true, // BINFMTFS_MAGIC
	0x1cd1:     true, // DEVPTS_SUPER_MAGIC
	0x9fa2:     true, // USBDEVICE_SUPER_MAGIC
	0x64626720: true, // DEBUGFS_MAGIC
	0x65735546: true, // FUSE_CTL_SUPER_MAGIC
	0x27e0eb:   true, // CGROUP_SUPER_MAGIC
	0x63677270: true, // CGROUP2_SUPER_MAGIC
	0x6e736673: true, // NSFS_MAGIC
	0x73636673: true, // SECURITYFS_MAGIC
}

// Scanner drives one or more scans against a fixed sink and device table.
type Scanner struct {
	opts     Options
	sk       sink.Sink
	devtab   *entry.DeviceTable
	errs     *sink.ErrorBox
	aborting *atomic.Bool
}

func New(opts Options, sk sink.Sink, devtab *entry.DeviceTable, errs *sink.ErrorBox, aborting *atomic.Bool) *Scanner {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Scanner{opts: opts, sk: sk, devtab: devtab, errs: errs, aborting: aborting}
}

// dirWork is one directory awaiting processing: the OS path, the sink Dir
// handle that was already created for it, its device id, and the exclusion
// predicate in effect for its contents.
type dirWork struct {
	path string
	dir  sink.Dir
	dev  uint32
	pat  exclude.Patterns
}

// Scan walks root and returns its sink.Dir root handle. The scan releases
// every directory handle itself, the root included, once that directory and
// all its subdirectories are processed, so after a completed scan the root
// is already finalized and the caller must not Unref it again.
func (s *Scanner) Scan(ctx context.Context, root string, pat exclude.Patterns) (sink.Dir, error) {
	var st unix.Stat_t
	if err := unix.Stat(root, &st); err != nil {
		return nil, xerrors.Errorf("stat %s: %w", root, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, &ErrNotDirectory{Path: root}
	}
	dev := s.devtab.Intern(uint64(st.Dev))

	rootDir, err := s.sk.CreateRoot(filepath.Base(root), statToSink(&st, dev, true, false))
	if err != nil {
		return nil, xerrors.Errorf("createRoot: %w", err)
	}

	threads := s.sk.CreateThreads(s.opts.Threads)

	p := newPool(s.opts.Threads, 16)
	initial := &dirWork{path: root, dir: rootDir, dev: dev, pat: pat}

	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		p.stop()
	}()
	for i := 0; i < s.opts.Threads; i++ {
		i := i
		g.Go(func() error {
			t := threads[i]
			private := []*dirWork{}
			if i == 0 {
				if s.opts.Threads == 1 || !p.tryPush(initial) {
					private = append(private, initial)
				}
			}
			for {
				if ctx.Err() != nil || (s.aborting != nil && s.aborting.Load()) {
					return nil
				}
				var w *dirWork
				if n := len(private); n > 0 {
					w, private = private[n-1], private[:n-1]
				} else {
					var ok bool
					w, ok = p.pop()
					if !ok {
						return nil
					}
				}
				s.processDir(w, t, p, &private)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rootDir, nil
}

// processDir implements the per-directory body of §4.C step 4.
func (s *Scanner) processDir(w *dirWork, t sink.Thread, p *pool, private *[]*dirWork) {
	t.SetDir(w.dir)
	defer func() {
		t.SetDir(nil)
		w.dir.Unref(t)
	}()

	f, err := os.Open(w.path)
	if err != nil {
		w.dir.SetReadError(t)
		s.errs.Set(w.path, err)
		return
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		w.dir.SetReadError(t)
		s.errs.Set(w.path, err)
		return
	}

	for _, name := range names {
		if s.aborting != nil && s.aborting.Load() {
			return
		}
		s.processEntry(w, name, t, p, private)
	}
}

func (s *Scanner) processEntry(w *dirWork, name string, t sink.Thread, p *pool, private *[]*dirWork) {
	full := filepath.Join(w.path, name)

	if m := w.pat.Match(name); m == exclude.Both {
		w.dir.AddSpecial(t, name, entry.SpecialPattern)
		return
	} else if m == exclude.FileOnly {
		// Deferred: only excludes if the entry turns out to not be a
		// directory. Re-checked below once we know the type.
		var lst unix.Stat_t
		if err := unix.Lstat(full, &lst); err != nil {
			w.dir.AddSpecial(t, name, entry.SpecialReadErr)
			return
		}
		if lst.Mode&unix.S_IFMT != unix.S_IFDIR {
			w.dir.AddSpecial(t, name, entry.SpecialPattern)
			return
		}
		s.processDirEntry(w, name, full, &lst, t, p, private)
		return
	}

	var lst unix.Stat_t
	if err := unix.Lstat(full, &lst); err != nil {
		w.dir.AddSpecial(t, name, entry.SpecialReadErr)
		return
	}
	s.processDirEntry(w, name, full, &lst, t, p, private)
}

// processDirEntry handles one already-lstat'd name: symlink resolution,
// same-fs enforcement, and dispatch to either a leaf addStat or a recursive
// directory push (§4.C steps 4.iii-4.ix).
func (s *Scanner) processDirEntry(w *dirWork, name, full string, lst *unix.Stat_t, t sink.Thread, p *pool, private *[]*dirWork) {
	st := lst
	isSymlink := lst.Mode&unix.S_IFMT == unix.S_IFLNK
	demoteLink := false

	if isSymlink {
		if !s.opts.Flags.FollowSymlinks {
			w.dir.AddStat(t, name, statToSink(lst, w.dev, false, false))
			return
		}
		var followed unix.Stat_t
		if err := unix.Stat(full, &followed); err != nil {
			w.dir.AddSpecial(t, name, entry.SpecialReadErr)
			return
		}
		if followed.Mode&unix.S_IFMT != unix.S_IFDIR {
			st = &followed
			if uint64(followed.Dev) != uint64(lst.Dev) {
				demoteLink = true
			}
			dev := s.devtab.Intern(uint64(st.Dev))
			w.dir.AddStat(t, name, statToSinkForced(st, dev, demoteLink))
			return
		}
		st = &followed
	}

	dev := s.devtab.Intern(uint64(st.Dev))
	if s.opts.Flags.SameFS && dev != w.dev {
		w.dir.AddSpecial(t, name, entry.SpecialOtherFS)
		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		w.dir.AddStat(t, name, statToSink(st, dev, false, demoteLink))
		return
	}

	cf, err := os.Open(full)
	if err != nil {
		cdir, aerr := w.dir.AddDir(t, name, statToSink(st, dev, true, false))
		if aerr == nil {
			cdir.SetReadError(t)
			cdir.Unref(t)
		}
		return
	}

	if runtime.GOOS == "linux" && s.opts.Flags.ExcludeKernfs && dev != w.dev {
		var sfs unix.Statfs_t
		if err := unix.Fstatfs(int(cf.Fd()), &sfs); err == nil && knownKernfsMagic[int64(sfs.Type)] {
			cf.Close()
			w.dir.AddSpecial(t, name, entry.SpecialKernFS)
			return
		}
	}

	if s.opts.Flags.ExcludeCaches && hasCacheDirTag(full) {
		cf.Close()
		w.dir.AddSpecial(t, name, entry.SpecialPattern)
		return
	}
	cf.Close()

	cdir, err := w.dir.AddDir(t, name, statToSink(st, dev, true, false))
	if err != nil {
		return
	}
	childPat := w.pat.Enter(name)
	child := &dirWork{path: full, dir: cdir, dev: dev, pat: childPat}
	if !p.tryPush(child) {
		*private = append(*private, child)
	}
}

func hasCacheDirTag(dir string) bool {
	f, err := os.Open(filepath.Join(dir, "CACHEDIR.TAG"))
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, len(cacheDirTagSignature))
	n, _ := f.Read(buf)
	return n == len(buf) && string(buf) == cacheDirTagSignature
}

func statToSink(st *unix.Stat_t, dev uint32, isDir, demoted bool) *sink.Stat {
	nlink := uint32(st.Nlink)
	if demoted {
		nlink = 1
	}
	return &sink.Stat{
		Blocks:    uint64(st.Blocks),
		Size:      uint64(st.Size),
		Dev:       dev,
		Ino:       uint64(st.Ino),
		Nlink:     nlink,
		IsDir:     isDir,
		IsRegular: st.Mode&unix.S_IFMT == unix.S_IFREG,
		Ext:       extFromStat(st),
	}
}

// statToSinkForced is used for a followed symlink target: kind is forced to
// regular per §4.C ("demote from hardlink accounting: force nlink=1, kind =
// regular").
func statToSinkForced(st *unix.Stat_t, dev uint32, demoted bool) *sink.Stat {
	s := statToSink(st, dev, false, demoted)
	s.IsRegular = true
	return s
}

func extFromStat(st *unix.Stat_t) *entry.Ext {
	return &entry.Ext{
		Mtime:    int64(st.Mtim.Sec),
		HasMtime: true,
		Uid:      st.Uid,
		HasUid:   true,
		Gid:      st.Gid,
		HasGid:   true,
		Mode:     uint32(st.Mode &^ unix.S_IFMT),
		HasMode:  true,
	}
}
