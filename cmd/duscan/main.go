// Command duscan scans a directory tree and produces a disk-usage export,
// in either the binary container format (internal/container) or the
// textual JSON format (internal/textfmt). The ncurses-style browser, the
// exclusion-pattern grammar and the delete-confirmation dialog are out of
// scope (spec.md §1); this binary only drives the scan and the two export
// codecs end to end.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sync/atomic"

	"github.com/google/renameio/v2"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/container"
	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/exclude"
	"github.com/distr1/duscan/internal/memsink"
	"github.com/distr1/duscan/internal/procutil"
	"github.com/distr1/duscan/internal/scanner"
	"github.com/distr1/duscan/internal/sink"
	"github.com/distr1/duscan/internal/textfmt"
)

const helpText = `duscan [options] <dir>

duscan scans a directory tree (or, with -f or -i, imports a prior export,
reading stdin when the file is "-") and writes a disk-usage export to
stdout or a file. The <dir> argument is required in every mode and is
ignored when importing.`

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintln(os.Stderr, "Flags:")
		fset.PrintDefaults()
	}
}

type config struct {
	binaryImport  string
	jsonImport    string
	binaryExport  string
	streamExport  string
	jsonExport    string
	sameFS        bool
	followLinks   bool
	excludeCaches bool
	excludeKernfs bool
	threads       int
	compressLevel int
	patterns      []string
}

func main() {
	err := run(os.Args[1:])
	if aerr := procutil.RunAtExit(); aerr != nil && err == nil {
		err = aerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "duscan:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("duscan", flag.ExitOnError)
	var cfg config
	var exclPatterns stringList
	fset.StringVar(&cfg.binaryImport, "f", "", "import a binary container export from `file` (\"-\" for stdin) instead of scanning")
	fset.StringVar(&cfg.jsonImport, "i", "", "import a textual JSON export from `file` (\"-\" for stdin) instead of scanning")
	fset.StringVar(&cfg.binaryExport, "o", "", "write a binary container export to `file` (\"-\" for stdout)")
	fset.StringVar(&cfg.streamExport, "O", "", "write a binary container export directly while scanning, to `file` (\"-\" for stdout); no cross-directory hardlink sharing is computed in this mode")
	fset.StringVar(&cfg.jsonExport, "j", "-", "write a textual JSON export to `file` (\"-\" for stdout); ignored if -o or -O is given")
	fset.BoolVar(&cfg.sameFS, "x", false, "stay on the starting filesystem")
	fset.BoolVar(&cfg.followLinks, "L", false, "follow symlinks named on the command line and dereference during the scan")
	fset.BoolVar(&cfg.excludeCaches, "exclude-caches", false, "exclude directories containing a CACHEDIR.TAG file")
	fset.BoolVar(&cfg.excludeKernfs, "exclude-kernfs", false, "exclude known kernel pseudo-filesystems (/proc, /sys, ...)")
	fset.Var(&exclPatterns, "exclude", "exclude files matching `pattern` (may be repeated)")
	fset.IntVar(&cfg.threads, "t", 0, "number of scanner worker goroutines (values below 1 mean 1)")
	fset.IntVar(&cfg.compressLevel, "compress-level", 3, "zstd compression level for binary exports")
	fset.Usage = usage(fset, helpText)
	if err := fset.Parse(args); err != nil {
		return err
	}
	cfg.patterns = []string(exclPatterns)

	if fset.NArg() != 1 {
		fset.Usage()
		return xerrors.Errorf("expected exactly one positional argument (the directory to scan)")
	}
	root := fset.Arg(0)

	ctx, cancel := procutil.InterruptibleContext()
	defer cancel()

	if cfg.streamExport != "" {
		if cfg.binaryImport != "" || cfg.jsonImport != "" {
			return xerrors.Errorf("-O cannot be combined with -f or -i: there is no tree to stream from an import")
		}
		return streamScan(ctx, root, cfg)
	}

	var rootDir *entry.Dir
	var err error
	switch {
	case cfg.binaryImport != "":
		rootDir, err = importBinary(cfg.binaryImport)
	case cfg.jsonImport != "":
		rootDir, err = importJSON(cfg.jsonImport)
	default:
		rootDir, err = scanToMemory(ctx, root, cfg)
	}
	if err != nil {
		return err
	}

	if cfg.binaryExport != "" {
		return exportBinary(rootDir, cfg.binaryExport, cfg.compressLevel)
	}
	return exportText(rootDir, cfg.jsonExport)
}

// stringList accumulates repeated -exclude flags.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func patternsFrom(cfg config) exclude.Patterns {
	if len(cfg.patterns) == 0 {
		return exclude.NoExclusions
	}
	return exclude.NewGlob(nil, cfg.patterns, true)
}

// entryDirer is implemented by memsink's unexported dirHandle; asserting
// against this small structural interface avoids exporting an internal type
// just to get the finished tree back out of a sink.Dir.
type entryDirer interface {
	Dir() *entry.Dir
}

func scanToMemory(ctx context.Context, root string, cfg config) (*entry.Dir, error) {
	threads := cfg.threads
	if threads < 1 {
		threads = 1
	}
	sk := memsink.New()
	devtab := entry.NewDeviceTable()
	errs := &sink.ErrorBox{}
	var aborting atomic.Bool

	opts := scanner.Options{
		Threads: threads,
		Flags: scanner.Flags{
			SameFS:         cfg.sameFS,
			FollowSymlinks: cfg.followLinks,
			ExcludeCaches:  cfg.excludeCaches,
			ExcludeKernfs:  cfg.excludeKernfs,
		},
	}
	sc := scanner.New(opts, sk, devtab, errs, &aborting)
	reportScanStart(root)
	rootHandle, err := sc.Scan(ctx, root, patternsFrom(cfg))
	reportScanDone(root, err)
	if err != nil {
		return nil, err
	}
	sk.Links.AddAllStats()

	ed, ok := rootHandle.(entryDirer)
	if !ok {
		return nil, xerrors.Errorf("internal: memsink root handle did not implement entryDirer")
	}
	if path, err := errs.Get(); err != nil {
		fmt.Fprintf(os.Stderr, "duscan: warning: %s: %v\n", path, err)
	}
	return ed.Dir(), nil
}

// streamScan drives the scan directly against a StreamWriter, skipping the
// in-memory tree entirely (the "-O" fast path; see StreamWriter's doc
// comment for the hardlink-accounting limitation this implies).
func streamScan(ctx context.Context, root string, cfg config) error {
	out, closeOut, err := openOutput(cfg.streamExport)
	if err != nil {
		return err
	}
	defer closeOut()

	sw, err := container.NewStreamWriter(out, cfg.compressLevel)
	if err != nil {
		return xerrors.Errorf("create stream writer: %w", err)
	}

	threads := cfg.threads
	if threads < 1 {
		threads = 1
	}
	devtab := entry.NewDeviceTable()
	errs := &sink.ErrorBox{}
	var aborting atomic.Bool

	opts := scanner.Options{
		Threads: threads,
		Flags: scanner.Flags{
			SameFS:         cfg.sameFS,
			FollowSymlinks: cfg.followLinks,
			ExcludeCaches:  cfg.excludeCaches,
			ExcludeKernfs:  cfg.excludeKernfs,
		},
	}
	sc := scanner.New(opts, sw, devtab, errs, &aborting)
	reportScanStart(root)
	_, err = sc.Scan(ctx, root, patternsFrom(cfg))
	reportScanDone(root, err)
	if err != nil {
		return err
	}
	if err := sw.Err(); err != nil {
		return xerrors.Errorf("stream export: %w", err)
	}
	return nil
}

// reportScanStart/reportScanDone print a minimal status line around a scan.
// A full progress bar is out of scope; the only decision left to make is
// whether stderr is a terminal we may repaint in place (carriage return) or
// a pipe/file we must append to (newline), which is what isatty answers.
func reportScanStart(root string) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "duscan: scanning %s...\r", root)
		return
	}
	fmt.Fprintf(os.Stderr, "duscan: scanning %s...\n", root)
}

func reportScanDone(root string, err error) {
	status := "done"
	if err != nil {
		status = "failed"
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "duscan: scanning %s... %s\n", root, status)
		return
	}
	fmt.Fprintf(os.Stderr, "duscan: %s: %s\n", status, root)
}

func exportBinary(root *entry.Dir, path string, level int) error {
	out, closeOut, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closeOut()
	return container.Export(root, out, level)
}

func exportText(root *entry.Dir, path string) error {
	out, closeOut, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closeOut()
	return textfmt.Export(root, out, textfmt.Metadata{ProgName: "duscan"})
}

// importBinary replays a binary container export through memsink, buffering
// stdin in full when path is "-" since container.Open needs random access
// (io.ReaderAt) to locate the trailing index block.
func importBinary(path string) (*entry.Dir, error) {
	ra, size, closeIn, err := openReaderAt(path)
	if err != nil {
		return nil, xerrors.Errorf("import: %w", err)
	}
	defer closeIn()

	r, err := container.Open(ra, size)
	if err != nil {
		return nil, xerrors.Errorf("import: %w", err)
	}
	sk := memsink.New()
	rootHandle, err := container.Import(r, sk)
	if err != nil {
		return nil, xerrors.Errorf("import: %w", err)
	}
	sk.Links.AddAllStats()
	ed, ok := rootHandle.(entryDirer)
	if !ok {
		return nil, xerrors.Errorf("internal: memsink root handle did not implement entryDirer")
	}
	return ed.Dir(), nil
}

func importJSON(path string) (*entry.Dir, error) {
	in, closeIn, err := openInput(path)
	if err != nil {
		return nil, xerrors.Errorf("import: %w", err)
	}
	defer closeIn()

	sk := memsink.New()
	rootHandle, err := textfmt.Import(in, sk)
	if err != nil {
		return nil, xerrors.Errorf("import: %w", err)
	}
	sk.Links.AddAllStats()
	ed, ok := rootHandle.(entryDirer)
	if !ok {
		return nil, xerrors.Errorf("internal: memsink root handle did not implement entryDirer")
	}
	return ed.Dir(), nil
}

// openReaderAt returns a random-access view of path, reading stdin fully
// into memory when path is "-".
func openReaderAt(path string) (io.ReaderAt, int64, func() error, error) {
	if path == "-" {
		data, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			return nil, 0, nil, xerrors.Errorf("read stdin: %w", err)
		}
		return bytes.NewReader(data), int64(len(data)), func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, xerrors.Errorf("open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, fi.Size(), f.Close, nil
}

// openOutput returns a writer for path. A real path is written through a
// renameio pending file so a crash or a concurrent reader never observes a
// partial export: the file only appears at path once writing succeeds and
// the temporary is renamed into place.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return nil, nil, xerrors.Errorf("create %s: %w", path, err)
	}
	return pf, func() error {
		if err := pf.CloseAtomicallyReplace(); err != nil {
			pf.Cleanup()
			return err
		}
		return nil
	}, nil
}

func openInput(path string) (io.Reader, func() error, error) {
	if path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, xerrors.Errorf("open %s: %w", path, err)
	}
	return f, f.Close, nil
}
