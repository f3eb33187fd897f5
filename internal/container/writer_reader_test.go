package container

import (
	"testing"

	"github.com/orcaman/writerseeker"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/memsink"
	"github.com/distr1/duscan/internal/sink"
)

// buildTree constructs a small in-memory tree directly through memsink,
// bypassing the scanner, to give Export/StreamWriter a deterministic fixture.
func buildTree(t *testing.T) *entry.Dir {
	t.Helper()
	sk := memsink.New()
	threads := sk.CreateThreads(1)
	th := threads[0]

	root, err := sk.CreateRoot("root", &sink.Stat{IsDir: true, Blocks: 8, Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AddStat(th, "a.txt", &sink.Stat{IsRegular: true, Size: 100, Blocks: 8, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	root.AddSpecial(th, "ignored", entry.SpecialPattern)

	sub, err := root.AddDir(th, "sub", &sink.Stat{IsDir: true, Blocks: 8, Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.AddStat(th, "b.txt", &sink.Stat{IsRegular: true, Size: 200, Blocks: 16, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	sub.SetReadError(th)
	sub.Unref(th)

	root.Unref(th)
	sk.Links.AddAllStats()

	h, ok := root.(interface{ Dir() *entry.Dir })
	if !ok {
		t.Fatal("memsink root handle does not expose Dir()")
	}
	return h.Dir()
}

func TestExportImportRoundtrip(t *testing.T) {
	root := buildTree(t)

	ws := &writerseeker.WriterSeeker{}
	if err := Export(root, ws, 3); err != nil {
		t.Fatalf("Export: %v", err)
	}

	ra, err := ws.BytesReader()
	if err != nil {
		t.Fatal(err)
	}
	r, err := Open(ra, int64(ra.Len()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sk := memsink.New()
	imported, err := Import(r, sk)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	sk.Links.AddAllStats()

	h, ok := imported.(interface{ Dir() *entry.Dir })
	if !ok {
		t.Fatal("imported root handle does not expose Dir()")
	}
	got := h.Dir()

	if got.Name() != "root" {
		t.Errorf("name = %q, want root", got.Name())
	}
	if got.CumSize != root.CumSize {
		t.Errorf("CumSize = %d, want %d", got.CumSize, root.CumSize)
	}
	if got.Items != root.Items {
		t.Errorf("Items = %d, want %d", got.Items, root.Items)
	}
	if len(got.Children) != len(root.Children) {
		t.Fatalf("got %d children, want %d", len(got.Children), len(root.Children))
	}

	var gotSub *entry.Dir
	for _, c := range got.Children {
		if c.Name() == "sub" {
			gotSub = c.(*entry.Dir)
		}
	}
	if gotSub == nil {
		t.Fatal("missing sub directory after import")
	}
	if !gotSub.Err {
		t.Error("sub.Err should be true: its own read error was carried through the export")
	}
}

func TestStreamWriterExport(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	sw, err := NewStreamWriter(ws, 3)
	if err != nil {
		t.Fatal(err)
	}

	threads := sw.CreateThreads(1)
	th := threads[0]
	root, err := sw.CreateRoot("root", &sink.Stat{IsDir: true, Blocks: 8, Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AddStat(th, "a.txt", &sink.Stat{IsRegular: true, Size: 100, Blocks: 8, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	sub, err := root.AddDir(th, "sub", &sink.Stat{IsDir: true, Blocks: 8, Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.AddStat(th, "b.txt", &sink.Stat{IsRegular: true, Size: 200, Blocks: 16, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	sub.Unref(th)
	root.Unref(th)

	if err := sw.Err(); err != nil {
		t.Fatalf("StreamWriter error: %v", err)
	}

	ra, err := ws.BytesReader()
	if err != nil {
		t.Fatal(err)
	}
	r, err := Open(ra, int64(ra.Len()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rootRec, err := r.ReadItem(r.GetRoot())
	if err != nil {
		t.Fatalf("ReadItem(root): %v", err)
	}
	if string(rootRec.Name) != "root" {
		t.Errorf("root name = %q, want root", rootRec.Name)
	}
	if !rootRec.HasItems || rootRec.Items != 3 { // a.txt, sub, sub/b.txt
		t.Errorf("root Items = %v (has=%v), want 3", rootRec.Items, rootRec.HasItems)
	}
}
