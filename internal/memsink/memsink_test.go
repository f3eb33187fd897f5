package memsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/sink"
)

func scan(t *testing.T, s *Sink, root sink.Dir, th sink.Thread, files map[string]uint64) {
	t.Helper()
	for name, size := range files {
		if err := root.AddStat(th, name, &sink.Stat{IsRegular: true, Size: size, Blocks: size / 512, Nlink: 1}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFreshScanAggregates(t *testing.T) {
	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]

	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	scan(t, s, root, th, map[string]uint64{"a": 100, "b": 200})
	root.Unref(th)
	s.Links.AddAllStats()

	d := root.(*dirHandle).Dir()
	if d.CumSize != 300 {
		t.Fatalf("CumSize = %d, want 300", d.CumSize)
	}
	if d.Items != 2 {
		t.Fatalf("Items = %d, want 2", d.Items)
	}
}

func TestRefreshDropsUnseenChildren(t *testing.T) {
	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]

	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	scan(t, s, root, th, map[string]uint64{"keep": 100, "gone": 200})
	root.Unref(th)
	s.Links.AddAllStats()
	d := root.(*dirHandle).Dir()

	s2 := New()
	threads2 := s2.CreateThreads(1)
	th2 := threads2[0]
	refreshed := s2.Refresh(d)
	scan(t, s2, refreshed, th2, map[string]uint64{"keep": 100})
	refreshed.Unref(th2)
	s2.Links.AddAllStats()

	if len(d.Children) != 1 || d.Children[0].Name() != "keep" {
		t.Fatalf("children after refresh = %v, want only [keep]", d.Children)
	}
	if d.CumSize != 100 {
		t.Fatalf("CumSize after refresh = %d, want 100", d.CumSize)
	}
}

func TestAddDirRefcountOrdersFinalizationAfterChildren(t *testing.T) {
	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]

	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	child, err := root.AddDir(th, "child", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := child.AddStat(th, "leaf", &sink.Stat{IsRegular: true, Size: 50, Blocks: 1, Nlink: 1}); err != nil {
		t.Fatal(err)
	}

	d := root.(*dirHandle).Dir()
	if d.Items != 0 {
		t.Fatal("parent must not be finalized before its child's Unref")
	}

	child.Unref(th)
	root.Unref(th)
	s.Links.AddAllStats()

	if d.Items != 2 { // child dir + its leaf
		t.Fatalf("Items = %d, want 2", d.Items)
	}
}

func TestDeleteFileRetractsAncestorTotals(t *testing.T) {
	dir := t.TempDir()
	leafPath := filepath.Join(dir, "a")
	if err := os.WriteFile(leafPath, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]
	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AddStat(th, "a", &sink.Stat{IsRegular: true, Size: 100, Blocks: 1, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	root.Unref(th)
	s.Links.AddAllStats()

	d := root.(*dirHandle).Dir()
	if d.Items != 1 || d.CumSize != 100 {
		t.Fatalf("before delete: Items=%d CumSize=%d, want 1/100", d.Items, d.CumSize)
	}

	leaf := d.Children[0]
	if err := s.Delete(leaf, leafPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(leafPath); !os.IsNotExist(err) {
		t.Fatal("file should no longer exist on disk")
	}
	if len(d.Children) != 0 {
		t.Fatal("leaf should be unlinked from its parent")
	}
	if d.Items != 0 || d.CumSize != 0 {
		t.Fatalf("after delete: Items=%d CumSize=%d, want 0/0", d.Items, d.CumSize)
	}
}

func TestDeleteDirRemovesSubtreeAndRetractsGrandparent(t *testing.T) {
	dir := t.TempDir()
	subPath := filepath.Join(dir, "sub")
	if err := os.Mkdir(subPath, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(subPath, "b"), make([]byte, 200), 0644); err != nil {
		t.Fatal(err)
	}

	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]
	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := root.AddDir(th, "sub", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.AddStat(th, "b", &sink.Stat{IsRegular: true, Size: 200, Blocks: 1, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
	sub.Unref(th)
	root.Unref(th)
	s.Links.AddAllStats()

	d := root.(*dirHandle).Dir()
	if d.Items != 2 || d.CumSize != 200 { // sub dir + its leaf
		t.Fatalf("before delete: Items=%d CumSize=%d, want 2/200", d.Items, d.CumSize)
	}

	subDir := d.Children[0]
	if err := s.Delete(subDir, subPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(subPath); !os.IsNotExist(err) {
		t.Fatal("sub directory should no longer exist on disk")
	}
	if d.Items != 0 || d.CumSize != 0 {
		t.Fatalf("after delete: Items=%d CumSize=%d, want 0/0", d.Items, d.CumSize)
	}
}

func TestSpecialReadErrorMarksSubErr(t *testing.T) {
	s := New()
	threads := s.CreateThreads(1)
	th := threads[0]

	root, err := s.CreateRoot("root", &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	root.AddSpecial(th, "broken", entry.SpecialReadErr)
	root.Unref(th)
	s.Links.AddAllStats()

	d := root.(*dirHandle).Dir()
	if !d.SubErr {
		t.Fatal("SubErr should be true after a read-error Special child")
	}
}
