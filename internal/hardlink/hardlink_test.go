package hardlink

import (
	"testing"

	"github.com/distr1/duscan/internal/entry"
)

func TestAddAllStatsSharedAcrossTwoParents(t *testing.T) {
	table := NewTable()

	root := entry.NewDir("root", nil, 0)
	a := entry.NewDir("a", nil, 0)
	b := entry.NewDir("b", nil, 0)
	root.AddChild(a)
	root.AddChild(b)

	l1 := entry.NewLink("file", nil, 10, 1000, 1, 42, 2)
	l2 := entry.NewLink("file", nil, 10, 1000, 1, 42, 2)
	a.AddChild(l1)
	b.AddChild(l2)

	table.AddLink(l1)
	table.AddLink(l2)
	table.AddAllStats()

	if a.CumSize != 1000 || b.CumSize != 1000 {
		t.Fatalf("a.CumSize=%d b.CumSize=%d, want both 1000 (each ancestor sees the link once)", a.CumSize, b.CumSize)
	}
	// nlink=2 but only 1 of 2 members lives under each ancestor: shared.
	if a.SharedSize != 1000 || b.SharedSize != 1000 {
		t.Fatalf("a.SharedSize=%d b.SharedSize=%d, want both 1000 (partial class coverage)", a.SharedSize, b.SharedSize)
	}
}

func TestAddAllStatsNotSharedWhenWholeClassUnderOneAncestor(t *testing.T) {
	table := NewTable()

	root := entry.NewDir("root", nil, 0)
	l1 := entry.NewLink("f1", nil, 10, 1000, 1, 7, 2)
	l2 := entry.NewLink("f2", nil, 10, 1000, 1, 7, 2)
	root.AddChild(l1)
	root.AddChild(l2)

	table.AddLink(l1)
	table.AddLink(l2)
	table.AddAllStats()

	if root.CumSize != 1000 {
		t.Fatalf("root.CumSize = %d, want 1000 (class counted once)", root.CumSize)
	}
	if root.SharedSize != 0 {
		t.Fatalf("root.SharedSize = %d, want 0: both members live under root, nothing is shared outside it", root.SharedSize)
	}
}

func TestRemoveLinkRetractsContribution(t *testing.T) {
	table := NewTable()
	root := entry.NewDir("root", nil, 0)
	l1 := entry.NewLink("f1", nil, 10, 1000, 1, 7, 1)
	root.AddChild(l1)
	table.AddLink(l1)
	table.AddAllStats()
	if root.CumSize != 1000 {
		t.Fatalf("root.CumSize = %d, want 1000", root.CumSize)
	}

	table.RemoveLink(l1)
	table.AddAllStats()
	if root.CumSize != 0 {
		t.Fatalf("root.CumSize = %d after RemoveLink+AddAllStats, want 0", root.CumSize)
	}
}

func TestAddAllStatsInconsistentNlinkFallsBackToRingLength(t *testing.T) {
	table := NewTable()
	root := entry.NewDir("root", nil, 0)
	// Declared nlink disagrees between ring members (e.g. a concurrent
	// external mutation mid-scan): fall back to the ring's actual length.
	l1 := entry.NewLink("f1", nil, 10, 1000, 1, 9, 5)
	l2 := entry.NewLink("f2", nil, 10, 1000, 1, 9, 3)
	root.AddChild(l1)
	root.AddChild(l2)
	table.AddLink(l1)
	table.AddLink(l2)
	table.AddAllStats()

	// Both ring members (2) are under root, so with the corrected nlink=2
	// nothing is shared outside root.
	if root.SharedSize != 0 {
		t.Fatalf("root.SharedSize = %d, want 0 (ring length used instead of inconsistent declared nlink)", root.SharedSize)
	}
}
