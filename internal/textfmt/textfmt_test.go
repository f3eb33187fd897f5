package textfmt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/memsink"
	"github.com/distr1/duscan/internal/sink"
)

func TestEscapeUnescapeNameRoundtrip(t *testing.T) {
	cases := []string{
		"plain-name.txt",
		"unicode-héllo",
		string([]byte{0xff, 0x61, 0x80}), // invalid UTF-8 bytes interleaved with ASCII
	}
	for _, name := range cases {
		esc := escapeName(name)
		if got := unescapeName(esc); got != name {
			t.Errorf("escapeName/unescapeName(%q) roundtrip = %q", name, got)
		}
	}
}

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
	root.AddSpecial(th, "skipped", entry.SpecialOtherFS)

	sub, err := root.AddDir(th, "sub", &sink.Stat{IsDir: true, Blocks: 0, Size: 0})
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.AddStat(th, "b.txt", &sink.Stat{IsRegular: true, Size: 200, Blocks: 16, Nlink: 1}); err != nil {
		t.Fatal(err)
	}
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

	var buf bytes.Buffer
	if err := Export(root, &buf, Metadata{ProgName: "duscan-test"}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	sk := memsink.New()
	imported, err := Import(&buf, sk)
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
	if len(got.Children) != len(root.Children) {
		t.Fatalf("got %d children, want %d", len(got.Children), len(root.Children))
	}
}

// TestInvalidUTF8NameRoundtripsThroughWire exercises §8 property 7 (UTF-8
// escape round trip) end to end, including a check that the wire text
// itself carries a single-backslash \u00XX escape rather than a
// double-escaped one (the bug nameJSON exists to avoid).
func TestInvalidUTF8NameRoundtripsThroughWire(t *testing.T) {
	sk := memsink.New()
	threads := sk.CreateThreads(1)
	th := threads[0]
	name := string([]byte{0xff, 'x', 0x80})

	root, err := sk.CreateRoot(name, &sink.Stat{IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	root.Unref(th)
	sk.Links.AddAllStats()
	h, ok := root.(interface{ Dir() *entry.Dir })
	if !ok {
		t.Fatal("memsink root handle does not expose Dir()")
	}

	var buf bytes.Buffer
	if err := Export(h.Dir(), &buf, Metadata{}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	wire := buf.String()
	if !strings.Contains(wire, "\\u00ff") {
		t.Fatalf("wire text does not contain a single-backslash \\u00ff escape: %q", wire)
	}
	if strings.Contains(wire, "\\\\u00ff") {
		t.Fatalf("wire text double-escapes the invalid byte: %q", wire)
	}

	sk2 := memsink.New()
	imported, err := Import(&buf, sk2)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	sk2.Links.AddAllStats()
	h2, ok := imported.(interface{ Dir() *entry.Dir })
	if !ok {
		t.Fatal("imported root handle does not expose Dir()")
	}
	if got := h2.Dir().Name(); got != name {
		t.Errorf("name after roundtrip = %q, want %q", got, name)
	}
}

// TestImportHLnkCWithoutNLinkClassifiesAsLink covers the legacy-style import
// case from §9: a leaf carrying hlnkc but no nlink must still be classified
// as a hardlink, not silently demoted to a plain file.
func TestImportHLnkCWithoutNLinkClassifiesAsLink(t *testing.T) {
	wire := `[1,0,{},[{"name":"root"},{"name":"a","asize":100,"dsize":8,"ino":42,"hlnkc":true}]]`

	sk := memsink.New()
	imported, err := Import(strings.NewReader(wire), sk)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	sk.Links.AddAllStats()

	h, ok := imported.(interface{ Dir() *entry.Dir })
	if !ok {
		t.Fatal("imported root handle does not expose Dir()")
	}
	root := h.Dir()
	if len(root.Children) != 1 {
		t.Fatalf("got %d children, want 1", len(root.Children))
	}
	if _, ok := root.Children[0].(*entry.Link); !ok {
		t.Fatalf("child kind = %T, want *entry.Link", root.Children[0])
	}
}

func TestDirIsArrayLeafIsObject(t *testing.T) {
	root := buildTree(t)
	var buf bytes.Buffer
	if err := Export(root, &buf, Metadata{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	// The root directory element must open with '[' (array), not '{'.
	idx := indexAfterMetadata(out)
	if idx < 0 || out[idx] != '[' {
		t.Fatalf("root element does not start with '[': %q", out[max(0, idx-5):min(len(out), idx+20)])
	}
}

// indexAfterMetadata finds where the 4th top-level array element (the root
// node) begins, by counting top-level commas outside of nested brackets.
func indexAfterMetadata(s string) int {
	depth := 0
	commas := 0
	for i, c := range s {
		switch c {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
		case ',':
			if depth == 1 {
				commas++
				if commas == 3 {
					return i + 1
				}
			}
		}
	}
	return -1
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
