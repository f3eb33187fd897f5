package container

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecordEncodeDecodeRoundtrip(t *testing.T) {
	cur := makeItemref(2, 128)
	prevRef := makeItemref(2, 64)
	subRef := makeItemref(1, 512)

	r := &record{
		Type:        ETypeDir,
		Name:        []byte("subdir"),
		HasPrev:     true,
		Prev:        prevRef,
		HasASize:    true,
		ASize:       4096,
		HasDSize:    true,
		DSize:       8,
		HasDev:      true,
		Dev:         3,
		HasSubErr:   true,
		HasCumASize: true,
		CumASize:    123456,
		HasCumDSize: true,
		CumDSize:    246,
		HasItems:    true,
		Items:       42,
		HasSub:      true,
		Sub:         subRef,
		HasMtime:    true,
		Mtime:       1700000000,
		HasUid:      true,
		Uid:         1000,
		HasGid:      true,
		Gid:         1000,
		HasMode:     true,
		Mode:        0755,
	}

	buf := r.encode(nil, cur)
	got, n, err := decodeRecord(buf, cur)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decodeRecord consumed %d bytes, want %d", n, len(buf))
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordNegativeTypeIsSpecial(t *testing.T) {
	cur := makeItemref(0, 0)
	r := &record{Type: ETypeKernFS, Name: []byte("proc")}
	buf := r.encode(nil, cur)
	got, _, err := decodeRecord(buf, cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != ETypeKernFS {
		t.Fatalf("Type = %d, want %d", got.Type, ETypeKernFS)
	}
}

func TestRecordNegativeMtime(t *testing.T) {
	cur := makeItemref(0, 0)
	r := &record{Type: ETypeFile, Name: []byte("f"), HasMtime: true, Mtime: -100}
	buf := r.encode(nil, cur)
	got, _, err := decodeRecord(buf, cur)
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasMtime || got.Mtime != -100 {
		t.Fatalf("Mtime = %v (has=%v), want -100", got.Mtime, got.HasMtime)
	}
}

// TestRecordRefWrapsOnForwardTarget exercises §9's itemref wraparound: a
// "backward" reference whose numeric target exceeds cur still round-trips,
// since itemrefs are compared arithmetically modulo 2^64, not structurally.
func TestRecordRefWrapsOnForwardTarget(t *testing.T) {
	cur := itemref(5)
	target := itemref(100) // numerically greater than cur
	r := &record{Type: ETypeFile, Name: []byte("f"), HasPrev: true, Prev: target}
	buf := r.encode(nil, cur)
	got, _, err := decodeRecord(buf, cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.Prev != target {
		t.Fatalf("Prev = %#x, want %#x", got.Prev, target)
	}
}

// TestDecodeRecordUnknownKey exercises §4.G's iterate_item contract: unknown
// keys are skipped, not fatal, so an entry written by a newer encoder still
// decodes with its known fields intact.
func TestDecodeRecordUnknownKey(t *testing.T) {
	buf := writeMapIndefOpen(nil)
	buf = writeUint(buf, 99) // key 99 is not in the schema
	buf = writeUint(buf, 1)
	buf = writeUint(buf, keyItems) // a known key must still be parsed after it
	buf = writeUint(buf, 7)
	buf = writeBreak(buf)

	got, n, err := decodeRecord(buf, 0)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decodeRecord consumed %d bytes, want %d", n, len(buf))
	}
	if !got.HasItems || got.Items != 7 {
		t.Fatalf("Items = %v (has=%v), want 7", got.Items, got.HasItems)
	}
}

// TestDecodeRecordUnknownKeyWithBytesValue exercises the byte-string skip
// path: an unknown key whose value is a byte string must be skipped payload
// and all, not just its head.
func TestDecodeRecordUnknownKeyWithBytesValue(t *testing.T) {
	buf := writeMapIndefOpen(nil)
	buf = writeUint(buf, 98) // key 98 is not in the schema
	buf = writeBytes(buf, []byte("ignored-payload"))
	buf = writeUint(buf, keyItems)
	buf = writeUint(buf, 3)
	buf = writeBreak(buf)

	got, n, err := decodeRecord(buf, 0)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decodeRecord consumed %d bytes, want %d", n, len(buf))
	}
	if !got.HasItems || got.Items != 3 {
		t.Fatalf("Items = %v (has=%v), want 3", got.Items, got.HasItems)
	}
}
