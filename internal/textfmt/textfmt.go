// Package textfmt implements the textual JSON export/import format of §6:
// a top-level JSON array [majorver, minorver, {metadata}, <root-dir>], where
// a directory element is itself an array [{fields}, <child>, <child>, …]
// and a leaf element is just {fields}, mirroring ncdu's own interchange
// format, field-key abbreviations and non-UTF-8 byte-escaping convention.
package textfmt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/xerrors"

	"github.com/distr1/duscan/internal/entry"
	"github.com/distr1/duscan/internal/sink"
)

// FormatMajor/FormatMinor are the leading two array elements (§6).
const (
	FormatMajor = 1
	FormatMinor = 0
)

// Metadata is the third array element: free-form information about how the
// scan was produced. Import reads it and then discards it; keys other than
// the three below are not kept.
type Metadata struct {
	ProgName  string `json:"progname,omitempty"`
	ProgVer   string `json:"progver,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// fields is the per-node object shape (§6's field table): every node, dir
// or leaf, marshals to one of these; a dir's array wrapper is what carries
// its children, not this struct.
type fields struct {
	Name     json.RawMessage `json:"name"`
	ASize    *uint64 `json:"asize,omitempty"`
	DSize    *uint64 `json:"dsize,omitempty"`
	Ino      *uint64 `json:"ino,omitempty"`
	HLnkC    bool    `json:"hlnkc,omitempty"`
	NLink    *uint32 `json:"nlink,omitempty"`
	NotReg   bool    `json:"notreg,omitempty"`
	ReadErr  bool    `json:"read_error,omitempty"`
	Excluded string  `json:"excluded,omitempty"`
	Uid      *uint32 `json:"uid,omitempty"`
	Gid      *uint32 `json:"gid,omitempty"`
	Mode     *uint32 `json:"mode,omitempty"`
	Mtime    *int64  `json:"mtime,omitempty"`
}

// escapeName applies §6's non-UTF-8 byte escape (\u00XX per invalid byte) so
// that names with arbitrary bytes still round-trip through JSON's
// UTF-8-only string type.
func escapeName(name string) string {
	if utf8.ValidString(name) {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, "\\u%04x", name[i])
			i++
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// unescapeName is escapeName's inverse: Go's json package already decodes
// \uXXXX escapes into runes, including the synthetic \u00XX ones written
// above, which land back in the 0x80-0xFF range as a single rune each; we
// re-encode those as raw bytes instead of their (wrong) UTF-8 form.
func unescapeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x80 && r <= 0xFF {
			b.WriteByte(byte(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nameJSON hand-encodes name as a quoted JSON string literal, escaping
// invalid bytes as \u00XX per §6. This has to bypass json.Marshal: handing
// it a Go string that already contains the literal text "\u00XX" would
// escape that backslash a second time, so the \u00XX convention can only be
// produced by writing the string's JSON bytes directly.
func nameJSON(name string) json.RawMessage {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, "\\u%04x", name[i])
			i++
			continue
		}
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, "\\u%04x", r)
			} else {
				b.WriteRune(r)
			}
		}
		i += size
	}
	b.WriteByte('"')
	return json.RawMessage(b.String())
}

// decodeName is nameJSON's inverse on the read side: the standard decoder
// already turns \u00XX back into a rune in the 0x80-0xFF range, so only
// unescapeName's byte re-packing is needed on top of a normal unmarshal.
func decodeName(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return unescapeName(s), nil
}

func specialLabel(k entry.SpecialKind) string {
	switch k {
	case entry.SpecialPattern:
		return "pattern"
	case entry.SpecialOtherFS:
		return "otherfs"
	case entry.SpecialKernFS:
		return "kernfs"
	default:
		return "error"
	}
}

func specialKindFromLabel(s string) entry.SpecialKind {
	switch s {
	case "pattern":
		return entry.SpecialPattern
	case "otherfs":
		return entry.SpecialOtherFS
	case "kernfs":
		return entry.SpecialKernFS
	default:
		return entry.SpecialReadErr
	}
}

func u64(v uint64) *uint64 { return &v }
func u32(v uint32) *uint32 { return &v }
func i64(v int64) *int64   { return &v }

func fieldsOf(n entry.Node) fields {
	f := fields{Name: nameJSON(n.Name())}
	if ext := n.Ext(); ext != nil {
		if ext.HasUid {
			f.Uid = u32(ext.Uid)
		}
		if ext.HasGid {
			f.Gid = u32(ext.Gid)
		}
		if ext.HasMode {
			f.Mode = u32(ext.Mode)
		}
		if ext.HasMtime {
			f.Mtime = i64(ext.Mtime)
		}
	}
	switch v := n.(type) {
	case *entry.Dir:
		f.ASize = u64(v.OwnSize)
		f.DSize = u64(v.OwnBlocks)
		if v.Err {
			f.ReadErr = true
		}
	case *entry.File:
		f.ASize = u64(v.Size)
		f.DSize = u64(v.Blocks)
	case *entry.NonReg:
		f.NotReg = true
	case *entry.Link:
		f.ASize = u64(v.Size)
		f.DSize = u64(v.Blocks)
		f.Ino = u64(v.Ino)
		f.HLnkC = true
		f.NLink = u32(v.Nlink)
	case *entry.Special:
		f.Excluded = specialLabel(v.What)
	}
	return f
}

// Export writes root's subtree as a single formatted JSON document to w
// (§6). Writing is a plain recursive marshal — §6 does not describe a
// streaming textual writer the way it does for the binary container.
func Export(root *entry.Dir, w io.Writer, meta Metadata) error {
	rootElem, err := dirToJSON(root)
	if err != nil {
		return xerrors.Errorf("textfmt: export: %w", err)
	}
	doc := []json.RawMessage{
		mustMarshal(FormatMajor),
		mustMarshal(FormatMinor),
		mustMarshal(meta),
		rootElem,
	}
	enc := json.NewEncoder(w)
	return enc.Encode(doc)
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // only ever called with values this package controls
	}
	return b
}

// dirToJSON renders d as [{fields}, <child>, <child>, …] (§6).
func dirToJSON(d *entry.Dir) (json.RawMessage, error) {
	elems := make([]json.RawMessage, 0, len(d.Children)+1)
	elems = append(elems, mustMarshal(fieldsOf(d)))
	for _, c := range d.Children {
		if cd, ok := c.(*entry.Dir); ok {
			childElem, err := dirToJSON(cd)
			if err != nil {
				return nil, err
			}
			elems = append(elems, childElem)
			continue
		}
		elems = append(elems, mustMarshal(fieldsOf(c)))
	}
	return json.Marshal(elems)
}

// Import streams a JSON export back through a sink.Sink, single-threaded
// (§6: "also usable to rebuild a memory tree from a prior export").
func Import(r io.Reader, sk sink.Sink) (sink.Dir, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	if _, err := dec.Token(); err != nil { // '['
		return nil, xerrors.Errorf("textfmt: import: %w", err)
	}
	var major, minor int
	if err := dec.Decode(&major); err != nil {
		return nil, xerrors.Errorf("textfmt: import: major version: %w", err)
	}
	if err := dec.Decode(&minor); err != nil {
		return nil, xerrors.Errorf("textfmt: import: minor version: %w", err)
	}
	if major != FormatMajor {
		return nil, fmt.Errorf("textfmt: import: unsupported format version %d", major)
	}
	var meta Metadata
	if err := dec.Decode(&meta); err != nil {
		return nil, xerrors.Errorf("textfmt: import: metadata: %w", err)
	}

	var rootRaw json.RawMessage
	if err := dec.Decode(&rootRaw); err != nil {
		return nil, xerrors.Errorf("textfmt: import: root: %w", err)
	}
	if !isArray(rootRaw) {
		return nil, fmt.Errorf("textfmt: import: root element is not a directory array")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(rootRaw, &arr); err != nil {
		return nil, xerrors.Errorf("textfmt: import: root: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("textfmt: import: root directory array is empty")
	}
	var rootFields fields
	if err := json.Unmarshal(arr[0], &rootFields); err != nil {
		return nil, xerrors.Errorf("textfmt: import: root fields: %w", err)
	}

	rootName, err := decodeName(rootFields.Name)
	if err != nil {
		return nil, xerrors.Errorf("textfmt: import: root name: %w", err)
	}
	threads := sk.CreateThreads(1)
	t := threads[0]
	rootDir, err := sk.CreateRoot(rootName, statFromFields(rootFields))
	if err != nil {
		return nil, xerrors.Errorf("textfmt: import: create root: %w", err)
	}
	if rootFields.ReadErr {
		rootDir.SetReadError(t)
	}
	for _, childRaw := range arr[1:] {
		if err := importNode(childRaw, t, rootDir); err != nil {
			return nil, err
		}
	}
	rootDir.Unref(t)
	return rootDir, nil
}

func isArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func importNode(raw json.RawMessage, t sink.Thread, parent sink.Dir) error {
	if isArray(raw) {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return xerrors.Errorf("textfmt: import: %w", err)
		}
		if len(arr) == 0 {
			return fmt.Errorf("textfmt: import: empty directory array")
		}
		var f fields
		if err := json.Unmarshal(arr[0], &f); err != nil {
			return xerrors.Errorf("textfmt: import: %w", err)
		}
		name, err := decodeName(f.Name)
		if err != nil {
			return xerrors.Errorf("textfmt: import: %w", err)
		}
		cdir, err := parent.AddDir(t, name, statFromFields(f))
		if err != nil {
			return err
		}
		if f.ReadErr {
			cdir.SetReadError(t)
		}
		for _, childRaw := range arr[1:] {
			if err := importNode(childRaw, t, cdir); err != nil {
				return err
			}
		}
		cdir.Unref(t)
		return nil
	}

	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return xerrors.Errorf("textfmt: import: %w", err)
	}
	name, err := decodeName(f.Name)
	if err != nil {
		return xerrors.Errorf("textfmt: import: %w", err)
	}
	if f.Excluded != "" {
		parent.AddSpecial(t, name, specialKindFromLabel(f.Excluded))
		return nil
	}
	return parent.AddStat(t, name, statFromFields(f))
}

func statFromFields(f fields) *sink.Stat {
	st := &sink.Stat{IsRegular: !f.NotReg}
	if f.ASize != nil {
		st.Size = *f.ASize
	}
	if f.DSize != nil {
		st.Blocks = *f.DSize
	}
	if f.Ino != nil {
		st.Ino = *f.Ino
	}
	if f.NLink != nil {
		st.Nlink = *f.NLink
	}
	// A legacy-style export can carry hlnkc without nlink (§9); ForceLink
	// keeps that node classified as a Link even though Nlink is 0 or 1.
	st.ForceLink = f.HLnkC
	ext := &entry.Ext{}
	var any bool
	if f.Uid != nil {
		ext.HasUid, ext.Uid = true, *f.Uid
		any = true
	}
	if f.Gid != nil {
		ext.HasGid, ext.Gid = true, *f.Gid
		any = true
	}
	if f.Mode != nil {
		ext.HasMode, ext.Mode = true, *f.Mode
		any = true
	}
	if f.Mtime != nil {
		ext.HasMtime, ext.Mtime = true, *f.Mtime
		any = true
	}
	if any {
		st.Ext = ext
	}
	return st
}
