// Package container implements the binary persistence format of §4.G/H: a
// depth-first stream of CBOR-like tagged-map entries, grouped into
// zstd-compressed blocks with a trailing random-access index.
//
// This file implements just enough of the CBOR major-type encoding to
// express the fixed key schema of §4.G — not a general CBOR library.
package container

import (
	"encoding/binary"
	"fmt"
)

const (
	majPosInt = 0
	majNegInt = 1
	majBytes  = 2
	majArray  = 4
	majMap    = 5
	majSimple = 7
)

const breakByte = 0xFF

// writeHead appends a CBOR head (major type + argument) to buf.
func writeHead(buf []byte, major byte, arg uint64) []byte {
	switch {
	case arg < 24:
		return append(buf, major<<5|byte(arg))
	case arg < 1<<8:
		return append(buf, major<<5|24, byte(arg))
	case arg < 1<<16:
		b := append(buf, major<<5|25, 0, 0)
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(arg))
		return b
	case arg < 1<<32:
		b := append(buf, major<<5|26, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(b[len(b)-4:], uint32(arg))
		return b
	default:
		b := append(buf, major<<5|27, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(b[len(b)-8:], arg)
		return b
	}
}

func writeUint(buf []byte, v uint64) []byte  { return writeHead(buf, majPosInt, v) }
func writeNegArg(buf []byte, v uint64) []byte { return writeHead(buf, majNegInt, v) }
func writeBytes(buf []byte, b []byte) []byte {
	buf = writeHead(buf, majBytes, uint64(len(b)))
	return append(buf, b...)
}
func writeSimple(buf []byte, v byte) []byte { return append(buf, majSimple<<5|v) }
func writeBreak(buf []byte) []byte          { return append(buf, breakByte) }
func writeMapIndefOpen(buf []byte) []byte   { return append(buf, majMap<<5|31) }

// head is one decoded CBOR head: its major type, its argument, and how many
// bytes it occupied. isBreak is set for the standalone 0xFF break byte.
type head struct {
	major   byte
	arg     uint64
	n       int
	isBreak bool
}

func readHead(b []byte) (head, error) {
	if len(b) == 0 {
		return head{}, fmt.Errorf("container: truncated CBOR head")
	}
	first := b[0]
	if first == breakByte {
		return head{isBreak: true, n: 1}, nil
	}
	major := first >> 5
	ai := first & 0x1F
	switch {
	case ai < 24:
		return head{major: major, arg: uint64(ai), n: 1}, nil
	case ai == 24:
		if len(b) < 2 {
			return head{}, fmt.Errorf("container: truncated CBOR head (1-byte arg)")
		}
		return head{major: major, arg: uint64(b[1]), n: 2}, nil
	case ai == 25:
		if len(b) < 3 {
			return head{}, fmt.Errorf("container: truncated CBOR head (2-byte arg)")
		}
		return head{major: major, arg: uint64(binary.BigEndian.Uint16(b[1:3])), n: 3}, nil
	case ai == 26:
		if len(b) < 5 {
			return head{}, fmt.Errorf("container: truncated CBOR head (4-byte arg)")
		}
		return head{major: major, arg: uint64(binary.BigEndian.Uint32(b[1:5])), n: 5}, nil
	case ai == 27:
		if len(b) < 9 {
			return head{}, fmt.Errorf("container: truncated CBOR head (8-byte arg)")
		}
		return head{major: major, arg: binary.BigEndian.Uint64(b[1:9]), n: 9}, nil
	case ai == 31:
		return head{major: major, n: 1, arg: 31}, nil
	default:
		return head{}, fmt.Errorf("container: reserved CBOR additional info %d", ai)
	}
}

// readBytesValue decodes a byte-string value whose head starts at b (it
// rejects any other major type) and returns the bytes plus the total
// length consumed including the head.
func readBytesValue(b []byte) ([]byte, int, error) {
	h, err := readHead(b)
	if err != nil {
		return nil, 0, err
	}
	if h.major != majBytes {
		return nil, 0, fmt.Errorf("container: expected byte string, got major type %d", h.major)
	}
	end := h.n + int(h.arg)
	if end > len(b) {
		return nil, 0, fmt.Errorf("container: truncated byte string")
	}
	return b[h.n:end], end, nil
}
