//go:build linux && (amd64 || arm64)

package main

import (
	"bytes"
	"unsafe"
)

// magic is the recognizable prefix the receiver checks on every payload.
var magic = []byte(`¯\_(ツ)_/¯`)

// fillPayload writes the magic prefix and pads the rest with 0xf0.
func fillPayload(buf []byte) {
	for i := range buf {
		buf[i] = 0xf0
	}
	copy(buf, magic)
}

// checkPayload reports whether buf starts with the magic prefix, up to its
// own length.
func checkPayload(buf []byte) bool {
	n := len(magic)
	if len(buf) < n {
		n = len(buf)
	}
	return bytes.Equal(buf[:n], magic[:n])
}

// alignedRegion allocates a heap buffer usable as a wheel region for the
// in-process soak. The wheel header's packed pair needs 8-byte alignment,
// which a plain byte slice does not guarantee.
func alignedRegion(size int) []byte {
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
