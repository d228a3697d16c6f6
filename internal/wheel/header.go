/*
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build amd64 || arm64

package wheel

import (
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Align is the addressing and sizing granularity inside the wheel.
	// Offsets count Align-sized units from the start of the arena.
	// 64 is a reasonable guess for cache line size, and 64 * (2^32-1)
	// allows for a quarter terabyte of arena.
	Align = 64

	// Wheel header size; the arena starts at this byte offset
	headerSize = Align

	// Per-slice header size in bytes, the leading portion of every slice
	sliceHeaderSize = 16
)

// Offset locates a slice in the arena, in Align units from the arena start.
type Offset uint32

// InvalidOffset denotes "no such slice": no room from Make, nothing
// readable from Next.
const InvalidOffset Offset = ^Offset(0)

// invalidPair is the packed form of (InvalidOffset, InvalidOffset),
// the all-ones 64-bit representation signalling an empty wheel.
const invalidPair uint64 = ^uint64(0)

// Slice states
const (
	sliceUninit   uint32 = 0 // allocated by Make, not yet shared
	sliceReadable uint32 = 1 // shared by the producer, visible to Next
	sliceReturned uint32 = 2 // released by Return
)

// wheelHeader occupies the first Align bytes of the shared region.
// Only headLast and the notification flags change after Init.
type wheelHeader struct {
	alignedSize uint32 // 0x00: usable arena size in Align units, set once at init
	_           uint32 // 0x04: padding so headLast is 8-byte aligned
	headLast    uint64 // 0x08: packed offset pair, atomic
	isReadable  uint32 // 0x10: notified wheels only; 1 iff a shared slice may be pending
	isWritable  uint32 // 0x14: notified wheels only; 0 iff the latest Make failed
	_           [Align - 24]byte
	// arena starts at byte offset 0x40
}

// sliceHeader is embedded in the arena immediately before each payload.
type sliceHeader struct {
	trailingUserSize   uint64 // 0x00: byte count the producer requested
	alignedSizeInWheel uint32 // 0x08: atomic; Align units occupied, header and backfill included
	state              uint32 // 0x0C: atomic; sliceUninit/sliceReadable/sliceReturned
}

// pack combines head and last into the persisted 64-bit pair. The low half
// is head so that the consumer's head advance is a 32-bit store aliasing
// the pair, which is why this package is restricted to the little-endian
// targets in the build tag above.
func pack(head, last Offset) uint64 {
	return uint64(uint32(head)) | uint64(uint32(last))<<32
}

func pairHead(pair uint64) Offset { return Offset(uint32(pair)) }

func pairLast(pair uint64) Offset { return Offset(uint32(pair >> 32)) }

func (h *wheelHeader) loadPair() uint64 {
	return atomic.LoadUint64(&h.headLast)
}

// headWord aliases the head half of the pair for the consumer's
// non-emptying advance.
func (h *wheelHeader) headWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&h.headLast))
}

func (s *sliceHeader) loadState() uint32 {
	return atomic.LoadUint32(&s.state)
}

func (s *sliceHeader) loadAlignedSize() uint32 {
	return atomic.LoadUint32(&s.alignedSizeInWheel)
}
