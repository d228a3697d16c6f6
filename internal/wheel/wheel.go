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
	"errors"
	"math"
	"sync/atomic"
	"unsafe"
)

// ErrBadSize indicates a buffer whose length is not a multiple of Align,
// smaller than 2*Align, or at least Align * 2^32 bytes.
var ErrBadSize = errors.New("wheel: bad buffer size")

// Wheel is a view of a wheel region in this process's mapping. It holds no
// queue state of its own; everything lives in the mapped bytes, so any
// number of Wheel values over the same mapping are interchangeable.
//
// Exactly one producer may call Make and Share, and exactly one consumer
// may call Next and Return, concurrently, from different goroutines,
// threads, or processes. Roles are fixed for the life of the wheel.
type Wheel struct {
	mem []byte
}

// WheelState is a snapshot of wheel state for debugging and diagnostics.
type WheelState struct {
	AlignedCapacity uint32 // arena size in Align units
	Head            Offset // oldest live slice, InvalidOffset if empty
	Last            Offset // newest live slice, InvalidOffset if empty
	Empty           bool
}

func checkSize(n int) error {
	if n < 2*Align || n%Align != 0 || uint64(n) >= Align*(uint64(math.MaxUint32)+1) {
		return ErrBadSize
	}
	return nil
}

// Init writes a fresh wheel header into mem and returns a view of it.
// len(mem) must be a multiple of Align, at least 2*Align, and less than
// Align * 2^32 bytes; otherwise Init returns ErrBadSize.
//
// mem should be shared memory, mapped MAP_SHARED in every participating
// process. Initialize in only one process and Attach in the other.
func Init(mem []byte) (*Wheel, error) {
	if err := checkSize(len(mem)); err != nil {
		return nil, err
	}
	w := &Wheel{mem: mem}
	h := w.header()
	h.alignedSize = uint32(len(mem)/Align - 1)
	atomic.StoreUint64(&h.headLast, invalidPair)
	return w, nil
}

// Attach returns a view of a wheel region already initialized elsewhere,
// typically by Init in another process over the same shared mapping.
func Attach(mem []byte) *Wheel {
	return &Wheel{mem: mem}
}

func (w *Wheel) header() *wheelHeader {
	return (*wheelHeader)(unsafe.Pointer(&w.mem[0]))
}

// slice returns the header of the slice at the given arena offset.
// The offset is not validated.
func (w *Wheel) slice(off Offset) *sliceHeader {
	return (*sliceHeader)(unsafe.Pointer(&w.mem[headerSize+Align*uintptr(off)]))
}

// payload returns the n user bytes following the slice header at off.
func (w *Wheel) payload(off Offset, n int) []byte {
	start := headerSize + Align*int(off) + sliceHeaderSize
	return w.mem[start : start+n : start+n]
}

// AlignedCapacity returns the arena size in Align units. Immutable after Init.
func (w *Wheel) AlignedCapacity() uint32 {
	return w.header().alignedSize
}

// MaxUserSize returns the largest payload Make can ever satisfy, which
// requires the wheel to be empty.
func (w *Wheel) MaxUserSize() int {
	return int(w.header().alignedSize)*Align - sliceHeaderSize
}

// State returns a snapshot of the current wheel state for debugging.
func (w *Wheel) State() WheelState {
	pair := w.header().loadPair()
	return WheelState{
		AlignedCapacity: w.header().alignedSize,
		Head:            pairHead(pair),
		Last:            pairLast(pair),
		Empty:           pair == invalidPair,
	}
}

// nextOffset chooses where a slice of the given aligned size would go,
// given an observed head/last pair. Returns InvalidOffset if it fits
// nowhere.
//
// Single-producer single-consumer, so between the pair load and the
// publication in Make the region can only grow: the consumer advances head
// monotonically (modulo wrap) or empties the wheel, never shrinking the
// chosen hole.
func (w *Wheel) nextOffset(size Offset, pair uint64) Offset {
	capacity := Offset(w.header().alignedSize)

	if pair == invalidPair {
		if size <= capacity {
			return 0
		}
		return InvalidOffset
	}

	head := pairHead(pair)
	last := pairLast(pair)
	lastEnd := last + Offset(w.slice(last).loadAlignedSize())

	if last < head {
		// Wrapped around; only the hole between the live regions is free.
		if size <= head-lastEnd {
			return lastEnd
		}
	} else {
		// Try after the end of the last slice, not past the arena end.
		if size <= capacity-lastEnd {
			return lastEnd
		}
		// Or wrap around from the arena start up to the head. The caller
		// must then backfill the old last slice.
		if size <= head {
			return 0
		}
	}

	return InvalidOffset
}

// Make allocates a slice with room for size user bytes and returns its
// offset and the writable payload region. It returns InvalidOffset and a
// nil buffer when no free region can hold the slice, including requests
// that exceed MaxUserSize and can never succeed.
//
// The slice is not visible to the consumer until Share.
func (w *Wheel) Make(size int) (Offset, []byte) {
	if size < 0 {
		return InvalidOffset, nil
	}

	h := w.header()
	inWheel := (uint64(size) + sliceHeaderSize + Align - 1) / Align
	if inWheel > uint64(h.alignedSize) {
		return InvalidOffset, nil
	}
	aligned := Offset(inWheel)

	pair := h.loadPair()
	off := w.nextOffset(aligned, pair)
	if off == InvalidOffset {
		return InvalidOffset, nil
	}

	// Backfill: placing the new slice at the arena start of a non-empty
	// wheel leaves a void after the old last slice that Return could not
	// walk across. Enlarge the old last slice to absorb the tail.
	//
	// =( ------[slice]------|
	// =D ------[slice~~~~~~]|
	if off == 0 && pair != invalidPair {
		oldLast := pairLast(pair)
		atomic.StoreUint32(&w.slice(oldLast).alignedSizeInWheel,
			h.alignedSize-uint32(oldLast))
	}

	s := w.slice(off)
	s.trailingUserSize = uint64(size)
	atomic.StoreUint32(&s.alignedSizeInWheel, uint32(aligned))
	atomic.StoreUint32(&s.state, sliceUninit)

	// Publish the offset as the new last; the atomic equivalent of
	//
	//	last = off
	//	if head == InvalidOffset { head = off }
	//
	// Head and last must always be either both valid or both invalid.
	for {
		if pair == invalidPair {
			// Head stays invalid until the producer moves it: the consumer
			// never moves head off the invalid offset, so a plain store
			// cannot race in SPSC.
			atomic.StoreUint64(&h.headLast, pack(off, off))
			break
		}
		// Head was valid but may have been advanced, or the wheel emptied,
		// since the pair was loaded; compare-and-swap keeps the invariant.
		if atomic.CompareAndSwapUint64(&h.headLast, pair, pack(pairHead(pair), off)) {
			break
		}
		pair = h.loadPair()
	}

	return off, w.payload(off, size)
}

// Share makes the slice previously allocated with Make visible to
// Next in the consuming process. The payload bytes written before Share
// are published together with the state change.
func (w *Wheel) Share(off Offset) {
	atomic.StoreUint32(&w.slice(off).state, sliceReadable)
}

// Next returns the earliest shared slice's offset and payload, or
// InvalidOffset and nil if no slice is shared. It does not advance:
// calling Next again returns the same slice until it is Returned.
func (w *Wheel) Next() (Offset, []byte) {
	h := w.header()

	head := Offset(atomic.LoadUint32(h.headWord()))
	if head == InvalidOffset {
		return InvalidOffset, nil
	}

	s := w.slice(head)
	if s.loadState() != sliceReadable {
		return InvalidOffset, nil
	}

	return head, w.payload(head, int(s.trailingUserSize))
}

// Return releases a slice obtained from Next so Make can reuse its room,
// then advances head past the contiguous prefix of returned slices.
// It reports how many slices were released; returning a slice twice is a
// no-op and reports 0.
func (w *Wheel) Return(off Offset) int {
	h := w.header()

	if sliceReturned == atomic.SwapUint32(&w.slice(off).state, sliceReturned) {
		return 0
	}

	// Walk head forward over returned slices. The loop handles returns in
	// any order by stopping at a head that is not yet returned; only SPSC
	// use is supported, where at most the slice just returned is walked.
	returns := 0
	for {
		pair := h.loadPair()
		head := pairHead(pair)
		if head == InvalidOffset {
			break
		}
		if w.slice(head).loadState() != sliceReturned {
			break
		}

		if head == pairLast(pair) &&
			atomic.CompareAndSwapUint64(&h.headLast, pair, invalidPair) {
			// Head was the only live slice and the wheel is now empty.
			// A failed swap means the producer published a newer last;
			// head itself cannot have moved, so advance it normally below.
		} else {
			next := (uint32(head) + w.slice(head).loadAlignedSize()) % h.alignedSize
			// Only the consumer writes head while the wheel is non-empty,
			// so a plain store on the head half is sound.
			atomic.StoreUint32(h.headWord(), next)
		}

		returns++
	}

	return returns
}
