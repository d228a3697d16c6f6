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
	"sync/atomic"
)

// NotifiedWheel is a Wheel whose header additionally carries the readable
// and writable flags that keep a pair of eventfds coherent with the queue
// state. Use either the plain Wheel functions or the notified ones on a
// given region, never both: the plain functions do not update the flags or
// the eventfds.
type NotifiedWheel struct {
	Wheel
}

// InitNotified is Init for a wheel used through Handles. It additionally
// clears the readable flag and sets the writable flag.
func InitNotified(mem []byte) (*NotifiedWheel, error) {
	w, err := Init(mem)
	if err != nil {
		return nil, err
	}
	nw := &NotifiedWheel{Wheel: *w}
	atomic.StoreUint32(&nw.header().isReadable, 0)
	atomic.StoreUint32(&nw.header().isWritable, 1)
	return nw, nil
}

// AttachNotified returns a view of a notified wheel region initialized
// elsewhere with InitNotified.
func AttachNotified(mem []byte) *NotifiedWheel {
	return &NotifiedWheel{Wheel: *Attach(mem)}
}

func (nw *NotifiedWheel) isReadableWord() *uint32 {
	return &nw.header().isReadable
}

func (nw *NotifiedWheel) isWritableWord() *uint32 {
	return &nw.header().isWritable
}

// Handles binds a notified wheel to this process's pair of notification
// eventfds. The wheel state is shared but descriptors are not, so each
// process builds its own Handles: one end creates the eventfds with
// CreateHandles, duplicates them to the other process, which adopts them
// with HandlesFromFds.
//
// The readable descriptor polls readable (POLLIN) while at least one
// shared slice may be pending. The writable descriptor polls writable
// (POLLOUT) while there might be room for a message: its semaphore counter
// idles one below the eventfd maximum, a failed Make posts the final unit
// so writes would block, and a freeing Return drains one unit again.
//
// Both eventfds are counting semaphores (EFD_SEMAPHORE) so that posts and
// drains racing from the two ends accumulate instead of cancelling; see
// the rationale on CreateHandles.
type Handles struct {
	nw       *NotifiedWheel
	readable int
	writable int
}

// HandlesFromFds builds Handles from an initialized notified wheel and two
// eventfds created by CreateHandles, typically in another process.
func HandlesFromFds(nw *NotifiedWheel, readable, writable int) *Handles {
	return &Handles{nw: nw, readable: readable, writable: writable}
}

// Fds returns the readable and writable descriptors in the order
// HandlesFromFds takes them, for duplicating to another process.
func (h *Handles) Fds() (readable, writable int) {
	return h.readable, h.writable
}

// Wheel returns the underlying notified wheel.
func (h *Handles) Wheel() *NotifiedWheel {
	return h.nw
}

// Close closes the two eventfds. It does not touch the shared region, and
// closing descriptors in one process does not affect the other's.
func (h *Handles) Close() error {
	return errors.Join(closeFD(h.readable), closeFD(h.writable))
}

// Make is the Handles version of Wheel.Make.
//
// On failure it tries to mark the wheel unwritable and post the writable
// eventfd's final room token. The returned error reports only that eventfd
// write; the offset is valid regardless.
//
// Warning: a Make that fails while the wheel is empty, such as a request
// larger than the buffer supports, leaves the wheel both unreadable and
// unwritable, and a reactor waiting on either descriptor blocks.
func (h *Handles) Make(size int) (Offset, []byte, error) {
	off, buf := h.nw.Make(size)

	var err error
	if off == InvalidOffset && 1 == atomic.SwapUint32(h.nw.isWritableWord(), 0) {
		err = efdWrite(h.writable, 1)
	}

	return off, buf, err
}

// Share is the Handles version of Wheel.Share. It may post the readable
// eventfd; the returned error reports that write.
func (h *Handles) Share(off Offset) error {
	h.nw.Share(off)

	var err error
	if 0 == atomic.SwapUint32(h.nw.isReadableWord(), 1) {
		err = efdWrite(h.readable, 1)
	}

	return err
}

// Next is the Handles version of Wheel.Next. When nothing is readable it
// tries to mark the wheel unreadable and drain one unit from the readable
// eventfd; the returned error reports that read.
func (h *Handles) Next() (Offset, []byte, error) {
	off, buf := h.nw.Next()

	var err error
	if off == InvalidOffset && 1 == atomic.SwapUint32(h.nw.isReadableWord(), 0) {
		err = efdRead(h.readable)
	}

	return off, buf, err
}

// Return is the Handles version of Wheel.Return. It may mark the wheel
// writable again and drain one unit from the writable eventfd, making
// room-token posts from failed Makes available again; the returned error
// reports that read.
func (h *Handles) Return(off Offset) (int, error) {
	n := h.nw.Return(off)

	var err error
	if 0 == atomic.SwapUint32(h.nw.isWritableWord(), 1) {
		err = efdRead(h.writable)
	}

	return n, err
}
