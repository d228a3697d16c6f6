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

//go:build linux && (amd64 || arm64)

package wheel

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// efdMax is the largest counter value an eventfd holds; a write that would
// push the counter past it blocks, or fails with EAGAIN when nonblocking.
const efdMax = ^uint64(0) - 1

// CreateHandles creates the two notification eventfds for an initialized
// notified wheel and binds them into Handles. The descriptors should be
// duplicated (over SCM_RIGHTS or similar) to any process using the same
// wheel from a different descriptor table; that process adopts them with
// HandlesFromFds.
//
// The eventfds are created with EFD_NONBLOCK | EFD_CLOEXEC | EFD_SEMAPHORE.
//
// Reasoning for EFD_SEMAPHORE: consider a reader that finds no readable
// item, and a writer that just shared a slice.
//
//	R1: if is_readable newly becomes zero
//	R2:   then drain the readable eventfd
//	W1: if is_readable newly becomes non-zero
//	W2:   then post the readable eventfd
//
// The interleaving R1 W1 W2 R2 leaves is_readable at 1 (W1 followed R1)
// but the eventfd drained (R2 followed W2), and the reactor never wakes.
// EFD_SEMAPHORE accumulates the operations of both W2 and R2 in any order.
func CreateHandles(nw *NotifiedWheel) (*Handles, error) {
	flags := unix.EFD_NONBLOCK | unix.EFD_CLOEXEC | unix.EFD_SEMAPHORE

	readable, err := unix.Eventfd(uint(atomic.LoadUint32(nw.isReadableWord())), flags)
	if err != nil {
		return nil, fmt.Errorf("wheel: readable eventfd: %w", err)
	}

	writable, err := unix.Eventfd(0, flags)
	if err != nil {
		unix.Close(readable)
		return nil, fmt.Errorf("wheel: writable eventfd: %w", err)
	}

	// The eventfd counter is 64-bit but the eventfd2 initializer argument
	// is only 32, so the room baseline is established with a follow-up
	// write instead.
	baseline := efdMax - uint64(atomic.LoadUint32(nw.isWritableWord()))
	if err := efdWrite(writable, baseline); err != nil {
		unix.Close(writable)
		unix.Close(readable)
		return nil, fmt.Errorf("wheel: writable eventfd baseline: %w", err)
	}

	return HandlesFromFds(nw, readable, writable), nil
}

// efdWrite adds v to the eventfd counter, retrying on interruption.
func efdWrite(fd int, v uint64) error {
	var buf [8]byte
	// eventfd takes the value in host byte order; supported targets are
	// little-endian.
	binary.LittleEndian.PutUint64(buf[:], v)
	for {
		_, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wheel: eventfd write: %w", err)
		}
		return nil
	}
}

// efdRead drains one unit from a semaphore eventfd, retrying on
// interruption.
func efdRead(fd int) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wheel: eventfd read: %w", err)
		}
		return nil
	}
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
