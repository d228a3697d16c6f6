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
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a shared memory region backed by an anonymous memfd, mapped
// into this process. The file is what crosses process boundaries: send it
// over a unix socket and map it on the other side with OpenSegmentFile.
type Segment struct {
	File *os.File
	Mem  []byte
}

// CreateSegment creates an anonymous shared memory object of the given
// byte size and maps it. The size is validated against the wheel limits up
// front so the segment is always usable with Init.
func CreateSegment(name string, size int) (*Segment, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wheel: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), name)

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("wheel: segment resize: %w", err)
	}

	mem, err := mapFile(file, size)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Segment{File: file, Mem: mem}, nil
}

// OpenSegmentFile maps a shared memory object received from another
// process. The Segment takes ownership of the file.
func OpenSegmentFile(file *os.File) (*Segment, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wheel: segment stat: %w", err)
	}

	mem, err := mapFile(file, int(info.Size()))
	if err != nil {
		return nil, err
	}

	return &Segment{File: file, Mem: mem}, nil
}

// Close unmaps the region and closes the backing file. Mappings in other
// processes are unaffected.
func (s *Segment) Close() error {
	var unmapErr error
	if s.Mem != nil {
		unmapErr = unmapMemory(s.Mem)
		s.Mem = nil
	}
	return errors.Join(unmapErr, s.File.Close())
}

func mapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("wheel: mmap: %w", err)
	}
	return mem, nil
}

func unmapMemory(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("wheel: munmap: %w", err)
	}
	return nil
}
