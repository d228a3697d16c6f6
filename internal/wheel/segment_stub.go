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

//go:build !linux && (amd64 || arm64)

package wheel

import "os"

// Segment is not supported on this platform; the spin Wheel still works
// over any shared mapping obtained elsewhere.
type Segment struct {
	File *os.File
	Mem  []byte
}

// CreateSegment is not supported on this platform.
func CreateSegment(name string, size int) (*Segment, error) {
	return nil, ErrNotSupported
}

// OpenSegmentFile is not supported on this platform.
func OpenSegmentFile(file *os.File) (*Segment, error) {
	return nil, ErrNotSupported
}

// Close is not supported on this platform.
func (s *Segment) Close() error {
	return ErrNotSupported
}
