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

import "errors"

// ErrNotSupported indicates eventfd notification is unavailable on this
// platform; the spin Wheel still works over any shared mapping.
var ErrNotSupported = errors.New("wheel: eventfd notification not supported on this platform")

// CreateHandles is not supported on this platform.
func CreateHandles(nw *NotifiedWheel) (*Handles, error) {
	return nil, ErrNotSupported
}

func efdWrite(fd int, v uint64) error {
	return ErrNotSupported
}

func efdRead(fd int) error {
	return ErrNotSupported
}

func closeFD(fd int) error {
	return ErrNotSupported
}
