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

//go:build linux

package scm

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxFDs bounds the descriptors per message. The kernel limit is SCM_MAX_FD
// (253); a wheel handoff needs at most three.
const MaxFDs = 16

// ErrTooManyFDs indicates a Send of more than MaxFDs descriptors.
var ErrTooManyFDs = errors.New("scm: too many file descriptors")

// Send writes data and the given descriptors as one message. An empty data
// payload is replaced with a single placeholder byte, since some transports
// will not carry ancillary data on an empty message.
func Send(conn *net.UnixConn, data []byte, fds ...int) error {
	if len(fds) > MaxFDs {
		return ErrTooManyFDs
	}
	if len(data) == 0 {
		data = []byte{'?'}
	}

	rights := unix.UnixRights(fds...)
	if _, _, err := conn.WriteMsgUnix(data, rights, nil); err != nil {
		return fmt.Errorf("scm: sendmsg: %w", err)
	}
	return nil
}

// Recv reads one message into buf and collects up to maxFDs descriptors
// from its ancillary data. Descriptors received beyond maxFDs are closed
// rather than leaked. It returns the payload length and the descriptors.
func Recv(conn *net.UnixConn, buf []byte, maxFDs int) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, fmt.Errorf("scm: recvmsg: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, fmt.Errorf("scm: parse control message: %w", err)
	}

	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}

	if len(fds) > maxFDs {
		for _, fd := range fds[maxFDs:] {
			unix.Close(fd)
		}
		fds = fds[:maxFDs]
	}

	return n, fds, nil
}

// SendFD sends a single descriptor with a placeholder payload.
func SendFD(conn *net.UnixConn, fd int) error {
	return Send(conn, nil, fd)
}

// RecvFD receives a single descriptor, discarding the payload.
func RecvFD(conn *net.UnixConn) (int, error) {
	var buf [1]byte
	_, fds, err := Recv(conn, buf[:], 1)
	if err != nil {
		return -1, err
	}
	if len(fds) != 1 {
		return -1, errors.New("scm: no file descriptor in message")
	}
	return fds[0], nil
}
