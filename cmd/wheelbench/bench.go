//go:build linux && (amd64 || arm64)

package main

import (
	"encoding/hex"
	"fmt"
	"hash"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sys/unix"

	"github.com/sqwishy/memorywheel/internal/scm"
	"github.com/sqwishy/memorywheel/internal/wheel"
)

// peerConn adopts the socketpair end the parent placed at descriptor 3.
func peerConn() (*net.UnixConn, error) {
	file := os.NewFile(3, "peer-sock")
	if file == nil {
		return nil, fmt.Errorf("no socket at descriptor 3")
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("adopt peer socket: %w", err)
	}
	return conn.(*net.UnixConn), nil
}

// pollWait blocks until fd polls with the given events.
func pollWait(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll: descriptor %d hung up", fd)
		}
		if fds[0].Revents&events != 0 {
			return nil
		}
	}
}

func digestString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func txSpin(cfg config, conn *net.UnixConn) (result, error) {
	seg, err := wheel.CreateSegment("wheelbench", cfg.size)
	if err != nil {
		return result{}, err
	}
	defer seg.Close()

	w, err := wheel.Init(seg.Mem)
	if err != nil {
		return result{}, err
	}

	if err := scm.SendFD(conn, int(seg.File.Fd())); err != nil {
		return result{}, err
	}

	rng := newRNG()
	digest := sha3.New256()
	var total uint64
	start := time.Now()

	for i := 0; i < cfg.loops; i++ {
		size := int(rng.next() % uint64(cfg.sendMax))

		var off wheel.Offset
		var buf []byte
		for {
			if off, buf = w.Make(size); off != wheel.InvalidOffset {
				break
			}
		}

		fillPayload(buf)
		digest.Write(buf)
		w.Share(off)
		total += uint64(size)
	}

	return result{
		Mode:     cfg.mode,
		Role:     "tx",
		Messages: cfg.loops,
		Bytes:    total,
		Seconds:  time.Since(start).Seconds(),
		Digest:   digestString(digest),
	}, nil
}

func rxSpin(cfg config, conn *net.UnixConn) (result, error) {
	fd, err := scm.RecvFD(conn)
	if err != nil {
		return result{}, err
	}

	seg, err := wheel.OpenSegmentFile(os.NewFile(uintptr(fd), "wheelbench"))
	if err != nil {
		return result{}, err
	}
	defer seg.Close()

	w := wheel.Attach(seg.Mem)

	digest := sha3.New256()
	var total uint64
	var mismatches int
	start := time.Now()

	for i := 0; i < cfg.loops; i++ {
		var off wheel.Offset
		var buf []byte
		for {
			if off, buf = w.Next(); off != wheel.InvalidOffset {
				break
			}
		}

		if !checkPayload(buf) {
			mismatches++
		}
		digest.Write(buf)
		w.Return(off)
		total += uint64(len(buf))
	}

	return result{
		Mode:       cfg.mode,
		Role:       "rx",
		Messages:   cfg.loops,
		Bytes:      total,
		Seconds:    time.Since(start).Seconds(),
		Digest:     digestString(digest),
		Mismatches: mismatches,
	}, nil
}

func txPoll(cfg config, conn *net.UnixConn) (result, error) {
	seg, err := wheel.CreateSegment("wheelbench", cfg.size)
	if err != nil {
		return result{}, err
	}
	defer seg.Close()

	nw, err := wheel.InitNotified(seg.Mem)
	if err != nil {
		return result{}, err
	}

	handles, err := wheel.CreateHandles(nw)
	if err != nil {
		return result{}, err
	}
	defer handles.Close()

	readable, writable := handles.Fds()
	if err := scm.Send(conn, nil, int(seg.File.Fd()), readable, writable); err != nil {
		return result{}, err
	}

	rng := newRNG()
	digest := sha3.New256()
	var total uint64
	start := time.Now()

	for sent := 0; sent < cfg.loops; {
		if err := pollWait(writable, unix.POLLOUT); err != nil {
			return result{}, err
		}

		// Only advance the rng when the slice is actually made, so a full
		// wheel retries the same size.
		peek := *rng
		size := int(peek.next() % uint64(cfg.sendMax))

		off, buf, err := handles.Make(size)
		if err != nil {
			return result{}, err
		}
		if off == wheel.InvalidOffset {
			continue
		}
		*rng = peek

		fillPayload(buf)
		digest.Write(buf)
		if err := handles.Share(off); err != nil {
			return result{}, err
		}
		total += uint64(size)
		sent++
	}

	return result{
		Mode:     cfg.mode,
		Role:     "tx",
		Messages: cfg.loops,
		Bytes:    total,
		Seconds:  time.Since(start).Seconds(),
		Digest:   digestString(digest),
	}, nil
}

func rxPoll(cfg config, conn *net.UnixConn) (result, error) {
	var buf [1]byte
	_, fds, err := scm.Recv(conn, buf[:], 3)
	if err != nil {
		return result{}, err
	}
	if len(fds) != 3 {
		return result{}, fmt.Errorf("received %d descriptors, want segment and two eventfds", len(fds))
	}

	seg, err := wheel.OpenSegmentFile(os.NewFile(uintptr(fds[0]), "wheelbench"))
	if err != nil {
		return result{}, err
	}
	defer seg.Close()

	handles := wheel.HandlesFromFds(wheel.AttachNotified(seg.Mem), fds[1], fds[2])
	defer handles.Close()
	readable, _ := handles.Fds()

	digest := sha3.New256()
	var total uint64
	var mismatches int
	start := time.Now()

	for got := 0; got < cfg.loops; {
		if err := pollWait(readable, unix.POLLIN); err != nil {
			return result{}, err
		}

		off, payload, err := handles.Next()
		if err != nil {
			return result{}, err
		}
		if off == wheel.InvalidOffset {
			continue
		}

		if !checkPayload(payload) {
			mismatches++
		}
		digest.Write(payload)
		if _, err := handles.Return(off); err != nil {
			return result{}, err
		}
		total += uint64(len(payload))
		got++
	}

	return result{
		Mode:       cfg.mode,
		Role:       "rx",
		Messages:   cfg.loops,
		Bytes:      total,
		Seconds:    time.Since(start).Seconds(),
		Digest:     digestString(digest),
		Mismatches: mismatches,
	}, nil
}

// txSeqpacket sends the same message stream over the socketpair itself,
// as a kernel-copy baseline for the shared memory numbers. Sizes get a
// floor of one byte; zero-length records are indistinguishable from
// nothing on the receiving side.
func txSeqpacket(cfg config, conn *net.UnixConn) (result, error) {
	rng := newRNG()
	digest := sha3.New256()
	buf := make([]byte, cfg.sendMax)
	var total uint64
	start := time.Now()

	for i := 0; i < cfg.loops; i++ {
		size := int(rng.next() % uint64(cfg.sendMax))
		if size == 0 {
			size = 1
		}

		fillPayload(buf[:size])
		digest.Write(buf[:size])
		if _, err := conn.Write(buf[:size]); err != nil {
			return result{}, fmt.Errorf("send: %w", err)
		}
		total += uint64(size)
	}

	return result{
		Mode:     cfg.mode,
		Role:     "tx",
		Messages: cfg.loops,
		Bytes:    total,
		Seconds:  time.Since(start).Seconds(),
		Digest:   digestString(digest),
	}, nil
}

func rxSeqpacket(cfg config, conn *net.UnixConn) (result, error) {
	digest := sha3.New256()
	buf := make([]byte, cfg.sendMax)
	var total uint64
	var mismatches int
	start := time.Now()

	for i := 0; i < cfg.loops; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			return result{}, fmt.Errorf("recv: %w", err)
		}

		if !checkPayload(buf[:n]) {
			mismatches++
		}
		digest.Write(buf[:n])
		total += uint64(n)
	}

	return result{
		Mode:       cfg.mode,
		Role:       "rx",
		Messages:   cfg.loops,
		Bytes:      total,
		Seconds:    time.Since(start).Seconds(),
		Digest:     digestString(digest),
		Mismatches: mismatches,
	}, nil
}
