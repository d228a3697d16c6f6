//go:build linux && (amd64 || arm64)

package wheel

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newHandles(t *testing.T, size int) *Handles {
	t.Helper()
	nw, err := InitNotified(newRegion(t, size))
	if err != nil {
		t.Fatal(err)
	}
	h, err := CreateHandles(nw)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// polls reports whether fd currently polls with the given events, without
// blocking.
func polls(t *testing.T, fd int, events int16) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		return n == 1 && fds[0].Revents&events != 0
	}
}

func TestHandlesBaseline(t *testing.T) {
	h := newHandles(t, 2048)
	readable, writable := h.Fds()

	if polls(t, readable, unix.POLLIN) {
		t.Error("readable fd polls readable on a fresh wheel")
	}
	if !polls(t, writable, unix.POLLOUT) {
		t.Error("writable fd does not poll writable on a fresh wheel")
	}
}

// The notification coherence scenario: the readable handle tracks pending
// shared slices, the writable handle tracks room after a failed Make.
func TestNotificationCoherence(t *testing.T) {
	h := newHandles(t, 4*Align)
	readable, writable := h.Fds()

	// make + share -> readable
	off, buf, err := h.Make(10)
	if err != nil || off == InvalidOffset {
		t.Fatalf("Make: offset %d, err %v", off, err)
	}
	fillPayload(buf)
	if err := h.Share(off); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if !polls(t, readable, unix.POLLIN) {
		t.Fatal("readable fd not readable after Share")
	}

	// drain the last slice; the empty Next clears readability
	got, _, err := h.Next()
	if err != nil || got != off {
		t.Fatalf("Next: offset %d, err %v", got, err)
	}
	if _, err := h.Return(got); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if empty, _, err := h.Next(); err != nil || empty != InvalidOffset {
		t.Fatalf("Next on drained wheel: offset %d, err %v", empty, err)
	}
	if polls(t, readable, unix.POLLIN) {
		t.Fatal("readable fd still readable after draining")
	}

	// fill until Make fails -> not writable
	for {
		off, buf, err := h.Make(Align - sliceHeaderSize)
		if err != nil {
			t.Fatalf("Make: %v", err)
		}
		if off == InvalidOffset {
			break
		}
		fillPayload(buf)
		if err := h.Share(off); err != nil {
			t.Fatalf("Share: %v", err)
		}
	}
	if polls(t, writable, unix.POLLOUT) {
		t.Fatal("writable fd still writable after a failed Make")
	}

	// a freeing Return restores writability
	got, _, err = h.Next()
	if err != nil || got == InvalidOffset {
		t.Fatalf("Next on full wheel: offset %d, err %v", got, err)
	}
	if _, err := h.Return(got); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if !polls(t, writable, unix.POLLOUT) {
		t.Fatal("writable fd not writable after a freeing Return")
	}
}

// A Make too large for an empty wheel leaves it both unreadable and
// unwritable; this is documented, intentional behavior.
func TestOversizeEmptyBlocksBothHandles(t *testing.T) {
	h := newHandles(t, 2048)
	readable, writable := h.Fds()

	off, _, err := h.Make(h.Wheel().MaxUserSize() + 1)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if off != InvalidOffset {
		t.Fatal("oversize Make succeeded")
	}

	if polls(t, readable, unix.POLLIN) {
		t.Error("readable fd readable after oversize Make on an empty wheel")
	}
	if polls(t, writable, unix.POLLOUT) {
		t.Error("writable fd writable after oversize Make on an empty wheel")
	}
}

// A second Handles built from the same descriptors, as another process
// would after receiving them, stays coherent with the first.
func TestHandlesFromFds(t *testing.T) {
	producer := newHandles(t, 2048)
	readable, writable := producer.Fds()

	consumer := HandlesFromFds(AttachNotified(producer.Wheel().mem), readable, writable)

	off, buf, err := producer.Make(21)
	if err != nil || off == InvalidOffset {
		t.Fatalf("Make: offset %d, err %v", off, err)
	}
	fillPayload(buf)
	if err := producer.Share(off); err != nil {
		t.Fatalf("Share: %v", err)
	}

	got, gotBuf, err := consumer.Next()
	if err != nil || got != off {
		t.Fatalf("Next: offset %d, err %v", got, err)
	}
	if len(gotBuf) != 21 || !checkPayload(gotBuf) {
		t.Fatalf("payload %d bytes, magic %v", len(gotBuf), checkPayload(gotBuf))
	}
	if n, err := consumer.Return(got); err != nil || n != 1 {
		t.Fatalf("Return: n %d, err %v", n, err)
	}

	// the consumer's empty Next clears readability
	if empty, _, err := consumer.Next(); err != nil || empty != InvalidOffset {
		t.Fatalf("Next on drained wheel: offset %d, err %v", empty, err)
	}
	if polls(t, readable, unix.POLLIN) {
		t.Fatal("readable fd readable after the consumer drained")
	}
}

// The counting-semaphore descriptors accumulate racing posts and drains;
// after an interleaved storm of operations the handles must agree with the
// flags.
func TestNotificationSoak(t *testing.T) {
	h := newHandles(t, 8*Align)
	readable, _ := h.Fds()

	loops := 10000
	if testing.Short() {
		loops = 1000
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for consumed := 0; consumed < loops; {
			off, buf, err := h.Next()
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			if off == InvalidOffset {
				continue
			}
			if !checkPayload(buf) {
				t.Errorf("message %d failed the magic check", consumed)
				return
			}
			if _, err := h.Return(off); err != nil {
				t.Errorf("Return: %v", err)
				return
			}
			consumed++
		}
	}()

	rng := newTestRNG()
	for sent := 0; sent < loops; {
		off, buf, err := h.Make(int(rng.next() % 32))
		if err != nil {
			t.Fatalf("Make: %v", err)
		}
		if off == InvalidOffset {
			continue
		}
		fillPayload(buf)
		if err := h.Share(off); err != nil {
			t.Fatalf("Share: %v", err)
		}
		sent++
	}

	<-done

	// Everything was consumed; the readable handle must have settled
	// unreadable once the consumer's final empty Next clears the flag.
	if empty, _, err := h.Next(); err != nil || empty != InvalidOffset {
		t.Fatalf("Next after soak: offset %d, err %v", empty, err)
	}
	if polls(t, readable, unix.POLLIN) {
		t.Fatal("readable fd readable after soak drained the wheel")
	}
}
