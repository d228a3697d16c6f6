//go:build linux && (amd64 || arm64)

package wheel

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSegmentBadSize(t *testing.T) {
	for _, size := range []int{0, 63, 64, 100} {
		if _, err := CreateSegment("test-bad-size", size); err != ErrBadSize {
			t.Errorf("CreateSegment(%d): got %v, want ErrBadSize", size, err)
		}
	}
}

func TestSegmentCreateAndReopen(t *testing.T) {
	seg, err := CreateSegment("test-wheel-segment", 2048)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	if len(seg.Mem) != 2048 {
		t.Fatalf("mapped %d bytes, want 2048", len(seg.Mem))
	}

	w, err := Init(seg.Mem)
	if err != nil {
		t.Fatal(err)
	}

	// A second mapping of the same memfd stands in for the other process:
	// a distinct virtual address over the same physical pages.
	dup, err := unix.Dup(int(seg.File.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	seg2, err := OpenSegmentFile(os.NewFile(uintptr(dup), "test-wheel-segment"))
	if err != nil {
		t.Fatal(err)
	}
	defer seg2.Close()

	if &seg.Mem[0] == &seg2.Mem[0] {
		t.Skip("kernel mapped both views at the same address")
	}

	other := Attach(seg2.Mem)

	payload := []byte("across the mapping")
	off, buf := mustMake(t, w, len(payload))
	copy(buf, payload)
	w.Share(off)

	got, gotBuf := other.Next()
	if got != off {
		t.Fatalf("Next over second mapping returned %d, want %d", got, off)
	}
	if string(gotBuf) != string(payload) {
		t.Fatalf("payload %q over second mapping, want %q", gotBuf, payload)
	}
	if n := other.Return(got); n != 1 {
		t.Fatalf("Return over second mapping released %d", n)
	}
	if !w.State().Empty {
		t.Fatal("first mapping does not observe the empty wheel")
	}
}

// Concurrent soak with the producer and consumer on different mappings of
// the same memfd, the closest a single process gets to the cross-process
// arrangement.
func TestSegmentSoakAcrossMappings(t *testing.T) {
	seg, err := CreateSegment("test-wheel-soak", 128*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	dup, err := unix.Dup(int(seg.File.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	seg2, err := OpenSegmentFile(os.NewFile(uintptr(dup), "test-wheel-soak"))
	if err != nil {
		t.Fatal(err)
	}
	defer seg2.Close()

	producer, err := Init(seg.Mem)
	if err != nil {
		t.Fatal(err)
	}
	consumer := Attach(seg2.Mem)

	loops := 200 * 1000
	if testing.Short() {
		loops = 20 * 1000
	}

	var consumed uint64
	var mismatches int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < loops; i++ {
			var off Offset
			var buf []byte
			for {
				off, buf = consumer.Next()
				if off != InvalidOffset {
					break
				}
			}
			if !checkPayload(buf) {
				mismatches++
			}
			consumed += uint64(len(buf))
			consumer.Return(off)
		}
	}()

	var produced uint64
	rng := newTestRNG()
	for i := 0; i < loops; i++ {
		size := int(rng.next() % 32)
		var off Offset
		var buf []byte
		for {
			off, buf = producer.Make(size)
			if off != InvalidOffset {
				break
			}
		}
		fillPayload(buf)
		producer.Share(off)
		produced += uint64(size)
	}

	<-done

	if mismatches != 0 {
		t.Fatalf("%d payloads failed the magic check", mismatches)
	}
	if produced != consumed {
		t.Fatalf("produced %d bytes but consumed %d", produced, consumed)
	}
}
