//go:build linux && (amd64 || arm64)

package main

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sys/cpu"

	"github.com/sqwishy/memorywheel/internal/wheel"
)

// soakCounters keeps each side's tally on its own cache line; the producer
// and consumer tasks hammer them from different workers.
type soakCounters struct {
	produced   atomic.Uint64
	_          cpu.CacheLinePad
	consumed   atomic.Uint64
	_          cpu.CacheLinePad
	mismatches atomic.Uint64
}

// runSoak drives several independent wheels inside one process, a producer
// and a consumer task per wheel on a shared worker pool. It verifies every
// payload, that each wheel's byte totals agree, and that both sides saw
// the same byte stream.
func runSoak(cfg config) error {
	pool, err := ants.NewPool(2 * cfg.wheels)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	counters := make([]soakCounters, cfg.wheels)
	txDigests := make([][]byte, cfg.wheels)
	rxDigests := make([][]byte, cfg.wheels)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < cfg.wheels; i++ {
		region := alignedRegion(cfg.size)
		producer, err := wheel.Init(region)
		if err != nil {
			return err
		}
		consumer := wheel.Attach(region)

		i := i
		c := &counters[i]
		rng := newSeededRNG(420+uint64(i), 69)

		wg.Add(2)
		produce := func() {
			defer wg.Done()
			digest := sha3.New256()
			for n := 0; n < cfg.loops; n++ {
				size := int(rng.next() % 32)
				var off wheel.Offset
				var buf []byte
				for {
					if off, buf = producer.Make(size); off != wheel.InvalidOffset {
						break
					}
				}
				fillPayload(buf)
				digest.Write(buf)
				producer.Share(off)
				c.produced.Add(uint64(size))
			}
			txDigests[i] = digest.Sum(nil)
		}
		consume := func() {
			defer wg.Done()
			digest := sha3.New256()
			for n := 0; n < cfg.loops; n++ {
				var off wheel.Offset
				var buf []byte
				for {
					if off, buf = consumer.Next(); off != wheel.InvalidOffset {
						break
					}
				}
				if !checkPayload(buf) {
					c.mismatches.Add(1)
				}
				digest.Write(buf)
				consumer.Return(off)
				c.consumed.Add(uint64(len(buf)))
			}
			rxDigests[i] = digest.Sum(nil)
		}
		if err := pool.Submit(produce); err != nil {
			return fmt.Errorf("submit producer: %w", err)
		}
		if err := pool.Submit(consume); err != nil {
			return fmt.Errorf("submit consumer: %w", err)
		}
	}

	wg.Wait()
	elapsed := time.Since(start).Seconds()

	var total uint64
	for i := range counters {
		c := &counters[i]
		if n := c.mismatches.Load(); n != 0 {
			return fmt.Errorf("wheel %d: %d payloads failed verification", i, n)
		}
		if p, g := c.produced.Load(), c.consumed.Load(); p != g {
			return fmt.Errorf("wheel %d: produced %d bytes but consumed %d", i, p, g)
		}
		if !bytes.Equal(txDigests[i], rxDigests[i]) {
			return fmt.Errorf("wheel %d: producer and consumer digests differ", i)
		}
		total += counters[i].produced.Load()
	}

	res := result{
		Mode:     cfg.mode,
		Role:     fmt.Sprintf("%d wheels", cfg.wheels),
		Messages: cfg.wheels * cfg.loops,
		Bytes:    total,
		Seconds:  elapsed,
	}
	emitResult(res)
	if cfg.db != "" {
		return recordResult(cfg.db, res)
	}
	return nil
}
