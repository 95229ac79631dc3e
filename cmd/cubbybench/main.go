// Command cubbybench drives a configurable number of concurrent writer
// and reader goroutines against a cubby store and reports throughput,
// the same shape as the reference repo's concurrent stress tests
// (tests/MariConcurrent_test.go) turned into a standalone tool instead of
// a test file, since a CLI harness sits outside this project's scope as
// a library.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubby-db/cubby"
	"github.com/cubby-db/cubby/internal/testkit"
)

func main() {
	dataDir := flag.String("datadir", "", "data directory for the store (required)")
	numKeys := flag.Int("keys", 100_000, "number of key/value pairs to write")
	writers := flag.Int("writers", 8, "number of concurrent writer goroutines")
	readers := flag.Int("readers", 8, "number of concurrent reader goroutines")
	valueSize := flag.Int("valuesize", 64, "size in bytes of each generated value")
	compact := flag.Bool("compact", false, "run a compaction after the write phase")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "cubbybench: -datadir is required")
		os.Exit(2)
	}

	engine, err := cubby.Open(cubby.Options{DataDir: *dataDir, AutoCompact: cubby.DefaultAutoCompact()})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer engine.Close()

	keys := make([][]byte, *numKeys)
	values := make([][]byte, *numKeys)
	for i := range keys {
		k, err := testkit.RandomBytes(24)
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		v, err := testkit.RandomBytes(*valueSize)
		if err != nil {
			log.Fatalf("generate value: %v", err)
		}
		keys[i], values[i] = k, v
	}

	writeStart := time.Now()
	runChunked(*writers, *numKeys, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if err := engine.Put(keys[i], values[i]); err != nil {
				log.Printf("put error: %v", err)
			}
		}
	})
	writeElapsed := time.Since(writeStart)
	fmt.Printf("wrote %d keys in %s (%.0f ops/sec)\n", *numKeys, writeElapsed, float64(*numKeys)/writeElapsed.Seconds())

	var hits, misses int64
	readStart := time.Now()
	runChunked(*readers, *numKeys, func(lo, hi int) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; i < hi-lo; i++ {
			idx := rng.Intn(*numKeys)
			_, ok, err := engine.Get(keys[idx])
			if err != nil {
				log.Printf("get error: %v", err)
				continue
			}
			if ok {
				atomic.AddInt64(&hits, 1)
			} else {
				atomic.AddInt64(&misses, 1)
			}
		}
	})
	readElapsed := time.Since(readStart)
	fmt.Printf("read %d keys in %s (%d hits, %d misses, %.0f ops/sec)\n",
		*numKeys, readElapsed, hits, misses, float64(*numKeys)/readElapsed.Seconds())

	if *compact {
		compactStart := time.Now()
		if err := engine.Compact(); err != nil {
			log.Fatalf("compact: %v", err)
		}
		for engine.Compacting() {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Printf("compacted in %s, final size %d\n", time.Since(compactStart), engine.Size())
	}
}

// runChunked splits [0, total) into n roughly-even ranges and runs fn
// over each concurrently, waiting for all of them to finish.
func runChunked(n, total int, fn func(lo, hi int)) {
	if n <= 0 {
		n = 1
	}
	chunk := total / n
	if chunk == 0 {
		chunk = total
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		lo := i * chunk
		hi := lo + chunk
		if i == n-1 {
			hi = total
		}

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
