// Package parallel provides data-parallel loops for weight processing.
package parallel

import (
	"math"
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	return WithWorkers(0)
}

// WithWorkers returns a config using n workers; n <= 0 means one per CPU.
func WithWorkers(n int) Config {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096, // Elementwise work on weights is cheap per item.
	}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	Chunks(n, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// Chunks splits [0, n) into contiguous ranges and runs f on each, one goroutine
// per range. The ranges cover [0, n) exactly once.
func Chunks(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2*cfg.MinChunkSize {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// MinMax returns the smallest and largest value of data. NaNs are ignored;
// an empty (or all-NaN) slice yields (0, 0).
func MinMax(data []float32, cfg Config) (lo, hi float32) {
	type bounds struct {
		lo, hi float32
		ok     bool
	}

	var mu sync.Mutex
	total := bounds{}
	Chunks(len(data), func(start, end int) {
		b := bounds{lo: float32(math.Inf(1)), hi: float32(math.Inf(-1))}
		for _, v := range data[start:end] {
			if v != v { // NaN
				continue
			}
			b.ok = true
			b.lo = min(b.lo, v)
			b.hi = max(b.hi, v)
		}
		if !b.ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !total.ok {
			total = b
			return
		}
		total.lo = min(total.lo, b.lo)
		total.hi = max(total.hi, b.hi)
	}, cfg)

	if !total.ok {
		return 0, 0
	}
	return total.lo, total.hi
}
