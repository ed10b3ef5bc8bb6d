// Package parallel runs independent loop iterations of the reference engine on
// several goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Config controls how loops are spread across goroutines.
type Config struct {
	Workers  int // Goroutines to use; <= 1 runs the loop on the caller's goroutine.
	MinItems int // Loops shorter than this run sequentially.
}

// DefaultConfig uses one worker per CPU. Engine loop items (one image or one
// convolution group) are large, so even two items are worth splitting.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MinItems: 2,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{Workers: 1}
}

// For calls f(i) for every i in [0, n). Iterations must be independent.
// Workers claim indices one at a time, so uneven items still balance.
func For(n int, cfg Config, f func(i int)) {
	workers := min(cfg.Workers, n)
	if workers <= 1 || n < cfg.MinItems {
		for i := range n {
			f(i)
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				f(i)
			}
		}()
	}
	wg.Wait()
}

// ForGrid calls f(i, j) for every cell of an outer x inner grid,
// e.g. images x convolution groups.
func ForGrid(outer, inner int, cfg Config, f func(i, j int)) {
	if inner <= 0 {
		return
	}
	For(outer*inner, cfg, func(k int) {
		f(k/inner, k%inner)
	})
}
