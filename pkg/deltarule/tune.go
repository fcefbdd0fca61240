package deltarule

import (
	"runtime"
	"sync"
)

// LaunchConfig fixes the execution geometry of one forward invocation:
// BlockT is the query-block span of the cross-chunk scan, BlockS the chunk
// span of the intra-chunk stage and of each scan step, and Workers bounds the
// goroutines used per stage. BlockT must be a positive multiple of BlockS.
type LaunchConfig struct {
	BlockT  int
	BlockS  int
	Workers int
}

type shapeKey struct {
	seqLen  int
	keyDim  int
	valDim  int
	heads   int
}

// Tuner maps a shape signature to a launch configuration, with a
// process-lifetime cache. The choice is deterministic for a given signature,
// so repeated invocations with the same shapes always execute identically.
type Tuner struct {
	mu    sync.RWMutex
	cache map[shapeKey]LaunchConfig
}

func NewTuner() *Tuner {
	return &Tuner{cache: make(map[shapeKey]LaunchConfig)}
}

var defaultTuner = NewTuner()

// DefaultTuner returns the process-wide tuner shared by Parallel calls that
// do not override the launch configuration.
func DefaultTuner() *Tuner {
	return defaultTuner
}

// Config returns the launch configuration for the given shape, consulting the
// cache first.
func (t *Tuner) Config(seqLen, keyDim, valDim, heads int) LaunchConfig {
	key := shapeKey{seqLen: seqLen, keyDim: keyDim, valDim: valDim, heads: heads}

	t.mu.RLock()
	if cfg, ok := t.cache[key]; ok {
		t.mu.RUnlock()
		return cfg
	}
	t.mu.RUnlock()

	cfg := selectLaunch(seqLen, keyDim, valDim, heads)

	t.mu.Lock()
	t.cache[key] = cfg
	t.mu.Unlock()
	return cfg
}

// selectLaunch picks block sizes by sequence length. Short sequences prefer
// smaller blocks so boundary masking does not dominate; long sequences use
// the 128/32 geometry of the reference kernels.
func selectLaunch(seqLen, keyDim, valDim, heads int) LaunchConfig {
	cfg := LaunchConfig{BlockT: 128, BlockS: 32}
	switch {
	case seqLen <= 64:
		cfg.BlockT, cfg.BlockS = 32, 16
	case seqLen <= 256:
		cfg.BlockT, cfg.BlockS = 64, 32
	}
	cfg.Workers = runtime.GOMAXPROCS(0)
	return cfg
}

func (c LaunchConfig) validate() error {
	if c.BlockT <= 0 || c.BlockS <= 0 {
		return validationf("launch", "block sizes must be positive, got BlockT=%d BlockS=%d", c.BlockT, c.BlockS)
	}
	if c.BlockT%c.BlockS != 0 {
		return validationf("launch", "BlockT (%d) must be a multiple of BlockS (%d)", c.BlockT, c.BlockS)
	}
	return nil
}
