package main

import (
	"math/rand"

	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
)

// randomBatch builds reproducible inputs from the shape flags. Features are
// kept small and gates inside (0, 1] so long sequences stay well-conditioned.
func randomBatch(b, t, h, dk, dv int, seed int64) *deltarule.Batch {
	rng := rand.New(rand.NewSource(seed))
	batch := &deltarule.Batch{
		NumSeqs: b, SeqLen: t, NumHeads: h, KeyDim: dk, ValDim: dv,
		Q:    make([]float32, b*t*h*dk),
		K:    make([]float32, b*t*h*dk),
		V:    make([]float32, b*t*h*dv),
		Beta: make([]float32, b*t*h),
	}
	fill := func(dst []float32) {
		for i := range dst {
			dst[i] = rng.Float32() - 0.5
		}
	}
	fill(batch.Q)
	fill(batch.K)
	fill(batch.V)
	for i := range batch.Beta {
		batch.Beta[i] = 0.05 + 0.95*rng.Float32()
	}
	return batch
}
