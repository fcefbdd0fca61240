package deltarule

import "github.com/neuromorphs/flash-linear-attention/internal/tensor"

// scanScratch holds one worker's temporaries for the cross-chunk scan.
type scanScratch struct {
	qrun   tensor.Mat // running query register for the block
	scores tensor.Mat // block scores against one key chunk
	upd    tensor.Mat // rank update against the gated keys
}

func newScanScratch(blockT, blockS, keyDim int) *scanScratch {
	return &scanScratch{
		qrun:   tensor.NewMat(blockT, keyDim),
		scores: tensor.NewMat(blockT, blockS),
		upd:    tensor.NewMat(blockT, keyDim),
	}
}

// scanBlock accumulates every cross-chunk contribution for one query block of
// a single (batch, head) pair. st.out rows [i0, i1) must already hold the
// chunk-local output; they are extended in place.
//
// Key chunks are visited nearest first, from just below the block down to the
// start of the sequence. Unlike a softmax attention pass this order is load
// bearing: the running query register subtracts each visited chunk's gated
// rank-1 corrections, which is exactly what relates a farther chunk's raw
// values to the state the sequential recurrence would have seen. Within one
// block the iterations are therefore strictly sequential; distinct blocks
// share nothing and run in parallel.
func (st *headState) scanBlock(sc *scanScratch, i0, i1 int) {
	rows := i1 - i0
	qrun := sc.qrun.Rows(0, rows)
	out := st.out.Rows(i0, i1)

	src := st.qc.Rows(i0, i1)
	qrun.CopyFrom(&src)

	blockS := st.launch.BlockS
	blockT := st.launch.BlockT

	// Overlap phase: chunks that share rows with the query block still
	// straddle the causal boundary, so scores need a per-row mask. A query
	// row participates only once the whole key chunk is in its past.
	for off := i0 + blockT - 2*blockS; off >= i0; off -= blockS {
		if off >= st.t || off < 0 {
			continue
		}
		lim := off + blockS - i0 // rows below lim are masked
		if lim >= rows {
			continue
		}
		e := min(off+blockS, st.t)
		st.scanStep(sc, &qrun, &out, i0, off, e, lim)
	}

	// Disjoint phase: every remaining chunk is entirely in the block's past;
	// the same step applies with no mask.
	for off := i0 - blockS; off >= 0; off -= blockS {
		st.scanStep(sc, &qrun, &out, i0, off, off+blockS, 0)
	}
}

// scanStep applies one key chunk [off, e) to the running query block: score,
// accumulate output, subtract the gated-key update from the register. Rows
// below maskLim are zeroed before use (overlap phase); maskLim of zero leaves
// the scores untouched.
func (st *headState) scanStep(sc *scanScratch, qrun, out *tensor.Mat, i0, off, e, maskLim int) {
	n := e - off
	kc := st.kc.Rows(off, e)
	vb := st.vb.Rows(off, e)
	kb := st.kb.Rows(off, e)

	scores := sc.scores.Sub(qrun.R, n)
	upd := sc.upd.Rows(0, qrun.R)

	// Scores use the chunk-corrected keys; the register update uses the
	// original gated keys. The two key tensors are distinct on purpose.
	tensor.GemmNT(st.gemm, &scores, qrun, &kc, 1, 0)
	for r := 0; r < maskLim; r++ {
		clear(scores.Row(r))
	}

	tensor.Gemm(st.gemm, out, &scores, &vb, 1, 1)

	tensor.Gemm(st.gemm, &upd, &scores, &kb, 1, 0)
	for r := 0; r < qrun.R; r++ {
		tensor.Sub(qrun.Row(r), upd.Row(r))
	}

	if st.attn.Data != nil {
		attn := st.attn.Rows(i0, i0+qrun.R)
		for r := 0; r < qrun.R; r++ {
			copy(attn.Row(r)[off:e], scores.Row(r))
		}
	}
}
