package deltarule

import "github.com/neuromorphs/flash-linear-attention/internal/tensor"

// intraScratch holds one worker's temporaries for the intra-chunk stage.
// Everything is sized for a full BlockS chunk; boundary chunks use leading
// sub-views.
type intraScratch struct {
	corr  tensor.Mat // correction matrix
	sqk   tensor.Mat // causal q·kᵀ scores
	skk   tensor.Mat // strictly causal k·kᵀ scores
	sqkT  tensor.Mat // sqk folded through the correction
	skkT  tensor.Mat // skk folded through the correction
	trans tensor.Mat // transpose scratch for (skk·T)ᵀ
	upd   tensor.Mat // rank update against the gated keys
}

func newIntraScratch(blockS, keyDim int) *intraScratch {
	return &intraScratch{
		corr:  tensor.NewMat(blockS, blockS),
		sqk:   tensor.NewMat(blockS, blockS),
		skk:   tensor.NewMat(blockS, blockS),
		sqkT:  tensor.NewMat(blockS, blockS),
		skkT:  tensor.NewMat(blockS, blockS),
		trans: tensor.NewMat(blockS, blockS),
		upd:   tensor.NewMat(blockS, keyDim),
	}
}

// intraChunk resolves every sequential interaction inside one chunk of a
// single (batch, head) pair. On return, the chunk's rows of st.out hold the
// chunk-local output, and st.qc/st.kc hold queries and keys that already
// account for all earlier steps inside the chunk, so the cross-chunk scan can
// treat the chunk as atomic.
//
// The chunk is identified by its row range [s, e) within the head views.
// In the aliased (in-place) configuration qc and kc overlay q and k; the
// write order below keeps that safe: every read of the original q and k rows
// happens before the corresponding write.
func (st *headState) intraChunk(sc *intraScratch, s, e int) {
	n := e - s
	q := st.q.Rows(s, e)
	k := st.k.Rows(s, e)
	vb := st.vb.Rows(s, e)
	kb := st.kb.Rows(s, e)
	out := st.out.Rows(s, e)
	qc := st.qc.Rows(s, e)
	kc := st.kc.Rows(s, e)

	corr := sc.corr.Sub(n, n)
	sqk := sc.sqk.Sub(n, n)
	skk := sc.skk.Sub(n, n)
	sqkT := sc.sqkT.Sub(n, n)
	skkT := sc.skkT.Sub(n, n)
	trans := sc.trans.Sub(n, n)
	upd := sc.upd.Rows(0, n)

	st.solver.Solve(&corr, &k, st.beta[s:e])

	// Causal scores: queries see keys up to and including their own step,
	// keys see strictly earlier keys only.
	tensor.GemmNT(st.gemm, &sqk, &q, &k, st.scale, 0)
	tensor.GemmNT(st.gemm, &skk, &k, &k, 1, 0)
	for i := 0; i < n; i++ {
		clear(sqk.Row(i)[i+1 : n])
		clear(skk.Row(i)[i:n])
	}

	// One product against the correction matrix replaces the chunk's whole
	// sequential dependency chain.
	tensor.Gemm(st.gemm, &sqkT, &sqk, &corr, 1, 0)
	tensor.Gemm(st.gemm, &skkT, &skk, &corr, 1, 0)

	if st.local.Data != nil {
		local := st.local.Rows(s, e)
		for i := 0; i < n; i++ {
			copy(local.Row(i)[:n], sqkT.Row(i))
		}
	}

	// Chunk-local output against the gate-scaled values.
	tensor.Gemm(st.gemm, &out, &sqkT, &vb, 1, 0)

	// qc = q·scale − sqkT·(k⊙beta).
	tensor.Gemm(st.gemm, &upd, &sqkT, &kb, 1, 0)
	for i := 0; i < n; i++ {
		dst := qc.Row(i)
		src := q.Row(i)
		u := upd.Row(i)
		for j := range dst {
			dst[j] = st.scale*src[j] - u[j]
		}
	}

	// kc = k − (skk·T)ᵀ·(k⊙beta).
	for i := 0; i < n; i++ {
		row := skkT.Row(i)
		for j := 0; j < n; j++ {
			trans.Row(j)[i] = row[j]
		}
	}
	tensor.Gemm(st.gemm, &upd, &trans, &kb, 1, 0)
	for i := 0; i < n; i++ {
		dst := kc.Row(i)
		src := k.Row(i)
		u := upd.Row(i)
		for j := range dst {
			dst[j] = src[j] - u[j]
		}
	}
}
