package deltarule

import (
	"math"

	"github.com/neuromorphs/flash-linear-attention/internal/tensor"
)

// VarlenBatch packs sequences of different lengths back to back along the
// time axis, with no padding. Q and K have shape (sum(Lens), H, K), V has
// (sum(Lens), H, V), Beta has (sum(Lens), H), all row-major.
type VarlenBatch struct {
	Lens     []int
	NumHeads int
	KeyDim   int
	ValDim   int

	Q, K, V []float32
	Beta    []float32
}

// ChunkRef names one chunk of the packed layout: which sequence it belongs
// to and the chunk's first row within that sequence.
type ChunkRef struct {
	Seq   int
	Start int
}

// ChunkIndex is the flat launch table for a packed batch: cumulative row
// offsets per sequence plus one ChunkRef per chunk, so a parallel loop over
// all chunks of all sequences needs no per-sequence bookkeeping.
type ChunkIndex struct {
	Lens    []int
	Offsets []int // len(Lens)+1 cumulative rows; Offsets[0] is 0
	Chunks  []ChunkRef
}

// BuildChunkIndex computes the chunk table for the given sequence lengths
// and chunk size. Every sequence starts a fresh chunk: chunks never straddle
// a sequence boundary, however short the tail.
func BuildChunkIndex(lens []int, chunkSize int) ChunkIndex {
	idx := ChunkIndex{
		Lens:    lens,
		Offsets: make([]int, len(lens)+1),
	}
	for i, n := range lens {
		idx.Offsets[i+1] = idx.Offsets[i] + n
		for s := 0; s < n; s += chunkSize {
			idx.Chunks = append(idx.Chunks, ChunkRef{Seq: i, Start: s})
		}
	}
	return idx
}

// Rows returns the packed row range [lo, hi) of sequence i.
func (ci *ChunkIndex) Rows(i int) (int, int) {
	return ci.Offsets[i], ci.Offsets[i+1]
}

// ParallelVarlen computes the forward pass over a packed variable-length
// batch. Each sequence attends only within itself. Attention materialization
// is not supported in this layout, and the head-first layout is rejected as
// everywhere else.
func ParallelVarlen(batch *VarlenBatch, opts Options) (*Result, error) {
	if opts.HeadFirst {
		return nil, ErrHeadFirstDeprecated
	}
	if opts.OutputAttentions {
		return nil, validationf("output_attentions", "not supported for variable-length batches")
	}
	if err := validateVarlen(batch); err != nil {
		return nil, err
	}

	h, dk, dv := batch.NumHeads, batch.KeyDim, batch.ValDim
	total := 0
	maxLen := 0
	for _, n := range batch.Lens {
		total += n
		if n > maxLen {
			maxLen = n
		}
	}
	if total < h && opts.Logger != nil {
		opts.Logger.Warn("packed length is smaller than head count; inputs may be in head-first layout",
			"total_len", total, "num_heads", h)
	}

	// One launch configuration for the whole batch, keyed by the longest
	// sequence. Shorter sequences just produce boundary chunks.
	launch := opts.Launch
	if launch == (LaunchConfig{}) {
		launch = defaultTuner.Config(maxLen, dk, dv, h)
	}
	if err := launch.validate(); err != nil {
		return nil, err
	}
	if launch.Workers <= 0 {
		launch.Workers = tensor.Default().Size()
	}

	scale := float32(opts.Scale)
	if opts.Scale == 0 {
		scale = float32(1 / math.Sqrt(float64(dk)))
	}
	solver := opts.Solver
	if solver == nil {
		solver = NewSolver()
	}
	gemm := tensor.SelectGemmConfig(launch.BlockT, dk, dv)

	out := make([]float32, total*h*dv)
	qcBuf := make([]float32, len(batch.Q))
	kcBuf := make([]float32, len(batch.K))
	vbBuf := make([]float32, len(batch.V))
	kbBuf := make([]float32, len(batch.K))
	betaC := make([]float32, total*h)

	nseq := len(batch.Lens)
	states := make([]headState, nseq*h)
	idx := BuildChunkIndex(batch.Lens, launch.BlockS)

	// Gate copies are contiguous per head (the packed layout strides by H),
	// grouped in betaC in state order.
	cursor := 0
	for si := 0; si < nseq; si++ {
		lo, _ := idx.Rows(si)
		t := batch.Lens[si]
		for hi := 0; hi < h; hi++ {
			st := &states[si*h+hi]
			st.t = t
			st.scale = scale
			st.launch = launch
			st.gemm = gemm
			st.solver = solver
			st.beta = betaC[cursor : cursor+t]
			cursor += t
			for tt := 0; tt < t; tt++ {
				st.beta[tt] = batch.Beta[(lo+tt)*h+hi]
			}
			view := func(data []float32, dim int) tensor.Mat {
				off := (lo*h + hi) * dim
				return tensor.Mat{R: t, C: dim, Stride: h * dim, Data: data[off:]}
			}
			st.q = view(batch.Q, dk)
			st.k = view(batch.K, dk)
			st.kb = view(kbBuf, dk)
			st.vb = view(vbBuf, dv)
			st.qc = view(qcBuf, dk)
			st.kc = view(kcBuf, dk)
			st.out = view(out, dv)

			v := view(batch.V, dv)
			for tt := 0; tt < t; tt++ {
				g := st.beta[tt]
				kbRow := st.kb.Row(tt)
				kRow := st.k.Row(tt)
				for j := 0; j < dk; j++ {
					kbRow[j] = g * kRow[j]
				}
				vbRow := st.vb.Row(tt)
				vRow := v.Row(tt)
				for j := 0; j < dv; j++ {
					vbRow[j] = g * vRow[j]
				}
			}
		}
	}

	pool := tensor.Default()

	// Stage one over the flat chunk table, crossed with heads.
	units := len(idx.Chunks) * h
	parts := min(launch.Workers, units)
	pool.Run(parts, parts, func(p int) {
		sc := newIntraScratch(launch.BlockS, dk)
		lo, hi := partition(units, parts, p)
		for u := lo; u < hi; u++ {
			ref := idx.Chunks[u/h]
			st := &states[ref.Seq*h+u%h]
			e := min(ref.Start+launch.BlockS, st.t)
			st.intraChunk(sc, ref.Start, e)
		}
	})

	// Stage two over a coarser table built at query-block granularity.
	qidx := BuildChunkIndex(batch.Lens, launch.BlockT)
	units = len(qidx.Chunks) * h
	parts = min(launch.Workers, units)
	pool.Run(parts, parts, func(p int) {
		sc := newScanScratch(launch.BlockT, launch.BlockS, dk)
		lo, hi := partition(units, parts, p)
		for u := lo; u < hi; u++ {
			ref := qidx.Chunks[u/h]
			st := &states[ref.Seq*h+u%h]
			i1 := min(ref.Start+launch.BlockT, st.t)
			st.scanBlock(sc, ref.Start, i1)
		}
	})

	return &Result{Output: out}, nil
}

// SeqLenTotal returns the packed row count, the sum of Lens.
func (b *VarlenBatch) SeqLenTotal() int {
	total := 0
	for _, n := range b.Lens {
		total += n
	}
	return total
}

func validateVarlen(batch *VarlenBatch) error {
	if batch == nil {
		return validationf("batch", "must not be nil")
	}
	if len(batch.Lens) == 0 {
		return validationf("lens", "must name at least one sequence")
	}
	for i, n := range batch.Lens {
		if n <= 0 {
			return validationf("lens", "sequence %d has non-positive length %d", i, n)
		}
	}
	h, dk, dv := batch.NumHeads, batch.KeyDim, batch.ValDim
	if h <= 0 || dk <= 0 || dv <= 0 {
		return validationf("shape", "dimensions must be positive, got H=%d K=%d V=%d", h, dk, dv)
	}
	if dk > MaxKeyDim {
		return validationf("key_dim", "%d exceeds the maximum of %d", dk, MaxKeyDim)
	}
	total := batch.SeqLenTotal()
	if want := total * h * dk; len(batch.Q) != want {
		return validationf("q", "length %d, want sum(T)*H*K = %d", len(batch.Q), want)
	}
	if want := total * h * dk; len(batch.K) != want {
		return validationf("k", "length %d, want sum(T)*H*K = %d", len(batch.K), want)
	}
	if want := total * h * dv; len(batch.V) != want {
		return validationf("v", "length %d, want sum(T)*H*V = %d", len(batch.V), want)
	}
	if want := total * h; len(batch.Beta) != want {
		return validationf("beta", "length %d, want sum(T)*H = %d", len(batch.Beta), want)
	}
	return nil
}
