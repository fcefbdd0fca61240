package deltarule

import (
	"math"

	"github.com/neuromorphs/flash-linear-attention/internal/tensor"
)

// headState bundles the tensor views one (batch, head) pair's units operate
// on. The caller tensors are reached through strided views, so neither stage
// copies or re-lays-out the batch.
type headState struct {
	t      int
	scale  float32
	launch LaunchConfig
	gemm   tensor.GemmConfig
	solver CorrectionSolver

	beta []float32  // contiguous gates for this head, length t
	q, k tensor.Mat // caller tensors; read-only in the allocating mode
	kb   tensor.Mat // original key ⊙ gate, the state-update term
	vb   tensor.Mat // value ⊙ gate
	qc   tensor.Mat // corrected query (aliases q in the in-place mode)
	kc   tensor.Mat // corrected key (aliases k in the in-place mode)
	out  tensor.Mat

	local tensor.Mat // per-chunk local scores (t × BlockS); empty unless requested
	attn  tensor.Mat // (t × t) diagnostic block; empty unless requested
}

// Function is the delta-rule attention operator: a paired forward and
// backward bound as one record, with a context carrying exactly the tensors
// a backward pass would need. The backward half is not implemented; it fails
// with ErrBackwardUnsupported rather than silently doing nothing, so
// differentiable-programming hosts can surface "not yet available" honestly.
type Function struct {
	saved *savedContext
}

// savedContext is the capture a backward pass would consume.
type savedContext struct {
	batch  *Batch
	scale  float64
	output []float32
}

// Forward runs the chunked parallel delta-rule pass and captures the
// backward context.
func (f *Function) Forward(batch *Batch, opts Options) (*Result, error) {
	res, err := forward(batch, opts, false)
	if err != nil {
		return nil, err
	}
	f.saved = &savedContext{batch: batch, scale: opts.Scale, output: res.Output}
	return res, nil
}

// Backward is not implemented for this operator.
func (f *Function) Backward(dOutput, dAttn []float32) error {
	return ErrBackwardUnsupported
}

// Parallel computes the delta-rule attention forward pass. It allocates all
// result and intermediate tensors; the batch is strictly read-only.
func Parallel(batch *Batch, opts Options) (*Result, error) {
	return forward(batch, opts, false)
}

// ParallelInPlace is the strictly-aliased variant of Parallel: the batch's Q
// and K buffers are overwritten with the chunk-corrected query and key, and V
// is overwritten with the gate-scaled values. The output tensor is still
// freshly allocated. The caller's tensors must not partially overlap each
// other; no other aliasing scheme is supported.
func ParallelInPlace(batch *Batch, opts Options) (*Result, error) {
	return forward(batch, opts, true)
}

type resolved struct {
	scale  float32
	launch LaunchConfig
	gemm   tensor.GemmConfig
	solver CorrectionSolver
	attn   bool
}

func forward(batch *Batch, opts Options, inPlace bool) (*Result, error) {
	if opts.HeadFirst {
		return nil, ErrHeadFirstDeprecated
	}
	if err := validate(batch); err != nil {
		return nil, err
	}
	if batch.SeqLen < batch.NumHeads && opts.Logger != nil {
		opts.Logger.Warn("sequence length is smaller than head count; inputs may be in head-first layout",
			"seq_len", batch.SeqLen, "num_heads", batch.NumHeads)
	}

	ro, err := resolve(batch, opts)
	if err != nil {
		return nil, err
	}

	out := make([]float32, batch.NumSeqs*batch.SeqLen*batch.NumHeads*batch.ValDim)
	var attn []float32
	if ro.attn {
		attn = make([]float32, batch.NumSeqs*batch.NumHeads*batch.SeqLen*batch.SeqLen)
	}
	run(batch, ro, out, attn, inPlace)
	return &Result{Output: out, Attn: attn}, nil
}

func resolve(batch *Batch, opts Options) (resolved, error) {
	launch := opts.Launch
	if launch == (LaunchConfig{}) {
		launch = defaultTuner.Config(batch.SeqLen, batch.KeyDim, batch.ValDim, batch.NumHeads)
	}
	if err := launch.validate(); err != nil {
		return resolved{}, err
	}
	if launch.Workers <= 0 {
		launch.Workers = tensor.Default().Size()
	}

	scale := float32(opts.Scale)
	if opts.Scale == 0 {
		scale = float32(1 / math.Sqrt(float64(batch.KeyDim)))
	}

	solver := opts.Solver
	if solver == nil {
		solver = NewSolver()
	}

	return resolved{
		scale:  scale,
		launch: launch,
		gemm:   tensor.SelectGemmConfig(launch.BlockT, batch.KeyDim, batch.ValDim),
		solver: solver,
		attn:   opts.OutputAttentions,
	}, nil
}

func validate(batch *Batch) error {
	if batch == nil {
		return validationf("batch", "must not be nil")
	}
	b, t, h := batch.NumSeqs, batch.SeqLen, batch.NumHeads
	dk, dv := batch.KeyDim, batch.ValDim
	if b <= 0 || t <= 0 || h <= 0 || dk <= 0 || dv <= 0 {
		return validationf("shape", "dimensions must be positive, got B=%d T=%d H=%d K=%d V=%d", b, t, h, dk, dv)
	}
	if dk > MaxKeyDim {
		return validationf("key_dim", "%d exceeds the maximum of %d", dk, MaxKeyDim)
	}
	if want := b * t * h * dk; len(batch.Q) != want {
		return validationf("q", "length %d, want B*T*H*K = %d", len(batch.Q), want)
	}
	if want := b * t * h * dk; len(batch.K) != want {
		return validationf("k", "length %d, want B*T*H*K = %d", len(batch.K), want)
	}
	if want := b * t * h * dv; len(batch.V) != want {
		return validationf("v", "length %d, want B*T*H*V = %d", len(batch.V), want)
	}
	if want := b * t * h; len(batch.Beta) != want {
		return validationf("beta", "length %d, want B*T*H = %d", len(batch.Beta), want)
	}
	return nil
}

// headView exposes one (batch, head) pair of a (B, T, H, dim) tensor as a
// strided T×dim matrix without copying.
func headView(data []float32, b, h, seqLen, heads, dim int) tensor.Mat {
	off := (b*seqLen*heads + h) * dim
	return tensor.Mat{R: seqLen, C: dim, Stride: heads * dim, Data: data[off:]}
}

// run executes both engine stages, writing the final output into out and,
// when non-nil, the attention scores into attn. The two stages are separated
// by a full barrier: a query block's scan may read the corrected tensors of
// every earlier chunk, so no scan unit starts before the intra-chunk stage
// has published all of them.
func run(batch *Batch, ro resolved, out, attn []float32, inPlace bool) {
	b, t, h := batch.NumSeqs, batch.SeqLen, batch.NumHeads
	dk, dv := batch.KeyDim, batch.ValDim
	nbh := b * h

	qcBuf, kcBuf, vbBuf := batch.Q, batch.K, batch.V
	if !inPlace {
		qcBuf = make([]float32, len(batch.Q))
		kcBuf = make([]float32, len(batch.K))
		vbBuf = make([]float32, len(batch.V))
	}
	kbBuf := make([]float32, len(batch.K))

	betaC := make([]float32, nbh*t)
	var localBuf []float32
	if ro.attn {
		localBuf = make([]float32, nbh*t*ro.launch.BlockS)
	}

	states := make([]headState, nbh)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			bh := bi*h + hi
			st := &states[bh]
			st.t = t
			st.scale = ro.scale
			st.launch = ro.launch
			st.gemm = ro.gemm
			st.solver = ro.solver
			st.beta = betaC[bh*t : (bh+1)*t]
			for tt := 0; tt < t; tt++ {
				st.beta[tt] = batch.Beta[(bi*t+tt)*h+hi]
			}
			st.q = headView(batch.Q, bi, hi, t, h, dk)
			st.k = headView(batch.K, bi, hi, t, h, dk)
			st.kb = headView(kbBuf, bi, hi, t, h, dk)
			st.vb = headView(vbBuf, bi, hi, t, h, dv)
			st.qc = headView(qcBuf, bi, hi, t, h, dk)
			st.kc = headView(kcBuf, bi, hi, t, h, dk)
			st.out = headView(out, bi, hi, t, h, dv)
			if ro.attn {
				st.local = tensor.NewMatFromData(t, ro.launch.BlockS, localBuf[bh*t*ro.launch.BlockS:(bh+1)*t*ro.launch.BlockS])
				st.attn = tensor.NewMatFromData(t, t, attn[bh*t*t:(bh+1)*t*t])
			}

			// Gate the update and value terms once up front. The update term
			// keeps the original key: the recurrence subtracts gate·k·kᵀ
			// against uncorrected keys, not chunk-corrected ones.
			v := headView(batch.V, bi, hi, t, h, dv)
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
	workers := ro.launch.Workers

	// Stage one: every (head, chunk) pair is an independent unit.
	ncs := ceilDiv(t, ro.launch.BlockS)
	unitsS1 := nbh * ncs
	parts := min(workers, unitsS1)
	pool.Run(parts, parts, func(p int) {
		sc := newIntraScratch(ro.launch.BlockS, dk)
		lo, hi := partition(unitsS1, parts, p)
		for u := lo; u < hi; u++ {
			st := &states[u/ncs]
			s := (u % ncs) * ro.launch.BlockS
			e := min(s+ro.launch.BlockS, t)
			st.intraChunk(sc, s, e)
		}
	})

	// Stage two: every (head, query block) pair is an independent unit; the
	// scan inside one unit is sequential.
	nq := ceilDiv(t, ro.launch.BlockT)
	unitsS2 := nbh * nq
	parts = min(workers, unitsS2)
	pool.Run(parts, parts, func(p int) {
		sc := newScanScratch(ro.launch.BlockT, ro.launch.BlockS, dk)
		lo, hi := partition(unitsS2, parts, p)
		for u := lo; u < hi; u++ {
			st := &states[u/nq]
			i0 := (u % nq) * ro.launch.BlockT
			i1 := min(i0+ro.launch.BlockT, t)
			st.scanBlock(sc, i0, i1)
		}
	})

	if ro.attn {
		for bh := range states {
			states[bh].materializeAttention()
		}
	}
}

func partition(n, parts, p int) (int, int) {
	chunk := ceilDiv(n, parts)
	lo := p * chunk
	hi := min(lo+chunk, n)
	if lo > n {
		lo = n
	}
	return lo, hi
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

