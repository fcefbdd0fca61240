package deltarule

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// sequentialForward evaluates the recurrence one step at a time, the
// plainest possible rendition: S ← S + β·k·(vᵀ − kᵀS), o ← scale·qᵀS.
func sequentialForward(batch *Batch, scale float32) []float32 {
	b, t, h := batch.NumSeqs, batch.SeqLen, batch.NumHeads
	dk, dv := batch.KeyDim, batch.ValDim
	out := make([]float32, b*t*h*dv)
	state := make([]float32, dk*dv)
	kS := make([]float32, dv)
	u := make([]float32, dv)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			clear(state)
			for tt := 0; tt < t; tt++ {
				off := ((bi*t+tt)*h + hi)
				q := batch.Q[off*dk : off*dk+dk]
				k := batch.K[off*dk : off*dk+dk]
				v := batch.V[off*dv : off*dv+dv]
				g := batch.Beta[off]

				for c := 0; c < dv; c++ {
					kS[c] = 0
				}
				for r := 0; r < dk; r++ {
					for c := 0; c < dv; c++ {
						kS[c] += k[r] * state[r*dv+c]
					}
				}
				for c := 0; c < dv; c++ {
					u[c] = g * (v[c] - kS[c])
				}
				for r := 0; r < dk; r++ {
					for c := 0; c < dv; c++ {
						state[r*dv+c] += k[r] * u[c]
					}
				}
				o := out[off*dv : off*dv+dv]
				for c := 0; c < dv; c++ {
					var sum float32
					for r := 0; r < dk; r++ {
						sum += q[r] * state[r*dv+c]
					}
					o[c] = scale * sum
				}
			}
		}
	}
	return out
}

func makeBatch(b, t, h, dk, dv int, seed int64) *Batch {
	rng := rand.New(rand.NewSource(seed))
	batch := &Batch{
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
		batch.Beta[i] = 0.1 + 0.9*rng.Float32()
	}
	return batch
}

func maxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		panic("length mismatch")
	}
	var m float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

func TestParallelMatchesSequential(t *testing.T) {
	shapes := []struct {
		b, t, h, dk, dv int
	}{
		{1, 64, 1, 16, 16},
		{2, 128, 2, 32, 16},
		{1, 200, 1, 16, 8}, // boundary chunks in both stages
		{1, 37, 2, 8, 8},
		{1, 5, 1, 4, 4}, // shorter than one chunk
		{1, 33, 1, 8, 4},
	}
	for _, sh := range shapes {
		batch := makeBatch(sh.b, sh.t, sh.h, sh.dk, sh.dv, 1)
		got, err := Parallel(batch, Options{})
		if err != nil {
			t.Fatalf("Parallel(B=%d T=%d H=%d): %v", sh.b, sh.t, sh.h, err)
		}
		scale := float32(1 / math.Sqrt(float64(sh.dk)))
		want := sequentialForward(batch, scale)
		if d := maxAbsDiff(got.Output, want); d > 2e-4 {
			t.Fatalf("B=%d T=%d H=%d K=%d V=%d: max diff vs sequential %g", sh.b, sh.t, sh.h, sh.dk, sh.dv, d)
		}
	}
}

func TestParallelMatchesReference(t *testing.T) {
	batch := makeBatch(2, 150, 2, 24, 12, 7)
	got, err := Parallel(batch, Options{Scale: 0.25})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	want, err := Reference(batch, Options{Scale: 0.25})
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if d := maxAbsDiff(got.Output, want.Output); d > 2e-4 {
		t.Fatalf("max diff vs reference: %g", d)
	}
}

func TestParallelKnownValues(t *testing.T) {
	batch := &Batch{
		NumSeqs: 1, SeqLen: 4, NumHeads: 1, KeyDim: 2, ValDim: 2,
		Q:    []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
		K:    []float32{0.2, 0.1, 0.4, 0.3, 0.6, 0.5, 0.8, 0.7},
		V:    []float32{1, -1, 0.5, 0.5, -0.5, 1, 1, 0},
		Beta: []float32{1, 1, 1, 1},
	}
	want := []float32{
		0.028284271, -0.028284271,
		0.136895873, 0.032809755,
		-0.130857181, 0.446226805,
		0.808787435, -0.077395779,
	}
	launches := []LaunchConfig{
		{}, // tuner default
		{BlockT: 2, BlockS: 1, Workers: 1},
		{BlockT: 2, BlockS: 2, Workers: 1},
		{BlockT: 4, BlockS: 2, Workers: 1},
	}
	for _, lc := range launches {
		res, err := Parallel(batch, Options{Launch: lc})
		if err != nil {
			t.Fatalf("launch %+v: %v", lc, err)
		}
		if d := maxAbsDiff(res.Output, want); d > 1e-5 {
			t.Fatalf("launch %+v: max diff %g against known values", lc, d)
		}
	}
}

func TestParallelDefaultScale(t *testing.T) {
	batch := makeBatch(1, 96, 1, 16, 16, 3)
	auto, err := Parallel(batch, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	explicit, err := Parallel(batch, Options{Scale: 1 / math.Sqrt(16)})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if d := maxAbsDiff(auto.Output, explicit.Output); d != 0 {
		t.Fatalf("default scale differs from explicit K^-1/2: %g", d)
	}
}

func TestParallelCausality(t *testing.T) {
	const cut = 70
	batch := makeBatch(1, 130, 1, 16, 8, 11)
	before, err := Parallel(batch, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}

	// Scrambling everything at and after the cut must leave earlier outputs
	// bit-identical.
	rng := rand.New(rand.NewSource(99))
	for tt := cut; tt < batch.SeqLen; tt++ {
		for j := 0; j < batch.KeyDim; j++ {
			batch.Q[tt*batch.KeyDim+j] = rng.Float32()
			batch.K[tt*batch.KeyDim+j] = rng.Float32()
		}
		for j := 0; j < batch.ValDim; j++ {
			batch.V[tt*batch.ValDim+j] = rng.Float32()
		}
		batch.Beta[tt] = 0.5
	}
	after, err := Parallel(batch, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	n := cut * batch.ValDim
	if d := maxAbsDiff(before.Output[:n], after.Output[:n]); d != 0 {
		t.Fatalf("future tokens leaked into past outputs: max diff %g", d)
	}
}

func TestParallelInPlaceMatchesAllocating(t *testing.T) {
	batch := makeBatch(2, 100, 2, 16, 16, 5)
	clone := &Batch{
		NumSeqs: batch.NumSeqs, SeqLen: batch.SeqLen, NumHeads: batch.NumHeads,
		KeyDim: batch.KeyDim, ValDim: batch.ValDim,
		Q:    append([]float32(nil), batch.Q...),
		K:    append([]float32(nil), batch.K...),
		V:    append([]float32(nil), batch.V...),
		Beta: append([]float32(nil), batch.Beta...),
	}

	want, err := Parallel(batch, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	got, err := ParallelInPlace(clone, Options{})
	if err != nil {
		t.Fatalf("ParallelInPlace: %v", err)
	}
	if d := maxAbsDiff(got.Output, want.Output); d != 0 {
		t.Fatalf("in-place output differs: %g", d)
	}

	// The aliased variant is expected to clobber its inputs.
	if maxAbsDiff(clone.K, batch.K) == 0 {
		t.Fatal("in-place run left K untouched")
	}
}

func TestParallelAttentions(t *testing.T) {
	batch := makeBatch(1, 96, 1, 16, 8, 13)
	res, err := Parallel(batch, Options{OutputAttentions: true})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if res.Attn == nil {
		t.Fatal("no attention scores returned")
	}
	tt := batch.SeqLen
	for i := 0; i < tt; i++ {
		for j := i + 1; j < tt; j++ {
			if res.Attn[i*tt+j] != 0 {
				t.Fatalf("attn[%d][%d] = %g, want 0 above the diagonal", i, j, res.Attn[i*tt+j])
			}
		}
	}

	// The scores are exact output weights over the gated values:
	// attn · (beta⊙v) must reproduce the output.
	dv := batch.ValDim
	recon := make([]float32, tt*dv)
	for i := 0; i < tt; i++ {
		for j := 0; j <= i; j++ {
			w := res.Attn[i*tt+j]
			if w == 0 {
				continue
			}
			g := batch.Beta[j]
			for c := 0; c < dv; c++ {
				recon[i*dv+c] += w * g * batch.V[j*dv+c]
			}
		}
	}
	if d := maxAbsDiff(recon, res.Output); d > 2e-4 {
		t.Fatalf("attention scores do not reproduce the output: max diff %g", d)
	}
}

func TestParallelValidation(t *testing.T) {
	base := makeBatch(1, 8, 1, 4, 4, 1)

	big := makeBatch(1, 4, 1, MaxKeyDim+1, 4, 1)
	if _, err := Parallel(big, Options{}); err == nil {
		t.Fatal("key dim above the limit accepted")
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("want ValidationError, got %T: %v", err, err)
		}
	}

	short := *base
	short.Q = base.Q[:len(base.Q)-1]
	if _, err := Parallel(&short, Options{}); err == nil {
		t.Fatal("truncated q accepted")
	}

	if _, err := Parallel(nil, Options{}); err == nil {
		t.Fatal("nil batch accepted")
	}

	if _, err := Parallel(base, Options{Launch: LaunchConfig{BlockT: 48, BlockS: 32, Workers: 1}}); err == nil {
		t.Fatal("BlockT not a multiple of BlockS accepted")
	}
}

func TestParallelHeadFirstRejected(t *testing.T) {
	batch := makeBatch(1, 8, 1, 4, 4, 1)
	if _, err := Parallel(batch, Options{HeadFirst: true}); !errors.Is(err, ErrHeadFirstDeprecated) {
		t.Fatalf("want ErrHeadFirstDeprecated, got %v", err)
	}
	if _, err := Reference(batch, Options{HeadFirst: true}); !errors.Is(err, ErrHeadFirstDeprecated) {
		t.Fatalf("reference: want ErrHeadFirstDeprecated, got %v", err)
	}
}

func TestFunctionBackwardUnsupported(t *testing.T) {
	batch := makeBatch(1, 16, 1, 8, 8, 2)
	var f Function
	if _, err := f.Forward(batch, Options{}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := f.Backward(nil, nil); !errors.Is(err, ErrBackwardUnsupported) {
		t.Fatalf("want ErrBackwardUnsupported, got %v", err)
	}
}

type recordLogger struct {
	msgs []string
}

func (l *recordLogger) Warn(msg string, args ...any) { l.msgs = append(l.msgs, msg) }

func TestParallelLayoutWarning(t *testing.T) {
	lg := &recordLogger{}
	batch := makeBatch(1, 2, 4, 4, 4, 1)
	if _, err := Parallel(batch, Options{Logger: lg}); err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if len(lg.msgs) == 0 {
		t.Fatal("no warning for T < H")
	}
}

func BenchmarkParallel(b *testing.B) {
	batch := makeBatch(1, 512, 4, 64, 64, 1)
	opts := Options{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Parallel(batch, opts); err != nil {
			b.Fatal(err)
		}
	}
}
