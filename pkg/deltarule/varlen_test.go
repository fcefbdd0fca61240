package deltarule

import (
	"errors"
	"testing"
)

func TestBuildChunkIndex(t *testing.T) {
	idx := BuildChunkIndex([]int{70, 32, 5}, 32)
	if got, want := len(idx.Chunks), 3+1+1; got != want {
		t.Fatalf("chunk count %d, want %d", got, want)
	}
	if lo, hi := idx.Rows(1); lo != 70 || hi != 102 {
		t.Fatalf("sequence 1 rows [%d, %d), want [70, 102)", lo, hi)
	}
	// A chunk never straddles a sequence boundary.
	want := []ChunkRef{{0, 0}, {0, 32}, {0, 64}, {1, 0}, {2, 0}}
	for i, ref := range idx.Chunks {
		if ref != want[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, ref, want[i])
		}
	}
}

func TestParallelVarlenMatchesPerSequence(t *testing.T) {
	lens := []int{37, 64, 5}
	const h, dk, dv = 2, 8, 4

	total := 0
	for _, n := range lens {
		total += n
	}
	packed := &VarlenBatch{
		Lens: lens, NumHeads: h, KeyDim: dk, ValDim: dv,
		Q:    make([]float32, total*h*dk),
		K:    make([]float32, total*h*dk),
		V:    make([]float32, total*h*dv),
		Beta: make([]float32, total*h),
	}

	// Fill the packed tensors from per-sequence batches, then compare the
	// packed pass against running each sequence through Parallel alone.
	row := 0
	singles := make([]*Batch, len(lens))
	for i, n := range lens {
		sb := makeBatch(1, n, h, dk, dv, int64(100+i))
		singles[i] = sb
		copy(packed.Q[row*h*dk:], sb.Q)
		copy(packed.K[row*h*dk:], sb.K)
		copy(packed.V[row*h*dv:], sb.V)
		copy(packed.Beta[row*h:], sb.Beta)
		row += n
	}

	got, err := ParallelVarlen(packed, Options{})
	if err != nil {
		t.Fatalf("ParallelVarlen: %v", err)
	}

	row = 0
	for i, sb := range singles {
		want, err := Parallel(sb, Options{})
		if err != nil {
			t.Fatalf("Parallel(seq %d): %v", i, err)
		}
		seg := got.Output[row*h*dv : (row+lens[i])*h*dv]
		if d := maxAbsDiff(seg, want.Output); d > 2e-4 {
			t.Fatalf("sequence %d: max diff %g against standalone pass", i, d)
		}
		row += lens[i]
	}
}

func TestParallelVarlenRejections(t *testing.T) {
	packed := &VarlenBatch{
		Lens: []int{4}, NumHeads: 1, KeyDim: 2, ValDim: 2,
		Q:    make([]float32, 8),
		K:    make([]float32, 8),
		V:    make([]float32, 8),
		Beta: make([]float32, 4),
	}
	if _, err := ParallelVarlen(packed, Options{OutputAttentions: true}); err == nil {
		t.Fatal("attention materialisation accepted for a packed batch")
	}
	if _, err := ParallelVarlen(packed, Options{HeadFirst: true}); !errors.Is(err, ErrHeadFirstDeprecated) {
		t.Fatalf("want ErrHeadFirstDeprecated, got %v", err)
	}
	bad := *packed
	bad.Lens = []int{4, 0}
	if _, err := ParallelVarlen(&bad, Options{}); err == nil {
		t.Fatal("zero-length sequence accepted")
	}
}
