package deltarule

import (
	"math"
	"math/rand"
	"testing"

	"github.com/neuromorphs/flash-linear-attention/internal/tensor"
)

// The solver's contract: for M the strictly lower part of diag(beta)·K·Kᵀ,
// the result satisfies dst·(I+M) = I.
func TestSolverInvertsUnitLowerSystem(t *testing.T) {
	const n, dk = 16, 8
	rng := rand.New(rand.NewSource(4))

	k := tensor.NewMat(n, dk)
	for i := 0; i < n; i++ {
		row := k.Row(i)
		for j := range row {
			row[j] = rng.Float32() - 0.5
		}
	}
	beta := make([]float32, n)
	for i := range beta {
		beta[i] = 0.1 + 0.9*rng.Float32()
	}

	dst := tensor.NewMat(n, n)
	NewSolver().Solve(&dst, &k, beta)

	m := tensor.NewMat(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			m.Row(i)[j] = beta[i] * tensor.Dot(k.Row(i), k.Row(j))
		}
		m.Row(i)[i] = 1
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < n; p++ {
				sum += float64(dst.Row(i)[p]) * float64(m.Row(p)[j])
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(sum-want) > 1e-5 {
				t.Fatalf("product[%d][%d] = %g, want %g", i, j, sum, want)
			}
		}
	}
}

func TestSolverUnitDiagonal(t *testing.T) {
	const n, dk = 5, 4
	k := tensor.NewMat(n, dk)
	tensor.FillRand(&k, 9)
	beta := []float32{1, 0.5, 0.25, 0.75, 1}

	dst := tensor.NewMat(n, n)
	NewSolver().Solve(&dst, &k, beta)
	for i := 0; i < n; i++ {
		if dst.Row(i)[i] != 1 {
			t.Fatalf("diagonal[%d] = %g, want 1", i, dst.Row(i)[i])
		}
		for j := i + 1; j < n; j++ {
			if dst.Row(i)[j] != 0 {
				t.Fatalf("upper[%d][%d] = %g, want 0", i, j, dst.Row(i)[j])
			}
		}
	}
}
