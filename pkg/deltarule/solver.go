package deltarule

import "github.com/neuromorphs/flash-linear-attention/internal/tensor"

// CorrectionSolver produces the per-chunk correction matrix that folds a
// chunk's sequential rank-1 corrections into a single linear operator.
//
// Solve writes an L×L matrix into dst, where L = k.R is the chunk length.
// The contract is algebraic, not procedural: writing M for the strictly
// lower-triangular part of (beta ⊙ k)·kᵀ, the result must satisfy
//
//	dst · (I + M) ≈ I
//
// i.e. dst is unit lower triangular and inverts the chunk's gated key
// self-similarity system consistently with triangular back-substitution.
// Only entries on and below the diagonal of dst may be nonzero. How the
// solver arrives at the inverse is its own business; implementations are
// validated against the chunk-wise reference computation.
type CorrectionSolver interface {
	Solve(dst *tensor.Mat, k *tensor.Mat, beta []float32)
}

// NewSolver returns the built-in solver, which expands the inverse by row
// recurrence: each row folds the already-resolved rows above it into its own
// corrections, the matrix form of forward substitution.
func NewSolver() CorrectionSolver {
	return rowRecurrenceSolver{}
}

type rowRecurrenceSolver struct{}

func (rowRecurrenceSolver) Solve(dst *tensor.Mat, k *tensor.Mat, beta []float32) {
	n := k.R
	if dst.R < n || dst.C < n || len(beta) < n {
		panic("solver: destination or gate too small for chunk")
	}

	// Seed with the negated strictly lower triangle of (beta ⊙ k)·kᵀ.
	for i := 0; i < n; i++ {
		row := dst.Row(i)
		ki := k.Row(i)
		for j := 0; j < i; j++ {
			row[j] = -beta[i] * tensor.Dot(ki, k.Row(j))
		}
		for j := i; j < n; j++ {
			row[j] = 0
		}
	}

	// Row i composes with the already-finished rows above it. After the
	// sweep dst holds the exact inverse of the unit lower-triangular system.
	for i := 1; i < n; i++ {
		row := dst.Row(i)
		for j := 0; j < i; j++ {
			var acc float32
			for m := j + 1; m < i; m++ {
				acc += row[m] * dst.Row(m)[j]
			}
			row[j] += acc
		}
	}

	for i := 0; i < n; i++ {
		dst.Row(i)[i] = 1
	}
}
