// Package deltarule implements a chunked parallel forward pass of the gated
// delta-rule recurrence used by linear-attention models.
//
// The recurrence updates a per-head state S (KeyDim×ValDim) one step at a
// time:
//
//	S ← S + β·k·(vᵀ − kᵀS)
//	o ← scale · qᵀS
//
// Evaluating it step by step costs T sequential rank-1 updates. This package
// re-expresses the same computation as chunk-sized matrix products: a
// triangular correction matrix folds all sequential interactions inside a
// chunk into one product (the WY trick), and a right-to-left scan over earlier
// key chunks resolves cross-chunk dependencies exactly. The result matches
// causal attention over gate-scaled values to numerical tolerance.
//
// Inputs use the sequence-first layout: Q and K are (B, T, H, KeyDim), V is
// (B, T, H, ValDim) and Beta is (B, T, H), all dense row-major float32.
package deltarule

// MaxKeyDim is the widest supported key feature dimension. The bound keeps a
// whole key block resident in cache-sized scratch; it is checked before any
// compute starts.
const MaxKeyDim = 128

// Batch bundles one forward invocation's input tensors with their dimensions.
type Batch struct {
	NumSeqs  int // B
	SeqLen   int // T
	NumHeads int // H
	KeyDim   int
	ValDim   int

	Q    []float32 // (B, T, H, KeyDim)
	K    []float32 // (B, T, H, KeyDim)
	V    []float32 // (B, T, H, ValDim)
	Beta []float32 // (B, T, H)
}

// Options control a forward invocation. The zero value is valid: scale
// defaults to 1/sqrt(KeyDim), the launch configuration is tuned per shape,
// and the built-in forward-substitution solver is used.
type Options struct {
	// Scale multiplies the queries. Zero selects 1/sqrt(KeyDim).
	Scale float64

	// OutputAttentions materialises the full (B, H, T, T) attention matrix.
	// The scores are taken with respect to the gate-scaled values: for the
	// returned matrix A, output = A · (beta ⊙ V). Entries above the diagonal
	// are exactly zero. Off the diagnostic path the matrix is never
	// allocated.
	OutputAttentions bool

	// HeadFirst is the deprecated head-first ((B, H, T, ...)) layout flag.
	// Setting it always fails with ErrHeadFirstDeprecated; it exists so that
	// old call sites fail loudly instead of computing garbage.
	HeadFirst bool

	// Launch overrides the tuned block sizes and worker count. The zero
	// value defers to the process-wide Tuner.
	Launch LaunchConfig

	// Solver supplies the per-chunk correction matrix. Nil selects the
	// built-in forward-substitution solver.
	Solver CorrectionSolver

	// Logger receives non-fatal diagnostics (the layout-heuristic warning).
	// Nil disables them.
	Logger Logger
}

// Result carries the outputs of a forward invocation.
type Result struct {
	// Output is (B, T, H, ValDim).
	Output []float32

	// Attn is (B, H, T, T) when attentions were requested, nil otherwise.
	Attn []float32
}

// Logger is the minimal logging surface the engine needs. It matches the
// module's slog-backed logger so either can be injected directly.
type Logger interface {
	Warn(msg string, args ...any)
}
