package deltarule

import (
	"math"

	"github.com/neuromorphs/flash-linear-attention/internal/tensor"
)

// refChunk is the chunk span of the reference pass. Independent of the
// engine's launch geometry on purpose.
const refChunk = 64

// Reference computes the same forward pass as Parallel with a direct
// left-to-right evaluation: an explicit key-by-value state matrix carried
// across chunks, and per-row forward substitution inside each chunk. It
// shares no stage structure with the parallel engine, which is what makes it
// a useful oracle, but it is quadratic in time per chunk and far slower.
// Launch, solver, and attention options are ignored.
func Reference(batch *Batch, opts Options) (*Result, error) {
	if opts.HeadFirst {
		return nil, ErrHeadFirstDeprecated
	}
	if err := validate(batch); err != nil {
		return nil, err
	}

	scale := float32(opts.Scale)
	if opts.Scale == 0 {
		scale = float32(1 / math.Sqrt(float64(batch.KeyDim)))
	}

	b, t, h := batch.NumSeqs, batch.SeqLen, batch.NumHeads
	dk, dv := batch.KeyDim, batch.ValDim
	out := make([]float32, b*t*h*dv)

	state := tensor.NewMat(dk, dv)
	upd := tensor.NewMat(refChunk, dv)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			q := headView(batch.Q, bi, hi, t, h, dk)
			k := headView(batch.K, bi, hi, t, h, dk)
			v := headView(batch.V, bi, hi, t, h, dv)
			o := headView(out, bi, hi, t, h, dv)
			state.Zero()

			for s := 0; s < t; s += refChunk {
				e := min(s+refChunk, t)
				n := e - s

				// Forward substitution: each row's update vector folds in the
				// carried state and every earlier update in the chunk.
				for i := 0; i < n; i++ {
					g := batch.Beta[(bi*t+s+i)*h+hi]
					ki := k.Row(s + i)
					ui := upd.Row(i)
					vi := v.Row(s + i)
					for c := 0; c < dv; c++ {
						ui[c] = g * vi[c]
					}
					for r := 0; r < dk; r++ {
						tensor.Axpy(ui, state.Row(r), -g*ki[r])
					}
					for j := 0; j < i; j++ {
						w := g * tensor.Dot(ki, k.Row(s+j))
						tensor.Axpy(ui, upd.Row(j), -w)
					}
				}

				// Outputs read the pre-chunk state plus the causal prefix of
				// this chunk's updates.
				for i := 0; i < n; i++ {
					qi := q.Row(s + i)
					oi := o.Row(s + i)
					clear(oi)
					for r := 0; r < dk; r++ {
						tensor.Axpy(oi, state.Row(r), scale*qi[r])
					}
					for j := 0; j <= i; j++ {
						w := scale * tensor.Dot(qi, k.Row(s+j))
						tensor.Axpy(oi, upd.Row(j), w)
					}
				}

				for j := 0; j < n; j++ {
					kj := k.Row(s + j)
					uj := upd.Row(j)
					for r := 0; r < dk; r++ {
						tensor.Axpy(state.Row(r), uj, kj[r])
					}
				}
			}
		}
	}
	return &Result{Output: out}, nil
}
