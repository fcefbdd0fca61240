package tensor

import "math/rand"

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows; for freshly
// allocated matrices this is equal to C.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row of the matrix as a slice. The slice
// has length equal to the number of columns. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Rows returns a view of rows [r0, r1) sharing the underlying data.
// Writes through the view are visible in the parent matrix.
func (m *Mat) Rows(r0, r1 int) Mat {
	if r0 < 0 || r1 < r0 || r1 > m.R {
		panic("row range out of range")
	}
	end := len(m.Data)
	if r1 < m.R {
		end = r1 * m.Stride
	}
	return Mat{
		R:      r1 - r0,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[r0*m.Stride : end],
	}
}

// Sub returns a view of the leading r×c block sharing the underlying data.
func (m *Mat) Sub(r, c int) Mat {
	if r < 0 || r > m.R || c < 0 || c > m.C {
		panic("sub-matrix out of range")
	}
	v := m.Rows(0, r)
	v.C = c
	return v
}

// Zero clears every element of the matrix.
func (m *Mat) Zero() {
	if m.Stride == m.C {
		clear(m.Data[:m.R*m.C])
		return
	}
	for i := 0; i < m.R; i++ {
		base := i * m.Stride
		clear(m.Data[base : base+m.C])
	}
}

// CopyFrom copies the contents of src into m. Shapes must match.
func (m *Mat) CopyFrom(src *Mat) {
	if m.R != src.R || m.C != src.C {
		panic("copy shape mismatch")
	}
	for i := 0; i < m.R; i++ {
		copy(m.Row(i), src.Row(i))
	}
}

// FillRand fills the matrix with reproducible pseudo-random values. A small
// range around zero is used to avoid overflow in accumulations. The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
		}
	}
}
