package tensor

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Sub subtracts src from dst element-wise.
func Sub(dst, src []float32) {
	for i := range dst {
		dst[i] -= src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Scale multiplies every element of dst by s.
func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

// Axpy computes dst[i] += a*src[i].
func Axpy(dst, src []float32, a float32) {
	for i := range dst {
		dst[i] += a * src[i]
	}
}

// ScaleRows multiplies row i of m by s[i]. len(s) must be at least m.R.
func ScaleRows(m *Mat, s []float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		f := s[i]
		for j := range row {
			row[j] *= f
		}
	}
}
