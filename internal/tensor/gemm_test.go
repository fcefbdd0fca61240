package tensor

import (
	"math"
	"testing"
)

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmMatchesNaive(t *testing.T) {
	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	FillRand(&A, 1)
	FillRand(&B, 2)

	gemmNaive(&C0, &A, &B)
	cfg := SelectGemmConfig(A.R, A.C, B.C)
	Gemm(cfg, &C1, &A, &B, 1, 0)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-3 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmAlphaBeta(t *testing.T) {
	A := NewMat(12, 9)
	B := NewMat(9, 7)
	C0 := NewMat(12, 7)
	C1 := NewMat(12, 7)

	FillRand(&A, 3)
	FillRand(&B, 4)
	FillRand(&C0, 5)
	C1.CopyFrom(&C0)

	want := NewMat(12, 7)
	gemmNaive(&want, &A, &B)
	for i := range want.Data {
		want.Data[i] = 0.5*want.Data[i] + 2*C0.Data[i]
	}

	Gemm(DefaultGemmConfig(), &C1, &A, &B, 0.5, 2)
	if maxAbs := maxAbsDiff(want.Data, C1.Data); maxAbs > 1e-5 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmNTMatchesNaive(t *testing.T) {
	A := NewMat(33, 17)
	B := NewMat(29, 17)
	C0 := NewMat(33, 29)
	C1 := NewMat(33, 29)

	FillRand(&A, 6)
	FillRand(&B, 7)

	for i := 0; i < A.R; i++ {
		for j := 0; j < B.R; j++ {
			C0.Row(i)[j] = Dot(A.Row(i), B.Row(j))
		}
	}

	GemmNT(DefaultGemmConfig(), &C1, &A, &B, 1, 0)
	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-5 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmNoAllocs(t *testing.T) {
	A := NewMat(16, 16)
	B := NewMat(16, 16)
	C := NewMat(16, 16)

	FillRand(&A, 3)
	FillRand(&B, 4)

	cfg := DefaultGemmConfig()
	allocs := testing.AllocsPerRun(100, func() {
		Gemm(cfg, &C, &A, &B, 1, 0)
	})

	if allocs != 0 {
		t.Fatalf("unexpected allocs: %v", allocs)
	}
}

func TestRowsViewSharesData(t *testing.T) {
	m := NewMat(6, 4)
	v := m.Rows(2, 5)
	if v.R != 3 || v.C != 4 {
		t.Fatalf("view shape %dx%d", v.R, v.C)
	}
	v.Row(0)[1] = 7
	if m.Row(2)[1] != 7 {
		t.Fatalf("view write not visible in parent")
	}
}

func BenchmarkGemm128(b *testing.B) {
	A := NewMat(128, 128)
	B2 := NewMat(128, 128)
	C := NewMat(128, 128)
	FillRand(&A, 1)
	FillRand(&B2, 2)
	cfg := SelectGemmConfig(128, 128, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Gemm(cfg, &C, &A, &B2, 1, 0)
	}
}
