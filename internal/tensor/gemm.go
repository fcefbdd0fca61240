package tensor

// Tile sizes below are tuned for chunk-sized kernels where every operand
// fits comfortably in L1/L2.
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64
)

type GemmConfig struct {
	TileM int
	TileN int
	TileK int
}

func DefaultGemmConfig() GemmConfig {
	return GemmConfig{
		TileM: defaultTileM,
		TileN: defaultTileN,
		TileK: defaultTileK,
	}
}

// SelectGemmConfig picks tile sizes for a product with the given dimensions.
// The choice is deterministic for a given (m, k, n).
func SelectGemmConfig(m, k, n int) GemmConfig {
	cfg := DefaultGemmConfig()

	switch {
	case k >= 192:
		cfg.TileK = 32
	case k >= 96:
		cfg.TileK = 24
	}

	cfg.TileM = clampTile(cfg.TileM, maxTileM)
	cfg.TileN = clampTile(cfg.TileN, maxTileN)
	cfg.TileK = clampTile(cfg.TileK, maxTileK)

	return cfg
}

func clampTile(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}

// Gemm computes the matrix product C = alpha*A*B + beta*C using a blocked
// algorithm on the calling goroutine. Callers that want parallelism schedule
// independent Gemm calls on a Pool; the kernels themselves stay single
// threaded so that units nested inside a pool task never oversubscribe.
func Gemm(cfg GemmConfig, C, A, B *Mat, alpha, beta float32) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	scaleC(C, beta, 0, C.R)

	tm := clampTile(cfg.TileM, maxTileM)
	tn := clampTile(cfg.TileN, maxTileN)
	tk := clampTile(cfg.TileK, maxTileK)

	n := B.C
	k := A.C

	for i0 := 0; i0 < C.R; i0 += tm {
		iMax := min(i0+tm, C.R)
		for k0 := 0; k0 < k; k0 += tk {
			kMax := min(k0+tk, k)
			for j0 := 0; j0 < n; j0 += tn {
				jMax := min(j0+tn, n)
				blockUpdate(C, A, B, alpha, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

// GemmNT computes C = alpha*A*Bᵀ + beta*C with B stored untransposed
// (C is R_A×R_B). Score matrices Q·Kᵀ are computed this way without
// materialising the transpose.
func GemmNT(cfg GemmConfig, C, A, B *Mat, alpha, beta float32) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	scaleC(C, beta, 0, C.R)

	d := A.C
	for i := 0; i < A.R; i++ {
		aRow := A.Data[i*A.Stride : i*A.Stride+d]
		cRow := C.Data[i*C.Stride : i*C.Stride+C.C]
		for j := 0; j < B.R; j++ {
			bRow := B.Data[j*B.Stride : j*B.Stride+d]
			cRow[j] += alpha * dotUnroll(aRow, bRow)
		}
	}
}

func scaleC(C *Mat, beta float32, rs, re int) {
	switch beta {
	case 1:
		return
	case 0:
		for i := rs; i < re; i++ {
			base := i * C.Stride
			clear(C.Data[base : base+C.C])
		}
	default:
		for i := rs; i < re; i++ {
			base := i * C.Stride
			for j := 0; j < C.C; j++ {
				C.Data[base+j] *= beta
			}
		}
	}
}

func blockUpdate(C, A, B *Mat, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := A.Data[i*A.Stride:]
		cOff := i*C.Stride + j0
		cRow := C.Data[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			if aik == 0 {
				continue
			}
			bOff := kk*B.Stride + j0
			bRow := B.Data[bOff : bOff+width]

			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

func dotUnroll(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	j := 0
	for ; j+3 < len(a); j += 4 {
		s0 += a[j+0] * b[j+0]
		s1 += a[j+1] * b[j+1]
		s2 += a[j+2] * b[j+2]
		s3 += a[j+3] * b[j+3]
	}
	for ; j < len(a); j++ {
		s0 += a[j] * b[j]
	}
	return s0 + s1 + s2 + s3
}
