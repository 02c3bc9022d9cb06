package align

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// defaultRankTolerance is the relative singular value below which the
// cross-covariance is treated as rank deficient.
const defaultRankTolerance = 1e-9

// RotationSolver estimates the rotation that best maps one point set onto a
// paired one in the least-squares sense (Kabsch / orthogonal Procrustes).
// Both inputs are expected to be centred on the same point.
type RotationSolver struct {
	// AllowReflection returns V·Uᵀ as-is even when its determinant is -1.
	// The default corrects such results to the nearest proper rotation.
	AllowReflection bool

	// RankTolerance overrides defaultRankTolerance when positive.
	RankTolerance float64
}

// FitRotation runs the default solver.
func FitRotation(source, correspondence PointCloud) (Matrix3, error) {
	return RotationSolver{}.Fit(source, correspondence)
}

// Fit returns R such that R·source[i] best approximates correspondence[i].
func (s RotationSolver) Fit(source, correspondence PointCloud) (Matrix3, error) {
	if len(source) != len(correspondence) {
		return Matrix3{}, errors.Wrapf(ErrLengthMismatch, "fit rotation: %d source vs %d correspondence points",
			len(source), len(correspondence))
	}
	if len(source) == 0 {
		return Matrix3{}, errors.Wrap(ErrEmptyCloud, "fit rotation")
	}

	cov := crossCovariance(source, correspondence)

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return Matrix3{}, errors.New("fit rotation: SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	tol := s.RankTolerance
	if tol <= 0 {
		tol = defaultRankTolerance
	}

	switch {
	case values[0] == 0 || math.IsNaN(values[0]):
		// Every point sits on the centroid; there is no direction to align.
		return Identity3(), nil
	case values[1] <= tol*values[0]:
		// Collinear: only the principal directions are determined.
		return minimalRotation(column(&u, 0), column(&v, 0)), nil
	}

	var r mat.Dense
	r.Mul(&v, u.T())
	if s.AllowReflection || mat.Det(&r) >= 0 {
		return toMatrix3(&r), nil
	}

	d := mat.NewDiagDense(3, []float64{1, 1, -1})
	var vd mat.Dense
	vd.Mul(&v, d)
	r.Mul(&vd, u.T())
	return toMatrix3(&r), nil
}

// crossCovariance returns Σ source[i]·correspondence[i]ᵀ.
func crossCovariance(source, correspondence PointCloud) *mat.Dense {
	cov := mat.NewDense(3, 3, nil)
	for i := range source {
		s, c := source[i], correspondence[i]
		for r := 0; r < 3; r++ {
			for k := 0; k < 3; k++ {
				cov.Set(r, k, cov.At(r, k)+s.Coord(r)*c.Coord(k))
			}
		}
	}
	return cov
}

func column(m *mat.Dense, j int) Point {
	return Point{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
}

func toMatrix3(m mat.Matrix) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
