package align

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	// DefaultMaxAngleDeg bounds each axis rotation of a random perturbation.
	DefaultMaxAngleDeg = 9.0
	// DefaultMaxShift bounds each axis of a random perturbation's shift.
	DefaultMaxShift = 5
)

// Perturbation is a synthetic rigid misalignment: a rotation about the
// cloud's centroid followed by a shift.
type Perturbation struct {
	Rotation Matrix3 `json:"rotation"`
	Shift    Point   `json:"shift"`
}

// RandomPerturbation draws rotations about x, y and z uniformly from
// [0, maxAngleDeg) and an integer shift in [-maxShift, maxShift] per axis.
func RandomPerturbation(rng *rand.Rand, maxAngleDeg float64, maxShift int) Perturbation {
	maxAngle := maxAngleDeg * math.Pi / 180
	rx := AxisAngle(Point{X: 1}, rng.Float64()*maxAngle)
	ry := AxisAngle(Point{Y: 1}, rng.Float64()*maxAngle)
	rz := AxisAngle(Point{Z: 1}, rng.Float64()*maxAngle)

	shift := func() float64 {
		if maxShift <= 0 {
			return 0
		}
		return float64(rng.Intn(2*maxShift+1) - maxShift)
	}
	return Perturbation{
		Rotation: rx.Mul(ry.Mul(rz)),
		Shift:    Point{X: shift(), Y: shift(), Z: shift()},
	}
}

// Apply returns a perturbed copy of cloud.
func (p Perturbation) Apply(cloud PointCloud) (PointCloud, error) {
	c, err := cloud.Centroid()
	if err != nil {
		return nil, errors.Wrap(err, "perturb")
	}
	out := cloud.Clone()
	out.Transform(p.Transform(c))
	return out, nil
}

// Transform returns the perturbation as a rigid transform for a cloud
// centred at center.
func (p Perturbation) Transform(center Point) RigidTransform {
	rot := rotationAbout(p.Rotation, center)
	return rot.Then(RigidTransform{Rotation: Identity3(), Translation: p.Shift})
}
