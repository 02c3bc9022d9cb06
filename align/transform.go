package align

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Point is a 3-D coordinate. It shares its layout with r3.Vector so the
// arithmetic is delegated there.
type Point r3.Vector

// NewPoint creates a point from raw coordinates.
func NewPoint(x, y, z float64) Point {
	return Point{X: x, Y: y, Z: z}
}

// Vector returns p as an r3.Vector.
func (p Point) Vector() r3.Vector {
	return r3.Vector(p)
}

// Add returns p + q.
func (p Point) Add(q Point) Point {
	return Point(r3.Vector(p).Add(r3.Vector(q)))
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point(r3.Vector(p).Sub(r3.Vector(q)))
}

// Mul returns p scaled by s.
func (p Point) Mul(s float64) Point {
	return Point(r3.Vector(p).Mul(s))
}

// Div returns p divided by s. Dividing by zero yields infinities, so callers
// that divide by a count check it first.
func (p Point) Div(s float64) Point {
	return Point(r3.Vector(p).Mul(1 / s))
}

// Dot returns the dot product of p and q.
func (p Point) Dot(q Point) float64 {
	return r3.Vector(p).Dot(r3.Vector(q))
}

// Cross returns the cross product p × q.
func (p Point) Cross(q Point) Point {
	return Point(r3.Vector(p).Cross(r3.Vector(q)))
}

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 {
	return r3.Vector(p).Norm()
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return r3.Vector(p).Distance(r3.Vector(q))
}

// Rotate returns m·p.
func (p Point) Rotate(m Matrix3) Point {
	return m.Apply(p)
}

// Coord returns the coordinate on the given axis (0=x, 1=y, 2=z).
func (p Point) Coord(axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// IsFinite reports whether every coordinate is a finite number.
func (p Point) IsFinite() bool {
	for axis := 0; axis < 3; axis++ {
		c := p.Coord(axis)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (p Point) String() string {
	return fmt.Sprintf("(%g, %g, %g)", p.X, p.Y, p.Z)
}

// Matrix3 is a row-major 3x3 matrix.
type Matrix3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply returns m·p.
func (m Matrix3) Apply(p Point) Point {
	return Point{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z,
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z,
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z,
	}
}

// Mul composes two matrices: result = m·n, so applying the result is
// equivalent to applying n first, then m.
func (m Matrix3) Mul(n Matrix3) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * n[k][j]
			}
		}
	}
	return out
}

// Transpose returns mᵀ.
func (m Matrix3) Transpose() Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Det returns the determinant of m.
func (m Matrix3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// ApproxEqual reports whether every entry of m is within tol of n.
func (m Matrix3) ApproxEqual(n Matrix3, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(m[i][j]-n[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// AxisAngle returns the rotation of angle radians about axis (right-hand
// rule). A zero axis yields the identity.
func AxisAngle(axis Point, angle float64) Matrix3 {
	n := axis.Norm()
	if n == 0 {
		return Identity3()
	}
	k := axis.Div(n)
	half := angle / 2
	q := quat.Number{
		Real: math.Cos(half),
		Imag: math.Sin(half) * k.X,
		Jmag: math.Sin(half) * k.Y,
		Kmag: math.Sin(half) * k.Z,
	}
	return quatToMatrix(q)
}

// quatToMatrix builds the rotation matrix of a unit quaternion by rotating
// the basis vectors; column i is the image of basis vector i.
func quatToMatrix(q quat.Number) Matrix3 {
	basis := [3]Point{{X: 1}, {Y: 1}, {Z: 1}}
	var m Matrix3
	for col, e := range basis {
		r := rotateByQuat(e, q)
		m[0][col] = r.X
		m[1][col] = r.Y
		m[2][col] = r.Z
	}
	return m
}

func rotateByQuat(p Point, q quat.Number) Point {
	raised := quat.Number{Imag: p.X, Jmag: p.Y, Kmag: p.Z}
	r := quat.Mul(quat.Mul(q, raised), quat.Conj(q))
	return Point{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// minimalRotation returns the smallest rotation carrying direction a onto
// direction b. Antiparallel inputs rotate half a turn about an axis
// orthogonal to a.
func minimalRotation(a, b Point) Matrix3 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return Identity3()
	}
	a, b = a.Div(na), b.Div(nb)
	axis := a.Cross(b)
	sin := axis.Norm()
	cos := a.Dot(b)
	if sin < 1e-12 {
		if cos > 0 {
			return Identity3()
		}
		return AxisAngle(Point(a.Vector().Ortho()), math.Pi)
	}
	return AxisAngle(axis, math.Atan2(sin, cos))
}

// RigidTransform maps p to Rotation·p + Translation.
type RigidTransform struct {
	Rotation    Matrix3 `json:"rotation"`
	Translation Point   `json:"translation"`
}

// IdentityTransform returns the transform that leaves every point in place.
func IdentityTransform() RigidTransform {
	return RigidTransform{Rotation: Identity3()}
}

// Apply transforms a single point.
func (t RigidTransform) Apply(p Point) Point {
	return t.Rotation.Apply(p).Add(t.Translation)
}

// Then returns the transform equivalent to applying t first, then next.
func (t RigidTransform) Then(next RigidTransform) RigidTransform {
	return RigidTransform{
		Rotation:    next.Rotation.Mul(t.Rotation),
		Translation: next.Rotation.Apply(t.Translation).Add(next.Translation),
	}
}

// Inverse returns the transform that undoes t. The rotation part must be
// orthogonal.
func (t RigidTransform) Inverse() RigidTransform {
	rt := t.Rotation.Transpose()
	return RigidTransform{
		Rotation:    rt,
		Translation: rt.Apply(t.Translation).Mul(-1),
	}
}

// rotationAbout returns the rigid transform rotating by m about center.
func rotationAbout(m Matrix3, center Point) RigidTransform {
	return RigidTransform{
		Rotation:    m,
		Translation: center.Sub(m.Apply(center)),
	}
}
