package align

import (
	"github.com/pkg/errors"
)

// PointCloud is an ordered, index-addressable set of points.
type PointCloud []Point

// FromTriples builds a cloud from raw coordinate triples.
func FromTriples(triples [][3]float64) PointCloud {
	cloud := make(PointCloud, len(triples))
	for i, t := range triples {
		cloud[i] = Point{X: t[0], Y: t[1], Z: t[2]}
	}
	return cloud
}

// Len returns the number of points.
func (c PointCloud) Len() int {
	return len(c)
}

// Centroid returns the arithmetic mean of the cloud's points.
func (c PointCloud) Centroid() (Point, error) {
	if len(c) == 0 {
		return Point{}, errors.Wrap(ErrEmptyCloud, "centroid")
	}
	var sum Point
	for _, p := range c {
		sum = sum.Add(p)
	}
	return sum.Div(float64(len(c))), nil
}

// Translate shifts every point by delta in place.
func (c PointCloud) Translate(delta Point) {
	for i := range c {
		c[i] = c[i].Add(delta)
	}
}

// Scale multiplies every point by s in place.
func (c PointCloud) Scale(s float64) {
	for i := range c {
		c[i] = c[i].Mul(s)
	}
}

// Rotate applies m to every point in place, about the origin.
func (c PointCloud) Rotate(m Matrix3) {
	for i := range c {
		c[i] = m.Apply(c[i])
	}
}

// RotateAbout applies m to every point in place, about center.
func (c PointCloud) RotateAbout(m Matrix3, center Point) {
	for i := range c {
		c[i] = m.Apply(c[i].Sub(center)).Add(center)
	}
}

// Transform applies t to every point in place.
func (c PointCloud) Transform(t RigidTransform) {
	for i := range c {
		c[i] = t.Apply(c[i])
	}
}

// Clone returns a deep copy of the cloud.
func (c PointCloud) Clone() PointCloud {
	if c == nil {
		return nil
	}
	out := make(PointCloud, len(c))
	copy(out, c)
	return out
}

// Bounds returns the smallest box containing every point.
func (c PointCloud) Bounds() (Box, error) {
	if len(c) == 0 {
		return Box{}, errors.Wrap(ErrEmptyCloud, "bounds")
	}
	b := EmptyBox()
	for _, p := range c {
		b = b.Extend(p)
	}
	return b, nil
}

// Relative returns a copy of the cloud expressed relative to center.
func (c PointCloud) Relative(center Point) PointCloud {
	out := make(PointCloud, len(c))
	for i, p := range c {
		out[i] = p.Sub(center)
	}
	return out
}
