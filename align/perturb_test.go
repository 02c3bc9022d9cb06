package align

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomPerturbation_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		p := RandomPerturbation(rng, DefaultMaxAngleDeg, DefaultMaxShift)
		assert.InDelta(t, 1, p.Rotation.Det(), 1e-12)
		for axis := 0; axis < 3; axis++ {
			s := p.Shift.Coord(axis)
			assert.GreaterOrEqual(t, s, -5.0)
			assert.LessOrEqual(t, s, 5.0)
			assert.Equal(t, float64(int(s)), s)
		}
	}

	none := RandomPerturbation(rng, 0, 0)
	assert.True(t, none.Rotation.ApproxEqual(Identity3(), 1e-15))
	assert.Equal(t, Point{}, none.Shift)
}

func TestRandomPerturbation_Deterministic(t *testing.T) {
	a := RandomPerturbation(rand.New(rand.NewSource(42)), 9, 5)
	b := RandomPerturbation(rand.New(rand.NewSource(42)), 9, 5)
	assert.Equal(t, a, b)
}

func TestPerturbation_Apply(t *testing.T) {
	cloud := unitCube()
	p := Perturbation{Rotation: AxisAngle(Point{Z: 1}, 0.3), Shift: NewPoint(1, -2, 3)}

	out, err := p.Apply(cloud)
	require.NoError(t, err)
	assert.Equal(t, unitCube(), cloud, "input must not change")

	before, _ := cloud.Centroid()
	after, _ := out.Centroid()
	assert.InDelta(t, 0, after.Distance(before.Add(p.Shift)), 1e-12)
	for i := range cloud {
		assert.InDelta(t, cloud[i].Distance(before), out[i].Distance(after), 1e-12)
	}

	_, err = p.Apply(nil)
	assert.True(t, errors.Is(err, ErrEmptyCloud))
}

func TestPerturbation_RecoveredByICP(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	target := randomCloud(rng, 500, 20)
	p := RandomPerturbation(rng, 1, 0)
	source, err := p.Apply(target)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ConvergenceBound = 1e-8
	cfg.MaxIterations = 50
	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Termination)
}
