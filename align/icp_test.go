package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func unitCube() PointCloud {
	return FromTriples([][3]float64{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	})
}

func perturbed(cloud PointCloud, rot Matrix3, shift Point) PointCloud {
	out := cloud.Clone()
	c, _ := out.Centroid()
	out.RotateAbout(rot, c)
	out.Translate(shift)
	return out
}

func TestICP_UnitCubeConverges(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{X: 1, Y: 1, Z: 1}, 5*math.Pi/180), NewPoint(0.05, -0.03, 0.02))

	cfg := DefaultConfig()
	cfg.MaxIterations = 20
	cfg.ConvergenceBound = 1e-6
	cfg.Logger = zaptest.NewLogger(t).Sugar()

	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Termination)
	assert.Less(t, result.Penalty, 1e-6)
	assert.LessOrEqual(t, result.Iterations, 20)

	for i, p := range result.Cloud {
		assert.InDelta(t, 0, p.Distance(target[i]), 1e-6, "vertex %d", i)
	}
}

func TestICP_TransformMapsSourceOntoResult(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	target := randomCloud(rng, 400, 10)
	source := perturbed(target, AxisAngle(Point{X: 0.2, Y: 1, Z: -0.4}, 0.08), NewPoint(0.3, -0.2, 0.1))

	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	require.NotZero(t, result.Iterations)

	for i, p := range source {
		assert.InDelta(t, 0, result.Transform.Apply(p).Distance(result.Cloud[i]), 1e-9)
	}
	assert.InDelta(t, 1, result.Transform.Rotation.Det(), 1e-9)
}

func TestICP_IdenticalCloudsConvergeImmediately(t *testing.T) {
	cloud := unitCube()
	result, err := Run(cloud, cloud, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Termination)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 0.0, result.Penalty)
	assert.Equal(t, IdentityTransform(), result.Transform)
}

func TestICP_DoesNotMutateSource(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{Z: 1}, 0.1), NewPoint(0.1, 0, 0))
	before := source.Clone()

	_, err := Run(source, target, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, before, source)
}

func TestICP_ExhaustsIterationBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	target := randomCloud(rng, 60, 5)
	source := randomCloud(rng, 45, 5)

	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	cfg.ConvergenceBound = 0

	var steps []Step
	cfg.OnStep = func(s Step) { steps = append(steps, s) }

	e, err := NewEngine(source, target, cfg)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		state, err := e.Step()
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, Iterating, state)
		} else {
			assert.Equal(t, Exhausted, state)
		}
	}
	assert.Equal(t, 3, e.Iterations())
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Iteration)
		assert.Len(t, s.Cloud, len(source))
	}
	assert.Equal(t, Exhausted, steps[2].Termination)

	_, err = e.Step()
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 3, e.Iterations())
}

func TestICP_StepSnapshotIsIndependent(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{Y: 1}, 0.05), NewPoint(0, 0.05, 0))

	var snapshots []PointCloud
	cfg := DefaultConfig()
	cfg.OnStep = func(s Step) {
		s.Cloud[0] = NewPoint(99, 99, 99)
		snapshots = append(snapshots, s.Cloud)
	}
	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	assert.NotEqual(t, NewPoint(99, 99, 99), result.Cloud[0])
}

func TestICP_UniqueCorrespondence(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{X: 1}, 4*math.Pi/180), NewPoint(0.02, 0.02, -0.04))

	cfg := DefaultConfig()
	cfg.Correspondence = Unique
	cfg.ConvergenceBound = 1e-6
	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Termination)
}

func TestICP_ParallelSearchMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	target := randomCloud(rng, 2000, 10)
	source := perturbed(target, AxisAngle(Point{X: 1, Z: 1}, 0.05), NewPoint(0.1, 0.1, 0))

	serialCfg := DefaultConfig()
	serialCfg.Workers = 1
	serialCfg.MaxIterations = 5
	serial, err := Run(source, target, serialCfg)
	require.NoError(t, err)

	parallelCfg := serialCfg
	parallelCfg.Workers = 8
	parallel, err := Run(source, target, parallelCfg)
	require.NoError(t, err)

	assert.Equal(t, serial.Cloud, parallel.Cloud)
	assert.Equal(t, serial.Penalty, parallel.Penalty)
	assert.Equal(t, serial.Iterations, parallel.Iterations)
}

func TestICP_RandomizedSearchStillConverges(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{Z: 1}, 0.06), NewPoint(0.03, 0, 0))

	cfg := DefaultConfig()
	cfg.ConvergenceBound = 1e-6
	cfg.RNG = rand.New(rand.NewSource(5))
	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Termination)
}

func TestICP_Logging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{Z: 1}, 0.05), NewPoint(0.05, 0, 0))

	cfg := DefaultConfig()
	cfg.ConvergenceBound = 1e-6
	cfg.Logger = zap.New(core).Sugar()
	_, err := Run(source, target, cfg)
	require.NoError(t, err)

	assert.NotZero(t, logs.FilterMessage("icp iteration").Len())
	assert.Equal(t, 1, logs.FilterMessage("alignment converged").Len())
}

func TestICP_Errors(t *testing.T) {
	cube := unitCube()

	_, err := Run(nil, cube, DefaultConfig())
	assert.True(t, errors.Is(err, ErrEmptyCloud))

	_, err = Run(cube, PointCloud{}, DefaultConfig())
	assert.True(t, errors.Is(err, ErrEmptyCloud))

	bad := DefaultConfig()
	bad.MaxIterations = -1
	bad.ConvergenceBound = math.NaN()
	bad.Workers = -2
	_, err = Run(cube, cube, bad)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "maxIterations")
	assert.Contains(t, err.Error(), "convergenceBound")
	assert.Contains(t, err.Error(), "workers")
}

func TestICP_RejectsNonFinitePoints(t *testing.T) {
	tests := []struct {
		name   string
		bad    Point
		inTgt  bool
		expect string
	}{
		{"nan in source", Point{X: math.NaN()}, false, "source point 3"},
		{"inf in source", Point{Y: math.Inf(1)}, false, "source point 3"},
		{"nan in target", Point{Z: math.NaN()}, true, "target point 3"},
		{"negative inf in target", Point{X: math.Inf(-1)}, true, "target point 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, target := unitCube(), unitCube()
			if tt.inTgt {
				target[3] = tt.bad
			} else {
				source[3] = tt.bad
			}
			_, err := NewEngine(source, target, DefaultConfig())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonFinite))
			assert.Contains(t, err.Error(), tt.expect)
		})
	}
}

func TestICP_ZeroConfigUsesDefaults(t *testing.T) {
	target := unitCube()
	source := perturbed(target, AxisAngle(Point{Z: 1}, 0.05), NewPoint(0.05, 0, 0))

	e, err := NewEngine(source, target, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, e.cfg.MaxIterations)
	assert.True(t, math.IsInf(e.Penalty(), 1))
}

func TestChainSteps(t *testing.T) {
	var calls []int
	fn := ChainSteps(
		func(s Step) { calls = append(calls, 1) },
		nil,
		func(s Step) { calls = append(calls, 2) },
	)
	fn(Step{})
	assert.Equal(t, []int{1, 2}, calls)
}

func TestTermination_Text(t *testing.T) {
	for _, term := range []Termination{Iterating, Converged, Exhausted} {
		b, err := term.MarshalText()
		require.NoError(t, err)
		var back Termination
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, term, back)
	}
	var bad Termination
	assert.Error(t, bad.UnmarshalText([]byte("sideways")))
}
