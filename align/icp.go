package align

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultMaxIterations caps a run when the config leaves it unset.
	DefaultMaxIterations = 20
	// DefaultConvergenceBound is the mean squared distance below which a run
	// counts as converged.
	DefaultConvergenceBound = 1e-18
)

// Config holds configuration for the ICP engine.
// Distances are in the units of the input clouds.
type Config struct {
	MaxIterations    int                  // Iteration cap; 0 means DefaultMaxIterations
	ConvergenceBound float64              // Converged once mean squared distance drops below this
	Correspondence   CorrespondencePolicy // Which pairs feed the rigid fit
	AllowReflection  bool                 // Accept improper (det -1) rotation fits
	Workers          int                  // Parallel nearest-neighbour workers; 0 means GOMAXPROCS
	RNG              *rand.Rand           // When set, randomizes k-d child order and searches serially
	Logger           *zap.SugaredLogger   // Defaults to a no-op logger
	OnStep           StepFunc             // Called after every completed iteration
}

// DefaultConfig returns the canonical configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    DefaultMaxIterations,
		ConvergenceBound: DefaultConvergenceBound,
		Correspondence:   ManyToOne,
	}
}

// Validate reports every problem with the config at once. The returned error
// matches ErrInvalidConfig.
func (c Config) Validate() error {
	var errs error
	if c.MaxIterations < 0 {
		errs = multierr.Append(errs, fmt.Errorf("maxIterations must not be negative, got %d", c.MaxIterations))
	}
	if math.IsNaN(c.ConvergenceBound) || c.ConvergenceBound < 0 {
		errs = multierr.Append(errs, fmt.Errorf("convergenceBound must be a non-negative number, got %v", c.ConvergenceBound))
	}
	if c.Workers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Correspondence != ManyToOne && c.Correspondence != Unique {
		errs = multierr.Append(errs, fmt.Errorf("unknown correspondence policy %v", c.Correspondence))
	}
	if errs != nil {
		return multierr.Append(ErrInvalidConfig, errs)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Termination is the lifecycle state of an engine.
type Termination int

const (
	// Iterating means the engine can still be stepped.
	Iterating Termination = iota
	// Converged means the penalty fell below the convergence bound.
	Converged
	// Exhausted means the iteration cap was reached first.
	Exhausted
)

func (t Termination) String() string {
	switch t {
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("Termination(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Termination) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Termination) UnmarshalText(b []byte) error {
	switch string(b) {
	case "iterating":
		*t = Iterating
	case "converged":
		*t = Converged
	case "exhausted":
		*t = Exhausted
	default:
		return fmt.Errorf("unknown termination %q", b)
	}
	return nil
}

// Step describes one completed iteration.
type Step struct {
	Iteration   int            `json:"iteration"` // 1-based
	Penalty     float64        `json:"penalty"`   // before this iteration's motion
	Pairs       int            `json:"pairs"`     // pairs used by the fit
	Residuals   ResidualStats  `json:"residuals"`
	Motion      RigidTransform `json:"motion"`    // applied this iteration
	Transform   RigidTransform `json:"transform"` // accumulated since the start
	Termination Termination    `json:"termination"`
	Cloud       PointCloud     `json:"-"` // snapshot, owned by the receiver
}

// StepFunc observes iterations.
type StepFunc func(Step)

// ChainSteps returns a StepFunc calling every non-nil fn in order.
func ChainSteps(fns ...StepFunc) StepFunc {
	var live []StepFunc
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	return func(s Step) {
		for _, fn := range live {
			fn(s)
		}
	}
}

// Result is the outcome of a complete run.
type Result struct {
	Cloud       PointCloud     `json:"-"`
	Penalty     float64        `json:"penalty"`
	Termination Termination    `json:"termination"`
	Iterations  int            `json:"iterations"`
	Transform   RigidTransform `json:"transform"`
}

// Engine owns a working copy of the source cloud and moves it towards the
// target one iteration at a time. An Engine is not safe for concurrent use.
type Engine struct {
	cfg    Config
	solver RotationSolver
	tree   *KDTree
	target PointCloud

	work        PointCloud
	iterations  int
	penalty     float64
	termination Termination
	transform   RigidTransform
}

// NewEngine copies source, indexes target and returns an engine ready to step.
func NewEngine(source, target PointCloud, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if len(source) == 0 {
		return nil, errors.Wrap(ErrEmptyCloud, "source")
	}
	if err := checkFinite(source, "source"); err != nil {
		return nil, err
	}
	if err := checkFinite(target, "target"); err != nil {
		return nil, err
	}
	tree, err := BuildKDTree(target)
	if err != nil {
		return nil, errors.Wrap(err, "target")
	}

	return &Engine{
		cfg:         cfg,
		solver:      RotationSolver{AllowReflection: cfg.AllowReflection},
		tree:        tree,
		target:      target.Clone(),
		work:        source.Clone(),
		penalty:     math.Inf(1),
		termination: Iterating,
		transform:   IdentityTransform(),
	}, nil
}

func checkFinite(cloud PointCloud, role string) error {
	for i, p := range cloud {
		if !p.IsFinite() {
			return errors.Wrapf(ErrNonFinite, "%s point %d", role, i)
		}
	}
	return nil
}

// Step runs a single iteration and returns the resulting state. Stepping a
// terminated engine returns ErrInvalidState.
func (e *Engine) Step() (Termination, error) {
	if e.termination != Iterating {
		return e.termination, errors.Wrapf(ErrInvalidState, "engine already %s", e.termination)
	}

	pairs, err := findCorrespondences(e.tree, e.work, e.cfg.Workers, e.cfg.RNG)
	if err != nil {
		return e.termination, errors.Wrap(err, "correspondence search")
	}

	e.penalty = meanSquaredDistance(pairs)
	if e.penalty < e.cfg.ConvergenceBound {
		e.termination = Converged
		e.cfg.Logger.Infow("alignment converged",
			"iterations", e.iterations, "penalty", e.penalty)
		return e.termination, nil
	}

	fitPairs := pairs
	if e.cfg.Correspondence == Unique {
		fitPairs = uniquePairs(pairs)
	}

	motion, err := e.fit(fitPairs)
	if err != nil {
		return e.termination, err
	}
	e.work.Transform(motion)
	e.transform = e.transform.Then(motion)
	e.iterations++

	if e.iterations >= e.cfg.MaxIterations {
		e.termination = Exhausted
	}

	residuals := Residuals(pairs)
	e.cfg.Logger.Debugw("icp iteration",
		"iteration", e.iterations,
		"penalty", e.penalty,
		"pairs", len(fitPairs),
		"medianResidual", residuals.Median)

	if e.cfg.OnStep != nil {
		e.cfg.OnStep(Step{
			Iteration:   e.iterations,
			Penalty:     e.penalty,
			Pairs:       len(fitPairs),
			Residuals:   residuals,
			Motion:      motion,
			Transform:   e.transform,
			Termination: e.termination,
			Cloud:       e.work.Clone(),
		})
	}

	if e.termination == Exhausted {
		e.cfg.Logger.Infow("alignment exhausted iteration budget",
			"iterations", e.iterations, "penalty", e.penalty)
	}
	return e.termination, nil
}

// fit computes this iteration's motion: a translation matching the paired
// centroids, then the best rotation about the shared centroid.
func (e *Engine) fit(pairs []Pair) (RigidTransform, error) {
	src := make(PointCloud, len(pairs))
	corr := make(PointCloud, len(pairs))
	for i, p := range pairs {
		src[i] = e.work[p.Source]
		corr[i] = p.Point
	}

	srcCenter, err := src.Centroid()
	if err != nil {
		return RigidTransform{}, errors.Wrap(err, "working centroid")
	}
	corrCenter, err := corr.Centroid()
	if err != nil {
		return RigidTransform{}, errors.Wrap(err, "correspondence centroid")
	}

	rot, err := e.solver.Fit(src.Relative(srcCenter), corr.Relative(corrCenter))
	if err != nil {
		return RigidTransform{}, errors.Wrap(err, "rotation fit")
	}

	shift := RigidTransform{Rotation: Identity3(), Translation: corrCenter.Sub(srcCenter)}
	return shift.Then(rotationAbout(rot, corrCenter)), nil
}

// Run steps the engine until it terminates.
func (e *Engine) Run() (Result, error) {
	for e.termination == Iterating {
		if _, err := e.Step(); err != nil {
			return e.Result(), err
		}
	}
	return e.Result(), nil
}

// Result returns a snapshot of the current state.
func (e *Engine) Result() Result {
	return Result{
		Cloud:       e.work.Clone(),
		Penalty:     e.penalty,
		Termination: e.termination,
		Iterations:  e.iterations,
		Transform:   e.transform,
	}
}

// Termination returns the lifecycle state.
func (e *Engine) Termination() Termination { return e.termination }

// Iterations returns the number of completed iterations.
func (e *Engine) Iterations() int { return e.iterations }

// Penalty returns the last computed mean squared distance, +Inf before the
// first step.
func (e *Engine) Penalty() float64 { return e.penalty }

// Target returns the indexed target cloud.
func (e *Engine) Target() PointCloud { return e.target }

// Run aligns source onto target with cfg.
func Run(source, target PointCloud, cfg Config) (Result, error) {
	e, err := NewEngine(source, target, cfg)
	if err != nil {
		return Result{}, err
	}
	return e.Run()
}
