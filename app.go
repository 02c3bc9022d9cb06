package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kwv/cloudalign/align"
)

const mqttConnectTimeout = 10 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Options      AppOptions
	Logger       *zap.SugaredLogger
	StateTracker *align.StateTracker
	Out          io.Writer

	// connectMQTT is replaced in tests.
	connectMQTT func(cfg align.MQTTConfig, run string) (*align.StepPublisher, func(), error)
	// now is the clock used for run names and timestamps.
	now func() time.Time
}

// NewApp creates a new App instance writing reports to out.
func NewApp(out io.Writer) *App {
	a := &App{
		Logger: zap.NewNop().Sugar(),
		Out:    out,
		now:    time.Now,
	}
	a.connectMQTT = a.dialMQTT
	return a
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
	a.Logger = newLogger(opts.Debug)
}

func newLogger(debug bool) *zap.SugaredLogger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// runConfig resolves the configuration file and lets flags override it.
func (a *App) runConfig() (*align.FileConfig, error) {
	cfg := &align.FileConfig{}
	if a.Options.ConfigFile != "" {
		loaded, err := align.ReadConfig(a.Options.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		a.Logger.Infow("loaded config", "path", a.Options.ConfigFile)
	}

	o := a.Options
	if o.Source != "" {
		cfg.Source = o.Source
	}
	if o.Target != "" {
		cfg.Target = o.Target
	}
	if o.OutputCloud != "" {
		cfg.Output.Cloud = o.OutputCloud
	}
	if o.Frames != "" {
		cfg.Output.Frames = o.Frames
	}
	if o.FrameFormat != "" {
		cfg.Output.Format = o.FrameFormat
	}
	if o.GeoJSON != "" {
		cfg.Output.GeoJSON = o.GeoJSON
	}
	if o.ResultCache != "" {
		cfg.Output.Result = o.ResultCache
	}
	if o.MaxIterations != 0 {
		cfg.ICP.MaxIterations = o.MaxIterations
	}
	if o.ConvergenceBound != nil {
		cfg.ICP.ConvergenceBound = o.ConvergenceBound
	}
	if o.Correspondence != "" {
		cfg.ICP.Correspondence = o.Correspondence
	}
	if o.AllowReflection {
		cfg.ICP.AllowReflection = true
	}
	if o.Workers != 0 {
		cfg.ICP.Workers = o.Workers
	}
	if o.Seed != nil {
		cfg.Perturb.Seed = o.Seed
	}
	if o.MaxAngleDeg != 0 {
		cfg.Perturb.MaxAngleDeg = o.MaxAngleDeg
	}
	if o.MaxShift != 0 {
		cfg.Perturb.MaxShift = o.MaxShift
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// perturbation draws the synthetic misalignment described by cfg.
func (a *App) perturbation(cfg align.PerturbConfig) align.Perturbation {
	seed := a.now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	maxAngle := cfg.MaxAngleDeg
	if maxAngle == 0 {
		maxAngle = align.DefaultMaxAngleDeg
	}
	maxShift := cfg.MaxShift
	if maxShift == 0 {
		maxShift = align.DefaultMaxShift
	}
	return align.RandomPerturbation(rand.New(rand.NewSource(seed)), maxAngle, maxShift)
}

// alignment holds everything one run needs.
type alignment struct {
	cfg          *align.FileConfig
	source       align.PointCloud
	target       align.PointCloud
	perturbation *align.Perturbation
	projection   align.Projection
}

// prepare loads both clouds. Without a target file the source becomes the
// target and a perturbed copy of it is aligned back onto it.
func (a *App) prepare() (*alignment, error) {
	cfg, err := a.runConfig()
	if err != nil {
		return nil, err
	}
	proj, err := align.ParseProjection(a.Options.Projection)
	if err != nil {
		return nil, err
	}

	source, err := align.LoadCloud(cfg.Source)
	if err != nil {
		return nil, err
	}
	run := &alignment{cfg: cfg, source: source, projection: proj}

	if cfg.Target != "" {
		target, err := align.LoadCloud(cfg.Target)
		if err != nil {
			return nil, err
		}
		run.target = target
	} else {
		p := a.perturbation(cfg.Perturb)
		moved, err := p.Apply(source)
		if err != nil {
			return nil, err
		}
		run.target = source
		run.source = moved
		run.perturbation = &p
		a.Logger.Infow("aligning perturbed copy of source",
			"shift", p.Shift, "rotation", p.Rotation)
	}
	a.Logger.Infow("clouds loaded",
		"source", cfg.Source, "sourcePoints", len(run.source),
		"target", cfg.Target, "targetPoints", len(run.target))
	return run, nil
}

// runName labels MQTT topics for one alignment.
func (a *App) runName(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return fmt.Sprintf("%s-%d", base, a.now().Unix())
}

func (a *App) dialMQTT(cfg align.MQTTConfig, run string) (*align.StepPublisher, func(), error) {
	client, resolved, err := align.ConnectMQTT(cfg, mqttConnectTimeout, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return nil, func() {}, nil
	}
	a.Logger.Infow("connected to MQTT broker", "broker", resolved.Broker)
	pub := align.NewStepPublisher(client, resolved.PublishPrefix, run, a.Logger)
	return pub, func() { client.Disconnect(250) }, nil
}

// execute runs the engine to termination and writes every configured
// artifact.
func (a *App) execute(ctx context.Context, run *alignment) (align.Result, error) {
	started := a.now()
	cfg := run.cfg

	engineCfg, err := cfg.ICP.EngineConfig()
	if err != nil {
		return align.Result{}, err
	}
	engineCfg.Logger = a.Logger

	if a.StateTracker == nil {
		a.StateTracker = align.NewStateTracker(cfg.Source, cfg.Target)
	}
	a.StateTracker.SetClouds(run.source, run.target)

	observers := []align.StepFunc{a.StateTracker.Record}

	if cfg.Output.Frames != "" {
		frames := align.NewFrameRenderer(run.target)
		frames.Projection = run.projection
		if _, err := frames.WriteFrame(cfg.Output.Frames, 0, cfg.Output.Format, run.source); err != nil {
			return align.Result{}, err
		}
		observers = append(observers, func(s align.Step) {
			if _, err := frames.WriteFrame(cfg.Output.Frames, s.Iteration, cfg.Output.Format, s.Cloud); err != nil {
				a.Logger.Warnw("writing frame failed", "iteration", s.Iteration, "error", err)
			}
		})
	}

	publisher, disconnect, err := a.connectMQTT(cfg.MQTT, a.runName(cfg.Source))
	if err != nil {
		a.Logger.Warnw("MQTT unavailable, steps will not be published", "error", err)
	} else {
		defer disconnect()
		if publisher != nil {
			observers = append(observers, publisher.OnStep)
		}
	}
	engineCfg.OnStep = align.ChainSteps(observers...)

	engine, err := align.NewEngine(run.source, run.target, engineCfg)
	if err != nil {
		a.StateTracker.Finish(align.Result{}, err)
		return align.Result{}, err
	}
	for engine.Termination() == align.Iterating {
		if err := ctx.Err(); err != nil {
			a.StateTracker.Finish(engine.Result(), err)
			return engine.Result(), err
		}
		if _, err := engine.Step(); err != nil {
			a.StateTracker.Finish(engine.Result(), err)
			return engine.Result(), err
		}
	}
	result := engine.Result()
	a.StateTracker.Finish(result, nil)

	rec := align.NewResultRecord(cfg.Source, cfg.Target, result, started)
	rec.Perturbation = run.perturbation
	if err := a.writeOutputs(run, result, rec); err != nil {
		return result, err
	}
	if publisher != nil {
		if err := publisher.PublishResult(rec); err != nil {
			a.Logger.Warnw("publishing result failed", "error", err)
		}
	}
	return result, nil
}

func (a *App) writeOutputs(run *alignment, result align.Result, rec *align.ResultRecord) error {
	out := run.cfg.Output
	if out.Cloud != "" {
		if err := align.SaveCloud(out.Cloud, result.Cloud); err != nil {
			return err
		}
		a.Logger.Infow("wrote aligned cloud", "path", out.Cloud)
	}
	if out.GeoJSON != "" {
		fc := align.AlignmentFeatureCollection(result.Cloud, run.target, run.projection, &result)
		if err := align.SaveGeoJSON(out.GeoJSON, fc); err != nil {
			return err
		}
		a.Logger.Infow("wrote footprints", "path", out.GeoJSON)
	}
	if out.Result != "" {
		if err := align.SaveResult(out.Result, rec); err != nil {
			return err
		}
		a.Logger.Infow("wrote result", "path", out.Result)
	}
	return nil
}

func (a *App) report(result align.Result) {
	fmt.Fprintf(a.Out, "Aligned %d points: %s after %d iterations, penalty %.6g\n",
		len(result.Cloud), result.Termination, result.Iterations, result.Penalty)
	t := result.Transform
	fmt.Fprintln(a.Out, "Rotation:")
	for _, row := range t.Rotation {
		fmt.Fprintf(a.Out, "  % .6f % .6f % .6f\n", row[0], row[1], row[2])
	}
	fmt.Fprintf(a.Out, "Translation: (%.6f, %.6f, %.6f)\n", t.Translation.X, t.Translation.Y, t.Translation.Z)
}

// RunAlign aligns the configured clouds and prints a summary.
func (a *App) RunAlign(ctx context.Context) error {
	run, err := a.prepare()
	if err != nil {
		return err
	}
	result, err := a.execute(ctx, run)
	if err != nil {
		return err
	}
	a.report(result)
	return nil
}

// RunPerturb writes a perturbed copy of the source cloud.
func (a *App) RunPerturb(ctx context.Context) error {
	o := a.Options
	if o.Source == "" || o.OutputCloud == "" {
		return errors.New("perturb needs a source and an output file")
	}
	source, err := align.LoadCloud(o.Source)
	if err != nil {
		return err
	}
	cfg := align.PerturbConfig{MaxAngleDeg: o.MaxAngleDeg, MaxShift: o.MaxShift, Seed: o.Seed}
	p := a.perturbation(cfg)
	moved, err := p.Apply(source)
	if err != nil {
		return err
	}
	if err := align.SaveCloud(o.OutputCloud, moved); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote %d points to %s (shift %.0f %.0f %.0f)\n",
		len(moved), o.OutputCloud, p.Shift.X, p.Shift.Y, p.Shift.Z)
	return nil
}

// RunInspect prints a summary of one cloud file.
func (a *App) RunInspect(ctx context.Context, path string) error {
	cloud, err := align.LoadCloud(path)
	if err != nil {
		return err
	}
	tree, err := align.BuildKDTree(cloud)
	if err != nil {
		return err
	}
	c, _ := cloud.Centroid()
	box, _ := tree.Bounds()

	fmt.Fprintf(a.Out, "=== %s ===\n", filepath.Base(path))
	fmt.Fprintf(a.Out, "Points: %d\n", cloud.Len())
	fmt.Fprintf(a.Out, "Centroid: (%.4f, %.4f, %.4f)\n", c.X, c.Y, c.Z)
	fmt.Fprintf(a.Out, "Bounds: (%.4f, %.4f, %.4f) - (%.4f, %.4f, %.4f)\n",
		box.Min.X, box.Min.Y, box.Min.Z, box.Max.X, box.Max.Y, box.Max.Z)
	fmt.Fprintf(a.Out, "K-d tree: depth %d, %d leaves, %d internal nodes\n",
		tree.Depth(), tree.Leaves(), tree.Internal())
	return nil
}

// RunServe starts the HTTP server, runs one alignment in the background and
// keeps serving its state until ctx is cancelled. It returns only after the
// alignment has stopped.
func (a *App) RunServe(ctx context.Context) error {
	run, err := a.prepare()
	if err != nil {
		return err
	}
	a.StateTracker = align.NewStateTracker(run.cfg.Source, run.cfg.Target)
	a.StateTracker.SetClouds(run.source, run.target)

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.Options.HTTPPort),
		Handler:           newHTTPServer(a.StateTracker, run.projection, a.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Infow("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		result, err := a.execute(runCtx, run)
		if err != nil {
			a.Logger.Errorw("alignment failed", "error", err)
			return
		}
		a.Logger.Infow("alignment finished",
			"termination", result.Termination,
			"iterations", result.Iterations,
			"penalty", result.Penalty)
	}()

	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Options.HTTPPort)
	fmt.Fprintln(a.Out, "  GET /health          - Health check")
	fmt.Fprintln(a.Out, "  GET /status          - Alignment progress")
	fmt.Fprintln(a.Out, "  GET /frame.svg       - Current frame as SVG")
	fmt.Fprintln(a.Out, "  GET /frame.png       - Current frame as PNG")
	fmt.Fprintln(a.Out, "  GET /aligned.geojson - Projected footprints")
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	select {
	case err := <-serveErr:
		stopRun()
		<-runDone
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-runDone
	return err
}
