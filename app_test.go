package main

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kwv/cloudalign/align"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// scatteredCloud returns n seeded points inside a cube of the given extent.
func scatteredCloud(n int, extent float64) align.PointCloud {
	rng := rand.New(rand.NewSource(42))
	cloud := make(align.PointCloud, n)
	for i := range cloud {
		cloud[i] = align.NewPoint(rng.Float64()*extent, rng.Float64()*extent, rng.Float64()*extent)
	}
	return cloud
}

func writeCloud(t *testing.T, dir, name string, cloud align.PointCloud) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, align.SaveCloud(path, cloud))
	return path
}

// newTestApp returns an App with a test logger, a fixed clock and MQTT
// routed to client (nil disables publishing).
func newTestApp(t *testing.T, client *align.MockClient) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	app := NewApp(&out)
	app.Logger = zaptest.NewLogger(t).Sugar()
	app.now = func() time.Time { return time.Unix(1700000000, 0) }
	app.connectMQTT = func(_ align.MQTTConfig, run string) (*align.StepPublisher, func(), error) {
		if client == nil {
			return nil, func() {}, nil
		}
		return align.NewStepPublisher(client, "test", run, app.Logger), func() {}, nil
	}
	return app, &out
}

func int64Ptr(v int64) *int64 { return &v }

// ---------------------------------------------------------------------------
// RunAlign
// ---------------------------------------------------------------------------

func TestApp_RunAlign_PerturbedCopy(t *testing.T) {
	dir := t.TempDir()
	source := writeCloud(t, dir, "scan.xyz", scatteredCloud(200, 20))

	client := align.NewMockClient()
	client.SetConnected(true)
	app, out := newTestApp(t, client)
	app.Options = AppOptions{
		Source:        source,
		OutputCloud:   filepath.Join(dir, "aligned.ply"),
		Frames:        filepath.Join(dir, "frames"),
		GeoJSON:       filepath.Join(dir, "aligned.geojson"),
		ResultCache:   filepath.Join(dir, "result.json"),
		MaxIterations: 10,
		Seed:          int64Ptr(7),
		MaxAngleDeg:   2,
		MaxShift:      1,
	}

	require.NoError(t, app.RunAlign(context.Background()))
	assert.Contains(t, out.String(), "Aligned 200 points")

	aligned, err := align.LoadCloud(filepath.Join(dir, "aligned.ply"))
	require.NoError(t, err)
	assert.Len(t, aligned, 200)

	rec, err := align.LoadResult(filepath.Join(dir, "result.json"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.Perturbation)
	assert.Equal(t, source, rec.Source)
	assert.Positive(t, rec.Iterations)
	assert.NotZero(t, rec.LastUpdated)

	assert.FileExists(t, filepath.Join(dir, "aligned.geojson"))
	assert.FileExists(t, filepath.Join(dir, "frames", "frame-0000.svg"))
	assert.FileExists(t, filepath.Join(dir, "frames", "frame-0001.svg"))

	msgs := client.PublishedMessages()
	require.Len(t, msgs, rec.Iterations+1)
	assert.Equal(t, "test/scan-1700000000/step", msgs[0].Topic)
	assert.Equal(t, "test/scan-1700000000/result", msgs[len(msgs)-1].Topic)

	st := app.StateTracker.Status()
	assert.True(t, st.Done)
	assert.Equal(t, rec.Iterations, st.Iteration)
}

func TestApp_RunAlign_TwoFiles(t *testing.T) {
	dir := t.TempDir()
	target := scatteredCloud(100, 10)
	moved := target.Clone()
	moved.Translate(align.NewPoint(0.05, -0.02, 0.01))

	app, out := newTestApp(t, nil)
	app.Options = AppOptions{
		Source:           writeCloud(t, dir, "moved.xyz", moved),
		Target:           writeCloud(t, dir, "target.ply", target),
		ConvergenceBound: func() *float64 { v := 1e-12; return &v }(),
	}
	require.NoError(t, app.RunAlign(context.Background()))
	assert.Contains(t, out.String(), "converged")
	assert.Contains(t, out.String(), "Translation:")
}

func TestApp_RunAlign_MissingSource(t *testing.T) {
	app, _ := newTestApp(t, nil)
	err := app.RunAlign(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source is required")
}

func TestApp_RunAlign_Cancelled(t *testing.T) {
	dir := t.TempDir()
	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{Source: writeCloud(t, dir, "scan.xyz", scatteredCloud(50, 10)), Seed: int64Ptr(1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := app.RunAlign(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, context.Canceled.Error(), app.StateTracker.Status().Error)
}

// ---------------------------------------------------------------------------
// runConfig
// ---------------------------------------------------------------------------

func TestApp_RunConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`source: file.xyz
icp:
  maxIterations: 5
  correspondence: unique
perturb:
  maxShift: 3
output:
  format: png
`), 0644))

	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{ConfigFile: path, Source: "flag.xyz", MaxShift: 0, FrameFormat: "svg"}
	cfg, err := app.runConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag.xyz", cfg.Source)
	assert.Equal(t, 5, cfg.ICP.MaxIterations)
	assert.Equal(t, "unique", cfg.ICP.Correspondence)
	assert.Equal(t, 3, cfg.Perturb.MaxShift)
	assert.Equal(t, "svg", cfg.Output.Format)
}

func TestApp_RunConfig_SourceOnlyFromFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("icp:\n  maxIterations: 5\n"), 0644))

	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{ConfigFile: path}
	_, err := app.runConfig()
	assert.Error(t, err)

	app.Options.Source = "a.xyz"
	cfg, err := app.runConfig()
	require.NoError(t, err)
	assert.Equal(t, "a.xyz", cfg.Source)
}

func TestApp_Perturbation_Defaults(t *testing.T) {
	app, _ := newTestApp(t, nil)
	a := app.perturbation(align.PerturbConfig{Seed: int64Ptr(9)})
	b := app.perturbation(align.PerturbConfig{Seed: int64Ptr(9), MaxAngleDeg: align.DefaultMaxAngleDeg, MaxShift: align.DefaultMaxShift})
	assert.Equal(t, a, b)
}

func TestApp_Perturbation_Seed(t *testing.T) {
	app, _ := newTestApp(t, nil)
	clock := int64(1700000000)
	app.now = func() time.Time { clock++; return time.Unix(clock, 0) }

	zero := app.perturbation(align.PerturbConfig{Seed: int64Ptr(0)})
	assert.Equal(t, zero, app.perturbation(align.PerturbConfig{Seed: int64Ptr(0)}), "explicit zero seed is reproducible")

	unset := app.perturbation(align.PerturbConfig{})
	assert.NotEqual(t, unset, app.perturbation(align.PerturbConfig{}), "unset seed follows the clock")
}

func TestApp_RunConfig_ZeroSeedFlag(t *testing.T) {
	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{Source: "a.xyz", Seed: int64Ptr(0)}
	cfg, err := app.runConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.Perturb.Seed)
	assert.Equal(t, int64(0), *cfg.Perturb.Seed)
}

// ---------------------------------------------------------------------------
// RunPerturb / RunInspect
// ---------------------------------------------------------------------------

func TestApp_RunPerturb(t *testing.T) {
	dir := t.TempDir()
	cloud := scatteredCloud(30, 5)
	app, out := newTestApp(t, nil)
	app.Options = AppOptions{
		Source:      writeCloud(t, dir, "in.xyz", cloud),
		OutputCloud: filepath.Join(dir, "out.xyz"),
		Seed:        int64Ptr(3),
	}
	require.NoError(t, app.RunPerturb(context.Background()))
	assert.Contains(t, out.String(), "Wrote 30 points")

	moved, err := align.LoadCloud(filepath.Join(dir, "out.xyz"))
	require.NoError(t, err)
	require.Len(t, moved, 30)

	// Rigid motion preserves pairwise distances.
	assert.InDelta(t, cloud[0].Distance(cloud[1]), moved[0].Distance(moved[1]), 1e-6)

	app.Options.OutputCloud = ""
	assert.Error(t, app.RunPerturb(context.Background()))
}

func TestApp_RunInspect(t *testing.T) {
	dir := t.TempDir()
	path := writeCloud(t, dir, "cube.xyz", align.FromTriples([][3]float64{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	}))

	app, out := newTestApp(t, nil)
	require.NoError(t, app.RunInspect(context.Background(), path))
	s := out.String()
	assert.Contains(t, s, "=== cube.xyz ===")
	assert.Contains(t, s, "Points: 8")
	assert.Contains(t, s, "Centroid: (0.5000, 0.5000, 0.5000)")
	assert.Contains(t, s, "K-d tree:")

	assert.Error(t, app.RunInspect(context.Background(), filepath.Join(dir, "missing.xyz")))
}

// ---------------------------------------------------------------------------
// RunServe
// ---------------------------------------------------------------------------

func TestApp_RunServe_WaitsForAlignment(t *testing.T) {
	dir := t.TempDir()
	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{Source: writeCloud(t, dir, "scan.xyz", scatteredCloud(50, 10)), Seed: int64Ptr(1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.RunServe(ctx))

	st := app.StateTracker.Status()
	assert.True(t, st.Done, "alignment must have finished before RunServe returns")
	assert.Equal(t, context.Canceled.Error(), st.Error)
}

func TestApp_RunServe_ListenFailureStopsAlignment(t *testing.T) {
	busy, err := net.Listen("tcp", "0.0.0.0:0")
	require.NoError(t, err)
	defer busy.Close()

	dir := t.TempDir()
	app, _ := newTestApp(t, nil)
	app.Options = AppOptions{
		Source:        writeCloud(t, dir, "scan.xyz", scatteredCloud(200, 20)),
		Seed:          int64Ptr(1),
		MaxIterations: 1000,
		HTTPPort:      busy.Addr().(*net.TCPAddr).Port,
	}

	require.Error(t, app.RunServe(context.Background()))
	assert.True(t, app.StateTracker.Status().Done)
}
