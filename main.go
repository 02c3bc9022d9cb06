package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagConfig          = "config"
	flagDebug           = "debug"
	flagSource          = "source"
	flagTarget          = "target"
	flagOutput          = "output"
	flagFrames          = "frames"
	flagFormat          = "format"
	flagGeoJSON         = "geojson"
	flagResult          = "result"
	flagMaxIterations   = "max-iterations"
	flagBound           = "bound"
	flagCorrespondence  = "correspondence"
	flagAllowReflection = "allow-reflection"
	flagWorkers         = "workers"
	flagSeed            = "seed"
	flagMaxAngle        = "max-angle"
	flagMaxShift        = "max-shift"
	flagProjection      = "projection"
	flagPort            = "port"
)

// AppOptions carries command-line values into the application. Pointer fields
// are nil unless the flag was given.
type AppOptions struct {
	ConfigFile string
	Debug      bool

	Source      string
	Target      string
	OutputCloud string
	Frames      string
	FrameFormat string
	GeoJSON     string
	ResultCache string
	Projection  string

	MaxIterations    int
	ConvergenceBound *float64
	Correspondence   string
	AllowReflection  bool
	Workers          int
	Seed             *int64
	MaxAngleDeg      float64
	MaxShift         int

	HTTPPort int
}

// Application is the set of commands the CLI dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAlign(ctx context.Context) error
	RunPerturb(ctx context.Context) error
	RunInspect(ctx context.Context, path string) error
	RunServe(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and invokes the matching command on app.
func run(ctx context.Context, args []string, out io.Writer, app Application) error {
	return newCLI(out, app).RunContext(ctx, append([]string{"cloudalign"}, args...))
}

func newCLI(out io.Writer, app Application) *cli.App {
	alignFlags := []cli.Flag{
		&cli.StringFlag{Name: flagSource, Aliases: []string{"s"}, Usage: "cloud to move (`FILE`: .xyz, .ply or .pcd)"},
		&cli.StringFlag{Name: flagTarget, Aliases: []string{"t"}, Usage: "cloud to align onto; omit to align a perturbed copy of the source"},
		&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write the aligned cloud to `FILE`"},
		&cli.StringFlag{Name: flagFrames, Usage: "write one frame per iteration into `DIR`"},
		&cli.StringFlag{Name: flagFormat, Usage: "frame format: svg or png"},
		&cli.StringFlag{Name: flagGeoJSON, Usage: "write projected footprints to `FILE`"},
		&cli.StringFlag{Name: flagResult, Usage: "write the result summary to `FILE`"},
		&cli.StringFlag{Name: flagProjection, Value: "xy", Usage: "plane for frames and footprints: xy, xz or yz"},
		&cli.IntFlag{Name: flagMaxIterations, Usage: "iteration cap (default 20)"},
		&cli.Float64Flag{Name: flagBound, Usage: "converge once the mean squared distance drops below this"},
		&cli.StringFlag{Name: flagCorrespondence, Usage: "many-to-one or unique"},
		&cli.BoolFlag{Name: flagAllowReflection, Usage: "accept improper rotations"},
		&cli.IntFlag{Name: flagWorkers, Usage: "parallel nearest-neighbour workers (0 = GOMAXPROCS)"},
		&cli.Int64Flag{Name: flagSeed, Usage: "seed for the synthetic perturbation (unset picks a time-based seed)"},
		&cli.Float64Flag{Name: flagMaxAngle, Usage: "perturbation bound per axis in degrees"},
		&cli.IntFlag{Name: flagMaxShift, Usage: "perturbation shift bound per axis"},
	}

	dispatch := func(fn func(*cli.Context) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			app.ApplyOptions(optionsFromContext(c))
			return fn(c)
		}
	}

	return &cli.App{
		Name:      "cloudalign",
		Usage:     "rigidly register 3-D point clouds with ICP",
		Version:   Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load configuration from `FILE`"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:   "align",
				Usage:  "align the source cloud onto the target cloud",
				Flags:  alignFlags,
				Action: dispatch(func(c *cli.Context) error { return app.RunAlign(c.Context) }),
			},
			{
				Name:  "perturb",
				Usage: "write a randomly rotated and shifted copy of the source cloud",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSource, Aliases: []string{"s"}, Required: true, Usage: "cloud to perturb"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Required: true, Usage: "write the perturbed cloud to `FILE`"},
					&cli.Int64Flag{Name: flagSeed, Usage: "seed for the perturbation (unset picks a time-based seed)"},
					&cli.Float64Flag{Name: flagMaxAngle, Usage: "rotation bound per axis in degrees"},
					&cli.IntFlag{Name: flagMaxShift, Usage: "shift bound per axis"},
				},
				Action: dispatch(func(c *cli.Context) error { return app.RunPerturb(c.Context) }),
			},
			{
				Name:      "inspect",
				Usage:     "print size, centroid, bounds and k-d tree shape of a cloud",
				ArgsUsage: "FILE",
				Action: dispatch(func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("inspect takes exactly one file, got %d", c.NArg())
					}
					return app.RunInspect(c.Context, c.Args().First())
				}),
			},
			{
				Name:   "serve",
				Usage:  "run an alignment and serve its live state over HTTP",
				Flags:  append(alignFlags, &cli.IntFlag{Name: flagPort, Value: 8080, Usage: "HTTP port"}),
				Action: dispatch(func(c *cli.Context) error { return app.RunServe(c.Context) }),
			},
		},
	}
}

// optionsFromContext collects flag values from c and its parents.
func optionsFromContext(c *cli.Context) AppOptions {
	opts := AppOptions{
		ConfigFile:      c.String(flagConfig),
		Debug:           c.Bool(flagDebug),
		Source:          c.String(flagSource),
		Target:          c.String(flagTarget),
		OutputCloud:     c.String(flagOutput),
		Frames:          c.String(flagFrames),
		FrameFormat:     c.String(flagFormat),
		GeoJSON:         c.String(flagGeoJSON),
		ResultCache:     c.String(flagResult),
		Projection:      c.String(flagProjection),
		MaxIterations:   c.Int(flagMaxIterations),
		Correspondence:  c.String(flagCorrespondence),
		AllowReflection: c.Bool(flagAllowReflection),
		Workers:         c.Int(flagWorkers),
		MaxAngleDeg:     c.Float64(flagMaxAngle),
		MaxShift:        c.Int(flagMaxShift),
		HTTPPort:        c.Int(flagPort),
	}
	if c.IsSet(flagBound) {
		v := c.Float64(flagBound)
		opts.ConvergenceBound = &v
	}
	if c.IsSet(flagSeed) {
		v := c.Int64(flagSeed)
		opts.Seed = &v
	}
	return opts
}
