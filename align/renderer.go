package align

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Projection selects the plane a cloud is drawn in.
type Projection int

const (
	ProjectXY Projection = iota
	ProjectXZ
	ProjectYZ
)

// ParseProjection accepts "xy", "xz" or "yz".
func ParseProjection(s string) (Projection, error) {
	switch strings.ToLower(s) {
	case "", "xy":
		return ProjectXY, nil
	case "xz":
		return ProjectXZ, nil
	case "yz":
		return ProjectYZ, nil
	default:
		return ProjectXY, fmt.Errorf("unknown projection %q", s)
	}
}

// Project returns the 2-D coordinates of p in the plane.
func (pr Projection) Project(p Point) (float64, float64) {
	switch pr {
	case ProjectXZ:
		return p.X, p.Z
	case ProjectYZ:
		return p.Y, p.Z
	default:
		return p.X, p.Y
	}
}

// CloudColors defines the color for each drawn cloud
type CloudColors struct {
	Target  color.NRGBA
	Working color.NRGBA
}

// DefaultCloudColors returns grey for the target and red for the working cloud.
func DefaultCloudColors() CloudColors {
	return CloudColors{
		Target:  color.NRGBA{120, 120, 120, 255},
		Working: color.NRGBA{220, 40, 40, 255},
	}
}

// frameLayout maps projected world coordinates into a width x height frame,
// preserving aspect ratio.
type frameLayout struct {
	proj       Projection
	minX, minY float64
	scale      float64
	offX, offY float64
	height     float64
	flipY      bool
}

func newFrameLayout(proj Projection, width, height, padding float64, flipY bool, clouds ...PointCloud) frameLayout {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range clouds {
		for _, p := range c {
			x, y := proj.Project(p)
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
	}
	if math.IsInf(minX, 1) {
		minX, minY, maxX, maxY = 0, 0, 1, 1
	}

	spanX, spanY := maxX-minX, maxY-minY
	usableW, usableH := width-2*padding, height-2*padding
	scale := math.Inf(1)
	if spanX > 0 {
		scale = usableW / spanX
	}
	if spanY > 0 {
		scale = math.Min(scale, usableH/spanY)
	}
	if math.IsInf(scale, 1) {
		scale = 1
	}

	return frameLayout{
		proj:   proj,
		minX:   minX,
		minY:   minY,
		scale:  scale,
		offX:   padding + (usableW-spanX*scale)/2,
		offY:   padding + (usableH-spanY*scale)/2,
		height: height,
		flipY:  flipY,
	}
}

func (l frameLayout) toFrame(p Point) (float64, float64) {
	x, y := l.proj.Project(p)
	fx := (x-l.minX)*l.scale + l.offX
	fy := (y-l.minY)*l.scale + l.offY
	if l.flipY {
		fy = l.height - fy
	}
	return fx, fy
}

// RasterRenderer draws a target cloud and a working cloud into a PNG with a
// legend.
type RasterRenderer struct {
	Target      PointCloud
	Projection  Projection
	Width       int
	Height      int
	Padding     int // pixels
	PointRadius int // pixels
	Colors      CloudColors
}

// NewRasterRenderer creates a raster renderer with default settings
func NewRasterRenderer(target PointCloud) *RasterRenderer {
	return &RasterRenderer{
		Target:      target,
		Projection:  ProjectXY,
		Width:       800,
		Height:      800,
		Padding:     40,
		PointRadius: 1,
		Colors:      DefaultCloudColors(),
	}
}

// Render draws both clouds. label, when non-empty, is printed under the
// legend.
func (r *RasterRenderer) Render(working PointCloud, label string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	// opaque white background
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	layout := newFrameLayout(r.Projection, float64(r.Width), float64(r.Height), float64(r.Padding), true, r.Target, working)
	draw := func(c PointCloud, col color.NRGBA) {
		rgba := nrgbaToRGBA(col)
		for _, p := range c {
			x, y := layout.toFrame(p)
			drawCircle(img, int(math.Round(x)), int(math.Round(y)), r.PointRadius, rgba)
		}
	}
	draw(r.Target, r.Colors.Target)
	draw(working, r.Colors.Working)

	r.drawLegend(img, label)
	return img
}

// EncodePNG renders and writes a PNG to w.
func (r *RasterRenderer) EncodePNG(w io.Writer, working PointCloud, label string) error {
	return png.Encode(w, r.Render(working, label))
}

// SavePNG renders and writes a PNG file, creating parent directories.
func (r *RasterRenderer) SavePNG(path string, working PointCloud, label string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	if err := r.EncodePNG(f, working, label); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	return nil
}

// drawLegend adds a legend with text labels to the image
func (r *RasterRenderer) drawLegend(img *image.RGBA, label string) {
	entries := []struct {
		name string
		c    color.NRGBA
	}{
		{"target", r.Colors.Target},
		{"working", r.Colors.Working},
	}

	y := 15
	for _, e := range entries {
		// 12x12 swatch
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, e.c)
			}
		}
		drawText(img, 28, y+4, e.name, color.RGBA{0, 0, 0, 255})
		y += 18
	}
	if label != "" {
		drawText(img, 10, y+4, label, color.RGBA{0, 0, 0, 255})
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// nrgbaToRGBA converts color.NRGBA to premultiplied color.RGBA.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// StepLabel formats the legend line for a step.
func StepLabel(s Step) string {
	return fmt.Sprintf("iter %d  penalty %.3g  %s", s.Iteration, s.Penalty, s.Termination)
}
