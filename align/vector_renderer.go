package align

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// FrameRenderer renders a projection of the target and working clouds as
// vector graphics. Canvas units are millimetres.
type FrameRenderer struct {
	Target      PointCloud
	Projection  Projection
	Width       float64           // canvas width
	Height      float64           // canvas height
	Padding     float64           // canvas units around the drawing
	PointRadius float64           // canvas units
	GridSpacing float64           // world units; 0 disables the grid
	Resolution  canvas.Resolution // Resolution for PNG output (default: 96 DPI)
	Colors      CloudColors
}

// NewFrameRenderer creates a vector renderer with default settings
func NewFrameRenderer(target PointCloud) *FrameRenderer {
	return &FrameRenderer{
		Target:      target,
		Projection:  ProjectXY,
		Width:       200,
		Height:      200,
		Padding:     10,
		PointRadius: 0.4,
		Resolution:  canvas.DPI(96),
		Colors:      DefaultCloudColors(),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes the frame as an SVG to w.
func (r *FrameRenderer) RenderSVG(w io.Writer, working PointCloud) error {
	svgRenderer := svg.New(w, r.Width, r.Height, nil)
	r.renderToCanvas(svgRenderer, working)
	return svgRenderer.Close()
}

// RenderPNG writes the frame as a PNG to w.
func (r *FrameRenderer) RenderPNG(w io.Writer, working PointCloud) error {
	rast := rasterizer.New(r.Width, r.Height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, working)
	return png.Encode(w, rast)
}

// WriteFrame renders working into dir/frame-NNNN.{svg,png} and returns the
// file path.
func (r *FrameRenderer) WriteFrame(dir string, iteration int, format string, working PointCloud) (string, error) {
	if format == "" {
		format = "svg"
	}
	if format != "svg" && format != "png" {
		return "", fmt.Errorf("unsupported frame format %q", format)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating frame directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("frame-%04d.%s", iteration, format))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating frame file: %w", err)
	}
	if format == "svg" {
		err = r.RenderSVG(f, working)
	} else {
		err = r.RenderPNG(f, working)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("rendering frame %d: %w", iteration, err)
	}
	return path, nil
}

func (r *FrameRenderer) renderToCanvas(renderer canvasRenderer, working PointCloud) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(r.Width, r.Height), bgStyle, canvas.Identity)

	layout := newFrameLayout(r.Projection, r.Width, r.Height, r.Padding, false, r.Target, working)

	if r.GridSpacing > 0 {
		r.renderGrid(renderer, layout)
	}

	dots := func(c PointCloud, fill color.NRGBA) {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(fill)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range c {
			x, y := layout.toFrame(p)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(x, y), style, canvas.Identity)
		}
	}
	dots(r.Target, r.Colors.Target)
	dots(working, r.Colors.Working)
}

func (r *FrameRenderer) renderGrid(renderer canvasRenderer, layout frameLayout) {
	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.2
	gridStyle.Dashes = []float64{1.0, 1.0}

	// world extent covered by the frame
	toWorld := func(f, lo, off float64) float64 { return (f-off)/layout.scale + lo }
	minX, maxX := toWorld(0, layout.minX, layout.offX), toWorld(r.Width, layout.minX, layout.offX)
	minY, maxY := toWorld(0, layout.minY, layout.offY), toWorld(r.Height, layout.minY, layout.offY)

	for x := math.Ceil(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
		fx := (x-layout.minX)*layout.scale + layout.offX
		p := &canvas.Path{}
		p.MoveTo(fx, 0)
		p.LineTo(fx, r.Height)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
	for y := math.Ceil(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
		fy := (y-layout.minY)*layout.scale + layout.offY
		p := &canvas.Path{}
		p.MoveTo(0, fy)
		p.LineTo(r.Width, fy)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
}
