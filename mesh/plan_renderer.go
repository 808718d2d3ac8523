package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	nodeColor     = color.RGBA{R: 33, G: 102, B: 172, A: 255}
	poiColor      = color.RGBA{R: 214, G: 96, B: 77, A: 255}
	untrustedGrey = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	relationColor = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	gridColor     = color.RGBA{R: 211, G: 211, B: 211, A: 255}
	labelColor    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// PlanRenderer draws a top-down view of the scene: entities as markers and
// observations as lines between them.
type PlanRenderer struct {
	Entities     []Entity
	Observations []Observation
	Size         float64           // Longest canvas side in millimeters
	Padding      float64           // Padding in millimeters
	Resolution   canvas.Resolution // Resolution for PNG output (default: 150 DPI)
	GridSpacing  float64           // Grid line spacing in world units; 0 disables
	Labels       bool              // Draw entity IDs on PNG output
}

// NewPlanRenderer creates a plan renderer with default settings
func NewPlanRenderer(entities []Entity, observations []Observation) *PlanRenderer {
	return &PlanRenderer{
		Entities:     entities,
		Observations: observations,
		Size:         200,
		Padding:      10,
		Resolution:   canvas.DPI(150),
		GridSpacing:  10,
		Labels:       true,
	}
}

// RenderToSVG writes the plan as an SVG to the provided writer
func (r *PlanRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the plan as a PNG to the provided writer
func (r *PlanRenderer) RenderToPNG(w io.Writer) error {
	img, err := r.RenderImage()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// RenderImage rasterizes the plan, with labels when enabled
func (r *PlanRenderer) RenderImage() (*image.RGBA, error) {
	l, err := r.layout()
	if err != nil {
		return nil, err
	}
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)

	bounds := rast.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), rast, bounds.Min, draw.Src)

	if r.Labels {
		// Canvas y grows upwards, image y downwards
		pxPerMM := float64(bounds.Dx()) / l.width
		for _, e := range r.Entities {
			cx, cy := l.toCanvas(PlanPoint(e.Position))
			x := int(math.Round(cx*pxPerMM)) + 6
			y := bounds.Dy() - int(math.Round(cy*pxPerMM)) - 4
			drawLabel(img, x, y, string(e.ID), labelColor)
		}
	}
	return img, nil
}

// planLayout maps world plan coordinates to canvas millimeters
type planLayout struct {
	bound         orb.Bound
	scale         float64
	padding       float64
	width, height float64
}

func (l planLayout) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-l.bound.Min[0])*l.scale + l.padding, (p[1]-l.bound.Min[1])*l.scale + l.padding
}

func (r *PlanRenderer) layout() (planLayout, error) {
	if len(r.Entities) == 0 {
		return planLayout{}, fmt.Errorf("no entities to render")
	}
	bound := PlanBound(r.Entities)
	extent := math.Max(bound.Max[0]-bound.Min[0], bound.Max[1]-bound.Min[1])
	if extent <= 0 || math.IsNaN(extent) || math.IsInf(extent, 0) {
		extent = 1
		bound = bound.Pad(0.5)
	}
	size := r.Size
	if size <= 0 {
		size = 200
	}
	scale := size / extent
	return planLayout{
		bound:   bound,
		scale:   scale,
		padding: r.Padding,
		width:   (bound.Max[0]-bound.Min[0])*scale + 2*r.Padding,
		height:  (bound.Max[1]-bound.Min[1])*scale + 2*r.Padding,
	}, nil
}

func (r *PlanRenderer) renderToCanvas(renderer canvasRenderer, l planLayout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		b := l.bound
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			r.line(renderer, l, orb.Point{x, b.Min[1]}, orb.Point{x, b.Max[1]}, gridStyle)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			r.line(renderer, l, orb.Point{b.Min[0], y}, orb.Point{b.Max[0], y}, gridStyle)
		}
	}

	positions := make(map[EntityID]Vec, len(r.Entities))
	for _, e := range r.Entities {
		positions[e.ID] = e.Position
	}

	relStyle := canvas.DefaultStyle
	relStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	relStyle.Stroke = canvas.Paint{Color: relationColor}
	relStyle.StrokeWidth = 0.4
	for _, o := range r.Observations {
		from, okFrom := positions[o.Observer]
		to, okTo := positions[o.Observed]
		if !okFrom || !okTo {
			continue
		}
		r.line(renderer, l, PlanPoint(from), PlanPoint(to), relStyle)
	}

	for _, e := range r.Entities {
		fill := nodeColor
		if e.Kind == KindPOI {
			fill = poiColor
		}
		if !e.Initialized {
			fill = untrustedGrey
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: fill}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.3

		cx, cy := l.toCanvas(PlanPoint(e.Position))
		var marker *canvas.Path
		if e.Kind == KindPOI {
			marker = canvas.Rectangle(3, 3).Translate(cx-1.5, cy-1.5)
		} else {
			marker = canvas.Circle(1.5).Translate(cx, cy)
		}
		renderer.RenderPath(marker, style, canvas.Identity)
	}
}

func (r *PlanRenderer) line(renderer canvasRenderer, l planLayout, a, b orb.Point, style canvas.Style) {
	x1, y1 := l.toCanvas(a)
	x2, y2 := l.toCanvas(b)
	p := &canvas.Path{}
	p.MoveTo(x1, y1)
	p.LineTo(x2, y2)
	renderer.RenderPath(p, style, canvas.Identity)
}

// drawLabel renders text onto an image at the specified position
func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
