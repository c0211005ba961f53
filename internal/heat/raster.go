package heat

import (
	"image"
	"image/png"
	"io"
	"math"
)

// RasterCanvas renders into an in-memory RGBA image. It backs the
// server-side heatmap endpoint.
type RasterCanvas struct {
	img       *image.RGBA
	composite Composite
}

func NewRasterCanvas(width, height int) *RasterCanvas {
	return &RasterCanvas{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

func (c *RasterCanvas) Size() (int, int) {
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

func (c *RasterCanvas) Clear() {
	clear(c.img.Pix)
}

func (c *RasterCanvas) SetComposite(op Composite) {
	c.composite = op
}

func (c *RasterCanvas) Image() *image.RGBA {
	return c.img
}

func (c *RasterCanvas) EncodePNG(w io.Writer) error {
	return png.Encode(w, c.img)
}

func (c *RasterCanvas) FillRadialGradient(g RadialGradient) {
	if g.Radius <= 0 || math.IsNaN(g.Radius) {
		return
	}
	b := c.img.Bounds()
	x0 := max(b.Min.X, int(math.Floor(g.Center.X-g.Radius)))
	x1 := min(b.Max.X, int(math.Ceil(g.Center.X+g.Radius))+1)
	y0 := max(b.Min.Y, int(math.Floor(g.Center.Y-g.Radius)))
	y1 := min(b.Max.Y, int(math.Ceil(g.Center.Y+g.Radius))+1)

	baseA := float64(g.Color.A) / 255
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			// sample at the pixel centre
			d := math.Hypot(float64(x)+0.5-g.Center.X, float64(y)+0.5-g.Center.Y)
			if d >= g.Radius {
				continue
			}
			a := baseA * (1 - d/g.Radius)
			c.blend(x, y, a, g)
		}
	}
}

// blend works on premultiplied values, which is what image.RGBA stores.
func (c *RasterCanvas) blend(x, y int, a float64, g RadialGradient) {
	i := c.img.PixOffset(x, y)
	px := c.img.Pix[i : i+4 : i+4]
	src := [4]float64{
		float64(g.Color.R) * a,
		float64(g.Color.G) * a,
		float64(g.Color.B) * a,
		255 * a,
	}
	for k := range 4 {
		dst := float64(px[k])
		var out float64
		switch c.composite {
		case Lighter:
			out = dst + src[k]
		default:
			out = src[k] + dst*(1-a)
		}
		px[k] = uint8(math.Min(255, math.Round(out)))
	}
}
