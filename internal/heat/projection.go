package heat

import (
	"errors"
	"fmt"
	"math"
)

// ErrProjectionUnavailable is returned by a Projection that cannot map
// coordinates yet, such as a map widget that has not finished loading.
var ErrProjectionUnavailable = errors.New("projection unavailable")

// Point is a pixel position, origin at the top left.
type Point struct {
	X float64
	Y float64
}

// Projection maps geographic coordinates to pixels for the current viewport.
type Projection interface {
	Project(lat, lng float64) (Point, error)
}

// ProjectionFunc adapts a function to Projection.
type ProjectionFunc func(lat, lng float64) (Point, error)

func (f ProjectionFunc) Project(lat, lng float64) (Point, error) {
	return f(lat, lng)
}

// MercatorViewport projects a north/south/east/west box onto a Width by
// Height pixel area with Web Mercator, the projection slippy maps use.
type MercatorViewport struct {
	North, South, East, West float64
	Width, Height            int

	top, bottom float64
}

const maxMercatorLat = 85.05112878

func NewMercatorViewport(north, south, east, west float64, width, height int) (*MercatorViewport, error) {
	for _, v := range []float64{north, south, east, west} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("viewport bounds must be finite")
		}
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid viewport size %dx%d", width, height)
	}
	if north <= south {
		return nil, errors.New("north must be greater than south")
	}
	if east <= west {
		return nil, errors.New("east must be greater than west")
	}
	if north > maxMercatorLat || south < -maxMercatorLat {
		return nil, errors.New("viewport latitude outside the mercator range")
	}
	return &MercatorViewport{
		North: north, South: south, East: east, West: west,
		Width: width, Height: height,
		top:    mercatorY(north),
		bottom: mercatorY(south),
	}, nil
}

func (v *MercatorViewport) Project(lat, lng float64) (Point, error) {
	if v == nil || v.Width <= 0 || v.Height <= 0 || v.top == v.bottom {
		return Point{}, ErrProjectionUnavailable
	}
	x := (lng - v.West) / (v.East - v.West) * float64(v.Width)
	y := (v.top - mercatorY(lat)) / (v.top - v.bottom) * float64(v.Height)
	return Point{X: x, Y: y}, nil
}

func mercatorY(lat float64) float64 {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	rad := lat * math.Pi / 180
	return math.Log(math.Tan(math.Pi/4 + rad/2))
}
