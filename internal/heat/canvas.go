package heat

import (
	"image/color"
)

type Composite int

const (
	SourceOver Composite = iota
	// Lighter adds source and destination, so overlapping blobs intensify.
	Lighter
)

func (c Composite) String() string {
	switch c {
	case Lighter:
		return "lighter"
	default:
		return "source-over"
	}
}

// RadialGradient fades from Color at Center to transparent at Radius.
type RadialGradient struct {
	Center Point
	Radius float64
	Color  color.RGBA
}

// Canvas is the drawing surface the overlay renders into.
type Canvas interface {
	Size() (width, height int)
	Clear()
	SetComposite(Composite)
	FillRadialGradient(RadialGradient)
}
