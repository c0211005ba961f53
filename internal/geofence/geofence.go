// Package geofence decides whether a coordinate lies inside the service area.
//
// Geometry is held as orb types, which order coordinates (lng, lat) the way
// GeoJSON does. Every exported function takes (lat, lng) and converts at the
// boundary, so callers never handle the swapped order.
package geofence

import (
	"github.com/paulmach/orb"
)

// Validator is a pure containment test. Implementations must return the same
// answer for the same point regardless of call order.
type Validator interface {
	Contains(lat, lng float64) bool
}

// BoundingBox is an inclusive lat/lng rectangle.
type BoundingBox struct {
	bound orb.Bound
}

func NewBoundingBox(minLat, maxLat, minLng, maxLng float64) BoundingBox {
	return BoundingBox{bound: orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}}
}

// TiranaBounds is the approximate municipal rectangle used by the report form
// before a polygon is available.
func TiranaBounds() BoundingBox {
	return NewBoundingBox(41.20, 41.45, 19.65, 19.98)
}

func (b BoundingBox) Contains(lat, lng float64) bool {
	return b.bound.Contains(orb.Point{lng, lat})
}

func (b BoundingBox) Bound() orb.Bound {
	return b.bound
}

// Polygon tests containment against a single ring with the even-odd rule.
// A ring with fewer than three distinct vertices contains nothing.
type Polygon struct {
	ring orb.Ring
}

func NewPolygon(ring orb.Ring) Polygon {
	r := make(orb.Ring, len(ring))
	copy(r, ring)
	// A closed GeoJSON ring repeats its first vertex; the wraparound edge is
	// handled by the loop, so the duplicate is dropped.
	if len(r) > 1 && r[0] == r[len(r)-1] {
		r = r[:len(r)-1]
	}
	return Polygon{ring: r}
}

func (p Polygon) Ring() orb.Ring {
	out := make(orb.Ring, len(p.ring), len(p.ring)+1)
	copy(out, p.ring)
	if len(out) > 0 {
		out = append(out, out[0])
	}
	return out
}

func (p Polygon) Contains(lat, lng float64) bool {
	if !p.valid() {
		return false
	}
	inside := false
	n := len(p.ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p.ring[i][0], p.ring[i][1]
		xj, yj := p.ring[j][0], p.ring[j][1]
		if (yi > lat) == (yj > lat) {
			continue
		}
		cross := (xj-xi)*(lat-yi)/(yj-yi) + xi
		if lng < cross {
			inside = !inside
		}
	}
	return inside
}

func (p Polygon) valid() bool {
	if len(p.ring) < 3 {
		return false
	}
	distinct := make(map[orb.Point]struct{}, 3)
	for _, pt := range p.ring {
		distinct[pt] = struct{}{}
		if len(distinct) >= 3 {
			return true
		}
	}
	return false
}
