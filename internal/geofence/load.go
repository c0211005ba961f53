package geofence

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"noisewatch/internal/config"
)

//go:embed data/tirana.geojson
var tiranaGeoJSON []byte

var ErrNoPolygon = errors.New("geojson contains no polygon")

// Default returns the embedded Tirana boundary polygon.
func Default() Polygon {
	p, err := LoadGeoJSON(tiranaGeoJSON)
	if err != nil {
		// The embedded file is part of the build; failing closed keeps every
		// report out rather than letting all of them in.
		return Polygon{}
	}
	return p
}

// LoadGeoJSON reads the outer ring of the first Polygon or MultiPolygon found
// in a FeatureCollection, a Feature or a bare geometry.
func LoadGeoJSON(data []byte) (Polygon, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Polygon{}, fmt.Errorf("decode geojson: %w", err)
	}
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Polygon{}, fmt.Errorf("decode feature collection: %w", err)
		}
		for _, f := range fc.Features {
			if ring, ok := outerRing(f.Geometry); ok {
				return NewPolygon(ring), nil
			}
		}
		return Polygon{}, ErrNoPolygon
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return Polygon{}, fmt.Errorf("decode feature: %w", err)
		}
		if ring, ok := outerRing(f.Geometry); ok {
			return NewPolygon(ring), nil
		}
		return Polygon{}, ErrNoPolygon
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Polygon{}, fmt.Errorf("decode geometry: %w", err)
		}
		if ring, ok := outerRing(g.Geometry()); ok {
			return NewPolygon(ring), nil
		}
		return Polygon{}, ErrNoPolygon
	}
}

func LoadGeoJSONFile(path string) (Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Polygon{}, err
	}
	return LoadGeoJSON(data)
}

func outerRing(g orb.Geometry) (orb.Ring, bool) {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) > 0 {
			return geom[0], true
		}
	case orb.MultiPolygon:
		for _, poly := range geom {
			if len(poly) > 0 {
				return poly[0], true
			}
		}
	}
	return nil, false
}

// FromConfig builds the configured validator. The polygon strategy uses
// PolygonFile when set and the embedded boundary otherwise.
func FromConfig(cfg config.GeofenceConfig) (Validator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", "polygon":
		if cfg.PolygonFile == "" {
			return Default(), nil
		}
		return LoadGeoJSONFile(cfg.PolygonFile)
	case "bbox", "bounding_box":
		b := cfg.BoundingBox
		return NewBoundingBox(b.MinLat, b.MaxLat, b.MinLng, b.MaxLng), nil
	default:
		return nil, fmt.Errorf("unsupported geofence strategy %q", cfg.Strategy)
	}
}

// GeoJSON renders a validator's area as a FeatureCollection so clients can
// run the same check with the same vertex order.
func GeoJSON(v Validator) ([]byte, error) {
	var geom orb.Geometry
	switch area := v.(type) {
	case Polygon:
		geom = orb.Polygon{area.Ring()}
	case BoundingBox:
		geom = area.Bound().ToPolygon()
	default:
		return nil, fmt.Errorf("unsupported validator %T", v)
	}
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(geom)
	f.Properties["name"] = "service_area"
	fc.Append(f)
	return fc.MarshalJSON()
}
