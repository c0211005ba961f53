// Package cluster groups nearby noise reports with a single greedy pass.
//
// Assignment is first-match in cluster creation order, so the result depends
// on input order. That makes equal input produce equal output, which is all
// callers rely on.
package cluster

import (
	"math"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"noisewatch/internal/model"
	"noisewatch/internal/noise"
)

// DefaultDistance is roughly 100 to 150 metres at Tirana's latitude.
const DefaultDistance = 0.0015

type Metric int

const (
	// Euclidean compares the straight-line distance in degrees.
	Euclidean Metric = iota
	// PerAxis requires both the latitude and the longitude delta to be
	// under the distance, a square neighbourhood.
	PerAxis
)

// Point is a (lat, lng) pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Cluster struct {
	Members         []model.Report
	Centroid        Point
	AverageDecibels float64
	sum             float64
}

func (c *Cluster) Count() int {
	return len(c.Members)
}

// RoundedDecibels is the average as displayed, rounded half away from zero.
func (c *Cluster) RoundedDecibels() int {
	return int(noise.Round(c.AverageDecibels))
}

func (c *Cluster) Severity() model.Severity {
	return noise.SeverityFor(c.RoundedDecibels())
}

// Latest returns the most recently created member. Ties keep the later
// arrival.
func (c *Cluster) Latest() model.Report {
	var latest model.Report
	for i, r := range c.Members {
		if i == 0 || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}

// NewestFirst returns a copy of the members sorted by creation time,
// newest first. Members created at the same instant keep reverse arrival
// order.
func (c *Cluster) NewestFirst() []model.Report {
	out := slices.Clone(c.Members)
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b model.Report) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func (c *Cluster) add(r model.Report) {
	c.Members = append(c.Members, r)
	n := float64(len(c.Members))
	c.Centroid.Lat = (c.Centroid.Lat*(n-1) + r.Latitude) / n
	c.Centroid.Lng = (c.Centroid.Lng*(n-1) + r.Longitude) / n
	c.sum += float64(r.Decibels)
	c.AverageDecibels = c.sum / n
}

type Clusterer struct {
	Distance float64
	Metric   Metric
	// Window keeps only reports created within Window of Clock's now.
	// Zero disables the filter.
	Window time.Duration
	Clock  clockwork.Clock
}

func New(distance float64, window time.Duration, clock clockwork.Clock) *Clusterer {
	if distance <= 0 {
		distance = DefaultDistance
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Clusterer{Distance: distance, Window: window, Clock: clock}
}

func (cl *Clusterer) Cluster(reports []model.Report) []*Cluster {
	var cutoff time.Time
	if cl.Window > 0 {
		clock := cl.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		cutoff = clock.Now().Add(-cl.Window)
	}
	clusters := make([]*Cluster, 0)
	for _, r := range reports {
		if cl.Window > 0 && (r.CreatedAt.IsZero() || r.CreatedAt.Before(cutoff)) {
			continue
		}
		if !finite(r.Latitude) || !finite(r.Longitude) {
			continue
		}
		target := cl.find(clusters, r.Latitude, r.Longitude)
		if target == nil {
			target = &Cluster{}
			clusters = append(clusters, target)
		}
		target.add(r)
	}
	return clusters
}

func (cl *Clusterer) find(clusters []*Cluster, lat, lng float64) *Cluster {
	d := cl.Distance
	if d <= 0 {
		d = DefaultDistance
	}
	for _, c := range clusters {
		dLat := lat - c.Centroid.Lat
		dLng := lng - c.Centroid.Lng
		switch cl.Metric {
		case PerAxis:
			if math.Abs(dLat) < d && math.Abs(dLng) < d {
				return c
			}
		default:
			if math.Hypot(dLat, dLng) < d {
				return c
			}
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
