// Package heat renders report clusters as additive radial gradients and
// answers pointer queries against what was drawn.
package heat

import (
	"errors"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"noisewatch/internal/cluster"
	"noisewatch/internal/model"
	"noisewatch/internal/noise"
)

type Style struct {
	BaseRadius      float64
	RadiusPerMember float64
	MinRadius       float64
	MaxRadius       float64
	// Hit radius is HitBase + HitScale*ln(1+count) pixels.
	HitBase       float64
	HitScale      float64
	SnippetLength int
}

func DefaultStyle() Style {
	return Style{
		BaseRadius:      40,
		RadiusPerMember: 5,
		MinRadius:       20,
		MaxRadius:       120,
		HitBase:         15,
		HitScale:        6,
		SnippetLength:   80,
	}
}

func (s Style) DrawRadius(count int) float64 {
	r := s.BaseRadius + s.RadiusPerMember*float64(count)
	return math.Max(s.MinRadius, math.Min(s.MaxRadius, r))
}

func (s Style) HitRadius(count int) float64 {
	return s.HitBase + s.HitScale*math.Log1p(float64(count))
}

// Preview is the lightweight hover card for a cluster.
type Preview struct {
	Severity        model.Severity `json:"severity"`
	AverageDecibels int            `json:"average_decibels"`
	Count           int            `json:"count"`
	Snippet         string         `json:"snippet"`
	Latest          time.Time      `json:"latest"`
}

type DetailItem struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Decibels    int       `json:"decibels"`
	Description string    `json:"description"`
}

// Detail lists every member of a cluster, newest first.
type Detail struct {
	Preview
	Items []DetailItem `json:"items"`
}

type drawn struct {
	cluster *cluster.Cluster
	center  Point
}

// Overlay owns the cluster set, the current projection and the canvas.
// All methods are safe for concurrent use; a Replace is never observed
// half applied.
type Overlay struct {
	mu       sync.Mutex
	style    Style
	canvas   Canvas
	proj     Projection
	clusters []*cluster.Cluster
	drawn    []drawn
}

func NewOverlay(canvas Canvas, style Style) *Overlay {
	return &Overlay{canvas: canvas, style: style}
}

// Replace swaps the cluster set and redraws before returning.
func (o *Overlay) Replace(clusters []*cluster.Cluster) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clusters = clusters
	o.draw()
}

// SetProjection installs the projection for a new viewport and redraws.
func (o *Overlay) SetProjection(p Projection) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proj = p
	o.draw()
}

func (o *Overlay) Redraw() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.draw()
}

// Drawn reports how many clusters the last pass put on the canvas.
func (o *Overlay) Drawn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.drawn)
}

// draw requires o.mu. A missing projection leaves the canvas untouched
// and disables hit testing until the next pass.
func (o *Overlay) draw() {
	o.drawn = o.drawn[:0]
	if o.proj == nil || o.canvas == nil {
		return
	}
	centers := make([]Point, len(o.clusters))
	for i, c := range o.clusters {
		pt, err := o.proj.Project(c.Centroid.Lat, c.Centroid.Lng)
		if errors.Is(err, ErrProjectionUnavailable) {
			return
		}
		if err != nil {
			centers[i] = Point{X: math.NaN(), Y: math.NaN()}
			continue
		}
		centers[i] = pt
	}

	o.canvas.Clear()
	o.canvas.SetComposite(Lighter)
	w, h := o.canvas.Size()
	for i, c := range o.clusters {
		pt := centers[i]
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
			continue
		}
		r := o.style.DrawRadius(c.Count())
		if pt.X+r < 0 || pt.Y+r < 0 || pt.X-r > float64(w) || pt.Y-r > float64(h) {
			continue
		}
		o.canvas.FillRadialGradient(RadialGradient{
			Center: pt,
			Radius: r,
			Color:  noise.ColorFor(c.Severity()),
		})
		o.drawn = append(o.drawn, drawn{cluster: c, center: pt})
	}
}

// HitTest returns the drawn cluster whose center is nearest to (x, y) when
// the pointer lies within that cluster's hit radius.
func (o *Overlay) HitTest(x, y float64) (*cluster.Cluster, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hit(x, y)
}

func (o *Overlay) hit(x, y float64) (*cluster.Cluster, bool) {
	var (
		best     *drawn
		bestDist = math.Inf(1)
	)
	for i := range o.drawn {
		d := math.Hypot(o.drawn[i].center.X-x, o.drawn[i].center.Y-y)
		if d < bestDist {
			best, bestDist = &o.drawn[i], d
		}
	}
	if best == nil || bestDist > o.style.HitRadius(best.cluster.Count()) {
		return nil, false
	}
	return best.cluster, true
}

func (o *Overlay) Hover(x, y float64) (Preview, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.hit(x, y)
	if !ok {
		return Preview{}, false
	}
	return PreviewOf(c, o.style.SnippetLength), true
}

func (o *Overlay) Click(x, y float64) (Detail, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.hit(x, y)
	if !ok {
		return Detail{}, false
	}
	return DetailOf(c, o.style.SnippetLength), true
}

func PreviewOf(c *cluster.Cluster, snippetLen int) Preview {
	latest := c.Latest()
	return Preview{
		Severity:        c.Severity(),
		AverageDecibels: c.RoundedDecibels(),
		Count:           c.Count(),
		Snippet:         Snippet(latest.Description, snippetLen),
		Latest:          latest.CreatedAt,
	}
}

func DetailOf(c *cluster.Cluster, snippetLen int) Detail {
	members := c.NewestFirst()
	items := make([]DetailItem, 0, len(members))
	for _, r := range members {
		items = append(items, DetailItem{
			ID:          r.ID,
			CreatedAt:   r.CreatedAt,
			Decibels:    r.Decibels,
			Description: r.Description,
		})
	}
	return Detail{Preview: PreviewOf(c, snippetLen), Items: items}
}

// Snippet shortens s to at most n runes, marking the cut with an ellipsis.
func Snippet(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
