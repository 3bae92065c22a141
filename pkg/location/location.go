// Package location defines the claim and evidence-stamp records exchanged
// between callers, plugins and the assessment engine, together with the
// geospatial and temporal primitives every plugin evaluation relies on.
package location

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operation is the predicate or measurement a claim requests.
type Operation string

const (
	OperationWithin     Operation = "within"
	OperationContains   Operation = "contains"
	OperationIntersects Operation = "intersects"
	OperationDistance   Operation = "distance"
	OperationArea       Operation = "area"
)

// Boolean reports whether the operation resolves to a true/false policy result.
func (o Operation) Boolean() bool {
	switch o {
	case OperationWithin, OperationContains, OperationIntersects:
		return true
	}
	return false
}

// Numeric reports whether the operation resolves to a measured quantity.
func (o Operation) Numeric() bool {
	return o == OperationDistance || o == OperationArea
}

// Units returns the measurement unit of a numeric operation.
func (o Operation) Units() string {
	switch o {
	case OperationDistance:
		return UnitsMeters
	case OperationArea:
		return UnitsSquareMeters
	}
	return ""
}

const (
	UnitsMeters       = "meters"
	UnitsSquareMeters = "square_meters"
)

// ParseOperation normalises a user supplied operation name.
func ParseOperation(raw string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(raw)))
	if !op.Boolean() && !op.Numeric() {
		return "", fmt.Errorf("unknown operation %q", raw)
	}
	return op, nil
}

// Point is a WGS-84 coordinate. It serialises as a GeoJSON [lon, lat] pair.
type Point struct {
	Lon float64
	Lat float64
}

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return errors.New("coordinates must be finite")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lon)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lon, p.Lat})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point must be a [lon, lat] array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("point must have exactly 2 coordinates, got %d", len(pair))
	}
	p.Lon, p.Lat = pair[0], pair[1]
	return nil
}

// TimeWindow is a closed interval. Start == End denotes an instant.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Instant builds a zero-length window.
func Instant(t time.Time) TimeWindow {
	return TimeWindow{Start: t, End: t}
}

// IsInstant reports whether the window has zero length.
func (w TimeWindow) IsInstant() bool {
	return w.Start.Equal(w.End)
}

// Length returns End - Start.
func (w TimeWindow) Length() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the closed window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Validate checks the window is well ordered.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("time window requires start and end")
	}
	if w.End.Before(w.Start) {
		return errors.New("time window end precedes start")
	}
	return nil
}

func (w TimeWindow) utc() TimeWindow {
	return TimeWindow{Start: w.Start.UTC(), End: w.End.UTC()}
}

// Target is the geometry a claim refers to: either a point with a radius or
// a polygon ring.
type Target struct {
	Point   *Point  `json:"point,omitempty"`
	Radius  float64 `json:"radius,omitempty"`
	Polygon []Point `json:"polygon,omitempty"`
}

// Validate checks the geometry is usable.
func (t Target) Validate() error {
	switch {
	case t.Point == nil && len(t.Polygon) == 0:
		return errors.New("target requires a point or a polygon")
	case t.Point != nil && len(t.Polygon) > 0:
		return errors.New("target cannot be both a point and a polygon")
	}
	if math.IsNaN(t.Radius) || math.IsInf(t.Radius, 0) || t.Radius < 0 {
		return fmt.Errorf("radius %v must be a finite non-negative number", t.Radius)
	}
	if t.Point != nil {
		return t.Point.Validate()
	}
	distinct := make([]Point, 0, len(t.Polygon))
	for i, vertex := range t.Polygon {
		if err := vertex.Validate(); err != nil {
			return fmt.Errorf("polygon vertex %d: %w", i, err)
		}
		if !slices.Contains(distinct, vertex) {
			distinct = append(distinct, vertex)
		}
	}
	if len(distinct) < 3 {
		return errors.New("polygon requires at least 3 distinct vertices")
	}
	return nil
}

func (t Target) clone() Target {
	dup := Target{Radius: t.Radius}
	if t.Point != nil {
		p := *t.Point
		dup.Point = &p
	}
	if t.Polygon != nil {
		dup.Polygon = slices.Clone(t.Polygon)
	}
	return dup
}

// Claim is the geospatial/temporal predicate being checked.
type Claim struct {
	Subject   string     `json:"subject,omitempty"`
	Target    Target     `json:"target"`
	Window    TimeWindow `json:"window"`
	Operation Operation  `json:"operation"`
}

// NewPointClaim builds a claim about a circle around center.
func NewPointClaim(center Point, radius float64, window TimeWindow, op Operation) Claim {
	return Claim{
		Target:    Target{Point: &center, Radius: radius},
		Window:    window,
		Operation: op,
	}
}

// NewRegionClaim builds a claim about a polygon region. The ring is copied.
func NewRegionClaim(ring []Point, window TimeWindow, op Operation) Claim {
	return Claim{
		Target:    Target{Polygon: slices.Clone(ring)},
		Window:    window,
		Operation: op,
	}
}

// Validate checks the claim is complete and well formed.
func (c Claim) Validate() error {
	if !c.Operation.Boolean() && !c.Operation.Numeric() {
		return fmt.Errorf("unknown operation %q", c.Operation)
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared geometry.
func (c Claim) Clone() Claim {
	c.Target = c.Target.clone()
	return c
}

// Stamp is one piece of signed location evidence from a single source.
type Stamp struct {
	Plugin    string          `json:"plugin"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration,omitempty"`
	Location  Point           `json:"location"`
	Accuracy  float64         `json:"accuracy"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Window returns the capture interval of the stamp.
func (s Stamp) Window() TimeWindow {
	start := s.Timestamp
	if s.Duration <= 0 {
		return Instant(start)
	}
	return TimeWindow{Start: start, End: start.Add(s.Duration)}
}

// Clone returns a deep copy of the stamp.
func (s Stamp) Clone() Stamp {
	s.Signature = slices.Clone(s.Signature)
	s.Payload = slices.Clone(s.Payload)
	return s
}
