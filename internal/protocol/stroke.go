package protocol

import (
	"encoding/json"
	"fmt"
)

// Point is a canvas coordinate.
type Point struct {
	X, Y float64
}

// Stroke is one continuous pointer-down to pointer-up path.
//
// On the wire the points are a flat [x0, y0, x1, y1, ...] array and the
// colour and width use the keys "stroke" and "strokeWidth". ID is an additive
// field; peers that do not send it are still accepted.
type Stroke struct {
	ID     string
	Points []Point
	Color  string
	Width  float64
}

type wireStroke struct {
	ID          string    `json:"id,omitempty"`
	Points      []float64 `json:"points"`
	Stroke      string    `json:"stroke"`
	StrokeWidth float64   `json:"strokeWidth"`
}

// Clone returns a deep copy of s.
func (s Stroke) Clone() Stroke {
	c := s
	c.Points = append([]Point(nil), s.Points...)
	return c
}

func (s Stroke) MarshalJSON() ([]byte, error) {
	flat := make([]float64, 0, len(s.Points)*2)
	for _, p := range s.Points {
		flat = append(flat, p.X, p.Y)
	}
	return json.Marshal(wireStroke{
		ID:          s.ID,
		Points:      flat,
		Stroke:      s.Color,
		StrokeWidth: s.Width,
	})
}

func (s *Stroke) UnmarshalJSON(data []byte) error {
	var w wireStroke
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Points)%2 != 0 {
		return fmt.Errorf("odd number of point coordinates: %d", len(w.Points))
	}

	points := make([]Point, 0, len(w.Points)/2)
	for i := 0; i < len(w.Points); i += 2 {
		points = append(points, Point{X: w.Points[i], Y: w.Points[i+1]})
	}

	*s = Stroke{ID: w.ID, Points: points, Color: w.Stroke, Width: w.StrokeWidth}
	return nil
}
