package canvas

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/1ureka/cowork/internal/protocol"
)

// Render rasterizes strokes onto a white w×h image. Strokes are painted in
// order with round caps and joins; points outside the image are clipped.
func Render(strokes []protocol.Stroke, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for _, st := range strokes {
		paintStroke(img, st)
	}
	return img
}

// Snapshot renders the visible canvas.
func (e *Engine) Snapshot(w, h int) *image.RGBA {
	return Render(e.Strokes(), w, h)
}

// WritePNG encodes the visible canvas as a PNG.
func (e *Engine) WritePNG(out io.Writer, w, h int) error {
	if err := png.Encode(out, e.Snapshot(w, h)); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

func paintStroke(img *image.RGBA, st protocol.Stroke) {
	pts := make([]protocol.Point, 0, len(st.Points))
	for _, p := range st.Points {
		if finite(p) {
			pts = append(pts, p)
		}
	}
	if len(pts) == 0 {
		return
	}

	c, err := ParseColor(st.Color)
	if err != nil {
		c = color.RGBA{A: 0xff}
	}

	b := img.Bounds()
	diag := math.Hypot(float64(b.Dx()), float64(b.Dy()))
	r := st.Width / 2
	if r < 0.5 || math.IsNaN(r) {
		r = 0.5
	}
	r = min(r, diag)

	// Segments are clipped to the image grown by the brush radius, so the
	// work per stroke is bounded by the image size, not by the coordinates.
	minX, minY := float64(b.Min.X)-r-1, float64(b.Min.Y)-r-1
	maxX, maxY := float64(b.Max.X)+r+1, float64(b.Max.Y)+r+1
	step := max(0.5, r/4)

	stamp(img, pts[0], r, c)
	for i := 1; i < len(pts); i++ {
		a, z, ok := clipSegment(pts[i-1], pts[i], minX, minY, maxX, maxY)
		if !ok {
			continue
		}
		dist := math.Hypot(z.X-a.X, z.Y-a.Y)
		steps := int(math.Ceil(dist / step))
		stamp(img, a, r, c)
		for s := 1; s <= steps; s++ {
			t := float64(s) / float64(steps)
			stamp(img, protocol.Point{X: a.X + (z.X-a.X)*t, Y: a.Y + (z.Y-a.Y)*t}, r, c)
		}
	}
}

// clipSegment clips a→b to the rectangle (Liang–Barsky). It reports false
// when the segment lies entirely outside.
func clipSegment(a, b protocol.Point, minX, minY, maxX, maxY float64) (protocol.Point, protocol.Point, bool) {
	dx, dy := b.X-a.X, b.Y-a.Y
	t0, t1 := 0.0, 1.0

	for _, e := range [4][2]float64{
		{-dx, a.X - minX},
		{dx, maxX - a.X},
		{-dy, a.Y - minY},
		{dy, maxY - a.Y},
	} {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return a, b, false
			}
			t0 = max(t0, t)
		} else {
			if t < t0 {
				return a, b, false
			}
			t1 = min(t1, t)
		}
	}

	return protocol.Point{X: a.X + t0*dx, Y: a.Y + t0*dy},
		protocol.Point{X: a.X + t1*dx, Y: a.Y + t1*dy}, true
}

// stamp fills a disc of radius r centred on p.
func stamp(img *image.RGBA, p protocol.Point, r float64, c color.RGBA) {
	b := img.Bounds()
	if p.X+r < float64(b.Min.X) || p.X-r > float64(b.Max.X) ||
		p.Y+r < float64(b.Min.Y) || p.Y-r > float64(b.Max.Y) {
		return
	}

	x0 := max(int(math.Floor(p.X-r)), b.Min.X)
	x1 := min(int(math.Ceil(p.X+r)), b.Max.X-1)
	y0 := max(int(math.Floor(p.Y-r)), b.Min.Y)
	y1 := min(int(math.Ceil(p.Y+r)), b.Max.Y-1)

	rr := r * r
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx := float64(x) + 0.5 - p.X
			dy := float64(y) + 0.5 - p.Y
			if dx*dx+dy*dy <= rr {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// ParseColor accepts "#rgb" and "#rrggbb".
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
