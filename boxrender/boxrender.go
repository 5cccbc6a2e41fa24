// Package boxrender draws labeled bounding boxes or crosshairs onto an
// image. Label placement is deterministic: for identical input the output
// image is identical, byte for byte.
package boxrender

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/cverna/browserd/fault"
)

// Mode selects the marker style.
type Mode string

const (
	ModeBBox      Mode = "bbox"
	ModeCrosshair Mode = "crosshair"
)

// ParseMode validates a client-supplied mode string; empty selects bbox.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBBox:
		return ModeBBox, nil
	case ModeCrosshair:
		return ModeCrosshair, nil
	default:
		return "", fault.New(fault.BadArguments, "mode must be bbox or crosshair, got %q", s).
			WithDetail("argument", "mode")
	}
}

// Box is a pixel-space rectangle, inclusive of X1,Y1 and exclusive of X2,Y2.
type Box struct {
	X1, Y1, X2, Y2 int
}

func (b Box) center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

func (b Box) area() int {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// palette cycles for element colors. Order is part of the output contract.
var palette = []color.RGBA{
	{R: 0xE6, G: 0x2E, B: 0x2E, A: 0xFF}, // red
	{R: 0x2E, G: 0x7D, B: 0xE6, A: 0xFF}, // blue
	{R: 0x2E, G: 0xB8, B: 0x4A, A: 0xFF}, // green
	{R: 0xE6, G: 0x8A, B: 0x2E, A: 0xFF}, // orange
	{R: 0x8E, G: 0x2E, B: 0xE6, A: 0xFF}, // violet
	{R: 0x2E, G: 0xC9, B: 0xC9, A: 0xFF}, // teal
	{R: 0xE6, G: 0x2E, B: 0x9E, A: 0xFF}, // magenta
	{R: 0x9A, G: 0xA8, B: 0x00, A: 0xFF}, // olive
}

const (
	labelRadius   = 10
	clusterRadius = 60.0
	severePenalty = 350.0
	lineThickness = 2
	crosshairArm  = 8
	edgeMargin    = 14
)

// Render draws every box (or a crosshair at its center) plus a numbered
// label, returning a new image. Boxes are numbered from 1 in input order.
func Render(src image.Image, boxes []Box, mode Mode) (*image.RGBA, error) {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fault.New(fault.BadArguments, "image has no pixels")
	}
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)
	if len(boxes) == 0 {
		return out, nil
	}

	labels := placeLabels(boxes, bounds.Dx(), bounds.Dy())

	for i, b := range boxes {
		col := palette[i%len(palette)]
		switch mode {
		case ModeCrosshair:
			cx, cy := b.center()
			drawCrosshair(out, int(cx), int(cy), col)
		default:
			drawRect(out, b, col)
		}
	}
	// Labels go on top of every marker.
	for i, b := range boxes {
		col := palette[i%len(palette)]
		cx, cy := b.center()
		l := labels[i]
		drawLine(out, int(cx), int(cy), l.x, l.y, col)
		drawLabel(out, l.x, l.y, i+1, col)
	}
	return out, nil
}

// label is a chosen label center.
type label struct {
	x, y int
}

// placeLabels runs the deterministic placement search. Exported behavior:
// exactly one label per box, in box order.
func placeLabels(boxes []Box, width, height int) []label {
	clustered := detectClusters(boxes)

	// Constraint priority: clustered boxes first, then area ascending.
	// Ties break on the original index so placement stays stable.
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if clustered[a] != clustered[b] {
			return clustered[a]
		}
		if boxes[a].area() != boxes[b].area() {
			return boxes[a].area() < boxes[b].area()
		}
		return a < b
	})

	labels := make([]label, len(boxes))
	var placed []label
	for _, idx := range order {
		l := placeOne(boxes, idx, placed, clustered[idx], width, height)
		labels[idx] = l
		placed = append(placed, l)
	}
	return labels
}

// detectClusters marks boxes whose center is within clusterRadius of
// another box's center.
func detectClusters(boxes []Box) []bool {
	out := make([]bool, len(boxes))
	for i := range boxes {
		xi, yi := boxes[i].center()
		for j := i + 1; j < len(boxes); j++ {
			xj, yj := boxes[j].center()
			if math.Hypot(xi-xj, yi-yj) <= clusterRadius {
				out[i] = true
				out[j] = true
			}
		}
	}
	return out
}

// placeOne searches a ring of candidates around the box center and keeps
// the cheapest. Candidates below the severe threshold win outright; if
// none qualifies, corner and edge fallbacks with a clear line of sight are
// tried before settling for the least bad ring position.
func placeOne(boxes []Box, idx int, placed []label, inCluster bool, width, height int) label {
	cx, cy := boxes[idx].center()

	best := label{x: clampInt(int(cx), labelRadius, width-labelRadius), y: clampInt(int(cy), labelRadius, height-labelRadius)}
	bestScore := math.Inf(1)

	radii := []float64{28, 44, 64, 90, 120, 160}
	for _, r := range radii {
		for step := 0; step < 12; step++ {
			angle := float64(step) * (2 * math.Pi / 12)
			x := int(cx + r*math.Cos(angle))
			y := int(cy + r*math.Sin(angle))
			if x < labelRadius || y < labelRadius || x >= width-labelRadius || y >= height-labelRadius {
				continue
			}
			score := scoreCandidate(boxes, idx, placed, inCluster, x, y, width, height)
			if score < bestScore {
				bestScore = score
				best = label{x: x, y: y}
			}
		}
		// An early radius that already scores clean wins; larger radii only
		// move the label further away.
		if bestScore < severePenalty/4 {
			return best
		}
	}
	if bestScore < severePenalty {
		return best
	}

	for _, c := range fallbackPositions(width, height) {
		if crossesAnyBox(boxes, idx, cx, cy, float64(c.x), float64(c.y)) {
			continue
		}
		score := scoreCandidate(boxes, idx, placed, inCluster, c.x, c.y, width, height)
		if score < bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func fallbackPositions(width, height int) []label {
	m := labelRadius + 4
	return []label{
		{m, m}, {width - m, m}, {m, height - m}, {width - m, height - m},
		{width / 2, m}, {width / 2, height - m}, {m, height / 2}, {width - m, height / 2},
	}
}

// scoreCandidate is the weighted penalty sum. Lower is better.
func scoreCandidate(boxes []Box, idx int, placed []label, inCluster bool, x, y, width, height int) float64 {
	cx, cy := boxes[idx].center()
	score := 0.0

	// Connecting line crossing another box: very heavy.
	for j, b := range boxes {
		if j == idx {
			continue
		}
		if segmentIntersectsBox(cx, cy, float64(x), float64(y), b) {
			score += 1000
		}
	}
	// Label circle over any box (its own included): heavy.
	for _, b := range boxes {
		if circleOverlapsBox(x, y, labelRadius, b) {
			score += 400
		}
	}
	// Label over an already placed label: moderate.
	for _, p := range placed {
		if dist(float64(x), float64(y), float64(p.x), float64(p.y)) < 2*labelRadius+2 {
			score += 150
		}
	}
	// Clustered boxes prefer labels fanned out to the right-hand side.
	if inCluster && float64(x) < cx {
		score += 20
	}
	// Distance from the center: very light when clustered, light otherwise.
	d := dist(float64(x), float64(y), cx, cy)
	if inCluster {
		score += 0.02 * d
	} else {
		score += 0.08 * d
	}
	// Hugging the image edge: light.
	if x < edgeMargin || y < edgeMargin || x > width-edgeMargin || y > height-edgeMargin {
		score += 30
	}
	return score
}

func crossesAnyBox(boxes []Box, idx int, x1, y1, x2, y2 float64) bool {
	for j, b := range boxes {
		if j == idx {
			continue
		}
		if segmentIntersectsBox(x1, y1, x2, y2, b) {
			return true
		}
	}
	return false
}

// geometry

func dist(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x2-x1, y2-y1)
}

func circleOverlapsBox(x, y, r int, b Box) bool {
	nx := clampInt(x, b.X1, b.X2)
	ny := clampInt(y, b.Y1, b.Y2)
	return dist(float64(x), float64(y), float64(nx), float64(ny)) < float64(r)
}

// segmentIntersectsBox tests the segment against the four box edges, plus
// full containment.
func segmentIntersectsBox(x1, y1, x2, y2 float64, b Box) bool {
	bx1, by1 := float64(b.X1), float64(b.Y1)
	bx2, by2 := float64(b.X2), float64(b.Y2)
	if x1 >= bx1 && x1 <= bx2 && y1 >= by1 && y1 <= by2 &&
		x2 >= bx1 && x2 <= bx2 && y2 >= by1 && y2 <= by2 {
		return true
	}
	return segmentsIntersect(x1, y1, x2, y2, bx1, by1, bx2, by1) ||
		segmentsIntersect(x1, y1, x2, y2, bx2, by1, bx2, by2) ||
		segmentsIntersect(x1, y1, x2, y2, bx2, by2, bx1, by2) ||
		segmentsIntersect(x1, y1, x2, y2, bx1, by2, bx1, by1)
}

func segmentsIntersect(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2 float64) bool {
	d1 := cross(bx1, by1, bx2, by2, ax1, ay1)
	d2 := cross(bx1, by1, bx2, by2, ax2, ay2)
	d3 := cross(ax1, ay1, ax2, ay2, bx1, by1)
	d4 := cross(ax1, ay1, ax2, ay2, bx2, by2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return false
}

func cross(ox, oy, ax, ay, bx, by float64) float64 {
	return (ax-ox)*(by-oy) - (ay-oy)*(bx-ox)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawing primitives

func drawRect(img *image.RGBA, b Box, col color.RGBA) {
	for t := 0; t < lineThickness; t++ {
		hline(img, b.X1, b.X2, b.Y1+t, col)
		hline(img, b.X1, b.X2, b.Y2-1-t, col)
		vline(img, b.X1+t, b.Y1, b.Y2, col)
		vline(img, b.X2-1-t, b.Y1, b.Y2, col)
	}
}

func drawCrosshair(img *image.RGBA, cx, cy int, col color.RGBA) {
	hline(img, cx-crosshairArm, cx+crosshairArm+1, cy, col)
	vline(img, cx, cy-crosshairArm, cy+crosshairArm+1, col)
}

func hline(img *image.RGBA, x1, x2, y int, col color.RGBA) {
	r := img.Bounds()
	if y < r.Min.Y || y >= r.Max.Y {
		return
	}
	for x := max(x1, r.Min.X); x < min(x2, r.Max.X); x++ {
		img.SetRGBA(x, y, col)
	}
}

func vline(img *image.RGBA, x, y1, y2 int, col color.RGBA) {
	r := img.Bounds()
	if x < r.Min.X || x >= r.Max.X {
		return
	}
	for y := max(y1, r.Min.Y); y < min(y2, r.Max.Y); y++ {
		img.SetRGBA(x, y, col)
	}
}

// drawLine is integer Bresenham; used for the label connector.
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, col color.RGBA) {
	dx := abs(x2 - x1)
	dy := -abs(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx + dy
	for {
		if image.Pt(x1, y1).In(img.Bounds()) {
			img.SetRGBA(x1, y1, col)
		}
		if x1 == x2 && y1 == y2 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x1 += sx
		}
		if e2 <= dx {
			err += dx
			y1 += sy
		}
	}
}

// drawLabel paints a filled circle with the element number centered in it.
func drawLabel(img *image.RGBA, cx, cy, number int, col color.RGBA) {
	for y := -labelRadius; y <= labelRadius; y++ {
		for x := -labelRadius; x <= labelRadius; x++ {
			if x*x+y*y <= labelRadius*labelRadius {
				px, py := cx+x, cy+y
				if image.Pt(px, py).In(img.Bounds()) {
					img.SetRGBA(px, py, col)
				}
			}
		}
	}

	text := fmt.Sprintf("%d", number)
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.P(
			cx-w/2,
			cy+face.Metrics().Ascent.Ceil()/2-1,
		),
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
