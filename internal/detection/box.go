// Package detection turns grid-cell model outputs into bounding boxes and
// scores them with mean average precision.
package detection

import "math"

// Format selects how a box's four coordinates are interpreted.
type Format int

const (
	// Midpoint boxes are (center x, center y, width, height).
	Midpoint Format = iota
	// Corners boxes are (x1, y1, x2, y2).
	Corners
)

const iouEpsilon = 1e-6

// Box is a scored, classed box tied to the sample it was found in.
// Coordinates are relative to the image, in [0, 1].
type Box struct {
	SampleIdx int
	Class     int
	Score     float64
	X, Y      float64
	W, H      float64
}

func (b Box) corners(format Format) (x1, y1, x2, y2 float64) {
	if format == Corners {
		return b.X, b.Y, b.W, b.H
	}
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// IoU returns the intersection over union of a and b.
func IoU(a, b Box, format Format) float64 {
	ax1, ay1, ax2, ay2 := a.corners(format)
	bx1, by1, bx2, by2 := b.corners(format)

	x1 := math.Max(ax1, bx1)
	y1 := math.Max(ay1, by1)
	x2 := math.Min(ax2, bx2)
	y2 := math.Min(ay2, by2)

	inter := math.Max(x2-x1, 0) * math.Max(y2-y1, 0)
	areaA := math.Abs((ax2 - ax1) * (ay2 - ay1))
	areaB := math.Abs((bx2 - bx1) * (by2 - by1))
	return inter / (areaA + areaB - inter + iouEpsilon)
}
