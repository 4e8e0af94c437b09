package vision

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LandmarkBounds returns the min/max extent of a landmark set in the same
// normalized space as the landmarks.
func LandmarkBounds(landmarks []Landmark) BoundingBox {
	if len(landmarks) == 0 {
		return BoundingBox{}
	}

	xs := make([]float64, len(landmarks))
	ys := make([]float64, len(landmarks))
	for i, l := range landmarks {
		xs[i], ys[i] = l.X, l.Y
	}

	minX, maxX := floats.Min(xs), floats.Max(xs)
	minY, maxY := floats.Min(ys), floats.Max(ys)
	return BoundingBox{
		X:      minX,
		Y:      minY,
		Width:  maxX - minX,
		Height: maxY - minY,
	}
}

func (l Landmark) Finite() bool {
	return finite(l.X) && finite(l.Y) && finite(l.Z)
}

func (b BoundingBox) Finite() bool {
	return finite(b.X) && finite(b.Y) && finite(b.Width) && finite(b.Height)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
