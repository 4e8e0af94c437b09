package vision

import "gonum.org/v1/gonum/stat"

const boostThrust = 0.7

// Deriver maps the primary hand of a frame to a control signal.
type Deriver func(hand HandDetection) ControlSignal

// Derive maps hand position to direction and hand depth to thrust.
//
// This is a placeholder heuristic rather than gesture classification: any
// full hand held close to the camera counts as BOOST. A real classifier can
// replace it through the Deriver type without touching callers.
func Derive(hand HandDetection) ControlSignal {
	n := len(hand.Landmarks)
	if n == 0 {
		return ControlSignal{Thrust: thrust(0), Action: ActionIdle}
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	for i, l := range hand.Landmarks {
		xs[i], ys[i], zs[i] = l.X, l.Y, l.Z
	}

	cx := stat.Mean(xs, nil)
	cy := stat.Mean(ys, nil)

	var avgZ float64
	if hand.HasDepth {
		avgZ = stat.Mean(zs, nil)
	}

	signal := ControlSignal{
		Direction: Point{
			X: clamp((cx-0.5)*2, -1, 1),
			Y: clamp((0.5-cy)*2, -1, 1),
		},
		Thrust: thrust(avgZ),
		Action: ActionIdle,
	}

	if n >= HandLandmarkCount && signal.Thrust > boostThrust {
		signal.Action = ActionBoost
	}
	return signal
}

func thrust(avgZ float64) float64 {
	return clamp(1-(avgZ+0.5), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
