package vision

import (
	"encoding/json"
	"fmt"
)

// HandLandmarkCount is the size of a complete hand landmark set.
const HandLandmarkCount = 21

// Frame is one decoded image in canonical RGB order.
type Frame struct {
	Width     int
	Height    int
	Pix       []byte
	Timestamp *float64
	Sequence  uint64
}

func (f *Frame) Stride() int {
	return f.Width * 3
}

// At returns the RGB triple at (x, y).
func (f *Frame) At(x, y int) (r, g, b uint8) {
	i := y*f.Stride() + x*3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Landmark struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Z          float64  `json:"z"`
	Visibility *float64 `json:"visibility,omitempty"`
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type HandDetection struct {
	Landmarks   []Landmark
	HasDepth    bool
	Handedness  string
	Confidence  float64
	BoundingBox BoundingBox
}

type handWire struct {
	Landmarks   [][]float64 `json:"landmarks"`
	Handedness  string      `json:"handedness"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// MarshalJSON writes landmarks as [x, y] or [x, y, z] arrays.
func (h HandDetection) MarshalJSON() ([]byte, error) {
	w := handWire{
		Landmarks:   make([][]float64, len(h.Landmarks)),
		Handedness:  h.Handedness,
		Confidence:  h.Confidence,
		BoundingBox: h.BoundingBox,
	}
	for i, l := range h.Landmarks {
		if h.HasDepth {
			w.Landmarks[i] = []float64{l.X, l.Y, l.Z}
		} else {
			w.Landmarks[i] = []float64{l.X, l.Y}
		}
	}
	return json.Marshal(w)
}

func (h *HandDetection) UnmarshalJSON(data []byte) error {
	var w handWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	h.Handedness = w.Handedness
	h.Confidence = w.Confidence
	h.BoundingBox = w.BoundingBox
	h.Landmarks = make([]Landmark, len(w.Landmarks))
	h.HasDepth = len(w.Landmarks) > 0
	for i, p := range w.Landmarks {
		if len(p) < 2 {
			return fmt.Errorf("landmark %d: expected at least 2 coordinates, got %d", i, len(p))
		}
		h.Landmarks[i] = Landmark{X: p[0], Y: p[1]}
		if len(p) > 2 {
			h.Landmarks[i].Z = p[2]
		} else {
			h.HasDepth = false
		}
	}
	return nil
}

type PoseDetection struct {
	Landmarks    []Landmark          `json:"landmarks"`
	KeyPoints    map[string]Landmark `json:"keyPoints"`
	HeadPosition *Point              `json:"headPosition,omitempty"`
	BodyCenter   *Point              `json:"bodyCenter,omitempty"`
	Confidence   float64             `json:"confidence"`
}

// ObjectDetection boxes are in image pixels, not normalized.
type ObjectDetection struct {
	Class       string      `json:"class"`
	ClassID     int         `json:"classId"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

type Action string

const (
	ActionIdle  Action = "IDLE"
	ActionBoost Action = "BOOST"
)

func (a Action) Valid() bool {
	switch a {
	case ActionIdle, ActionBoost:
		return true
	default:
		return false
	}
}

type ControlSignal struct {
	Direction Point   `json:"direction"`
	Thrust    float64 `json:"thrust"`
	Action    Action  `json:"action"`
}

// AggregatedResult is everything detected in one frame. Control is set
// exactly when Hands is non-empty.
type AggregatedResult struct {
	Timestamp *float64
	Sequence  uint64
	Hands     []HandDetection
	Objects   []ObjectDetection
	Pose      *PoseDetection
	Control   *ControlSignal
}

// PrimaryHand is the first hand in model output order.
func (r *AggregatedResult) PrimaryHand() (HandDetection, bool) {
	if len(r.Hands) == 0 {
		return HandDetection{}, false
	}
	return r.Hands[0], true
}
