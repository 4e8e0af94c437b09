package models

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/eleven-am/vision-backend/internal/vision"
)

const DefaultObjectThreshold = 0.5

type objectResponse struct {
	Detections []struct {
		Box        []float64 `json:"box"`
		Confidence float64   `json:"confidence"`
		ClassID    int       `json:"class_id"`
		Class      string    `json:"class"`
	} `json:"detections"`
}

type ObjectAdapter struct {
	*runtimeModel
}

func NewObjectAdapter(model string, client *sidecar.Client, device *accel.Context, logger *slog.Logger) *ObjectAdapter {
	return &ObjectAdapter{runtimeModel: newRuntimeModel(KindObject, model, nil, client, device, logger)}
}

// Detect returns objects scoring at least threshold. Boxes are returned in
// image pixels as x, y, width, height.
func (a *ObjectAdapter) Detect(ctx context.Context, frame *vision.Frame, threshold float64) ([]vision.ObjectDetection, error) {
	if !finite(threshold) || threshold < 0 || threshold > 1 {
		threshold = DefaultObjectThreshold
	}

	var resp objectResponse
	if err := a.infer(ctx, frame, map[string]any{"threshold": threshold}, &resp); err != nil {
		return nil, err
	}

	objects := make([]vision.ObjectDetection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if !finite(d.Confidence) || d.Confidence < threshold {
			continue
		}
		box, ok := cornerBox(d.Box)
		if !ok {
			a.logger.Debug("dropping object with malformed box", "class_id", d.ClassID, "box", d.Box)
			continue
		}

		class := d.Class
		if class == "" {
			class = strconv.Itoa(d.ClassID)
		}

		objects = append(objects, vision.ObjectDetection{
			Class:       class,
			ClassID:     d.ClassID,
			Confidence:  d.Confidence,
			BoundingBox: box,
		})
	}
	return objects, nil
}

// cornerBox converts x1, y1, x2, y2 corners into an origin and size.
// Swapped corners are normalized.
func cornerBox(corners []float64) (vision.BoundingBox, bool) {
	if len(corners) != 4 {
		return vision.BoundingBox{}, false
	}
	x1, y1, x2, y2 := corners[0], corners[1], corners[2], corners[3]
	box := vision.BoundingBox{
		X:      math.Min(x1, x2),
		Y:      math.Min(y1, y2),
		Width:  math.Abs(x2 - x1),
		Height: math.Abs(y2 - y1),
	}
	return box, box.Finite()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
