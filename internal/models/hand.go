package models

import (
	"context"
	"log/slog"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/eleven-am/vision-backend/internal/vision"
)

const (
	MaxHands = 2

	// defaultHandConfidence is used when the runtime gives no per-hand score.
	defaultHandConfidence = 0.9
)

type handResponse struct {
	Hands []struct {
		Landmarks  [][]float64 `json:"landmarks"`
		Handedness string      `json:"handedness"`
		Score      *float64    `json:"score"`
	} `json:"hands"`
}

type HandAdapter struct {
	*runtimeModel
}

func NewHandAdapter(model string, client *sidecar.Client, device *accel.Context, logger *slog.Logger) *HandAdapter {
	options := map[string]any{
		"max_num_hands":            MaxHands,
		"min_detection_confidence": 0.5,
		"min_tracking_confidence":  0.5,
	}
	return &HandAdapter{runtimeModel: newRuntimeModel(KindHand, model, options, client, device, logger)}
}

// Detect returns up to two hands in the runtime's order. Hands with
// unusable geometry are dropped rather than failing the frame.
func (a *HandAdapter) Detect(ctx context.Context, frame *vision.Frame) ([]vision.HandDetection, error) {
	var resp handResponse
	if err := a.infer(ctx, frame, nil, &resp); err != nil {
		return nil, err
	}

	hands := make([]vision.HandDetection, 0, min(len(resp.Hands), MaxHands))
	for i, h := range resp.Hands {
		if len(hands) == MaxHands {
			break
		}

		landmarks, hasDepth, ok := parseHandLandmarks(h.Landmarks)
		if !ok {
			a.logger.Debug("dropping hand with malformed landmarks", "index", i, "count", len(h.Landmarks))
			continue
		}

		confidence := defaultHandConfidence
		if h.Score != nil && finite(*h.Score) {
			confidence = *h.Score
		}

		hands = append(hands, vision.HandDetection{
			Landmarks:   landmarks,
			HasDepth:    hasDepth,
			Handedness:  h.Handedness,
			Confidence:  confidence,
			BoundingBox: vision.LandmarkBounds(landmarks),
		})
	}
	return hands, nil
}

func parseHandLandmarks(points [][]float64) ([]vision.Landmark, bool, bool) {
	if len(points) == 0 {
		return nil, false, false
	}

	landmarks := make([]vision.Landmark, len(points))
	hasDepth := true
	for i, p := range points {
		if len(p) < 2 {
			return nil, false, false
		}
		l := vision.Landmark{X: p[0], Y: p[1]}
		if len(p) > 2 {
			l.Z = p[2]
		} else {
			hasDepth = false
		}
		if !l.Finite() {
			return nil, false, false
		}
		landmarks[i] = l
	}
	return landmarks, hasDepth, true
}
