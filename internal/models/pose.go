package models

import (
	"context"
	"log/slog"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/eleven-am/vision-backend/internal/vision"
	"gonum.org/v1/gonum/stat"
)

// PoseLandmarkCount is the size of a full-body landmark set.
const PoseLandmarkCount = 33

// poseKeyPoints maps key-point names to landmark indices.
var poseKeyPoints = map[string]int{
	"nose":          0,
	"leftShoulder":  11,
	"rightShoulder": 12,
	"leftElbow":     13,
	"rightElbow":    14,
	"leftWrist":     15,
	"rightWrist":    16,
	"leftHip":       23,
	"rightHip":      24,
	"leftKnee":      25,
	"rightKnee":     26,
	"leftAnkle":     27,
	"rightAnkle":    28,
}

type poseResponse struct {
	Pose *struct {
		Landmarks []vision.Landmark `json:"landmarks"`
		Score     *float64          `json:"score"`
	} `json:"pose"`
}

type PoseAdapter struct {
	*runtimeModel
}

func NewPoseAdapter(model string, client *sidecar.Client, device *accel.Context, logger *slog.Logger) *PoseAdapter {
	options := map[string]any{
		"model_complexity":         1,
		"min_detection_confidence": 0.5,
		"min_tracking_confidence":  0.5,
	}
	return &PoseAdapter{runtimeModel: newRuntimeModel(KindPose, model, options, client, device, logger)}
}

// Detect returns the body in the frame, or nil when there is none.
func (a *PoseAdapter) Detect(ctx context.Context, frame *vision.Frame) (*vision.PoseDetection, error) {
	var resp poseResponse
	if err := a.infer(ctx, frame, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Pose == nil || len(resp.Pose.Landmarks) == 0 {
		return nil, nil
	}

	for _, l := range resp.Pose.Landmarks {
		if !l.Finite() {
			a.logger.Debug("dropping pose with non-finite landmarks")
			return nil, nil
		}
	}

	return buildPose(resp.Pose.Landmarks, resp.Pose.Score), nil
}

func buildPose(landmarks []vision.Landmark, score *float64) *vision.PoseDetection {
	pose := &vision.PoseDetection{
		Landmarks: landmarks,
		KeyPoints: make(map[string]vision.Landmark, len(poseKeyPoints)),
	}

	for name, idx := range poseKeyPoints {
		if idx < len(landmarks) {
			pose.KeyPoints[name] = landmarks[idx]
		}
	}

	if nose, ok := pose.KeyPoints["nose"]; ok {
		pose.HeadPosition = &vision.Point{X: nose.X, Y: nose.Y}
	}
	left, lok := pose.KeyPoints["leftShoulder"]
	right, rok := pose.KeyPoints["rightShoulder"]
	if lok && rok {
		pose.BodyCenter = &vision.Point{X: (left.X + right.X) / 2, Y: (left.Y + right.Y) / 2}
	}

	switch {
	case score != nil && finite(*score):
		pose.Confidence = *score
	default:
		pose.Confidence = meanVisibility(landmarks)
	}
	return pose
}

// meanVisibility is the pose confidence when the runtime gives no score.
func meanVisibility(landmarks []vision.Landmark) float64 {
	vis := make([]float64, 0, len(landmarks))
	for _, l := range landmarks {
		if l.Visibility != nil && finite(*l.Visibility) {
			vis = append(vis, *l.Visibility)
		}
	}
	if len(vis) == 0 {
		return 0
	}
	return stat.Mean(vis, nil)
}
