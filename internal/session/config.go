package session

import (
	"github.com/eleven-am/vision-backend/internal/inference"
	"github.com/eleven-am/vision-backend/internal/models"
)

// Config is a session's effective detection configuration.
type Config struct {
	DetectObjects   bool    `json:"detectObjects"`
	DetectPose      bool    `json:"detectPose"`
	ObjectThreshold float64 `json:"objectThreshold"`
}

func DefaultConfig() Config {
	return Config{ObjectThreshold: models.DefaultObjectThreshold}
}

// ConfigUpdate holds the fields a client chose to change.
type ConfigUpdate struct {
	DetectObjects   *bool    `json:"detectObjects,omitempty"`
	DetectPose      *bool    `json:"detectPose,omitempty"`
	ObjectThreshold *float64 `json:"objectThreshold,omitempty"`
}

// Merge applies the supplied fields. Thresholds outside [0, 1] are ignored.
func (c Config) Merge(u ConfigUpdate) Config {
	if u.DetectObjects != nil {
		c.DetectObjects = *u.DetectObjects
	}
	if u.DetectPose != nil {
		c.DetectPose = *u.DetectPose
	}
	if u.ObjectThreshold != nil && *u.ObjectThreshold >= 0 && *u.ObjectThreshold <= 1 {
		c.ObjectThreshold = *u.ObjectThreshold
	}
	return c
}

// Options resolves the models to run for one frame. Flags on the frame
// win over the session config.
func (c Config) Options(f FrameMessage) inference.Options {
	opts := inference.Options{
		DetectObjects:   c.DetectObjects,
		DetectPose:      c.DetectPose,
		ObjectThreshold: c.ObjectThreshold,
	}
	if f.DetectObjects != nil {
		opts.DetectObjects = *f.DetectObjects
	}
	if f.DetectPose != nil {
		opts.DetectPose = *f.DetectPose
	}
	return opts
}
