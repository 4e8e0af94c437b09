package models

import (
	"log/slog"
	"slices"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
)

type Config struct {
	Enabled     []Kind
	HandModel   string
	PoseModel   string
	ObjectModel string
}

// Set holds one adapter per enabled kind. A nil field is a disabled model.
type Set struct {
	Hand   HandModel
	Pose   PoseModel
	Object ObjectModel
}

func NewSet(cfg Config, client *sidecar.Client, device *accel.Context, logger *slog.Logger) Set {
	enabled := cfg.Enabled
	if enabled == nil {
		enabled = Kinds
	}

	var set Set
	if slices.Contains(enabled, KindHand) {
		set.Hand = NewHandAdapter(cfg.HandModel, client, device, logger)
	}
	if slices.Contains(enabled, KindPose) {
		set.Pose = NewPoseAdapter(cfg.PoseModel, client, device, logger)
	}
	if slices.Contains(enabled, KindObject) {
		set.Object = NewObjectAdapter(cfg.ObjectModel, client, device, logger)
	}
	return set
}

// Adapters returns the configured adapters in result order.
func (s Set) Adapters() []Adapter {
	var out []Adapter
	if s.Hand != nil {
		out = append(out, s.Hand)
	}
	if s.Object != nil {
		out = append(out, s.Object)
	}
	if s.Pose != nil {
		out = append(out, s.Pose)
	}
	return out
}

func (s Set) Get(kind Kind) (Adapter, bool) {
	for _, a := range s.Adapters() {
		if a.Kind() == kind {
			return a, true
		}
	}
	return nil, false
}
