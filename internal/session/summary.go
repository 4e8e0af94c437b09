package session

import "time"

// Summary is the record of a finished or running session.
type Summary struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Phase         Phase     `json:"phase"`
	Config        Config    `json:"config"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	Frames        uint64    `json:"frames"`
	Detections    uint64    `json:"detections"`
	Dropped       uint64    `json:"dropped"`
	DecodeErrors  uint64    `json:"decode_errors"`
	ModelFailures uint64    `json:"model_failures"`
	ControlEvents uint64    `json:"control_events"`
	Ignored       uint64    `json:"ignored_messages"`
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	phase, cfg := s.phase, s.cfgView
	s.mu.RUnlock()

	summary := Summary{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr,
		Phase:         phase,
		Config:        cfg,
		StartedAt:     s.startedAt,
		Frames:        s.stats.frames.Load(),
		Detections:    s.stats.detections.Load(),
		Dropped:       s.stats.dropped.Load(),
		DecodeErrors:  s.stats.decodeErrors.Load(),
		ModelFailures: s.stats.modelFailures.Load(),
		ControlEvents: s.stats.controlEvents.Load(),
		Ignored:       s.stats.ignored.Load(),
	}
	if phase.Terminal() {
		summary.EndedAt = time.Now()
	}
	return summary
}
