package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/eleven-am/vision-backend/internal/vision"
)

const DefaultTimeout = 5 * time.Second

// Options selects the optional models for one frame. The hand model always
// runs when it is loaded.
type Options struct {
	DetectObjects   bool
	DetectPose      bool
	ObjectThreshold float64
}

type Config struct {
	Timeout time.Duration
	Deriver vision.Deriver
}

// Failure is a model invocation that produced no output for the frame.
type Failure struct {
	Kind models.Kind
	Err  error
}

// Report describes how a frame was processed.
type Report struct {
	Invoked  []models.Kind
	Absent   []models.Kind
	Failures []Failure
	Duration time.Duration
}

func (r Report) Failed(kind models.Kind) bool {
	for _, f := range r.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Orchestrator runs the perception models over a frame concurrently and
// merges their output. It holds no per-session state.
type Orchestrator struct {
	models  models.Set
	timeout time.Duration
	derive  vision.Deriver
	logger  *slog.Logger
}

func New(set models.Set, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Deriver == nil {
		cfg.Deriver = vision.Derive
	}
	return &Orchestrator{
		models:  set,
		timeout: cfg.Timeout,
		derive:  cfg.Deriver,
		logger:  logger.With("component", "orchestrator"),
	}
}

type slot struct {
	kind    models.Kind
	invoked bool
	absent  bool
	err     error
}

// Process never fails as a whole: a model that errors or times out leaves
// its part of the result empty and is listed in the report.
func (o *Orchestrator) Process(ctx context.Context, frame *vision.Frame, opts Options) (*vision.AggregatedResult, Report) {
	start := time.Now()

	result := &vision.AggregatedResult{
		Timestamp: frame.Timestamp,
		Sequence:  frame.Sequence,
		Hands:     []vision.HandDetection{},
		Objects:   []vision.ObjectDetection{},
	}

	slots := []*slot{
		{kind: models.KindHand},
		{kind: models.KindObject},
		{kind: models.KindPose},
	}
	hand, object, pose := slots[0], slots[1], slots[2]

	var wg sync.WaitGroup

	if o.ready(hand, o.models.Hand) {
		o.run(ctx, &wg, hand, func(ctx context.Context) error {
			hands, err := o.models.Hand.Detect(ctx, frame)
			if err == nil && len(hands) > 0 {
				result.Hands = hands
			}
			return err
		})
	}

	if opts.DetectObjects && o.ready(object, o.models.Object) {
		o.run(ctx, &wg, object, func(ctx context.Context) error {
			objects, err := o.models.Object.Detect(ctx, frame, opts.ObjectThreshold)
			if err == nil && len(objects) > 0 {
				result.Objects = objects
			}
			return err
		})
	}

	if opts.DetectPose && o.ready(pose, o.models.Pose) {
		o.run(ctx, &wg, pose, func(ctx context.Context) error {
			p, err := o.models.Pose.Detect(ctx, frame)
			if err == nil {
				result.Pose = p
			}
			return err
		})
	}

	wg.Wait()

	if primary, ok := result.PrimaryHand(); ok {
		signal := o.derive(primary)
		result.Control = &signal
	}

	report := Report{Duration: time.Since(start)}
	for _, s := range slots {
		switch {
		case s.absent:
			report.Absent = append(report.Absent, s.kind)
		case s.invoked:
			report.Invoked = append(report.Invoked, s.kind)
			if s.err != nil {
				report.Failures = append(report.Failures, Failure{Kind: s.kind, Err: s.err})
				o.logger.Warn("model invocation failed",
					"kind", string(s.kind),
					"sequence", frame.Sequence,
					"error", s.err)
			}
		}
	}

	return result, report
}

func (o *Orchestrator) ready(s *slot, adapter models.Adapter) bool {
	if adapter == nil || !adapter.Available() {
		s.absent = true
		return false
	}
	s.invoked = true
	return true
}

// run starts one bounded invocation. Each goroutine writes only its own
// part of the result, so no locking is needed before wg.Wait returns.
func (o *Orchestrator) run(ctx context.Context, wg *sync.WaitGroup, s *slot, invoke func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("%s model panicked: %v", s.kind, r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		s.err = invoke(ctx)
	}()
}
