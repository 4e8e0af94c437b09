package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/vision-backend/internal/events"
	"github.com/eleven-am/vision-backend/internal/inference"
	"github.com/eleven-am/vision-backend/internal/vision"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	publishTimeout = time.Second

	DefaultMaxMessageBytes = 8 << 20
	defaultSendBuffer      = 32
	inboundBuffer          = 16
)

// Processor turns a frame into an aggregated result.
type Processor interface {
	Process(ctx context.Context, frame *vision.Frame, opts inference.Options) (*vision.AggregatedResult, inference.Report)
}

type Options struct {
	MaxMessageBytes int64
	SendBuffer      int
	Defaults        Config
}

type counters struct {
	frames        atomic.Uint64
	detections    atomic.Uint64
	dropped       atomic.Uint64
	decodeErrors  atomic.Uint64
	modelFailures atomic.Uint64
	controlEvents atomic.Uint64
	ignored       atomic.Uint64
}

// Session is one client connection. Messages are handled one at a time in
// arrival order and replies leave in the same order.
type Session struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	processor  Processor
	publisher  events.Publisher
	logger     *slog.Logger
	maxMessage int64
	startedAt  time.Time

	inbound chan Inbound
	send    chan any
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the dispatch goroutine
	cfg        Config
	seq        uint64
	lastAction vision.Action

	mu        sync.RWMutex
	phase     Phase
	cfgView   Config
	closeOnce sync.Once

	stats counters
}

func newSession(ctx context.Context, id string, ws *websocket.Conn, processor Processor, publisher events.Publisher, opts Options, logger *slog.Logger) *Session {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        ctx,
		cancel:     cancel,
		id:         id,
		remoteAddr: ws.RemoteAddr().String(),
		ws:         ws,
		processor:  processor,
		publisher:  publisher,
		logger:     logger.With("session_id", id),
		maxMessage: opts.MaxMessageBytes,
		startedAt:  time.Now(),
		inbound:    make(chan Inbound, inboundBuffer),
		send:       make(chan any, opts.SendBuffer),
		done:       make(chan struct{}),
		cfg:        opts.Defaults,
		cfgView:    opts.Defaults,
		lastAction: vision.ActionIdle,
		phase:      PhaseConnecting,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Run serves the connection until it closes and returns the final summary.
func (s *Session) Run() Summary {
	defer s.cancel()

	s.mu.Lock()
	if s.phase == PhaseConnecting {
		s.phase = PhaseOpen
	}
	s.mu.Unlock()
	s.logger.Info("session opened", "remote_addr", s.remoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.dispatch()
	}()

	s.readPump()
	wg.Wait()

	summary := s.Summary()
	s.logger.Info("session ended",
		"phase", string(summary.Phase),
		"frames", summary.Frames,
		"detections", summary.Detections,
		"dropped", summary.Dropped,
		"duration", summary.EndedAt.Sub(summary.StartedAt))
	return summary
}

// Close ends the session from outside, e.g. on server shutdown.
func (s *Session) Close(code int, reason string) {
	s.closeWith(PhaseClosing, code, reason)
}

func (s *Session) readPump() {
	defer close(s.inbound)

	s.ws.SetReadLimit(s.maxMessage)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !s.Phase().Terminal() {
				s.logger.Warn("websocket read error", "error", err)
			}
			s.closeWith(PhaseClosing, websocket.CloseNormalClosure, "")
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := ParseInbound(data)
		if err != nil {
			s.logger.Warn("closing session on invalid message", "error", err)
			msg = closeRequest{code: websocket.CloseInvalidFramePayloadData, reason: "invalid message"}
		}

		select {
		case s.inbound <- msg:
		case <-s.done:
			return
		}
		if _, ok := msg.(closeRequest); ok {
			return
		}
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case msg, ok := <-s.inbound:
			if !ok {
				return
			}
			if req, ok := msg.(closeRequest); ok {
				s.enqueue(req)
				return
			}
			if err := s.handleSafely(msg); err != nil {
				s.logger.Error("session faulted", "error", err)
				s.closeWith(PhaseFaulted, websocket.CloseInternalServerErr, "internal error")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleSafely(msg Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProtocolFault{Cause: r}
		}
	}()
	s.handle(msg)
	return nil
}

func (s *Session) handle(msg Inbound) {
	switch m := msg.(type) {
	case FrameMessage:
		s.handleFrame(m)
	case PingMessage:
		s.enqueue(PongMessage{Type: TypePong, Timestamp: m.Timestamp})
	case ConfigMessage:
		if m.Err != nil {
			s.stats.ignored.Add(1)
			s.logger.Warn("ignoring malformed config", "error", m.Err)
			return
		}
		s.cfg = s.cfg.Merge(m.Config)
		s.mu.Lock()
		s.cfgView = s.cfg
		s.mu.Unlock()
		s.logger.Debug("session config updated",
			"detect_objects", s.cfg.DetectObjects,
			"detect_pose", s.cfg.DetectPose,
			"object_threshold", s.cfg.ObjectThreshold)
		s.enqueue(ConfigAckMessage{Type: TypeConfigAck, Config: s.cfg})
	case UnknownMessage:
		s.stats.ignored.Add(1)
		s.logger.Warn("ignoring unknown message type", "type", string(m.Type))
	default:
		panic("unhandled inbound message")
	}
}

func (s *Session) handleFrame(m FrameMessage) {
	if m.Err == nil && m.Data == "" {
		return
	}

	s.seq++
	s.stats.frames.Add(1)
	seq := s.seq

	if m.Err != nil {
		s.stats.decodeErrors.Add(1)
		s.stats.dropped.Add(1)
		s.logger.Warn("dropping malformed frame", "sequence", seq, "error", m.Err)
		return
	}

	frame, err := vision.DecodeBase64(m.Data)
	if err != nil {
		s.stats.decodeErrors.Add(1)
		s.stats.dropped.Add(1)
		s.logger.Warn("dropping undecodable frame", "sequence", seq, "error", err)
		return
	}
	frame.Timestamp = m.Timestamp
	frame.Sequence = seq

	result, report := s.processor.Process(s.ctx, frame, s.cfg.Options(m))
	if s.ctx.Err() != nil {
		return
	}
	s.stats.modelFailures.Add(uint64(len(report.Failures)))

	s.enqueue(NewDetectionMessage(result))
	s.stats.detections.Add(1)
	s.publishTransition(result)
}

// publishTransition emits a control event when the action changes. A frame
// without hands counts as IDLE.
func (s *Session) publishTransition(result *vision.AggregatedResult) {
	action := vision.ActionIdle
	var signal vision.ControlSignal
	if result.Control != nil {
		signal = *result.Control
		action = signal.Action
	}
	if action == s.lastAction {
		return
	}

	event := events.ControlEvent{
		SessionID:      s.id,
		Sequence:       result.Sequence,
		Timestamp:      result.Timestamp,
		Action:         action,
		PreviousAction: s.lastAction,
		Thrust:         signal.Thrust,
		Direction:      signal.Direction,
	}
	s.lastAction = action

	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish control event", "error", err)
		return
	}
	s.stats.controlEvents.Add(1)
}

// enqueue hands a message to the write pump. It blocks rather than drop so
// that replies keep their order.
func (s *Session) enqueue(msg any) {
	select {
	case s.send <- msg:
	case <-s.done:
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			if req, ok := msg.(closeRequest); ok {
				s.closeWith(PhaseClosing, req.code, req.reason)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "error", err)
				continue
			}

			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Warn("websocket write error", "error", err)
				}
				s.closeWith(PhaseClosing, websocket.CloseNormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith(PhaseClosing, websocket.CloseNormalClosure, "")
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) closeWith(phase Phase, code int, reason string) {
	s.closeOnce.Do(func() {
		s.setPhase(phase)
		s.cancel()
		close(s.done)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}
