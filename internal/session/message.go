package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eleven-am/vision-backend/internal/vision"
)

type MessageType string

const (
	TypeFrame     MessageType = "frame"
	TypePing      MessageType = "ping"
	TypeConfig    MessageType = "config"
	TypeDetection MessageType = "detection"
	TypePong      MessageType = "pong"
	TypeConfigAck MessageType = "config_ack"
)

// Inbound is a decoded client message: one of FrameMessage, PingMessage,
// ConfigMessage or UnknownMessage.
type Inbound interface {
	inboundType() MessageType
}

type FrameMessage struct {
	Data          string   `json:"data"`
	Timestamp     *float64 `json:"timestamp"`
	DetectObjects *bool    `json:"detectObjects,omitempty"`
	DetectPose    *bool    `json:"detectPose,omitempty"`

	// Err is set when the envelope named a frame but its fields did not
	// decode. The frame is dropped.
	Err error `json:"-"`
}

type PingMessage struct {
	Timestamp *float64 `json:"timestamp"`
}

type ConfigMessage struct {
	Config ConfigUpdate `json:"config"`

	// Err is set when the config payload did not decode. The update is ignored.
	Err error `json:"-"`
}

// UnknownMessage carries a type this server does not handle.
type UnknownMessage struct {
	Type MessageType
}

func (FrameMessage) inboundType() MessageType     { return TypeFrame }
func (PingMessage) inboundType() MessageType      { return TypePing }
func (ConfigMessage) inboundType() MessageType    { return TypeConfig }
func (m UnknownMessage) inboundType() MessageType { return m.Type }

var ErrMissingType = errors.New("message has no type")

// EnvelopeError is a message that is not JSON or carries no type. The
// session closes when it sees one.
type EnvelopeError struct {
	Err error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("invalid message envelope: %v", e.Err)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// ParseInbound decodes one client message. Once the type is known, a payload
// that does not decode is reported on the message itself rather than as an
// error.
func ParseInbound(data []byte) (Inbound, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &EnvelopeError{Err: err}
	}
	if env.Type == "" {
		return nil, &EnvelopeError{Err: ErrMissingType}
	}

	switch env.Type {
	case TypeFrame:
		var m FrameMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return FrameMessage{Err: err}, nil
		}
		return m, nil
	case TypePing:
		var m PingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return PingMessage{}, nil
		}
		return m, nil
	case TypeConfig:
		var m ConfigMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return ConfigMessage{Err: err}, nil
		}
		return m, nil
	default:
		return UnknownMessage{Type: env.Type}, nil
	}
}

// closeRequest closes the session once every message queued ahead of it has
// been handled and every reply ahead of it written.
type closeRequest struct {
	code   int
	reason string
}

func (closeRequest) inboundType() MessageType { return "" }

type DetectionMessage struct {
	Type      MessageType              `json:"type"`
	Timestamp *float64                 `json:"timestamp"`
	Sequence  uint64                   `json:"sequence"`
	Hands     []vision.HandDetection   `json:"hands"`
	Objects   []vision.ObjectDetection `json:"objects"`
	Pose      *vision.PoseDetection    `json:"pose"`
	Control   *vision.ControlSignal    `json:"control"`
}

// NewDetectionMessage renders a result with hands and objects always present
// as arrays and pose and control as null when absent.
func NewDetectionMessage(r *vision.AggregatedResult) DetectionMessage {
	msg := DetectionMessage{
		Type:      TypeDetection,
		Timestamp: r.Timestamp,
		Sequence:  r.Sequence,
		Hands:     r.Hands,
		Objects:   r.Objects,
		Pose:      r.Pose,
		Control:   r.Control,
	}
	if msg.Hands == nil {
		msg.Hands = []vision.HandDetection{}
	}
	if msg.Objects == nil {
		msg.Objects = []vision.ObjectDetection{}
	}
	return msg
}

type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp *float64    `json:"timestamp"`
}

type ConfigAckMessage struct {
	Type   MessageType `json:"type"`
	Config Config      `json:"config"`
}
