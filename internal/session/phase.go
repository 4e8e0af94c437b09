package session

import "fmt"

type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosing    Phase = "closing"
	PhaseFaulted    Phase = "faulted"
)

// Terminal reports whether no further messages will be handled.
func (p Phase) Terminal() bool {
	return p == PhaseClosing || p == PhaseFaulted
}

// ProtocolFault is an unexpected failure inside the session. It ends the
// session, never the process.
type ProtocolFault struct {
	Cause any
}

func (e *ProtocolFault) Error() string {
	return fmt.Sprintf("protocol fault: %v", e.Cause)
}

func (e *ProtocolFault) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}
