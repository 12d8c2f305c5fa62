package keybridge

import "strconv"

// Status is the outcome of one dispatched command as seen by the host.
// Values are part of the host ABI and are passed through unchanged.
type Status int32

const (
	// StatusUnhandled is returned when no handler is registered for the command.
	StatusUnhandled Status = 0
	// StatusSuccess is the host's success value. Handlers that produce no
	// explicit status report this.
	StatusSuccess Status = 1
	// StatusMalformed is returned when the command name cannot be decoded.
	StatusMalformed Status = -1
	// StatusFault is returned when a handler panicked.
	StatusFault Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusUnhandled:
		return "unhandled"
	case StatusSuccess:
		return "success"
	case StatusMalformed:
		return "malformed"
	case StatusFault:
		return "fault"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// outcome is the metrics label for a status.
func (s Status) outcome() string {
	switch s {
	case StatusUnhandled, StatusMalformed, StatusFault:
		return s.String()
	default:
		return "handled"
	}
}
