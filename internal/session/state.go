package session

// ConnState describes the engine's connection to the server as a whole:
// the lifecycle driven by the supervisor plus the activity of the two
// sessions while connected.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateIdling
	StateBusy
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateIdling:
		return "idling"
	case StateBusy:
		return "busy"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Connected reports whether commands can currently be executed.
func (s ConnState) Connected() bool {
	return s == StateReady || s == StateIdling || s == StateBusy
}
