package scanbind

// State is the phase of one scan-to-bind operation. The enumerated state
// replaces the isScanning/isConnecting/isReadingEnergy flag triple: invalid
// flag combinations are unrepresentable.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateMatching
	StateConnecting
	StateReading
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateMatching:
		return "matching"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether the state ends an operation.
func (s State) terminal() bool {
	return s == StateSuccess || s == StateFailed
}
