package transport

// Status is the connection lifecycle phase.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one observable transition of the connection lifecycle. Attempt
// counts consecutive failed connection attempts; it resets on a successful
// connect.
type State struct {
	Status  Status
	Attempt int
	Err     error
}
