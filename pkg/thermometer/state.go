package thermometer

// State is the connection lifecycle state of a Monitor. A Monitor owns
// exactly one State at a time; transitions happen only inside the monitor.
type State int

const (
	// StateIdle is the rest state: not connected, no retry pending.
	StateIdle State = iota
	// StateConnecting is an in-flight connection attempt.
	StateConnecting
	// StateSubscribing is enabling notifications on an established link.
	StateSubscribing
	// StateActive is subscribed and receiving frames.
	StateActive
	// StateDisconnecting is releasing the link.
	StateDisconnecting
	// StateAwaitingRetry is waiting for the retry timer after a failure.
	StateAwaitingRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateAwaitingRetry:
		return "awaiting retry"
	}
	return "unknown"
}
