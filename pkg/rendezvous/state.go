package rendezvous

// ConnState is the lifecycle state of one control connection.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateAwaitingReady
	StateQueued
	StateRunSent
	StateAborted
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAwaitingReady:
		return "AwaitingReady"
	case StateQueued:
		return "Queued"
	case StateRunSent:
		return "RunSent"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// State is the lifecycle state of the server.
type State uint32

const (
	ServerAccepting State = iota
	ServerBarrierFilled
	ServerDispatching
	ServerDone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case ServerAccepting:
		return "Accepting"
	case ServerBarrierFilled:
		return "BarrierFilled"
	case ServerDispatching:
		return "Dispatching"
	case ServerDone:
		return "Done"
	default:
		return "Unknown"
	}
}
