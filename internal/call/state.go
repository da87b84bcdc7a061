package call

// State is the negotiator's position in the call lifecycle.
//
//	Idle -> AwaitingLocalMedia -> AwaitingRemoteJoin -> Negotiating -> Connected
//	                                      \-> Initiating -/
//
// Any state moves to Closed on teardown.
type State int

const (
	StateIdle State = iota
	StateAwaitingLocalMedia
	StateAwaitingRemoteJoin
	StateInitiating
	StateNegotiating
	StateConnected
	StateClosed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateAwaitingLocalMedia: "awaiting-local-media",
	StateAwaitingRemoteJoin: "awaiting-remote-join",
	StateInitiating:         "initiating",
	StateNegotiating:        "negotiating",
	StateConnected:          "connected",
	StateClosed:             "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
