package inference

// State is a position in the client's request lifecycle.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateAwaitingReply
	StateAccepted
	StateRejected
	StateServerFault
	StateMalformed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateUploading:     "uploading",
	StateAwaitingReply: "awaiting-reply",
	StateAccepted:      "accepted",
	StateRejected:      "rejected",
	StateServerFault:   "server-fault",
	StateMalformed:     "malformed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateAccepted
}

// Outcome is the classification of a reply.
type Outcome int

const (
	Accepted Outcome = iota + 1
	Rejected
	ServerFault
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case ServerFault:
		return "server-fault"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// State returns the terminal state an outcome leads to.
func (o Outcome) State() State {
	switch o {
	case Accepted:
		return StateAccepted
	case Rejected:
		return StateRejected
	case ServerFault:
		return StateServerFault
	}
	return StateMalformed
}
