package feed

import "fmt"

// Phase is the connection manager's state discriminant.
type Phase int

const (
	Disconnected Phase = iota
	Authorizing
	Connected
	Reconnecting
	Exhausted
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Authorizing:
		return "authorizing"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the manager's connection state. Attempt is set while Reconnecting
// and holds the number of the reconnect that is scheduled.
type State struct {
	Phase   Phase
	Attempt int
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Phase.String()
}
