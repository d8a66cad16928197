package model

// State is a step in a vehicle commander's lifecycle. Commanders only move
// forward through these states; any failure jumps straight to StateStopped.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateOffboardRequested
	StateStreaming
	StateArmed
	StateFlying
	StateStopped
)

var stateNames = [...]string{
	StateDisconnected:      "DISCONNECTED",
	StateConnected:         "CONNECTED",
	StateOffboardRequested: "OFFBOARD_REQUESTED",
	StateStreaming:         "STREAMING",
	StateArmed:             "ARMED",
	StateFlying:            "FLYING",
	StateStopped:           "STOPPED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateStopped
}
