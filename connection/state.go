package connection

import "strconv"

type State int32

const (
	StateDisconnected State = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateDiscovering:
		return "Discovering"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
