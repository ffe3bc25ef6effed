package mux

// State is the transport-lifecycle state of one process role. A server
// instance only ever occupies Idle and ServerListening; a client instance
// cycles through Idle, ClientConnecting and ClientConnected. The dispatch
// drains run only in ServerListening and ClientConnected.
type State uint8

const (
	State_Idle State = iota
	State_ServerListening
	State_ClientConnecting
	State_ClientConnected
)

func (s State) String() string {
	switch s {
	case State_Idle:
		return "Idle"
	case State_ServerListening:
		return "ServerListening"
	case State_ClientConnecting:
		return "ClientConnecting"
	case State_ClientConnected:
		return "ClientConnected"
	}
	return "Unknown"
}
