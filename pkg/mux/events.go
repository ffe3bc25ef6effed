package mux

import "github.com/wiremux/wiremux/pkg/channel"

type EventKind uint8

const (
	// Server-side lifecycle events.
	EventKind_ClientConnected EventKind = iota
	EventKind_ClientDisconnected
	EventKind_BindFailed

	// Client-side lifecycle events.
	EventKind_Connected
	EventKind_ConnectFailed
	EventKind_Disconnected

	// Dispatch errors. None of these halt the tick; each names the one
	// envelope or send it affected.
	EventKind_DeliveryFailed
	EventKind_DecodeFailed
	EventKind_UnboundChannel

	EventKind_TransportError
)

func (k EventKind) String() string {
	switch k {
	case EventKind_ClientConnected:
		return "ClientConnected"
	case EventKind_ClientDisconnected:
		return "ClientDisconnected"
	case EventKind_BindFailed:
		return "BindFailed"
	case EventKind_Connected:
		return "Connected"
	case EventKind_ConnectFailed:
		return "ConnectFailed"
	case EventKind_Disconnected:
		return "Disconnected"
	case EventKind_DeliveryFailed:
		return "DeliveryFailed"
	case EventKind_DecodeFailed:
		return "DecodeFailed"
	case EventKind_UnboundChannel:
		return "UnboundChannel"
	case EventKind_TransportError:
		return "TransportError"
	}
	return "Unknown"
}

// Event is one read-once entry in the application-facing event queue.
// ClientId is set for client connect/disconnect and unicast delivery
// failures; Channel for dispatch errors; Err carries the underlying typed
// error where one exists.
type Event struct {
	Kind     EventKind
	ClientId uint64
	Channel  channel.Id
	Err      error
}
