// Package transport defines the packet-transport boundary consumed by the
// dispatch loop, and ships three implementations: an in-process loopback
// network, a length-prefixed TCP transport, and a WebSocket transport. All
// calls are non-blocking; polls return whatever is currently buffered.
package transport

import "github.com/wiremux/wiremux/pkg/channel"

// DefaultAddress is the loopback host and fixed default port used when no
// address is configured.
const DefaultAddress = "127.0.0.1:5000"

// SecurityConfig selects the authentication mode for a bind/connect pair.
// The zero value is unauthenticated: any protocol id zero hello with no key
// is accepted.
type SecurityConfig struct {
	ProtocolId uint64

	// AuthKey is an optional pre-shared key. When set on the server side,
	// hellos carrying a different key are rejected at handshake time.
	AuthKey []byte
}

type TargetKind uint8

const (
	TargetKind_Server TargetKind = iota
	TargetKind_AllClients
	TargetKind_SingleClient
)

// Target names the recipient of an outgoing payload.
type Target struct {
	Kind     TargetKind
	ClientId uint64
}

func ToServer() Target {
	return Target{Kind: TargetKind_Server}
}

func ToAllClients() Target {
	return Target{Kind: TargetKind_AllClients}
}

func ToClient(clientId uint64) Target {
	return Target{Kind: TargetKind_SingleClient, ClientId: clientId}
}

type EventKind uint8

const (
	// Server-side connection signals.
	EventKind_ClientJoined EventKind = iota
	EventKind_ClientLeft

	// Client-side connection signals.
	EventKind_Connected
	EventKind_ConnectFailed
	EventKind_Disconnected

	EventKind_TransportError
)

// Event is one transport-level connection signal, delivered through
// PollEvents exactly once.
type Event struct {
	Kind     EventKind
	ClientId uint64
	Err      error
}

// Incoming is one received envelope: channel id, sender identity and opaque
// payload bytes. Sender is zero when the sender is the server.
type Incoming struct {
	Channel channel.Id
	Sender  uint64
	Payload []byte
}

// Transport is the boundary the dispatch loop drives. Implementations may
// run internal goroutines but every method here returns immediately.
type Transport interface {
	// Bind starts listening for clients at the given address (server role).
	Bind(address string, security SecurityConfig) error

	// Connect begins a connection attempt (client role). The outcome
	// arrives later as a Connected or ConnectFailed event.
	Connect(address string, security SecurityConfig) error

	// Send hands one encoded payload to the transport. The delivery mode
	// and the channel's resend budget are forwarded as hints; stream
	// transports collapse every mode to reliable-ordered.
	Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error

	// PollEvents drains buffered connection signals.
	PollEvents() []Event

	// PollReceive drains buffered incoming envelopes.
	PollReceive() []Incoming

	// ConnectedClients lists the currently connected client ids (server
	// role; empty on the client side).
	ConnectedClients() []uint64

	// Disconnect tears the connection or listener down.
	Disconnect() error
}
