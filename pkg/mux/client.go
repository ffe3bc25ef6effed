package mux

import (
	"fmt"
	"sync"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/registry"
	"github.com/wiremux/wiremux/pkg/transport"
	"go.uber.org/zap"
)

// ConnectConfig carries a connect-to-server request.
type ConnectConfig struct {
	Address  string
	Security transport.SecurityConfig
}

type ClientParams struct {
	Registry  *registry.Registry
	Transport transport.Transport
	Logger    *zap.Logger
}

// Client is the client-side role: it connects to one server and dispatches
// bound message types to and from it.
type Client struct {
	registry  *registry.Registry
	transport transport.Transport
	log       *zap.Logger

	mut   sync.Mutex
	state State

	outgoing map[channel.Id][]outgoingEntry
	incoming map[channel.Id][]incomingEntry
	events   []Event

	// Per-direction dead lists, matching the independent channel namespaces.
	deadOutgoing map[channel.Id]bool
	deadIncoming map[channel.Id]bool

	pendingConnect    *ConnectConfig
	pendingDisconnect bool
}

func CreateClient(params ClientParams) (*Client, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("mux client requires a registry")
	}
	if params.Transport == nil {
		return nil, fmt.Errorf("mux client requires a transport")
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		registry:     params.Registry,
		transport:    params.Transport,
		log:          logger.With(zap.String("role", "client")),
		state:        State_Idle,
		outgoing:     make(map[channel.Id][]outgoingEntry),
		incoming:     make(map[channel.Id][]incomingEntry),
		deadOutgoing: make(map[channel.Id]bool),
		deadIncoming: make(map[channel.Id]bool),
	}, nil
}

func (c *Client) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// RequestConnect queues a connection attempt, applied on the next Tick. A
// request issued while not idle is an informational no-op.
func (c *Client) RequestConnect(config ConnectConfig) {
	if config.Address == "" {
		config.Address = transport.DefaultAddress
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	c.pendingConnect = &config
}

// RequestDisconnect queues a disconnect, applied on the next Tick.
func (c *Client) RequestDisconnect() {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.pendingDisconnect = true
}

// PollEvents returns and clears the pending event queue.
func (c *Client) PollEvents() []Event {
	c.mut.Lock()
	defer c.mut.Unlock()

	events := c.events
	c.events = nil
	return events
}

// Tick runs one dispatch pass. While connecting, only connection signals
// are polled; the drains run only in ClientConnected.
func (c *Client) Tick() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.applyLifecycle()

	if c.state == State_Idle {
		return
	}

	c.pollConnectionSignals()

	if c.state != State_ClientConnected {
		return
	}

	c.drainOutgoing()
	c.drainIncoming()
}

func (c *Client) applyLifecycle() {
	if c.pendingDisconnect {
		c.pendingDisconnect = false
		if c.state != State_ClientConnecting && c.state != State_ClientConnected {
			c.log.Info("Ignoring disconnect request, client is idle")
		} else {
			if err := c.transport.Disconnect(); err != nil {
				c.log.Warn("Transport teardown reported an error", zap.Error(err))
			}
			// Signals buffered by the closed session must not bleed into a
			// later connection attempt.
			c.transport.PollEvents()
			c.state = State_Idle
			c.events = append(c.events, Event{Kind: EventKind_Disconnected})
			c.log.Info("Disconnected from server")
		}
	}

	if c.pendingConnect != nil {
		config := *c.pendingConnect
		c.pendingConnect = nil
		if c.state != State_Idle {
			c.log.Info("Ignoring connect request, client is not idle", zap.String("state", c.state.String()))
		} else if err := c.transport.Connect(config.Address, config.Security); err != nil {
			c.log.Warn("Connect attempt could not start", zap.String("address", config.Address), zap.Error(err))
			c.events = append(c.events, Event{Kind: EventKind_ConnectFailed, Err: err})
		} else {
			c.state = State_ClientConnecting
			c.log.Info("Connecting to server", zap.String("address", config.Address))
		}
	}
}

func (c *Client) pollConnectionSignals() {
	for _, signal := range c.transport.PollEvents() {
		switch signal.Kind {
		case transport.EventKind_Connected:
			if c.state != State_ClientConnecting {
				c.log.Warn("Transport reported connected while not connecting", zap.String("state", c.state.String()))
				continue
			}
			c.state = State_ClientConnected
			c.events = append(c.events, Event{Kind: EventKind_Connected, ClientId: signal.ClientId})
			c.log.Info("Connection established", zap.Uint64("clientId", signal.ClientId))
		case transport.EventKind_ConnectFailed:
			c.state = State_Idle
			c.events = append(c.events, Event{Kind: EventKind_ConnectFailed, Err: signal.Err})
		case transport.EventKind_Disconnected:
			// Only an established connection can drop; a connection attempt
			// that dies reports ConnectFailed.
			if c.state != State_ClientConnected {
				c.log.Warn("Transport reported disconnected while not connected", zap.String("state", c.state.String()))
				continue
			}
			c.state = State_Idle
			c.events = append(c.events, Event{Kind: EventKind_Disconnected, Err: signal.Err})
			c.log.Info("Server closed the connection")
		case transport.EventKind_TransportError:
			c.events = append(c.events, Event{Kind: EventKind_TransportError, Err: signal.Err})
		default:
			c.log.Warn("Unexpected transport signal on client role", zap.Uint8("kind", uint8(signal.Kind)))
		}
	}
}

func (c *Client) drainOutgoing() {
	for ch, entries := range c.outgoing {
		delete(c.outgoing, ch)
		if c.deadOutgoing[ch] {
			continue
		}

		binding, err := c.registry.Resolve(registry.ToServer, ch)
		if err != nil {
			c.deadOutgoing[ch] = true
			c.log.Error("Outgoing channel has no binding, dropping queue", zap.Uint8("channel", uint8(ch)), zap.Error(err))
			c.events = append(c.events, Event{Kind: EventKind_UnboundChannel, Channel: ch, Err: err})
			continue
		}

		for _, entry := range entries {
			payload, encodeErr := binding.Encode(entry.value)
			if encodeErr != nil {
				c.log.Error("Dropping value that failed to encode", zap.Uint8("channel", uint8(ch)), zap.Error(encodeErr))
				continue
			}

			sendErr := c.transport.Send(ch, binding.Config.Delivery, transport.ToServer(), payload)
			if sendErr != nil {
				c.events = append(c.events, Event{Kind: EventKind_DeliveryFailed, Channel: ch, Err: sendErr})
			}
		}
	}
}

func (c *Client) drainIncoming() {
	for _, envelope := range c.transport.PollReceive() {
		if c.deadIncoming[envelope.Channel] {
			continue
		}

		binding, err := c.registry.Resolve(registry.ToClient, envelope.Channel)
		if err != nil {
			// Configuration error: report once and skip the channel on
			// later envelopes instead of erroring every arrival.
			c.deadIncoming[envelope.Channel] = true
			c.log.Error("Received envelope on unbound channel", zap.Uint8("channel", uint8(envelope.Channel)), zap.Error(err))
			c.events = append(c.events, Event{Kind: EventKind_UnboundChannel, Channel: envelope.Channel, Err: err})
			continue
		}

		value, decodeErr := binding.Decode(envelope.Payload)
		if decodeErr != nil {
			failure := &errors.DecodeFailure{
				Channel:  uint8(envelope.Channel),
				TypeName: binding.TypeName,
				Cause:    decodeErr,
			}
			c.log.Warn("Dropping envelope that failed to decode", zap.Error(failure))
			c.events = append(c.events, Event{Kind: EventKind_DecodeFailed, Channel: envelope.Channel, Err: failure})
			continue
		}

		c.incoming[envelope.Channel] = append(c.incoming[envelope.Channel], incomingEntry{
			sender: envelope.Sender,
			value:  value,
		})
	}
}

// SendToServer enqueues a value for the server. The value leaves on the
// next Tick; enqueue order is preserved per message type.
func SendToServer[T any](c *Client, value T) error {
	binding, err := registry.ResolveType[T](c.registry, registry.ToServer)
	if err != nil {
		return err
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	c.outgoing[binding.Channel] = append(c.outgoing[binding.Channel], outgoingEntry{
		target: transport.ToServer(),
		value:  value,
	})
	return nil
}

// ReceiveFromServer drains every decoded value of type T received so far,
// in arrival order.
func ReceiveFromServer[T any](c *Client) ([]T, error) {
	binding, err := registry.ResolveType[T](c.registry, registry.ToClient)
	if err != nil {
		return nil, err
	}

	c.mut.Lock()
	entries := c.incoming[binding.Channel]
	delete(c.incoming, binding.Channel)
	c.mut.Unlock()

	received := make([]T, 0, len(entries))
	for _, entry := range entries {
		content, ok := entry.value.(T)
		if !ok {
			c.log.Error("Incoming queue held a value of the wrong type", zap.Uint8("channel", uint8(binding.Channel)))
			continue
		}
		received = append(received, content)
	}
	return received, nil
}
