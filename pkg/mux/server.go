// Package mux is the channel binding and dispatch engine: it moves typed
// application values between per-channel queues and a packet transport, one
// drain-outgoing/drain-incoming pass per tick, gated on a small connection
// state machine. It runs no goroutines of its own; the host application
// calls Tick once per frame.
package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/wiremux/wiremux/internal/clientstore"
	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/registry"
	"github.com/wiremux/wiremux/pkg/transport"
	"go.uber.org/zap"
)

// ListenConfig carries a start-server request.
type ListenConfig struct {
	Address  string
	Security transport.SecurityConfig
}

type ServerParams struct {
	Registry  *registry.Registry
	Transport transport.Transport
	Logger    *zap.Logger
}

type outgoingEntry struct {
	target transport.Target
	value  any
}

type incomingEntry struct {
	sender uint64
	value  any
}

// Server is the server-side role: it listens for clients, tracks their
// records, and dispatches bound message types to and from them.
type Server struct {
	registry  *registry.Registry
	transport transport.Transport
	log       *zap.Logger

	mut     sync.Mutex
	state   State
	clients *clientstore.Store

	outgoing map[channel.Id][]outgoingEntry
	incoming map[channel.Id][]incomingEntry
	events   []Event

	// Channels that resolved to a configuration error during dispatch are
	// skipped on later ticks instead of erroring every pass. Outgoing and
	// incoming are independent namespaces, so each direction keeps its own
	// dead list.
	deadOutgoing map[channel.Id]bool
	deadIncoming map[channel.Id]bool

	pendingStart *ListenConfig
	pendingStop  bool
}

func CreateServer(params ServerParams) (*Server, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("mux server requires a registry")
	}
	if params.Transport == nil {
		return nil, fmt.Errorf("mux server requires a transport")
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		registry:     params.Registry,
		transport:    params.Transport,
		log:          logger.With(zap.String("role", "server")),
		state:        State_Idle,
		clients:      clientstore.CreateStore(0),
		outgoing:     make(map[channel.Id][]outgoingEntry),
		incoming:     make(map[channel.Id][]incomingEntry),
		deadOutgoing: make(map[channel.Id]bool),
		deadIncoming: make(map[channel.Id]bool),
	}, nil
}

func (s *Server) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

func (s *Server) ConnectedClients() []uint64 {
	return s.clients.Ids()
}

// RequestStart queues a start-server request, applied on the next Tick. A
// request issued while already listening is an informational no-op.
func (s *Server) RequestStart(config ListenConfig) {
	if config.Address == "" {
		config.Address = transport.DefaultAddress
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.pendingStart = &config
}

// RequestStop queues a stop-server request, applied on the next Tick.
func (s *Server) RequestStop() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.pendingStop = true
}

// PollEvents returns and clears the pending event queue.
func (s *Server) PollEvents() []Event {
	s.mut.Lock()
	defer s.mut.Unlock()

	events := s.events
	s.events = nil
	return events
}

// Tick runs one dispatch pass: lifecycle requests, transport connection
// signals, drain-outgoing, then drain-incoming. Outside ServerListening the
// drains are skipped entirely. Tick never blocks and always completes both
// drain phases regardless of how many per-message errors occur.
func (s *Server) Tick() {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.applyLifecycle()

	if s.state != State_ServerListening {
		return
	}

	s.pollConnectionSignals()
	s.drainOutgoing()
	s.drainIncoming()
}

func (s *Server) applyLifecycle() {
	if s.pendingStop {
		s.pendingStop = false
		if s.state != State_ServerListening {
			s.log.Info("Ignoring stop request, server is not listening", zap.String("state", s.state.String()))
		} else {
			if err := s.transport.Disconnect(); err != nil {
				s.log.Warn("Transport teardown reported an error", zap.Error(err))
			}
			for _, clientId := range s.clients.Drain() {
				s.events = append(s.events, Event{Kind: EventKind_ClientDisconnected, ClientId: clientId})
			}
			s.state = State_Idle
			s.log.Info("Server stopped")
		}
	}

	if s.pendingStart != nil {
		config := *s.pendingStart
		s.pendingStart = nil
		if s.state != State_Idle {
			s.log.Info("Ignoring start request, server is not idle", zap.String("state", s.state.String()))
		} else if err := s.transport.Bind(config.Address, config.Security); err != nil {
			s.log.Warn("Server bind failed", zap.String("address", config.Address), zap.Error(err))
			s.events = append(s.events, Event{Kind: EventKind_BindFailed, Err: err})
		} else {
			s.state = State_ServerListening
			s.log.Info("Server listening", zap.String("address", config.Address))
		}
	}
}

func (s *Server) pollConnectionSignals() {
	for _, signal := range s.transport.PollEvents() {
		switch signal.Kind {
		case transport.EventKind_ClientJoined:
			if err := s.clients.Add(signal.ClientId, clientstore.Record{ConnectedAt: time.Now()}); err != nil {
				s.log.Warn("Could not track joined client", zap.Uint64("clientId", signal.ClientId), zap.Error(err))
				continue
			}
			s.events = append(s.events, Event{Kind: EventKind_ClientConnected, ClientId: signal.ClientId})
		case transport.EventKind_ClientLeft:
			if err := s.clients.Remove(signal.ClientId); err != nil {
				s.log.Warn("Untracked client left", zap.Uint64("clientId", signal.ClientId))
				continue
			}
			s.events = append(s.events, Event{Kind: EventKind_ClientDisconnected, ClientId: signal.ClientId})
		case transport.EventKind_TransportError:
			s.events = append(s.events, Event{Kind: EventKind_TransportError, Err: signal.Err})
		default:
			s.log.Warn("Unexpected transport signal on server role", zap.Uint8("kind", uint8(signal.Kind)))
		}
	}
}

func (s *Server) drainOutgoing() {
	for ch, entries := range s.outgoing {
		delete(s.outgoing, ch)
		if s.deadOutgoing[ch] {
			continue
		}

		binding, err := s.registry.Resolve(registry.ToClient, ch)
		if err != nil {
			// Registration-time validation makes this unreachable; treat
			// it as fatal configuration, not a per-message failure.
			s.deadOutgoing[ch] = true
			s.log.Error("Outgoing channel has no binding, dropping queue", zap.Uint8("channel", uint8(ch)), zap.Error(err))
			s.events = append(s.events, Event{Kind: EventKind_UnboundChannel, Channel: ch, Err: err})
			continue
		}

		for _, entry := range entries {
			payload, encodeErr := binding.Encode(entry.value)
			if encodeErr != nil {
				s.log.Error("Dropping value that failed to encode", zap.Uint8("channel", uint8(ch)), zap.Error(encodeErr))
				continue
			}

			sendErr := s.transport.Send(ch, binding.Config.Delivery, entry.target, payload)
			if sendErr != nil {
				s.events = append(s.events, Event{
					Kind:     EventKind_DeliveryFailed,
					ClientId: entry.target.ClientId,
					Channel:  ch,
					Err:      sendErr,
				})
			}
		}
	}
}

func (s *Server) drainIncoming() {
	for _, envelope := range s.transport.PollReceive() {
		if s.deadIncoming[envelope.Channel] {
			continue
		}

		binding, err := s.registry.Resolve(registry.ToServer, envelope.Channel)
		if err != nil {
			// Configuration error: report once and skip the channel on
			// later envelopes instead of erroring every arrival.
			s.deadIncoming[envelope.Channel] = true
			s.log.Error("Received envelope on unbound channel", zap.Uint8("channel", uint8(envelope.Channel)), zap.Error(err))
			s.events = append(s.events, Event{Kind: EventKind_UnboundChannel, Channel: envelope.Channel, Err: err})
			continue
		}

		value, decodeErr := binding.Decode(envelope.Payload)
		if decodeErr != nil {
			failure := &errors.DecodeFailure{
				Channel:  uint8(envelope.Channel),
				TypeName: binding.TypeName,
				Cause:    decodeErr,
			}
			s.log.Warn("Dropping envelope that failed to decode", zap.Uint64("sender", envelope.Sender), zap.Error(failure))
			s.events = append(s.events, Event{Kind: EventKind_DecodeFailed, ClientId: envelope.Sender, Channel: envelope.Channel, Err: failure})
			continue
		}

		s.incoming[envelope.Channel] = append(s.incoming[envelope.Channel], incomingEntry{
			sender: envelope.Sender,
			value:  value,
		})
	}
}

// FromClient is one received value tagged with the sending client's id.
type FromClient[T any] struct {
	ClientId uint64
	Content  T
}

// SendToClient enqueues a value for one client. The value leaves on the
// next Tick; enqueue order is preserved per message type.
func SendToClient[T any](s *Server, clientId uint64, value T) error {
	binding, err := registry.ResolveType[T](s.registry, registry.ToClient)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.outgoing[binding.Channel] = append(s.outgoing[binding.Channel], outgoingEntry{
		target: transport.ToClient(clientId),
		value:  value,
	})
	return nil
}

// SendToAllClients enqueues a broadcast to every connected client.
func SendToAllClients[T any](s *Server, value T) error {
	binding, err := registry.ResolveType[T](s.registry, registry.ToClients)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.outgoing[binding.Channel] = append(s.outgoing[binding.Channel], outgoingEntry{
		target: transport.ToAllClients(),
		value:  value,
	})
	return nil
}

// ReceiveFromClient drains every decoded value of type T received so far,
// in arrival order, each tagged with its sender.
func ReceiveFromClient[T any](s *Server) ([]FromClient[T], error) {
	binding, err := registry.ResolveType[T](s.registry, registry.ToServer)
	if err != nil {
		return nil, err
	}

	s.mut.Lock()
	entries := s.incoming[binding.Channel]
	delete(s.incoming, binding.Channel)
	s.mut.Unlock()

	received := make([]FromClient[T], 0, len(entries))
	for _, entry := range entries {
		content, ok := entry.value.(T)
		if !ok {
			// A binding always decodes into its own type; getting here
			// means the registry invariant was broken.
			s.log.Error("Incoming queue held a value of the wrong type", zap.Uint8("channel", uint8(binding.Channel)))
			continue
		}
		received = append(received, FromClient[T]{ClientId: entry.sender, Content: content})
	}
	return received, nil
}
