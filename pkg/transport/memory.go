package transport

import (
	"fmt"
	"sync"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"go.uber.org/zap"
)

// MemoryNetwork links in-process endpoints by address, standing in for a
// real network in tests and single-process examples. Delivery is in-order
// for every delivery mode; connection signals travel as buffered events the
// same way the stream transports deliver theirs, so the state machines
// observe identical sequences.
type MemoryNetwork struct {
	mut       sync.Mutex
	listeners map[string]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryTransport),
	}
}

// Endpoint creates an unbound transport attached to this network. Call Bind
// to make it a server or Connect to make it a client.
func (n *MemoryNetwork) Endpoint(logger *zap.Logger) *MemoryTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTransport{
		network: n,
		log:     logger.With(zap.String("transport", "memory")),
		clients: make(map[uint64]*MemoryTransport),
	}
}

type memoryRole uint8

const (
	memoryRole_Idle memoryRole = iota
	memoryRole_Server
	memoryRole_Client
)

type MemoryTransport struct {
	network *MemoryNetwork
	log     *zap.Logger

	mut      sync.Mutex
	role     memoryRole
	address  string
	security SecurityConfig

	// Server side.
	nextClientId uint64
	clients      map[uint64]*MemoryTransport

	// Client side.
	server   *MemoryTransport
	clientId uint64

	events []Event
	inbox  []Incoming
}

func (t *MemoryTransport) Bind(address string, security SecurityConfig) error {
	t.network.mut.Lock()
	defer t.network.mut.Unlock()

	if _, taken := t.network.listeners[address]; taken {
		return &errors.BindFailed{Address: address, Cause: fmt.Errorf("address already in use")}
	}

	t.mut.Lock()
	defer t.mut.Unlock()
	if t.role != memoryRole_Idle {
		return &errors.BindFailed{Address: address, Cause: fmt.Errorf("endpoint already in use")}
	}

	t.role = memoryRole_Server
	t.address = address
	t.security = security
	t.network.listeners[address] = t
	t.log.Info("Memory transport listening", zap.String("address", address))
	return nil
}

// Connect resolves the listener and queues the connection outcome as an
// event, so the caller observes the same connecting-then-connected sequence
// a real dial produces.
func (t *MemoryTransport) Connect(address string, security SecurityConfig) error {
	t.network.mut.Lock()
	server, has := t.network.listeners[address]
	t.network.mut.Unlock()

	t.mut.Lock()
	if t.role != memoryRole_Idle {
		t.mut.Unlock()
		return &errors.ConnectFailed{Address: address, Cause: fmt.Errorf("endpoint already in use")}
	}

	if !has {
		t.events = append(t.events, Event{
			Kind: EventKind_ConnectFailed,
			Err:  &errors.ConnectFailed{Address: address, Cause: fmt.Errorf("no listener at address")},
		})
		t.mut.Unlock()
		return nil
	}
	t.mut.Unlock()

	if verdictErr := server.admit(t, security); verdictErr != nil {
		t.mut.Lock()
		t.events = append(t.events, Event{Kind: EventKind_ConnectFailed, Err: verdictErr})
		t.mut.Unlock()
		return nil
	}

	t.mut.Lock()
	t.role = memoryRole_Client
	t.server = server
	t.events = append(t.events, Event{Kind: EventKind_Connected, ClientId: t.clientId})
	t.mut.Unlock()
	return nil
}

func (t *MemoryTransport) admit(client *MemoryTransport, security SecurityConfig) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	if security.ProtocolId != t.security.ProtocolId || string(security.AuthKey) != string(t.security.AuthKey) {
		return &errors.HandshakeRejected{Reason: "protocol id or key mismatch"}
	}

	t.nextClientId++
	clientId := t.nextClientId
	t.clients[clientId] = client
	client.clientId = clientId
	t.events = append(t.events, Event{Kind: EventKind_ClientJoined, ClientId: clientId})
	return nil
}

func (t *MemoryTransport) Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)

	// Resolve recipients under the lock, deliver outside it: delivery takes
	// the recipient's lock.
	t.mut.Lock()
	role := t.role
	server := t.server
	sender := t.clientId
	var recipients []*MemoryTransport
	switch role {
	case memoryRole_Server:
		switch target.Kind {
		case TargetKind_AllClients:
			for _, client := range t.clients {
				recipients = append(recipients, client)
			}
		case TargetKind_SingleClient:
			client, has := t.clients[target.ClientId]
			if !has {
				t.mut.Unlock()
				return &errors.DeliveryFailed{Channel: uint8(ch), ClientId: target.ClientId}
			}
			recipients = append(recipients, client)
		default:
			t.mut.Unlock()
			return &errors.UnsupportedRole{Transport: "memory server", Operation: "send to server"}
		}
	case memoryRole_Client:
		if target.Kind != TargetKind_Server {
			t.mut.Unlock()
			return &errors.UnsupportedRole{Transport: "memory client", Operation: "send to clients"}
		}
		if server == nil {
			t.mut.Unlock()
			return &errors.NotConnected{Operation: "send"}
		}
		recipients = append(recipients, server)
	default:
		t.mut.Unlock()
		return &errors.NotConnected{Operation: "send"}
	}
	t.mut.Unlock()

	for _, recipient := range recipients {
		if role == memoryRole_Client {
			recipient.deliver(Incoming{Channel: ch, Sender: sender, Payload: data})
		} else {
			recipient.deliver(Incoming{Channel: ch, Sender: 0, Payload: data})
		}
	}
	return nil
}

func (t *MemoryTransport) deliver(incoming Incoming) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.inbox = append(t.inbox, incoming)
}

func (t *MemoryTransport) PollEvents() []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	events := t.events
	t.events = nil
	return events
}

func (t *MemoryTransport) PollReceive() []Incoming {
	t.mut.Lock()
	defer t.mut.Unlock()

	inbox := t.inbox
	t.inbox = nil
	return inbox
}

func (t *MemoryTransport) ConnectedClients() []uint64 {
	t.mut.Lock()
	defer t.mut.Unlock()

	ids := make([]uint64, 0, len(t.clients))
	for clientId := range t.clients {
		ids = append(ids, clientId)
	}
	return ids
}

func (t *MemoryTransport) Disconnect() error {
	t.mut.Lock()
	role := t.role
	t.role = memoryRole_Idle

	switch role {
	case memoryRole_Server:
		t.network.mut.Lock()
		delete(t.network.listeners, t.address)
		t.network.mut.Unlock()

		clients := t.clients
		t.clients = make(map[uint64]*MemoryTransport)
		t.mut.Unlock()

		for _, client := range clients {
			client.mut.Lock()
			client.role = memoryRole_Idle
			client.server = nil
			client.events = append(client.events, Event{Kind: EventKind_Disconnected})
			client.mut.Unlock()
		}
		return nil
	case memoryRole_Client:
		server := t.server
		clientId := t.clientId
		t.server = nil
		t.mut.Unlock()

		if server != nil {
			server.mut.Lock()
			delete(server.clients, clientId)
			server.events = append(server.events, Event{Kind: EventKind_ClientLeft, ClientId: clientId})
			server.mut.Unlock()
		}
		return nil
	default:
		t.mut.Unlock()
		return nil
	}
}

// DropClient forcefully removes one client, simulating a peer vanishing
// mid-flight. Test hook.
func (t *MemoryTransport) DropClient(clientId uint64) {
	t.mut.Lock()
	client, has := t.clients[clientId]
	delete(t.clients, clientId)
	if has {
		t.events = append(t.events, Event{Kind: EventKind_ClientLeft, ClientId: clientId})
	}
	t.mut.Unlock()

	if has {
		client.mut.Lock()
		client.role = memoryRole_Idle
		client.server = nil
		client.events = append(client.events, Event{Kind: EventKind_Disconnected})
		client.mut.Unlock()
	}
}
