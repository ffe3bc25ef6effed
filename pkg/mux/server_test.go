package mux

import (
	"testing"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/codec"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/registry"
	"github.com/wiremux/wiremux/pkg/transport"
)

type ping struct {
	Seq int `json:"seq"`
}

type pong struct {
	Seq int `json:"seq"`
}

type sendCall struct {
	Channel channel.Id
	Mode    channel.DeliveryMode
	Target  transport.Target
	Payload []byte
}

// fakeTransport records sends and plays back scripted events/envelopes, so
// dispatch behavior can be observed without a peer.
type fakeTransport struct {
	bindErr     error
	sends       []sendCall
	sendErr     error
	events      []transport.Event
	receives    []transport.Incoming
	boundAddr   string
	disconnects int
}

func (f *fakeTransport) Bind(address string, security transport.SecurityConfig) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	f.boundAddr = address
	return nil
}

func (f *fakeTransport) Connect(address string, security transport.SecurityConfig) error {
	return nil
}

func (f *fakeTransport) Send(ch channel.Id, mode channel.DeliveryMode, target transport.Target, payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sendCall{Channel: ch, Mode: mode, Target: target, Payload: payload})
	return nil
}

func (f *fakeTransport) PollEvents() []transport.Event {
	events := f.events
	f.events = nil
	return events
}

func (f *fakeTransport) PollReceive() []transport.Incoming {
	receives := f.receives
	f.receives = nil
	return receives
}

func (f *fakeTransport) ConnectedClients() []uint64 {
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.disconnects++
	return nil
}

func serverRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := registry.Bind[ping](r, registry.ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind ping failed: %v", err)
	}
	if err := registry.Bind[pong](r, registry.ToClients, 0, codec.JSON[pong](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind pong failed: %v", err)
	}
	return r
}

func listeningServer(t *testing.T, fake *fakeTransport) *Server {
	t.Helper()
	server, err := CreateServer(ServerParams{Registry: serverRegistry(t), Transport: fake})
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	server.RequestStart(ListenConfig{})
	server.Tick()
	if server.State() != State_ServerListening {
		t.Fatalf("expected ServerListening, got %s", server.State())
	}
	return server
}

func TestServerStartUsesDefaultAddress(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	if fake.boundAddr != transport.DefaultAddress {
		t.Errorf("expected default address, got %q", fake.boundAddr)
	}
	if events := server.PollEvents(); len(events) != 0 {
		t.Errorf("expected no events on clean start, got %+v", events)
	}
}

func TestServerBindFailureStaysIdle(t *testing.T) {
	fake := &fakeTransport{bindErr: &errors.BindFailed{Address: "127.0.0.1:5000"}}
	server, err := CreateServer(ServerParams{Registry: serverRegistry(t), Transport: fake})
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}

	server.RequestStart(ListenConfig{})
	server.Tick()

	if server.State() != State_Idle {
		t.Fatalf("expected Idle after bind failure, got %s", server.State())
	}
	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_BindFailed {
		t.Fatalf("expected a BindFailed event, got %+v", events)
	}
}

func TestServerStartWhileListeningIsNoOp(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	server.RequestStart(ListenConfig{Address: "127.0.0.1:6000"})
	server.Tick()

	if server.State() != State_ServerListening {
		t.Fatalf("expected ServerListening, got %s", server.State())
	}
	if fake.boundAddr != transport.DefaultAddress {
		t.Errorf("second start request must not rebind, bound %q", fake.boundAddr)
	}
	if events := server.PollEvents(); len(events) != 0 {
		t.Errorf("a no-op request must not emit error events, got %+v", events)
	}
}

func TestServerTracksJoinsAndLeaves(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	fake.events = []transport.Event{
		{Kind: transport.EventKind_ClientJoined, ClientId: 1},
		{Kind: transport.EventKind_ClientJoined, ClientId: 2},
	}
	server.Tick()

	events := server.PollEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 connect events, got %+v", events)
	}
	for _, event := range events {
		if event.Kind != EventKind_ClientConnected {
			t.Errorf("expected ClientConnected, got %s", event.Kind)
		}
	}
	if len(server.ConnectedClients()) != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", len(server.ConnectedClients()))
	}

	fake.events = []transport.Event{{Kind: transport.EventKind_ClientLeft, ClientId: 1}}
	server.Tick()

	events = server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_ClientDisconnected || events[0].ClientId != 1 {
		t.Fatalf("expected ClientDisconnected for client 1, got %+v", events)
	}
}

func TestServerStopEmitsOneDisconnectPerClient(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	fake.events = []transport.Event{
		{Kind: transport.EventKind_ClientJoined, ClientId: 1},
		{Kind: transport.EventKind_ClientJoined, ClientId: 2},
	}
	server.Tick()
	server.PollEvents()

	server.RequestStop()
	server.Tick()

	if server.State() != State_Idle {
		t.Fatalf("expected Idle after stop, got %s", server.State())
	}
	if fake.disconnects != 1 {
		t.Errorf("expected one transport teardown, got %d", fake.disconnects)
	}

	events := server.PollEvents()
	disconnected := map[uint64]int{}
	for _, event := range events {
		if event.Kind != EventKind_ClientDisconnected {
			t.Errorf("unexpected event %s", event.Kind)
			continue
		}
		disconnected[event.ClientId]++
	}
	if len(disconnected) != 2 || disconnected[1] != 1 || disconnected[2] != 1 {
		t.Fatalf("expected exactly one disconnect notice per client, got %+v", events)
	}
	if len(server.ConnectedClients()) != 0 {
		t.Error("client records must be cleared on stop")
	}
}

func TestServerOutgoingFifoOrder(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	for i := 0; i < 5; i++ {
		if err := SendToAllClients(server, pong{Seq: i}); err != nil {
			t.Fatalf("SendToAllClients failed: %v", err)
		}
	}
	server.Tick()

	if len(fake.sends) != 5 {
		t.Fatalf("expected 5 sends in one pass, got %d", len(fake.sends))
	}
	for i, call := range fake.sends {
		if call.Mode != channel.ReliableOrdered {
			t.Errorf("send %d used mode %s", i, call.Mode)
		}
		decoded, err := codec.JSON[pong]().Decode(call.Payload)
		if err != nil {
			t.Fatalf("send %d carried an undecodable payload: %v", i, err)
		}
		if decoded.Seq != i {
			t.Fatalf("send order broken: send %d carried seq %d", i, decoded.Seq)
		}
	}
}

func TestServerEnqueueWhileIdleDoesNotSend(t *testing.T) {
	fake := &fakeTransport{}
	server, err := CreateServer(ServerParams{Registry: serverRegistry(t), Transport: fake})
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}

	if err := SendToAllClients(server, pong{Seq: 1}); err != nil {
		t.Fatalf("enqueue while idle should be accepted: %v", err)
	}
	server.Tick()
	if len(fake.sends) != 0 {
		t.Fatalf("dispatch must not run while Idle, got %d sends", len(fake.sends))
	}

	// The value leaves once the server starts listening.
	server.RequestStart(ListenConfig{})
	server.Tick()
	if len(fake.sends) != 1 {
		t.Fatalf("expected the queued value to flush after start, got %d sends", len(fake.sends))
	}
}

func TestServerDeliveryFailureIsNonFatal(t *testing.T) {
	fake := &fakeTransport{sendErr: &errors.DeliveryFailed{Channel: 0, ClientId: 9}}
	server := listeningServer(t, fake)

	if err := SendToClient(server, 9, pong{Seq: 1}); err != nil {
		t.Fatalf("SendToClient failed: %v", err)
	}
	server.Tick()

	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_DeliveryFailed {
		t.Fatalf("expected a DeliveryFailed event, got %+v", events)
	}
	if events[0].ClientId != 9 {
		t.Errorf("expected the failed target's id, got %d", events[0].ClientId)
	}
}

func TestServerSendUnboundTypeRejected(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	type unbound struct{}
	if err := SendToAllClients(server, unbound{}); err == nil {
		t.Fatal("expected an error for an unbound message type")
	}
}

func TestServerDecodeFailureIsolation(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	good, err := codec.JSON[ping]().Encode(ping{Seq: 7})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	fake.receives = []transport.Incoming{
		{Channel: 0, Sender: 1, Payload: []byte("{not json")},
		{Channel: 0, Sender: 2, Payload: good},
	}
	server.Tick()

	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_DecodeFailed {
		t.Fatalf("expected one DecodeFailed event, got %+v", events)
	}

	received, err := ReceiveFromClient[ping](server)
	if err != nil {
		t.Fatalf("ReceiveFromClient failed: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("the valid envelope must survive, got %d values", len(received))
	}
	if received[0].ClientId != 2 || received[0].Content.Seq != 7 {
		t.Errorf("unexpected surviving value: %+v", received[0])
	}
}

func TestServerUnboundChannelReportedOnce(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	fake.receives = []transport.Incoming{
		{Channel: 7, Sender: 1, Payload: []byte("a")},
		{Channel: 7, Sender: 1, Payload: []byte("b")},
	}
	server.Tick()

	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_UnboundChannel {
		t.Fatalf("expected a single UnboundChannel event for the batch, got %+v", events)
	}

	// Later arrivals on the dead channel stay silent.
	fake.receives = []transport.Incoming{{Channel: 7, Sender: 1, Payload: []byte("c")}}
	server.Tick()
	if events := server.PollEvents(); len(events) != 0 {
		t.Fatalf("expected no further events for the dead channel, got %+v", events)
	}
}

func TestServerDeadIncomingChannelKeepsOutgoingAlive(t *testing.T) {
	fake := &fakeTransport{}
	r := registry.New()
	if err := registry.Bind[ping](r, registry.ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind ping failed: %v", err)
	}
	if err := registry.Bind[pong](r, registry.ToClients, 1, codec.JSON[pong](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind pong failed: %v", err)
	}
	server, err := CreateServer(ServerParams{Registry: r, Transport: fake})
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	server.RequestStart(ListenConfig{})
	server.Tick()

	// Channel 1 is unbound for incoming traffic and gets dead-listed there.
	fake.receives = []transport.Incoming{{Channel: 1, Sender: 1, Payload: []byte("x")}}
	server.Tick()
	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_UnboundChannel {
		t.Fatalf("expected an UnboundChannel event, got %+v", events)
	}

	// The outgoing binding on the same numeric id is a separate namespace
	// and must keep dispatching.
	if err := SendToAllClients(server, pong{Seq: 4}); err != nil {
		t.Fatalf("SendToAllClients failed: %v", err)
	}
	server.Tick()
	if len(fake.sends) != 1 || fake.sends[0].Channel != 1 {
		t.Fatalf("expected the outgoing channel to dispatch, got %+v", fake.sends)
	}
	if events := server.PollEvents(); len(events) != 0 {
		t.Fatalf("expected a clean outgoing pass, got %+v", events)
	}
}

func TestServerUnboundChannelIsolation(t *testing.T) {
	fake := &fakeTransport{}
	server := listeningServer(t, fake)

	good, err := codec.JSON[ping]().Encode(ping{Seq: 3})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	fake.receives = []transport.Incoming{
		{Channel: 7, Sender: 1, Payload: []byte("whatever")},
		{Channel: 0, Sender: 1, Payload: good},
	}
	server.Tick()

	events := server.PollEvents()
	if len(events) != 1 || events[0].Kind != EventKind_UnboundChannel {
		t.Fatalf("expected one UnboundChannel event, got %+v", events)
	}

	received, err := ReceiveFromClient[ping](server)
	if err != nil {
		t.Fatalf("ReceiveFromClient failed: %v", err)
	}
	if len(received) != 1 || received[0].Content.Seq != 3 {
		t.Fatalf("the bound envelope must still be delivered, got %+v", received)
	}
}
