package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/goframe"
	"github.com/wiremux/wiremux/internal/clientstore"
	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/wire"
	"go.uber.org/zap"
)

var tcpEncoderConfig = goframe.EncoderConfig{
	ByteOrder:                       binary.BigEndian,
	LengthFieldLength:               4,
	LengthAdjustment:                0,
	LengthIncludesLengthFieldLength: false,
}

var tcpDecoderConfig = goframe.DecoderConfig{
	ByteOrder:           binary.BigEndian,
	LengthFieldOffset:   0,
	LengthFieldLength:   4,
	LengthAdjustment:    0,
	InitialBytesToStrip: 4,
}

type TcpServerParams struct {
	MaxClients int
	Logger     *zap.Logger
}

type tcpServerConn struct {
	frameConn goframe.FrameConn
	writeMut  sync.Mutex
}

func (c *tcpServerConn) writeFrame(data []byte) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.frameConn.WriteFrame(data)
}

// TcpServerTransport listens for framed TCP connections. Each accepted
// connection performs a hello/verdict handshake before it is admitted; the
// read pump then feeds the poll buffers the dispatch loop drains.
type TcpServerTransport struct {
	serializer wire.Serializer
	log        *zap.Logger
	store      *clientstore.Store

	mut      sync.Mutex
	listener net.Listener
	security SecurityConfig
	conns    map[uint64]*tcpServerConn
	events   []Event
	inbox    []Incoming
	closed   bool
}

func CreateTcpServerTransport(params TcpServerParams) *TcpServerTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TcpServerTransport{
		serializer: wire.DefaultSerializer(),
		log:        logger.With(zap.String("transport", "tcp-server")),
		store:      clientstore.CreateStore(params.MaxClients),
		conns:      make(map[uint64]*tcpServerConn),
	}
}

func (t *TcpServerTransport) Bind(address string, security SecurityConfig) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return &errors.BindFailed{Address: address, Cause: err}
	}

	t.mut.Lock()
	t.listener = listener
	t.security = security
	t.closed = false
	t.mut.Unlock()

	t.log.Info("TCP transport listening", zap.String("address", address))

	go t.acceptLoop(listener)
	return nil
}

func (t *TcpServerTransport) Connect(address string, security SecurityConfig) error {
	return &errors.UnsupportedRole{Transport: "tcp-server", Operation: "connect"}
}

func (t *TcpServerTransport) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			t.mut.Lock()
			closed := t.closed
			t.mut.Unlock()
			if !closed {
				t.log.Warn("TCP accept failed", zap.Error(err))
				t.pushEvent(Event{Kind: EventKind_TransportError, Err: err})
			}
			return
		}

		go t.handleConnection(conn)
	}
}

func (t *TcpServerTransport) handleConnection(conn net.Conn) {
	log := t.log.With(zap.String("connId", uuid.NewString()), zap.String("remoteAddr", conn.RemoteAddr().String()))
	frameConn := goframe.NewLengthFieldBasedFrameConn(tcpEncoderConfig, tcpDecoderConfig, conn)

	clientId, err := t.admit(frameConn)
	if err != nil {
		log.Warn("Rejected TCP connection", zap.Error(err))
		frameConn.Close()
		return
	}

	log = log.With(zap.Uint64("clientId", clientId))
	log.Info("Client connected")

	serverConn := &tcpServerConn{frameConn: frameConn}
	t.mut.Lock()
	t.conns[clientId] = serverConn
	t.events = append(t.events, Event{Kind: EventKind_ClientJoined, ClientId: clientId})
	t.mut.Unlock()

	t.readPump(log, frameConn, clientId)

	t.mut.Lock()
	_, stillTracked := t.conns[clientId]
	delete(t.conns, clientId)
	if stillTracked {
		t.events = append(t.events, Event{Kind: EventKind_ClientLeft, ClientId: clientId})
	}
	t.mut.Unlock()

	t.store.Remove(clientId)
	frameConn.Close()
	log.Info("Client disconnected")
}

// admit reads the hello frame, validates it against the configured security
// and answers with a verdict carrying the assigned client id.
func (t *TcpServerTransport) admit(frameConn goframe.FrameConn) (uint64, error) {
	helloBytes, err := frameConn.ReadFrame()
	if err != nil {
		return 0, err
	}

	frame, err := t.serializer.Parse(helloBytes)
	if err != nil {
		return 0, err
	}
	if frame.FrameType != wire.FrameType_Hello {
		return 0, &errors.InvalidEnumValue{EnumName: "FrameType", IntValue: uint8(frame.FrameType)}
	}

	t.mut.Lock()
	security := t.security
	t.mut.Unlock()

	reject := func(reason string) (uint64, error) {
		verdict, serializeErr := t.serializer.SerializeVerdict(&wire.Verdict{Accepted: false, Reason: reason})
		if serializeErr == nil {
			frameConn.WriteFrame(verdict)
		}
		return 0, &errors.HandshakeRejected{Reason: reason}
	}

	if frame.Hello.ProtocolId != security.ProtocolId {
		return reject(fmt.Sprintf("protocol id mismatch: got %d", frame.Hello.ProtocolId))
	}
	if string(frame.Hello.AuthKey) != string(security.AuthKey) {
		return reject("auth key mismatch")
	}

	clientId := t.store.NextClientId()
	if err := t.store.Add(clientId, clientstore.Record{Address: frameConn.Conn().RemoteAddr().String()}); err != nil {
		return reject(err.Error())
	}

	verdict, err := t.serializer.SerializeVerdict(&wire.Verdict{Accepted: true, ClientId: clientId})
	if err != nil {
		t.store.Remove(clientId)
		return 0, err
	}
	if err := frameConn.WriteFrame(verdict); err != nil {
		t.store.Remove(clientId)
		return 0, err
	}

	return clientId, nil
}

func (t *TcpServerTransport) readPump(log *zap.Logger, frameConn goframe.FrameConn, clientId uint64) {
	for {
		frameBytes, err := frameConn.ReadFrame()
		if err != nil {
			return
		}

		frame, parseErr := t.serializer.Parse(frameBytes)
		if parseErr != nil {
			log.Warn("Dropping unparseable frame", zap.Error(parseErr))
			continue
		}
		if frame.FrameType != wire.FrameType_Payload {
			log.Warn("Dropping unexpected frame type", zap.Uint8("frameType", uint8(frame.FrameType)))
			continue
		}

		t.mut.Lock()
		t.inbox = append(t.inbox, Incoming{
			Channel: frame.Payload.Channel,
			Sender:  clientId,
			Payload: frame.Payload.Data,
		})
		t.mut.Unlock()
	}
}

func (t *TcpServerTransport) Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error {
	frame, err := t.serializer.SerializePayload(&wire.Payload{Channel: ch, Sender: 0, Data: payload})
	if err != nil {
		return err
	}

	t.mut.Lock()
	var conns []*tcpServerConn
	switch target.Kind {
	case TargetKind_AllClients:
		for _, conn := range t.conns {
			conns = append(conns, conn)
		}
	case TargetKind_SingleClient:
		conn, has := t.conns[target.ClientId]
		if !has {
			t.mut.Unlock()
			return &errors.DeliveryFailed{Channel: uint8(ch), ClientId: target.ClientId}
		}
		conns = append(conns, conn)
	default:
		t.mut.Unlock()
		return &errors.UnsupportedRole{Transport: "tcp-server", Operation: "send to server"}
	}
	t.mut.Unlock()

	for _, conn := range conns {
		if writeErr := conn.writeFrame(frame); writeErr != nil {
			t.log.Warn("TCP write failed", zap.Error(writeErr))
		}
	}
	return nil
}

func (t *TcpServerTransport) pushEvent(event Event) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.events = append(t.events, event)
}

func (t *TcpServerTransport) PollEvents() []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	events := t.events
	t.events = nil
	return events
}

func (t *TcpServerTransport) PollReceive() []Incoming {
	t.mut.Lock()
	defer t.mut.Unlock()

	inbox := t.inbox
	t.inbox = nil
	return inbox
}

func (t *TcpServerTransport) ConnectedClients() []uint64 {
	return t.store.Ids()
}

func (t *TcpServerTransport) Disconnect() error {
	t.mut.Lock()
	t.closed = true
	listener := t.listener
	t.listener = nil
	conns := t.conns
	t.conns = make(map[uint64]*tcpServerConn)
	t.mut.Unlock()

	for _, conn := range conns {
		conn.frameConn.Close()
	}
	t.store.Drain()

	if listener != nil {
		return listener.Close()
	}
	return nil
}
