package transport

import (
	"net"
	"sync"
	"time"

	"github.com/smallnest/goframe"
	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/wire"
	"go.uber.org/zap"
)

const tcpDialTimeout = 5 * time.Second

type TcpClientParams struct {
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// TcpClientTransport dials a TcpServerTransport. Connect returns
// immediately; the dial and hello/verdict handshake run on a goroutine and
// the outcome surfaces as a Connected or ConnectFailed event.
type TcpClientTransport struct {
	serializer  wire.Serializer
	log         *zap.Logger
	dialTimeout time.Duration

	mut       sync.Mutex
	frameConn goframe.FrameConn
	writeMut  sync.Mutex
	clientId  uint64
	connected bool
	closed    bool
	events    []Event
	inbox     []Incoming
}

func CreateTcpClientTransport(params TcpClientParams) *TcpClientTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := params.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = tcpDialTimeout
	}

	return &TcpClientTransport{
		serializer:  wire.DefaultSerializer(),
		log:         logger.With(zap.String("transport", "tcp-client")),
		dialTimeout: dialTimeout,
	}
}

func (t *TcpClientTransport) Bind(address string, security SecurityConfig) error {
	return &errors.UnsupportedRole{Transport: "tcp-client", Operation: "bind"}
}

func (t *TcpClientTransport) Connect(address string, security SecurityConfig) error {
	t.mut.Lock()
	if t.frameConn != nil {
		t.mut.Unlock()
		return &errors.ConnectFailed{Address: address, Cause: &errors.NotConnected{Operation: "reconnect an active transport"}}
	}
	t.closed = false
	t.mut.Unlock()

	go t.dialAndHandshake(address, security)
	return nil
}

func (t *TcpClientTransport) dialAndHandshake(address string, security SecurityConfig) {
	failConnect := func(err error) {
		t.log.Warn("TCP connect failed", zap.String("address", address), zap.Error(err))
		t.pushEvent(Event{Kind: EventKind_ConnectFailed, Err: &errors.ConnectFailed{Address: address, Cause: err}})
	}

	conn, err := net.DialTimeout("tcp", address, t.dialTimeout)
	if err != nil {
		failConnect(err)
		return
	}

	frameConn := goframe.NewLengthFieldBasedFrameConn(tcpEncoderConfig, tcpDecoderConfig, conn)

	hello, err := t.serializer.SerializeHello(&wire.Hello{
		ProtocolId: security.ProtocolId,
		AuthKey:    security.AuthKey,
	})
	if err != nil {
		frameConn.Close()
		failConnect(err)
		return
	}
	if err := frameConn.WriteFrame(hello); err != nil {
		frameConn.Close()
		failConnect(err)
		return
	}

	verdictBytes, err := frameConn.ReadFrame()
	if err != nil {
		frameConn.Close()
		failConnect(err)
		return
	}
	frame, err := t.serializer.Parse(verdictBytes)
	if err != nil {
		frameConn.Close()
		failConnect(err)
		return
	}
	if frame.FrameType != wire.FrameType_Verdict {
		frameConn.Close()
		failConnect(&errors.InvalidEnumValue{EnumName: "FrameType", IntValue: uint8(frame.FrameType)})
		return
	}
	if !frame.Verdict.Accepted {
		frameConn.Close()
		failConnect(&errors.HandshakeRejected{Reason: frame.Verdict.Reason})
		return
	}

	t.mut.Lock()
	t.frameConn = frameConn
	t.clientId = frame.Verdict.ClientId
	t.connected = true
	t.events = append(t.events, Event{Kind: EventKind_Connected, ClientId: frame.Verdict.ClientId})
	t.mut.Unlock()

	t.log.Info("Connected to TCP server", zap.String("address", address), zap.Uint64("clientId", frame.Verdict.ClientId))

	t.readPump(frameConn)
}

func (t *TcpClientTransport) readPump(frameConn goframe.FrameConn) {
	for {
		frameBytes, err := frameConn.ReadFrame()
		if err != nil {
			t.mut.Lock()
			wasConnected := t.connected
			closed := t.closed
			t.connected = false
			t.frameConn = nil
			if wasConnected && !closed {
				t.events = append(t.events, Event{Kind: EventKind_Disconnected, Err: err})
			}
			t.mut.Unlock()
			frameConn.Close()
			return
		}

		frame, parseErr := t.serializer.Parse(frameBytes)
		if parseErr != nil {
			t.log.Warn("Dropping unparseable frame", zap.Error(parseErr))
			continue
		}
		if frame.FrameType != wire.FrameType_Payload {
			t.log.Warn("Dropping unexpected frame type", zap.Uint8("frameType", uint8(frame.FrameType)))
			continue
		}

		t.mut.Lock()
		t.inbox = append(t.inbox, Incoming{
			Channel: frame.Payload.Channel,
			Sender:  frame.Payload.Sender,
			Payload: frame.Payload.Data,
		})
		t.mut.Unlock()
	}
}

func (t *TcpClientTransport) Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error {
	if target.Kind != TargetKind_Server {
		return &errors.UnsupportedRole{Transport: "tcp-client", Operation: "send to clients"}
	}

	t.mut.Lock()
	frameConn := t.frameConn
	clientId := t.clientId
	connected := t.connected
	t.mut.Unlock()

	if !connected || frameConn == nil {
		return &errors.NotConnected{Operation: "send"}
	}

	frame, err := t.serializer.SerializePayload(&wire.Payload{Channel: ch, Sender: clientId, Data: payload})
	if err != nil {
		return err
	}

	t.writeMut.Lock()
	defer t.writeMut.Unlock()
	return frameConn.WriteFrame(frame)
}

func (t *TcpClientTransport) pushEvent(event Event) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.events = append(t.events, event)
}

func (t *TcpClientTransport) PollEvents() []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	events := t.events
	t.events = nil
	return events
}

func (t *TcpClientTransport) PollReceive() []Incoming {
	t.mut.Lock()
	defer t.mut.Unlock()

	inbox := t.inbox
	t.inbox = nil
	return inbox
}

func (t *TcpClientTransport) ConnectedClients() []uint64 {
	return nil
}

func (t *TcpClientTransport) Disconnect() error {
	t.mut.Lock()
	t.closed = true
	t.connected = false
	frameConn := t.frameConn
	t.frameConn = nil
	t.mut.Unlock()

	if frameConn != nil {
		return frameConn.Close()
	}
	return nil
}
