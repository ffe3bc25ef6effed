package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/wire"
	"go.uber.org/zap"
)

type WebsocketClientParams struct {
	// Endpoint is the HTTP path of the server's WebSocket upgrade handler.
	// Defaults to "/ws".
	Endpoint string

	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

// WebsocketClientTransport dials a WebsocketServerTransport. Connect returns
// immediately; dial and handshake run on a goroutine and the outcome
// surfaces as a Connected or ConnectFailed event.
type WebsocketClientTransport struct {
	serializer wire.Serializer
	params     WebsocketClientParams
	log        *zap.Logger

	mut       sync.Mutex
	conn      *websocket.Conn
	writeMut  sync.Mutex
	clientId  uint64
	connected bool
	closed    bool
	events    []Event
	inbox     []Incoming
}

func CreateWebsocketClientTransport(params WebsocketClientParams) *WebsocketClientTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Endpoint == "" {
		params.Endpoint = "/ws"
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 5 * time.Second
	}

	return &WebsocketClientTransport{
		serializer: wire.DefaultSerializer(),
		params:     params,
		log:        logger.With(zap.String("transport", "websocket-client")),
	}
}

func (t *WebsocketClientTransport) Bind(address string, security SecurityConfig) error {
	return &errors.UnsupportedRole{Transport: "websocket-client", Operation: "bind"}
}

func (t *WebsocketClientTransport) Connect(address string, security SecurityConfig) error {
	t.mut.Lock()
	if t.conn != nil {
		t.mut.Unlock()
		return &errors.ConnectFailed{Address: address, Cause: &errors.NotConnected{Operation: "reconnect an active transport"}}
	}
	t.closed = false
	t.mut.Unlock()

	go t.dialAndHandshake(address, security)
	return nil
}

func (t *WebsocketClientTransport) dialAndHandshake(address string, security SecurityConfig) {
	failConnect := func(err error) {
		t.log.Warn("WebSocket connect failed", zap.String("address", address), zap.Error(err))
		t.pushEvent(Event{Kind: EventKind_ConnectFailed, Err: &errors.ConnectFailed{Address: address, Cause: err}})
	}

	url := fmt.Sprintf("ws://%s%s", address, t.params.Endpoint)
	dialer := websocket.Dialer{HandshakeTimeout: t.params.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		failConnect(err)
		return
	}

	hello, err := t.serializer.SerializeHello(&wire.Hello{
		ProtocolId: security.ProtocolId,
		AuthKey:    security.AuthKey,
	})
	if err != nil {
		conn.Close()
		failConnect(err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		failConnect(err)
		return
	}

	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		failConnect(err)
		return
	}
	if msgType != websocket.BinaryMessage {
		conn.Close()
		failConnect(&errors.InvalidEnumValue{EnumName: "websocket.MessageType", IntValue: uint8(msgType)})
		return
	}

	frame, err := t.serializer.Parse(payload)
	if err != nil {
		conn.Close()
		failConnect(err)
		return
	}
	if frame.FrameType != wire.FrameType_Verdict {
		conn.Close()
		failConnect(&errors.InvalidEnumValue{EnumName: "FrameType", IntValue: uint8(frame.FrameType)})
		return
	}
	if !frame.Verdict.Accepted {
		conn.Close()
		failConnect(&errors.HandshakeRejected{Reason: frame.Verdict.Reason})
		return
	}

	t.mut.Lock()
	t.conn = conn
	t.clientId = frame.Verdict.ClientId
	t.connected = true
	t.events = append(t.events, Event{Kind: EventKind_Connected, ClientId: frame.Verdict.ClientId})
	t.mut.Unlock()

	t.log.Info("Connected to WebSocket server", zap.String("address", address), zap.Uint64("clientId", frame.Verdict.ClientId))

	t.readPump(conn)
}

func (t *WebsocketClientTransport) readPump(conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			t.mut.Lock()
			wasConnected := t.connected
			closed := t.closed
			t.connected = false
			t.conn = nil
			if wasConnected && !closed {
				t.events = append(t.events, Event{Kind: EventKind_Disconnected, Err: err})
			}
			t.mut.Unlock()
			conn.Close()
			return
		}

		if msgType != websocket.BinaryMessage {
			t.log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		frame, parseErr := t.serializer.Parse(payload)
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

func (t *WebsocketClientTransport) Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error {
	if target.Kind != TargetKind_Server {
		return &errors.UnsupportedRole{Transport: "websocket-client", Operation: "send to clients"}
	}

	t.mut.Lock()
	conn := t.conn
	clientId := t.clientId
	connected := t.connected
	t.mut.Unlock()

	if !connected || conn == nil {
		return &errors.NotConnected{Operation: "send"}
	}

	frame, err := t.serializer.SerializePayload(&wire.Payload{Channel: ch, Sender: clientId, Data: payload})
	if err != nil {
		return err
	}

	t.writeMut.Lock()
	defer t.writeMut.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *WebsocketClientTransport) pushEvent(event Event) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.events = append(t.events, event)
}

func (t *WebsocketClientTransport) PollEvents() []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	events := t.events
	t.events = nil
	return events
}

func (t *WebsocketClientTransport) PollReceive() []Incoming {
	t.mut.Lock()
	defer t.mut.Unlock()

	inbox := t.inbox
	t.inbox = nil
	return inbox
}

func (t *WebsocketClientTransport) ConnectedClients() []uint64 {
	return nil
}

func (t *WebsocketClientTransport) Disconnect() error {
	t.mut.Lock()
	t.closed = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.mut.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
