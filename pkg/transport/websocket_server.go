package transport

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wiremux/wiremux/internal/clientstore"
	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
	"github.com/wiremux/wiremux/pkg/wire"
	"go.uber.org/zap"
)

type WebsocketServerParams struct {
	// Endpoint is the HTTP path that accepts WebSocket upgrades. Defaults
	// to "/ws".
	Endpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64
	MaxClients         int

	Logger *zap.Logger
}

func containsHost(host string, hosts []string) bool {
	for _, candidate := range hosts {
		if candidate == host {
			return true
		}
	}
	return false
}

type wsServerConn struct {
	conn     *websocket.Conn
	writeMut sync.Mutex
}

func (c *wsServerConn) writeFrame(data []byte) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WebsocketServerTransport accepts WebSocket clients over an HTTP endpoint.
// The first binary message on each connection must be a hello frame; the
// server answers with a verdict frame and only then admits the client.
type WebsocketServerTransport struct {
	serializer wire.Serializer
	params     WebsocketServerParams
	log        *zap.Logger
	store      *clientstore.Store

	mut      sync.Mutex
	server   *http.Server
	security SecurityConfig
	conns    map[uint64]*wsServerConn
	events   []Event
	inbox    []Incoming
	closed   bool
}

func CreateWebsocketServerTransport(params WebsocketServerParams) *WebsocketServerTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Endpoint == "" {
		params.Endpoint = "/ws"
	}

	return &WebsocketServerTransport{
		serializer: wire.DefaultSerializer(),
		params:     params,
		log:        logger.With(zap.String("transport", "websocket-server")),
		store:      clientstore.CreateStore(params.MaxClients),
		conns:      make(map[uint64]*wsServerConn),
	}
}

func (t *WebsocketServerTransport) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if containsHost(origin, t.params.DenylistedHosts) {
		return false
	}
	if t.params.AllowAllHosts {
		return true
	}
	return containsHost(origin, t.params.AllowlistedHosts)
}

func (t *WebsocketServerTransport) Bind(address string, security SecurityConfig) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return &errors.BindFailed{Address: address, Cause: err}
	}

	upgrader := &websocket.Upgrader{
		CheckOrigin: t.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.params.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		t.onWsRequest(upgrader, w, r)
	})

	server := &http.Server{
		Addr:    address,
		Handler: mux,
	}

	t.mut.Lock()
	t.server = server
	t.security = security
	t.closed = false
	t.mut.Unlock()

	t.log.Info("WebSocket transport listening", zap.String("address", address), zap.String("endpoint", t.params.Endpoint))

	go func() {
		if serveErr := server.Serve(listener); !stderrors.Is(serveErr, http.ErrServerClosed) {
			t.log.Error("Unexpected WebSocket server close", zap.Error(serveErr))
			t.pushEvent(Event{Kind: EventKind_TransportError, Err: serveErr})
		}
	}()

	return nil
}

func (t *WebsocketServerTransport) Connect(address string, security SecurityConfig) error {
	return &errors.UnsupportedRole{Transport: "websocket-server", Operation: "connect"}
}

func (t *WebsocketServerTransport) onWsRequest(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	log := t.log.With(zap.String("connId", uuid.NewString()))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	if t.params.MaxReadMessageSize > 0 {
		conn.SetReadLimit(t.params.MaxReadMessageSize)
	}

	clientId, err := t.admit(conn)
	if err != nil {
		log.Warn("Rejected WebSocket connection", zap.Error(err))
		return
	}

	log = log.With(zap.Uint64("clientId", clientId))
	log.Info("Client connected")

	serverConn := &wsServerConn{conn: conn}
	t.mut.Lock()
	t.conns[clientId] = serverConn
	t.events = append(t.events, Event{Kind: EventKind_ClientJoined, ClientId: clientId})
	t.mut.Unlock()

	t.readPump(log, conn, clientId)

	t.mut.Lock()
	_, stillTracked := t.conns[clientId]
	delete(t.conns, clientId)
	if stillTracked {
		t.events = append(t.events, Event{Kind: EventKind_ClientLeft, ClientId: clientId})
	}
	t.mut.Unlock()

	t.store.Remove(clientId)
	log.Info("Client disconnected")
}

func (t *WebsocketServerTransport) admit(conn *websocket.Conn) (uint64, error) {
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	if msgType != websocket.BinaryMessage {
		return 0, &errors.InvalidEnumValue{EnumName: "websocket.MessageType", IntValue: uint8(msgType)}
	}

	frame, err := t.serializer.Parse(payload)
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
			conn.WriteMessage(websocket.BinaryMessage, verdict)
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
	if err := t.store.Add(clientId, clientstore.Record{Address: conn.RemoteAddr().String(), ConnectedAt: time.Now()}); err != nil {
		return reject(err.Error())
	}

	verdict, err := t.serializer.SerializeVerdict(&wire.Verdict{Accepted: true, ClientId: clientId})
	if err != nil {
		t.store.Remove(clientId)
		return 0, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, verdict); err != nil {
		t.store.Remove(clientId)
		return 0, err
	}

	return clientId, nil
}

func (t *WebsocketServerTransport) readPump(log *zap.Logger, conn *websocket.Conn, clientId uint64) {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, expectedCloseErrors...) {
				log.Warn("Received unexpected close from client", zap.Error(err))
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		frame, parseErr := t.serializer.Parse(payload)
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

func (t *WebsocketServerTransport) Send(ch channel.Id, mode channel.DeliveryMode, target Target, payload []byte) error {
	frame, err := t.serializer.SerializePayload(&wire.Payload{Channel: ch, Sender: 0, Data: payload})
	if err != nil {
		return err
	}

	t.mut.Lock()
	var conns []*wsServerConn
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
		return &errors.UnsupportedRole{Transport: "websocket-server", Operation: "send to server"}
	}
	t.mut.Unlock()

	for _, conn := range conns {
		if writeErr := conn.writeFrame(frame); writeErr != nil {
			t.log.Warn("WebSocket write failed", zap.Error(writeErr))
		}
	}
	return nil
}

func (t *WebsocketServerTransport) pushEvent(event Event) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.events = append(t.events, event)
}

func (t *WebsocketServerTransport) PollEvents() []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	events := t.events
	t.events = nil
	return events
}

func (t *WebsocketServerTransport) PollReceive() []Incoming {
	t.mut.Lock()
	defer t.mut.Unlock()

	inbox := t.inbox
	t.inbox = nil
	return inbox
}

func (t *WebsocketServerTransport) ConnectedClients() []uint64 {
	return t.store.Ids()
}

func (t *WebsocketServerTransport) Disconnect() error {
	t.mut.Lock()
	t.closed = true
	server := t.server
	t.server = nil
	conns := t.conns
	t.conns = make(map[uint64]*wsServerConn)
	t.mut.Unlock()

	for _, conn := range conns {
		conn.conn.Close()
	}
	t.store.Drain()

	if server != nil {
		return server.Close()
	}
	return nil
}
