package adapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arcusdb/realmsync/pkg/bufpool"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

// Upgrader is the shared WebSocket upgrader for the sync endpoint. Buffer
// sizes match bufpool's small tier; most control frames fit comfortably.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  bufpool.DefaultSmallSize,
	WriteBufferSize: bufpool.DefaultSmallSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketTransport implements protocol.Transport over one gorilla/websocket
// connection. Writes are serialized with a mutex; gorilla/websocket conns
// support at most one concurrent writer.
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ protocol.Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport wraps an already-upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// SendMessage implements protocol.Transport.
func (t *WebSocketTransport) SendMessage(ctx context.Context, msg protocol.OutgoingMessage) error {
	frame, err := EncodeOutgoing(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close implements protocol.Transport: it sends a WebSocket normal-closure
// frame carrying reason, then closes the underlying connection. code is not
// put on the wire.
func (t *WebSocketTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	t.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	return t.conn.Close()
}

// ReadLoop blocks reading binary frames off the connection, decoding and
// handing each to onMessage, until the connection errors or ctx is done.
// onClose is invoked exactly once when the loop exits.
func (t *WebSocketTransport) ReadLoop(ctx context.Context, onMessage func(protocol.IncomingMessage), onClose func(error)) {
	for {
		if ctx.Err() != nil {
			onClose(ctx.Err())
			return
		}
		kind, frame, err := t.conn.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeIncoming(frame)
		if err != nil {
			onClose(err)
			return
		}
		onMessage(msg)
	}
}
