package transport

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mini-relay/protocol"
)

// Upgrader accepts browser clients. Origin checks belong to the deployment's proxy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFramer carries one protocol frame per binary WebSocket message.
type wsFramer struct {
	ws *websocket.Conn
}

func (f *wsFramer) ReadFrame() (*protocol.Header, []byte, error) {
	mt, data, err := f.ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, nil, fmt.Errorf("unexpected websocket message type %d", mt)
	}
	return protocol.Unmarshal(data)
}

func (f *wsFramer) WriteFrame(frame []byte) error {
	return f.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (f *wsFramer) SetReadDeadline(t time.Time) error {
	return f.ws.SetReadDeadline(t)
}

func (f *wsFramer) RemoteAddr() net.Addr {
	return f.ws.RemoteAddr()
}

func (f *wsFramer) Close() error {
	return f.ws.Close()
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(ws *websocket.Conn, opts Options) *Conn {
	return newConn(&wsFramer{ws: ws}, opts)
}

// DialWS connects to a WebSocket endpoint such as ws://host:port/relay.
func DialWS(url string, timeout time.Duration, opts Options) (*Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: timeout,
	}
	ws, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws, opts), nil
}

// Upgrade turns an HTTP request into a WebSocket Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws, opts), nil
}
