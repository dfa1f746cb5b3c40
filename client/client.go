// Package client is an end client of a relay gateway. It signs in, calls service units
// through the gateway and receives signals pushed by other clients or by units.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-relay/correlation"
	"mini-relay/message"
	"mini-relay/transport"
)

// ErrUnavailable is returned when no reply arrived: timeout, lost connection or close.
var ErrUnavailable = errors.New("no reply")

// ReplyError is a reply with a non-zero code.
type ReplyError struct {
	Code int
	Text any
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server error %d: %v", e.Code, e.Text)
}

// SignalFunc handles a message pushed to the client. A non-nil result is sent back as
// the answer to a paired call.
type SignalFunc func(m *message.Message) *message.Message

// Client holds one gateway connection.
type Client struct {
	conn  *transport.Conn
	calls *correlation.Registry
	log   *zap.Logger

	mu       sync.RWMutex
	onSignal SignalFunc
}

// Dial connects to a gateway over TCP.
func Dial(addr string, timeout time.Duration, opts transport.Options) (*Client, error) {
	c, err := transport.Dial("tcp", addr, timeout, opts)
	if err != nil {
		return nil, err
	}
	return New(c, opts.Logger), nil
}

// DialWS connects to a gateway over WebSocket, e.g. ws://host:8081/relay.
func DialWS(url string, timeout time.Duration, opts transport.Options) (*Client, error) {
	c, err := transport.DialWS(url, timeout, opts)
	if err != nil {
		return nil, err
	}
	return New(c, opts.Logger), nil
}

// New starts a client on an established connection.
func New(conn *transport.Conn, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{conn: conn, calls: correlation.New(log), log: log.Named("client")}
	conn.Start(transport.HandlerFuncs{
		Request:  c.onRequest,
		Response: c.onResponse,
		Close:    c.onClose,
	})
	return c
}

// OnSignal sets the handler for pushed messages. Without one, pushes are acknowledged
// and dropped.
func (c *Client) OnSignal(fn SignalFunc) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// Call sends action with params and waits for the reply.
func (c *Client) Call(action string, params map[string]any, timeout time.Duration) (*message.Message, error) {
	req := message.New(action)
	for k, v := range params {
		req.Params.Set(k, v)
	}
	e, err := c.calls.IssueOn(req, c.conn.SessionID())
	if err != nil {
		return nil, err
	}
	if err := c.conn.Send(req); err != nil {
		c.calls.Cancel(e.Serial)
		return nil, err
	}
	reply := c.calls.Await(e, timeout)
	if reply == nil || correlation.IsInterrupted(reply) {
		return nil, fmt.Errorf("%s: %w", action, ErrUnavailable)
	}
	if code := reply.Code(); code != message.CodeOK {
		return reply, &ReplyError{Code: code, Text: reply.Data()}
	}
	return reply, nil
}

// SignIn binds the connection to principal id.
func (c *Client) SignIn(id int64, domain, device string, timeout time.Duration) error {
	_, err := c.Call("signin", map[string]any{"principalId": id, "domain": domain, "deviceId": device}, timeout)
	return err
}

// Signal sends data to principal to. With ack it waits for the peer's answer.
func (c *Client) Signal(to int64, data any, ack bool, timeout time.Duration) (*message.Message, error) {
	return c.Call("signal", map[string]any{"to": to, message.KeyData: data, "ack": ack}, timeout)
}

// Close closes the connection and fails pending calls.
func (c *Client) Close() {
	c.conn.Close()
	c.calls.Close()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) onResponse(_ *transport.Conn, m *message.Message) {
	c.calls.Resolve(m.Serial, m)
}

func (c *Client) onRequest(conn *transport.Conn, m *message.Message) {
	c.mu.RLock()
	fn := c.onSignal
	c.mu.RUnlock()

	// Handlers may call back into the gateway, so keep them off the read loop.
	go func() {
		reply := message.NewReply(m, message.CodeOK, nil)
		if fn != nil {
			if r := fn(m); r != nil {
				reply = r.WithSerial(m.Serial)
			}
		}
		if err := conn.Reply(reply); err != nil {
			c.log.Debug("signal answer dropped", zap.String("action", m.Action), zap.Error(err))
		}
	}()
}

func (c *Client) onClose(conn *transport.Conn) {
	c.calls.Invalidate(conn.SessionID())
}
