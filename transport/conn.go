// Package transport implements the persistent, session-identified connection shared by
// gateways, service units and end clients.
//
// Every Conn runs three background goroutines tied together by an errgroup:
//
//	readLoop:      frame → codec.Decode → Handler.OnRequest / OnResponse / OnMalformed
//	writeLoop:     sendCh → frame write (the only writer, so frames never interleave)
//	heartbeatLoop: periodic heartbeat frames keep idle links alive
//
// When any loop fails the whole Conn is invalidated; a Conn is never valid again after
// that, a new handshake yields a new Conn with a new session id.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-relay/codec"
	"mini-relay/message"
	"mini-relay/protocol"
)

var (
	// ErrConnClosed is returned when sending on an invalidated connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrWouldBlock is returned when the send queue is full.
	ErrWouldBlock = errors.New("send queue full")
)

const (
	defaultSendQueue = 1024
	defaultHeartbeat = 30 * time.Second
)

var nextSessionID atomic.Uint64

// Sender is the part of a connection the correlation and relay layers depend on.
type Sender interface {
	SessionID() uint64
	Valid() bool
	Send(m *message.Message) error
}

// Handler receives everything a Conn reads. Calls are made from the read goroutine,
// so implementations must hand long work off to a worker pool.
type Handler interface {
	OnRequest(c *Conn, m *message.Message)
	OnResponse(c *Conn, m *message.Message)
	OnMalformed(c *Conn, h *protocol.Header, err error)
	OnClose(c *Conn)
}

// HandlerFuncs adapts optional functions to Handler; nil fields are ignored.
type HandlerFuncs struct {
	Request   func(c *Conn, m *message.Message)
	Response  func(c *Conn, m *message.Message)
	Malformed func(c *Conn, h *protocol.Header, err error)
	Close     func(c *Conn)
}

func (f HandlerFuncs) OnRequest(c *Conn, m *message.Message) {
	if f.Request != nil {
		f.Request(c, m)
	}
}

func (f HandlerFuncs) OnResponse(c *Conn, m *message.Message) {
	if f.Response != nil {
		f.Response(c, m)
	}
}

func (f HandlerFuncs) OnMalformed(c *Conn, h *protocol.Header, err error) {
	if f.Malformed != nil {
		f.Malformed(c, h, err)
	}
}

func (f HandlerFuncs) OnClose(c *Conn) {
	if f.Close != nil {
		f.Close(c)
	}
}

// Options tune a Conn. The zero value is usable.
type Options struct {
	Codec       codec.CodecType // codec for outgoing frames
	AdaptCodec  bool            // switch to the codec of the last frame received (server side)
	SendQueue   int             // bounded send queue length, default 1024
	Heartbeat   time.Duration   // heartbeat interval, default 30s, negative disables
	IdleTimeout time.Duration   // close when nothing is read for this long, 0 disables
	Logger      *zap.Logger
}

// framer moves whole frames over some underlying transport.
type framer interface {
	ReadFrame() (*protocol.Header, []byte, error)
	WriteFrame(frame []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Conn is one transport session.
type Conn struct {
	id    uint64
	fr    framer
	opts  Options
	log   *zap.Logger
	codec atomic.Uint32

	sendCh chan []byte
	valid  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // guards closed and hooks; held for reading while enqueueing
	closed bool
	hooks  []func(*Conn)
	once   sync.Once
	err    error

	attrs sync.Map
}

func newConn(fr framer, opts Options) *Conn {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Conn{
		id:     nextSessionID.Add(1),
		fr:     fr,
		opts:   opts,
		sendCh: make(chan []byte, opts.SendQueue),
	}
	c.codec.Store(uint32(opts.Codec))
	c.log = opts.Logger.With(zap.Uint64("session", c.id), zap.Stringer("remote", fr.RemoteAddr()))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.valid.Store(true)
	return c
}

// NewConn wraps a stream connection (TCP, unix socket, net.Pipe).
func NewConn(raw net.Conn, opts Options) *Conn {
	return newConn(newStreamFramer(raw), opts)
}

// SessionID returns the process-unique id of this session.
func (c *Conn) SessionID() uint64 {
	return c.id
}

// Valid reports whether the session is still usable.
func (c *Conn) Valid() bool {
	return c.valid.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.fr.RemoteAddr()
}

// RemoteHost returns the host part of the peer address.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.fr.RemoteAddr().String())
	if err != nil {
		return c.fr.RemoteAddr().String()
	}
	return host
}

// RemotePort returns the port of the peer address, 0 if it has none.
func (c *Conn) RemotePort() int {
	_, port, err := net.SplitHostPort(c.fr.RemoteAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Done is closed once the connection is invalidated.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the error that invalidated the connection, nil while valid or after Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// SetValue attaches session-scoped data (for example the signed-in principal).
func (c *Conn) SetValue(key string, v any) {
	c.attrs.Store(key, v)
}

// Value returns session-scoped data stored with SetValue.
func (c *Conn) Value(key string) any {
	v, _ := c.attrs.Load(key)
	return v
}

// OnClose registers fn to run once when the connection is invalidated. If it already
// is, fn runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Send queues m as a request frame. It never blocks.
func (c *Conn) Send(m *message.Message) error {
	return c.write(protocol.MsgTypeRequest, m)
}

// Reply queues m as a response frame. It never blocks.
func (c *Conn) Reply(m *message.Message) error {
	return c.write(protocol.MsgTypeResponse, m)
}

func (c *Conn) write(t protocol.MsgType, m *message.Message) error {
	ct := codec.CodecType(c.codec.Load())
	body, err := codec.GetCodec(ct).Encode(m)
	if err != nil {
		return err
	}
	frame, err := protocol.Marshal(&protocol.Header{
		CodecType: byte(ct),
		MsgType:   t,
		Serial:    m.Serial,
	}, body)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Start launches the read, write and heartbeat loops. Start must be called once.
func (c *Conn) Start(h Handler) {
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop(ctx, h) })
	g.Go(func() error { return c.writeLoop(ctx) })
	if c.opts.Heartbeat > 0 {
		g.Go(func() error { return c.heartbeatLoop(ctx) })
	}

	c.log.Debug("conn start")
	go func() {
		err := g.Wait()
		c.shutdown(err)
		h.OnClose(c)
	}()
}

// Close invalidates the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.shutdown(nil)
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.valid.Store(false)

		c.mu.Lock()
		c.closed = true
		if err != nil && !errors.Is(err, context.Canceled) {
			c.err = err
		}
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		c.cancel()
		c.fr.Close() // unblocks readLoop

		if c.err != nil {
			c.log.Debug("conn closed", zap.Error(c.err))
		} else {
			c.log.Debug("conn closed")
		}
		for _, fn := range hooks {
			fn(c)
		}
	})
}

func (c *Conn) readLoop(ctx context.Context, h Handler) error {
	for {
		if c.opts.IdleTimeout > 0 {
			c.fr.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		header, body, err := c.fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err // connection broken or framing error
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if c.opts.AdaptCodec {
			c.codec.Store(uint32(header.CodecType))
		}

		m, err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body)
		if err != nil {
			c.log.Warn("discarding malformed message", zap.Uint64("sn", header.Serial), zap.Error(err))
			h.OnMalformed(c, header, err)
			continue
		}

		if header.MsgType == protocol.MsgTypeResponse {
			h.OnResponse(c, m)
		} else {
			h.OnRequest(c, m)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendCh:
			if err := c.fr.WriteFrame(frame); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	frame, _ := protocol.Marshal(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.enqueue(frame); errors.Is(err, ErrConnClosed) {
				return err
			}
		}
	}
}
