// Package server implements a service unit: an action table served over relay connections,
// with its own task pool, worker pool and correlation registry.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn read loop decodes frames
//	  → OnRequest: borrow Task, bind (conn, request), queue on the worker pool
//	    → Middleware Chain → dispatch (action table) → reply on the same conn
//	  → OnResponse: resolve the unit's correlation registry
//
// A saturated worker queue is answered with CodeBusy, an undecodable body with
// CodeMalformed, an unknown action with CodeUnknownAction and a unit that is not ready
// yet with CodeNotReady. The connection stays open in all four cases.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-relay/correlation"
	"mini-relay/message"
	"mini-relay/middleware"
	"mini-relay/propagate"
	"mini-relay/protocol"
	"mini-relay/registry"
	"mini-relay/transport"
)

// ErrShutdownTimeout is returned by Shutdown when in-flight tasks outlive the timeout.
var ErrShutdownTimeout = errors.New("timeout waiting for ongoing requests to finish")

// Options configure a Server. Zero fields take defaults.
type Options struct {
	Workers      int   // worker goroutines, default 16
	QueueSize    int   // pending task queue length, default 1024
	TaskPoolSize int   // idle Tasks kept for reuse, default 1024
	RegistryTTL  int64 // seconds, default 10
	Conn         transport.Options
	Logger       *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.TaskPoolSize <= 0 {
		o.TaskPoolSize = 1024
	}
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server is one service unit.
type Server struct {
	name string
	opts Options
	log  *zap.Logger

	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc
	fallback    middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	startOnce   sync.Once

	tasks   *taskPool
	workers *workerPool
	calls   *correlation.Registry
	timing  sync.Map // action -> *actionTiming

	ready    atomic.Bool
	shutdown atomic.Bool
	inflight sync.WaitGroup
	conns    sync.Map // session id -> *transport.Conn

	listener  net.Listener
	registry  registry.Registry
	advertise string
}

// NewServer creates a service unit named name. The unit is not ready until SetReady(true);
// Serve and ServeListener mark it ready themselves.
func NewServer(name string, opts Options) *Server {
	opts.applyDefaults()
	log := opts.Logger.Named(name)
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = log
	}
	opts.Conn.AdaptCodec = true
	return &Server{
		name:     name,
		opts:     opts,
		log:      log,
		handlers: make(map[string]middleware.HandlerFunc),
		tasks:    newTaskPool(opts.TaskPoolSize),
		workers:  newWorkerPool(opts.Workers, opts.QueueSize),
		calls:    correlation.New(log),
	}
}

// Name returns the unit name.
func (s *Server) Name() string { return s.name }

// Calls returns the registry resolved by response frames arriving on this unit's
// connections. Calls this unit issues over its own connections must be issued here.
func (s *Server) Calls() *correlation.Registry { return s.calls }

// Handle registers fn for action, replacing any previous handler.
func (s *Server) Handle(action string, fn middleware.HandlerFunc) {
	s.mu.Lock()
	s.handlers[action] = fn
	s.mu.Unlock()
}

// HandleFallback registers fn for every action without its own handler. Without a
// fallback such requests get CodeUnknownAction.
func (s *Server) HandleFallback(fn middleware.HandlerFunc) {
	s.mu.Lock()
	s.fallback = fn
	s.mu.Unlock()
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before the first connection is served.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// SetReady switches between normal dispatch and answering every request with CodeNotReady.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the unit dispatches requests.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) start() {
	s.startOnce.Do(func() {
		s.mu.RLock()
		mws := append([]middleware.Middleware(nil), s.middlewares...)
		s.mu.RUnlock()
		// Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
		s.handler = middleware.Chain(mws...)(s.dispatch)
	})
}

// Serve listens on address, registers the unit under advertise (when reg is not nil),
// marks the unit ready and accepts connections until Shutdown.
//
// advertise differs from address because ":8080" is not routable for other nodes.
func (s *Server) Serve(network, address, advertise string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.registry, s.advertise = reg, advertise
	s.mu.Unlock()
	if reg != nil {
		if err := reg.Register(s.name, registry.ServiceInstance{Addr: advertise, Weight: 1}, s.opts.RegistryTTL); err != nil {
			listener.Close()
			return fmt.Errorf("register unit %s: %w", s.name, err)
		}
	}
	return s.ServeListener(listener)
}

// ServeListener accepts connections from l until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	if s.shutdown.Load() {
		l.Close()
		return nil
	}
	s.start()
	s.SetReady(true)
	s.log.Info("unit serving", zap.Stringer("addr", l.Addr()))

	for {
		raw, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener on purpose.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.ServeConn(transport.NewConn(raw, s.opts.Conn))
	}
}

// ServeConn serves an already established connection, for example an upgraded WebSocket.
func (s *Server) ServeConn(c *transport.Conn) {
	s.start()
	if s.shutdown.Load() {
		c.Close()
		return
	}
	s.conns.Store(c.SessionID(), c)
	c.Start(transport.HandlerFuncs{
		Request:   s.onRequest,
		Response:  s.onResponse,
		Malformed: s.onMalformed,
		Close:     s.onClose,
	})
}

// ConnOptions returns the options used for connections accepted by this unit.
func (s *Server) ConnOptions() transport.Options {
	return s.opts.Conn
}

func (s *Server) onRequest(c *transport.Conn, req *message.Message) {
	if !s.ready.Load() {
		s.reply(c, message.NewReply(req, message.CodeNotReady, "not ready"))
		return
	}

	t := s.tasks.get()
	if err := t.bind(c, req); err != nil {
		s.log.Error("task bind failed", zap.Uint64("sn", req.Serial), zap.Error(err))
		s.reply(c, message.NewReply(req, message.CodeFailure, err.Error()))
		return
	}

	s.inflight.Add(1)
	if err := s.workers.put(func() { s.run(t) }); err != nil {
		s.inflight.Done()
		s.tasks.put(t)
		s.log.Warn("worker queue full, rejecting request", zap.String("action", req.Action), zap.Uint64("sn", req.Serial))
		s.reply(c, message.NewReply(req, message.CodeBusy, "busy"))
	}
}

func (s *Server) onResponse(_ *transport.Conn, reply *message.Message) {
	s.calls.Resolve(reply.Serial, reply)
}

func (s *Server) onMalformed(c *transport.Conn, h *protocol.Header, err error) {
	if h.MsgType != protocol.MsgTypeRequest {
		return
	}
	s.reply(c, message.NewReply(&message.Message{Serial: h.Serial}, message.CodeMalformed, err.Error()))
}

func (s *Server) onClose(c *transport.Conn) {
	s.conns.Delete(c.SessionID())
	s.calls.Invalidate(c.SessionID())
}

// run executes one task on a worker goroutine and always returns it to the pool.
func (s *Server) run(t *Task) {
	req, conn := t.req, t.conn
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", zap.String("action", req.Action), zap.Uint64("sn", req.Serial), zap.Any("panic", r), zap.Stack("stack"))
			s.reply(conn, message.NewReply(req, message.CodeFailure, fmt.Sprint(r)))
		}
		s.markResponseTime(req.Action, time.Since(t.arrived))
		s.tasks.put(t)
		s.inflight.Done()
	}()

	ctx := newContext(context.Background(), t)
	reply := s.handler(ctx, req)
	if reply == nil {
		return
	}
	if reply.Serial != req.Serial {
		reply = reply.WithSerial(req.Serial)
	}
	s.reply(conn, propagate.Copy(req, reply))
}

// dispatch is the innermost handler: look up the action and call it.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	s.mu.RLock()
	fn, ok := s.handlers[req.Action]
	if !ok && s.fallback != nil {
		fn, ok = s.fallback, true
	}
	s.mu.RUnlock()
	if !ok {
		s.log.Warn("unsupported action", zap.String("action", req.Action), zap.Uint64("sn", req.Serial))
		return message.NewReply(req, message.CodeUnknownAction, "unknown action: "+req.Action)
	}
	return fn(ctx, req)
}

func (s *Server) reply(c *transport.Conn, m *message.Message) {
	if err := c.Reply(m); err != nil {
		s.log.Debug("reply dropped", zap.Uint64("sn", m.Serial), zap.Uint64("session", c.SessionID()), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister the unit (gateways stop routing to it)
//  2. Stop accepting connections and stop dispatching
//  3. Wait for in-flight tasks to finish (with timeout)
//  4. Close connections, stop workers and interrupt pending calls
func (s *Server) Shutdown(timeout time.Duration) error {
	// Set the flag BEFORE closing the listener so the Accept error is recognized as intentional.
	s.shutdown.Store(true)
	s.SetReady(false)

	s.mu.RLock()
	reg, advertise, l := s.registry, s.advertise, s.listener
	s.mu.RUnlock()

	var deregErr error
	if reg != nil {
		deregErr = reg.Deregister(s.name, advertise)
	}
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrShutdownTimeout
	}

	s.conns.Range(func(_, v any) bool {
		v.(*transport.Conn).Close()
		return true
	})
	if err == nil {
		s.workers.close()
	}
	s.calls.Close()
	s.log.Info("unit stopped", zap.Error(err))
	return multierr.Combine(deregErr, err)
}
