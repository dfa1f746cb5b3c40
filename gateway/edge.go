package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-relay/message"
	"mini-relay/propagate"
	"mini-relay/relay"
	"mini-relay/server"
	"mini-relay/transport"
)

const unavailableText = "service unavailable"

// Client-facing actions served by the edge itself.
const (
	ActionSignIn    = "signin"
	ActionSignOut   = "signout"
	ActionSignal    = "signal"
	ActionBroadcast = "broadcast"
)

// Parameter keys of the edge actions.
const (
	ParamPrincipal = "principalId"
	ParamDomain    = "domain"
	ParamDevice    = "deviceId"
	ParamTo        = "to"
	ParamFrom      = "from"
	ParamAck       = "ack"
)

const keyPrincipal = "edge.principal"

// EdgeOptions configure an Edge. Zero fields take defaults.
type EdgeOptions struct {
	CallTimeout time.Duration // backend and paired-call timeout, default 5s
	Forward     bool          // route unit calls asynchronously instead of holding a worker
	Logger      *zap.Logger
}

// Edge serves end clients on a gateway server: sign-in, signals between clients and
// calls to service units addressed as "<unit>.<action>".
type Edge struct {
	srv   *server.Server
	relay *relay.Relay
	opts  EdgeOptions
	log   *zap.Logger

	mu    sync.RWMutex
	links map[string]*Link
}

// NewEdge registers the edge actions on srv. Signals go through rl.
func NewEdge(srv *server.Server, rl *relay.Relay, opts EdgeOptions) *Edge {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Edge{
		srv:   srv,
		relay: rl,
		opts:  opts,
		log:   opts.Logger.Named("edge"),
		links: make(map[string]*Link),
	}
	srv.Handle(ActionSignIn, e.signIn)
	srv.Handle(ActionSignOut, e.signOut)
	srv.Handle(ActionSignal, e.signal)
	srv.Handle(ActionBroadcast, e.broadcast)
	srv.HandleFallback(e.route)
	return e
}

// AddLink makes the unit behind l reachable as "<unit>.<action>".
func (e *Edge) AddLink(l *Link) {
	e.mu.Lock()
	e.links[l.Unit()] = l
	e.mu.Unlock()
}

func (e *Edge) link(unit string) *Link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.links[unit]
}

// ServeHTTP upgrades browser clients to WebSocket and serves them like TCP clients.
func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := transport.Upgrade(w, r, e.srv.ConnOptions())
	if err != nil {
		e.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	e.srv.ServeConn(c)
}

// ServeWS listens for WebSocket clients on addr under path until ctx is done.
func (e *Edge) ServeWS(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, e)
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	e.log.Info("websocket listening", zap.String("addr", addr), zap.String("path", path))
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Principal returns the context of the principal signed in on c, nil if none.
func Principal(c *transport.Conn) *propagate.Context {
	pc, _ := c.Value(keyPrincipal).(*propagate.Context)
	return pc
}

func (e *Edge) signIn(ctx context.Context, req *message.Message) *message.Message {
	c, ok := server.ConnFromContext(ctx)
	if !ok {
		return message.NewReply(req, message.CodeFailure, "no connection")
	}
	id, ok := req.Params.GetInt(ParamPrincipal)
	if !ok || id == 0 {
		return message.NewReply(req, message.CodeFailure, "principalId required")
	}
	pc := &propagate.Context{PrincipalID: id}
	pc.Domain, _ = req.Params.GetString(ParamDomain)
	pc.DeviceID, _ = req.Params.GetString(ParamDevice)

	first := Principal(c) == nil
	c.SetValue(keyPrincipal, pc)
	e.relay.Register(id, c)
	if first {
		e.relay.Watch(c)
	}
	e.log.Debug("signed in", zap.Int64("principal", id), zap.Uint64("session", c.SessionID()))
	return message.NewReply(req, message.CodeOK, nil)
}

func (e *Edge) signOut(ctx context.Context, req *message.Message) *message.Message {
	c, ok := server.ConnFromContext(ctx)
	if !ok {
		return message.NewReply(req, message.CodeFailure, "no connection")
	}
	if pc := Principal(c); pc != nil {
		e.relay.UnregisterConn(pc.PrincipalID, c)
		c.SetValue(keyPrincipal, nil)
	}
	return message.NewReply(req, message.CodeOK, nil)
}

// signal delivers {from, data} to the principal named by "to". With "ack" set the
// sender waits for the peer's reply and receives its data.
func (e *Edge) signal(ctx context.Context, req *message.Message) *message.Message {
	c, ok := server.ConnFromContext(ctx)
	if !ok {
		return message.NewReply(req, message.CodeFailure, "no connection")
	}
	from := Principal(c)
	if from == nil {
		return message.NewReply(req, message.CodeFailure, "not signed in")
	}
	to, ok := req.Params.GetInt(ParamTo)
	if !ok {
		return message.NewReply(req, message.CodeFailure, "to required")
	}

	out := message.New(ActionSignal).WithParam(ParamFrom, from.PrincipalID)
	if data, ok := req.Params.Get(message.KeyData); ok {
		out.Params.Set(message.KeyData, data)
	}

	if ack, _ := req.Params.GetBool(ParamAck); ack {
		reply := e.relay.PairedCall(to, out, e.opts.CallTimeout)
		if reply == nil {
			return message.NewReply(req, message.CodeUnavailable, "peer unavailable")
		}
		return message.NewReply(req, reply.Code(), reply.Data())
	}
	if !e.relay.Unicast(to, out) {
		return message.NewReply(req, message.CodeUnavailable, "peer unavailable")
	}
	return message.NewReply(req, message.CodeOK, nil)
}

// broadcast sends {from, data} to every signed-in principal except the sender and
// replies with the number reached.
func (e *Edge) broadcast(ctx context.Context, req *message.Message) *message.Message {
	c, ok := server.ConnFromContext(ctx)
	if !ok {
		return message.NewReply(req, message.CodeFailure, "no connection")
	}
	from := Principal(c)
	if from == nil {
		return message.NewReply(req, message.CodeFailure, "not signed in")
	}
	out := message.New(ActionBroadcast).WithParam(ParamFrom, from.PrincipalID)
	if data, ok := req.Params.Get(message.KeyData); ok {
		out.Params.Set(message.KeyData, data)
	}
	n := e.relay.Broadcast(out, from.PrincipalID)
	return message.NewReply(req, message.CodeOK, int64(n))
}

// route passes "<unit>.<action>" to the unit's link with the caller's context attached.
func (e *Edge) route(ctx context.Context, req *message.Message) *message.Message {
	unit, action, ok := strings.Cut(req.Action, ".")
	var l *Link
	if ok {
		l = e.link(unit)
	}
	if l == nil {
		e.log.Warn("unsupported action", zap.String("action", req.Action), zap.Uint64("sn", req.Serial))
		return message.NewReply(req, message.CodeUnknownAction, "unknown action: "+req.Action)
	}

	var pc *propagate.Context
	c, hasConn := server.ConnFromContext(ctx)
	if hasConn {
		pc = Principal(c)
	}
	out := propagate.Attach(&message.Message{Action: action, Params: req.Params}, pc)
	if pc != nil && pc.Domain != "" && out.Domain() == "" {
		out = out.WithDomain(pc.Domain)
	}

	if e.opts.Forward && hasConn {
		out.Serial = req.Serial
		if !l.Forward(out, clientReplier{conn: c, action: req.Action}) {
			return message.NewReply(req, message.CodeUnavailable, unavailableText)
		}
		return nil
	}

	reply := l.Call(out, e.opts.CallTimeout)
	if reply == nil {
		return message.NewReply(req, message.CodeUnavailable, unavailableText)
	}
	return toClient(reply, req.Action, req.Serial)
}

// toClient rewrites a unit reply for the client that asked: its action and serial, no
// propagated context.
func toClient(reply *message.Message, action string, serial uint64) *message.Message {
	stripped := propagate.Strip(reply)
	return &message.Message{Action: action, Serial: serial, Params: stripped.Params}
}

// clientReplier routes a forwarded reply back to the client connection.
type clientReplier struct {
	conn   *transport.Conn
	action string
}

func (r clientReplier) Reply(m *message.Message) error {
	return r.conn.Reply(toClient(m, r.action, m.Serial))
}
