// Package gateway implements the client-facing tier: it turns client requests into calls
// on backend service units and carries signals between clients.
//
//	client ──► Edge (server.Server) ──► Link ──► service unit
//	   ▲             │ relay.Relay        │
//	   └─────────────┴──── Router ◄───────┘  replies, route-backs, pushes
//
// A nil result from the Router is the only failure signal a handler sees; the edge turns
// it into one uniform "service unavailable" reply.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-relay/correlation"
	"mini-relay/message"
	"mini-relay/transport"
)

// Replier is a connection a reply can be routed back to.
type Replier interface {
	Reply(m *message.Message) error
}

// route remembers where the reply to a forwarded request goes.
type route struct {
	origin  Replier
	action  string
	serial  uint64 // serial the origin used
	expires time.Time
}

// Router sends messages over connections and matches the replies.
type Router struct {
	calls *correlation.Registry
	log   *zap.Logger

	ttl    time.Duration
	mu     sync.Mutex
	routes map[uint64]*route
}

// NewRouter creates a router whose synchronous calls are tracked in calls. Routes created
// by Forward expire after routeTTL.
func NewRouter(calls *correlation.Registry, routeTTL time.Duration, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if routeTTL <= 0 {
		routeTTL = 30 * time.Second
	}
	return &Router{
		calls:  calls,
		log:    log.Named("router"),
		ttl:    routeTTL,
		routes: make(map[uint64]*route),
	}
}

// Calls returns the correlation registry replies must be resolved into.
func (r *Router) Calls() *correlation.Registry {
	return r.calls
}

// SyncSend sends msg over conn and waits up to timeout for the reply. It returns nil on
// any failure: dead connection, send failure, timeout, connection lost while waiting or
// interrupt. A msg without a serial is sent as a copy carrying a fresh one.
func (r *Router) SyncSend(conn transport.Sender, msg *message.Message, timeout time.Duration) *message.Message {
	if conn == nil || !conn.Valid() {
		return nil
	}
	out := msg
	if out.Serial == 0 {
		out = msg.WithSerial(r.calls.NextSerial())
	}
	e, err := r.calls.IssueOn(out, conn.SessionID())
	if err != nil {
		r.log.Error("issue failed", zap.String("action", msg.Action), zap.Error(err))
		return nil
	}
	// The connection may have died between the check above and IssueOn, after its
	// pending calls were invalidated.
	if !conn.Valid() {
		r.calls.Cancel(e.Serial)
		return nil
	}
	if err := conn.Send(out); err != nil {
		r.log.Debug("send failed", zap.String("action", out.Action), zap.Uint64("sn", out.Serial), zap.Error(err))
		r.calls.Cancel(e.Serial)
		return nil
	}

	reply := r.calls.Await(e, timeout)
	if reply == nil || correlation.IsInterrupted(reply) {
		return nil
	}
	return reply
}

// AsyncSend hands msg to conn without waiting for, or tracking, a reply.
func (r *Router) AsyncSend(conn transport.Sender, msg *message.Message) bool {
	if conn == nil {
		return false
	}
	if err := conn.Send(msg); err != nil {
		r.log.Debug("async send failed", zap.String("action", msg.Action), zap.Error(err))
		return false
	}
	return true
}

// Forward sends msg over conn without blocking and routes the reply back to origin under
// msg's original serial. If no reply arrives within the route TTL, origin gets a
// CodeUnavailable reply instead.
func (r *Router) Forward(conn transport.Sender, msg *message.Message, origin Replier) bool {
	if conn == nil || !conn.Valid() {
		return false
	}
	out := msg.WithSerial(r.calls.NextSerial())
	r.mu.Lock()
	r.routes[out.Serial] = &route{
		origin:  origin,
		action:  msg.Action,
		serial:  msg.Serial,
		expires: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	if err := conn.Send(out); err != nil {
		r.mu.Lock()
		delete(r.routes, out.Serial)
		r.mu.Unlock()
		r.log.Debug("forward failed", zap.String("action", msg.Action), zap.Error(err))
		return false
	}
	return true
}

// Deliver accepts a reply read from a backend connection. Forwarded replies go back to
// their origin, everything else resolves the correlation registry.
func (r *Router) Deliver(reply *message.Message) bool {
	r.mu.Lock()
	rt, ok := r.routes[reply.Serial]
	if ok {
		delete(r.routes, reply.Serial)
	}
	r.mu.Unlock()

	if !ok {
		return r.calls.Resolve(reply.Serial, reply)
	}
	if err := rt.origin.Reply(reply.WithSerial(rt.serial)); err != nil {
		r.log.Debug("route-back failed", zap.Uint64("sn", rt.serial), zap.Error(err))
		return false
	}
	return true
}

// Routes returns the number of forwarded requests still awaiting a reply.
func (r *Router) Routes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Prune expires routes older than the TTL and tells their origins the service is
// unavailable. It returns how many routes expired.
func (r *Router) Prune(now time.Time) int {
	var expired []*route
	r.mu.Lock()
	for sn, rt := range r.routes {
		if now.After(rt.expires) {
			expired = append(expired, rt)
			delete(r.routes, sn)
		}
	}
	r.mu.Unlock()

	for _, rt := range expired {
		req := &message.Message{Action: rt.action, Serial: rt.serial}
		rt.origin.Reply(message.NewReply(req, message.CodeUnavailable, unavailableText))
	}
	if len(expired) > 0 {
		r.log.Debug("forward routes expired", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run prunes expired routes until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Prune(now)
		}
	}
}
