package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"mini-relay/loadbalance"
	"mini-relay/message"
	"mini-relay/propagate"
	"mini-relay/registry"
	"mini-relay/relay"
	"mini-relay/transport"
)

// ErrLinkStopped is returned once a Link has been stopped.
var ErrLinkStopped = errors.New("link stopped")

// LinkOptions configure a Link. Zero fields take defaults.
type LinkOptions struct {
	Unit        string // service unit name, as registered
	Registry    registry.Registry
	Balancer    loadbalance.Balancer // default round robin
	DialTimeout time.Duration        // default 3s
	MinBackoff  time.Duration        // default 100ms
	MaxBackoff  time.Duration        // default 10s
	Conn        transport.Options
	Logger      *zap.Logger
}

// Link is the gateway's connection to one service unit. It keeps the unit's instance
// list current, keeps one connection per instance and redials lost ones with backoff.
type Link struct {
	opts   LinkOptions
	router *Router
	relay  *relay.Relay
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	instances []registry.ServiceInstance
	conns     map[string]*transport.Conn // addr -> live conn
	dialing   map[string]bool
}

// NewLink creates a link to opts.Unit. Replies are resolved through router; requests the
// unit initiates are pushed to clients through rl, which may be nil.
func NewLink(opts LinkOptions, router *Router, rl *relay.Relay) *Link {
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("link").With(zap.String("unit", opts.Unit))
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = log
	}
	return &Link{
		opts:    opts,
		router:  router,
		relay:   rl,
		log:     log,
		conns:   make(map[string]*transport.Conn),
		dialing: make(map[string]bool),
	}
}

// Unit returns the service unit name.
func (l *Link) Unit() string { return l.opts.Unit }

// Name implements node.Service.
func (l *Link) Name() string { return "link/" + l.opts.Unit }

// Start discovers the unit's instances and follows changes until ctx is done or Stop.
func (l *Link) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)
	instances, err := l.opts.Registry.Discover(l.opts.Unit)
	if err != nil {
		l.cancel()
		return fmt.Errorf("discover %s: %w", l.opts.Unit, err)
	}
	l.setInstances(instances)

	if watch := l.opts.Registry.Watch(l.opts.Unit); watch != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-l.ctx.Done():
					return
				case list, ok := <-watch:
					if !ok {
						return
					}
					l.setInstances(list)
				}
			}
		}()
	}
	return nil
}

// Stop closes every connection and waits for background work to finish.
func (l *Link) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[string]*transport.Conn)
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Link) setInstances(instances []registry.ServiceInstance) {
	alive := make(map[string]bool, len(instances))
	for _, inst := range instances {
		alive[inst.Addr] = true
	}

	l.mu.Lock()
	l.instances = instances
	var gone []*transport.Conn
	for addr, c := range l.conns {
		if !alive[addr] {
			gone = append(gone, c)
			delete(l.conns, addr)
		}
	}
	l.mu.Unlock()

	for _, c := range gone {
		c.Close()
	}
	l.log.Info("instances updated", zap.Int("count", len(instances)))
}

// Instances returns the last known instance list.
func (l *Link) Instances() []registry.ServiceInstance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]registry.ServiceInstance(nil), l.instances...)
}

// Conn picks an instance for key and returns a live connection to it, dialing if needed.
func (l *Link) Conn(key string) (*transport.Conn, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return nil, ErrLinkStopped
	}
	l.mu.RLock()
	instances := l.instances
	l.mu.RUnlock()

	inst, err := l.opts.Balancer.Pick(key, instances)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	c, ok := l.conns[inst.Addr]
	l.mu.RUnlock()
	if ok && c.Valid() {
		return c, nil
	}
	return l.dial(inst.Addr)
}

func (l *Link) dial(addr string) (*transport.Conn, error) {
	c, err := transport.Dial("tcp", addr, l.opts.DialTimeout, l.opts.Conn)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if cur, ok := l.conns[addr]; ok && cur.Valid() {
		// Lost a dial race; keep the connection already in place.
		l.mu.Unlock()
		c.Close()
		return cur, nil
	}
	l.conns[addr] = c
	l.mu.Unlock()

	c.Start(transport.HandlerFuncs{
		Request:  l.onRequest,
		Response: l.onResponse,
		Close:    l.onClose(addr),
	})
	l.log.Debug("connected", zap.String("addr", addr), zap.Uint64("session", c.SessionID()))
	return c, nil
}

// Call sends msg to an instance chosen for the caller's principal and waits for the reply.
// It returns nil when the unit is unavailable.
func (l *Link) Call(msg *message.Message, timeout time.Duration) *message.Message {
	c, err := l.Conn(pickKey(msg))
	if err != nil {
		l.log.Debug("no connection", zap.String("action", msg.Action), zap.Error(err))
		return nil
	}
	return l.router.SyncSend(c, msg, timeout)
}

// Forward sends msg to an instance chosen for the caller's principal and routes the
// reply back to origin.
func (l *Link) Forward(msg *message.Message, origin Replier) bool {
	c, err := l.Conn(pickKey(msg))
	if err != nil {
		l.log.Debug("no connection", zap.String("action", msg.Action), zap.Error(err))
		return false
	}
	return l.router.Forward(c, msg, origin)
}

// pickKey keeps one principal on one instance.
func pickKey(msg *message.Message) string {
	if ctx := propagate.Extract(msg); ctx != nil {
		return strconv.FormatInt(ctx.PrincipalID, 10)
	}
	return ""
}

func (l *Link) onResponse(_ *transport.Conn, reply *message.Message) {
	l.router.Deliver(reply)
}

// onRequest handles messages the unit initiates. Those addressed to a principal are
// pushed to its client.
func (l *Link) onRequest(_ *transport.Conn, m *message.Message) {
	if l.relay == nil || !l.relay.Push(m) {
		l.log.Debug("unit message not delivered", zap.String("action", m.Action))
	}
}

func (l *Link) onClose(addr string) func(*transport.Conn) {
	return func(c *transport.Conn) {
		n := l.router.Calls().Invalidate(c.SessionID())
		l.log.Info("disconnected", zap.String("addr", addr), zap.Int("failed_calls", n), zap.Error(c.Err()))

		l.mu.Lock()
		if l.conns[addr] == c {
			delete(l.conns, addr)
		}
		l.mu.Unlock()
		l.reconnect(addr)
	}
}

// reconnect redials addr with exponential backoff for as long as addr is a known
// instance and the link runs.
func (l *Link) reconnect(addr string) {
	l.mu.Lock()
	if l.ctx == nil || l.ctx.Err() != nil || l.dialing[addr] {
		l.mu.Unlock()
		return
	}
	l.dialing[addr] = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.dialing, addr)
			l.mu.Unlock()
		}()

		b := &backoff.Backoff{Min: l.opts.MinBackoff, Max: l.opts.MaxBackoff, Factor: 2, Jitter: true}
		for {
			d := b.Duration()
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(d):
			}
			if !l.known(addr) {
				return
			}
			if _, err := l.dial(addr); err != nil {
				l.log.Debug("reconnect failed", zap.String("addr", addr), zap.Int("attempt", int(b.Attempt())), zap.Error(err))
				continue
			}
			l.log.Info("reconnected", zap.String("addr", addr), zap.Int("attempts", int(b.Attempt())))
			return
		}
	}()
}

func (l *Link) known(addr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, inst := range l.instances {
		if inst.Addr == addr {
			return true
		}
	}
	return false
}
