// Package relay maps logical endpoint ids (principals) to live client connections and
// relays signals between them.
//
// The table is split into shards, each with its own lock, so concurrent registration
// and delivery for unrelated ids never contend. Entries whose connection has died are
// pruned lazily by whichever operation notices first.
package relay

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-relay/message"
	"mini-relay/propagate"
	"mini-relay/transport"
)

const shardCount = 32

// Caller performs a synchronous call over a connection. gateway.Router satisfies it.
type Caller interface {
	SyncSend(conn transport.Sender, msg *message.Message, timeout time.Duration) *message.Message
}

type shard struct {
	mu        sync.RWMutex
	endpoints map[int64]transport.Sender
}

// Relay is the endpoint registry plus signal delivery. All methods are safe for
// concurrent use.
type Relay struct {
	shards [shardCount]shard
	caller Caller
	log    *zap.Logger
}

// New creates an empty relay. caller is used by PairedCall and may be nil if paired
// calls are not needed.
func New(caller Caller, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{caller: caller, log: log.Named("relay")}
	for i := range r.shards {
		r.shards[i].endpoints = make(map[int64]transport.Sender)
	}
	return r
}

func (r *Relay) shard(id int64) *shard {
	return &r.shards[uint64(id)%shardCount]
}

// Register binds id to conn. The latest registration wins.
func (r *Relay) Register(id int64, conn transport.Sender) {
	s := r.shard(id)
	s.mu.Lock()
	prev := s.endpoints[id]
	s.endpoints[id] = conn
	s.mu.Unlock()
	if prev != nil && prev != conn {
		r.log.Debug("endpoint replaced", zap.Int64("id", id), zap.Uint64("old", prev.SessionID()), zap.Uint64("new", conn.SessionID()))
	}
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Relay) Unregister(id int64) {
	s := r.shard(id)
	s.mu.Lock()
	delete(s.endpoints, id)
	s.mu.Unlock()
}

// UnregisterConn removes id only while it is still bound to conn, so a stale close hook
// cannot remove a newer registration.
func (r *Relay) UnregisterConn(id int64, conn transport.Sender) bool {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.endpoints[id]; ok && cur == conn {
		delete(s.endpoints, id)
		return true
	}
	return false
}

// Lookup returns the live connection of id, or nil. A dead binding is removed.
func (r *Relay) Lookup(id int64) transport.Sender {
	s := r.shard(id)
	s.mu.RLock()
	conn, ok := s.endpoints[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if !conn.Valid() {
		r.UnregisterConn(id, conn)
		return nil
	}
	return conn
}

// Len returns the number of registered ids, dead ones not yet pruned included.
func (r *Relay) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.endpoints)
		s.mu.RUnlock()
	}
	return n
}

// IDs returns the registered ids in ascending order.
func (r *Relay) IDs() []int64 {
	ids := make([]int64, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.endpoints {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unicast delivers msg to id. It returns false if id is unknown or the send fails; on
// a failed send the binding is pruned.
func (r *Relay) Unicast(id int64, msg *message.Message) bool {
	conn := r.Lookup(id)
	if conn == nil {
		return false
	}
	if err := conn.Send(msg); err != nil {
		r.log.Debug("unicast failed, endpoint pruned", zap.Int64("id", id), zap.String("action", msg.Action), zap.Error(err))
		r.UnregisterConn(id, conn)
		return false
	}
	return true
}

// Broadcast delivers msg to every registered id except those in skip and returns how
// many sends succeeded. Dead connections met on the way are pruned. Skipping an id that
// is not registered is harmless.
func (r *Relay) Broadcast(msg *message.Message, skip ...int64) int {
	type target struct {
		id   int64
		conn transport.Sender
	}
	skipped := make(map[int64]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}

	sent := 0
	var dead []target
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		targets := make([]target, 0, len(s.endpoints))
		for id, conn := range s.endpoints {
			if _, ok := skipped[id]; !ok {
				targets = append(targets, target{id, conn})
			}
		}
		s.mu.RUnlock()

		// Send outside the lock.
		for _, t := range targets {
			if !t.conn.Valid() {
				dead = append(dead, t)
				continue
			}
			if err := t.conn.Send(msg); err != nil {
				if !t.conn.Valid() {
					dead = append(dead, t)
				}
				continue
			}
			sent++
		}
	}
	for _, t := range dead {
		r.UnregisterConn(t.id, t.conn)
	}
	if len(dead) > 0 {
		r.log.Debug("broadcast pruned dead endpoints", zap.Int("count", len(dead)))
	}
	return sent
}

// PairedCall sends msg to id and waits for its reply, nil on any failure.
func (r *Relay) PairedCall(id int64, msg *message.Message, timeout time.Duration) *message.Message {
	if r.caller == nil {
		return nil
	}
	conn := r.Lookup(id)
	if conn == nil {
		return nil
	}
	return r.caller.SyncSend(conn, msg, timeout)
}

// Push delivers a backend-originated message to the principal named by its propagated
// context, with the context stripped.
func (r *Relay) Push(msg *message.Message) bool {
	ctx := propagate.Extract(msg)
	if ctx == nil {
		r.log.Debug("push without context dropped", zap.String("action", msg.Action))
		return false
	}
	return r.Unicast(ctx.PrincipalID, propagate.Strip(msg))
}

// Watch unregisters every id still bound to conn once conn closes.
func (r *Relay) Watch(conn *transport.Conn) {
	conn.OnClose(func(c *transport.Conn) {
		n := r.removeConn(c)
		if n > 0 {
			r.log.Debug("endpoints released", zap.Uint64("session", c.SessionID()), zap.Int("count", n))
		}
	})
}

func (r *Relay) removeConn(conn transport.Sender) int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, cur := range s.endpoints {
			if cur == conn {
				delete(s.endpoints, id)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}
