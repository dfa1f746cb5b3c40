package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mini-relay/message"
	"mini-relay/propagate"
	"mini-relay/transport"
)

// fakeConn records what it is sent.
type fakeConn struct {
	id    uint64
	dead  atomic.Bool
	mu    sync.Mutex
	inbox []*message.Message
}

var fakeIDs atomic.Uint64

func newFake() *fakeConn {
	return &fakeConn{id: fakeIDs.Add(1)}
}

func (f *fakeConn) SessionID() uint64 { return f.id }
func (f *fakeConn) Valid() bool       { return !f.dead.Load() }

func (f *fakeConn) Send(m *message.Message) error {
	if f.dead.Load() {
		return transport.ErrConnClosed
	}
	f.mu.Lock()
	f.inbox = append(f.inbox, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox)
}

func TestUnicastPrunesDeadConnection(t *testing.T) {
	r := New(nil, nil)
	a := newFake()
	r.Register(7, a)

	if !r.Unicast(7, message.New("hello")) {
		t.Fatal("unicast to a live endpoint must succeed")
	}
	if a.received() != 1 {
		t.Fatalf("expect 1 message, got %d", a.received())
	}

	a.dead.Store(true)
	if r.Unicast(7, message.New("hello")) {
		t.Fatal("unicast to a dead endpoint must fail")
	}
	if r.Lookup(7) != nil {
		t.Fatal("dead endpoint must be pruned")
	}
	if r.Len() != 0 {
		t.Fatalf("expect empty registry, got %d", r.Len())
	}
}

func TestUnicastSendFailurePrunes(t *testing.T) {
	r := New(nil, nil)
	a := &failingConn{fakeConn: newFake()}
	r.Register(3, a)
	if r.Unicast(3, message.New("x")) {
		t.Fatal("expect failure")
	}
	if r.Lookup(3) != nil {
		t.Fatal("entry must be pruned after a failed send")
	}
}

type failingConn struct{ *fakeConn }

func (f *failingConn) Send(*message.Message) error { return errors.New("queue full") }

func TestRegisterLastWriterWins(t *testing.T) {
	r := New(nil, nil)
	a, b := newFake(), newFake()
	r.Register(1, a)
	r.Register(1, b)
	if r.Lookup(1) != b {
		t.Fatal("latest registration must win")
	}
	// A stale close hook for a must not remove b.
	if r.UnregisterConn(1, a) {
		t.Fatal("stale unregister must be rejected")
	}
	if r.Lookup(1) != b {
		t.Fatal("current binding must survive")
	}
	r.Unregister(1)
	r.Unregister(1)
	if r.Lookup(1) != nil {
		t.Fatal("unregister must remove the id")
	}
}

func TestBroadcastSkip(t *testing.T) {
	r := New(nil, nil)
	conns := map[int64]*fakeConn{7: newFake(), 8: newFake(), 9: newFake()}
	for id, c := range conns {
		r.Register(id, c)
	}

	if n := r.Broadcast(message.New("news"), 7); n != 2 {
		t.Fatalf("expect 2 deliveries, got %d", n)
	}
	if conns[7].received() != 0 || conns[8].received() != 1 || conns[9].received() != 1 {
		t.Fatal("ids 8 and 9 must receive, id 7 must not")
	}

	// Skipping an id that is not registered is harmless.
	if n := r.Broadcast(message.New("news"), 42); n != 3 {
		t.Fatalf("expect 3 deliveries, got %d", n)
	}
}

func TestBroadcastSweepsDead(t *testing.T) {
	r := New(nil, nil)
	live, dead := newFake(), newFake()
	r.Register(1, live)
	r.Register(2, dead)
	dead.dead.Store(true)

	if n := r.Broadcast(message.New("news")); n != 1 {
		t.Fatalf("expect 1 delivery, got %d", n)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("dead endpoint must be swept, got %v", ids)
	}
}

func TestPush(t *testing.T) {
	r := New(nil, nil)
	c := newFake()
	r.Register(42, c)

	msg := propagate.Attach(message.New("notify").WithParam("text", "hi"), &propagate.Context{PrincipalID: 42})
	if !r.Push(msg) {
		t.Fatal("push must reach the principal")
	}
	got := c.inbox[0]
	if got.Params.Has(message.KeyCorrelation) {
		t.Fatal("pushed message must not carry the context")
	}
	if r.Push(message.New("notify")) {
		t.Fatal("push without context must fail")
	}
}

type stubCaller struct {
	reply *message.Message
	conn  transport.Sender
}

func (s *stubCaller) SyncSend(conn transport.Sender, msg *message.Message, timeout time.Duration) *message.Message {
	s.conn = conn
	return s.reply
}

func TestPairedCall(t *testing.T) {
	stub := &stubCaller{reply: message.New("ack")}
	r := New(stub, nil)
	c := newFake()
	r.Register(5, c)

	if got := r.PairedCall(5, message.New("ring"), time.Second); got != stub.reply {
		t.Fatalf("unexpected reply %+v", got)
	}
	if stub.conn != c {
		t.Fatal("call must go to the registered connection")
	}
	if r.PairedCall(6, message.New("ring"), time.Second) != nil {
		t.Fatal("unknown id must yield nil")
	}
}

func TestWatchReleasesOnClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := transport.NewConn(a, transport.Options{})

	r := New(nil, nil)
	r.Register(1, conn)
	r.Register(2, conn)
	r.Register(3, newFake())
	r.Watch(conn)

	conn.Close()
	if r.Len() != 1 {
		t.Fatalf("expect only the unrelated id to remain, got %v", r.IDs())
	}
}

func TestConcurrentRegistry(t *testing.T) {
	r := New(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := newFake()
			r.Register(id, c)
			r.Unicast(id, message.New("x"))
			r.Broadcast(message.New("y"), id)
			r.Lookup(id)
			if id%2 == 0 {
				r.Unregister(id)
			}
		}(int64(i))
	}
	wg.Wait()
	if r.Len() != 32 {
		t.Fatalf("expect 32 ids, got %d", r.Len())
	}
}
