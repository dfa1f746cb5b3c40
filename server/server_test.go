package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"mini-relay/codec"
	"mini-relay/message"
	"mini-relay/middleware"
	"mini-relay/propagate"
	"mini-relay/protocol"
	"mini-relay/registry"
	"mini-relay/transport"
)

// startServer serves svr on a loopback listener and returns its address.
func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

// testPeer is the far end of a unit connection: it records replies by serial.
type testPeer struct {
	conn    *transport.Conn
	mu      sync.Mutex
	replies map[uint64]chan *message.Message
}

func dialPeer(t *testing.T, addr string, ct codec.CodecType) *testPeer {
	t.Helper()
	c, err := transport.Dial("tcp", addr, time.Second, transport.Options{Codec: ct})
	if err != nil {
		t.Fatal(err)
	}
	p := &testPeer{conn: c, replies: make(map[uint64]chan *message.Message)}
	c.Start(transport.HandlerFuncs{Response: func(_ *transport.Conn, m *message.Message) {
		p.slot(m.Serial) <- m
	}})
	t.Cleanup(c.Close)
	return p
}

func (p *testPeer) slot(sn uint64) chan *message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.replies[sn]
	if !ok {
		ch = make(chan *message.Message, 1)
		p.replies[sn] = ch
	}
	return ch
}

func (p *testPeer) call(t *testing.T, m *message.Message) *message.Message {
	t.Helper()
	if err := p.conn.Send(m); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-p.slot(m.Serial):
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply for %s sn=%d", m.Action, m.Serial)
		return nil
	}
}

func echo(ctx context.Context, req *message.Message) *message.Message {
	v, _ := req.Params.Get("text")
	return message.NewReply(req, message.CodeOK, v)
}

func TestServer(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		svr := NewServer("echo", Options{})
		svr.Handle("echo", echo)
		addr := startServer(t, svr)
		peer := dialPeer(t, addr, ct)

		req := message.New("echo").WithParam("text", "hi").WithSerial(123)
		reply := peer.call(t, req)
		if reply.Serial != 123 || reply.Code() != message.CodeOK || reply.Data() != "hi" {
			t.Fatalf("codec %d: unexpected reply %+v", ct, reply)
		}
		if n, _ := svr.ResponseTime("echo"); n != 1 {
			t.Fatalf("expect 1 timed request, got %d", n)
		}
	}
}

func TestUnknownAction(t *testing.T) {
	svr := NewServer("unit", Options{})
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeJSON)

	reply := peer.call(t, message.New("nope").WithSerial(1))
	if reply.Code() != message.CodeUnknownAction {
		t.Fatalf("expect CodeUnknownAction, got %d", reply.Code())
	}
	// The connection stays usable.
	svr.Handle("echo", echo)
	if r := peer.call(t, message.New("echo").WithSerial(2)); r.Code() != message.CodeOK {
		t.Fatalf("unexpected reply %+v", r)
	}
}

func TestNotReady(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("echo", echo)
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeJSON)

	// Wait for ServeListener to mark the unit ready, then take it back down.
	deadline := time.Now().Add(time.Second)
	for !svr.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svr.SetReady(false)
	if r := peer.call(t, message.New("echo").WithSerial(1)); r.Code() != message.CodeNotReady {
		t.Fatalf("expect CodeNotReady, got %d", r.Code())
	}
	svr.SetReady(true)
	if r := peer.call(t, message.New("echo").WithSerial(2)); r.Code() != message.CodeOK {
		t.Fatalf("expect CodeOK, got %d", r.Code())
	}
}

func TestMalformedReply(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("echo", echo)
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := protocol.Encode(conn, &protocol.Header{CodecType: protocol.CodecTypeJSON, Serial: 77}, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	header, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if header.MsgType != protocol.MsgTypeResponse || header.Serial != 77 {
		t.Fatalf("unexpected header %+v", header)
	}
	reply, err := codec.GetCodec(codec.CodecTypeJSON).Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code() != message.CodeMalformed {
		t.Fatalf("expect CodeMalformed, got %d", reply.Code())
	}

	// A well-formed request on the same connection still works.
	good, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(message.New("echo").WithParam("text", "x").WithSerial(78))
	protocol.Encode(conn, &protocol.Header{CodecType: protocol.CodecTypeJSON, Serial: 78}, good)
	header, _, err = protocol.Decode(conn)
	if err != nil || header.Serial != 78 {
		t.Fatalf("connection unusable after malformed frame: %v %+v", err, header)
	}
}

func TestBusy(t *testing.T) {
	svr := NewServer("unit", Options{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	svr.Handle("block", func(ctx context.Context, req *message.Message) *message.Message {
		<-release
		return message.NewReply(req, message.CodeOK, nil)
	})
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeJSON)
	defer close(release)

	// One request runs, one waits in the queue, the rest must be rejected.
	for sn := uint64(1); sn <= 5; sn++ {
		if err := peer.conn.Send(message.New("block").WithSerial(sn)); err != nil {
			t.Fatal(err)
		}
	}
	busy := 0
	for sn := uint64(3); sn <= 5; sn++ {
		select {
		case r := <-peer.slot(sn):
			if r.Code() == message.CodeBusy {
				busy++
			}
		case <-time.After(2 * time.Second):
		}
	}
	if busy == 0 {
		t.Fatal("expect at least one CodeBusy reply")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("boom", func(context.Context, *message.Message) *message.Message { panic("boom") })
	svr.Handle("echo", echo)
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeJSON)

	if r := peer.call(t, message.New("boom").WithSerial(1)); r.Code() != message.CodeFailure {
		t.Fatalf("expect CodeFailure, got %d", r.Code())
	}
	if r := peer.call(t, message.New("echo").WithSerial(2)); r.Code() != message.CodeOK {
		t.Fatal("unit must keep serving after a panic")
	}
}

func TestReplyCarriesContext(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("echo", echo)
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeBinary)

	req := propagate.Attach(message.New("echo").WithSerial(5), &propagate.Context{PrincipalID: 42, Domain: "acme"})
	reply := peer.call(t, req)
	ctx := propagate.Extract(reply)
	if ctx == nil || ctx.PrincipalID != 42 || ctx.Domain != "acme" {
		t.Fatalf("reply must carry the request context, got %+v", ctx)
	}
}

func TestMiddlewareAndContext(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Use(middleware.RateLimitMiddleware(1, 1))
	svr.Handle("whoami", func(ctx context.Context, req *message.Message) *message.Message {
		conn, ok := ConnFromContext(ctx)
		if !ok {
			return message.NewReply(req, message.CodeFailure, "no conn")
		}
		return message.NewReply(req, message.CodeOK, int64(conn.SessionID()))
	})
	peer := dialPeer(t, startServer(t, svr), codec.CodecTypeJSON)

	if r := peer.call(t, message.New("whoami").WithSerial(1)); r.Code() != message.CodeOK {
		t.Fatalf("unexpected reply %+v", r)
	}
	if r := peer.call(t, message.New("whoami").WithSerial(2)); r.Code() != message.CodeBusy {
		t.Fatalf("expect rate limited reply, got %+v", r)
	}
}

// A unit can call back over the connection a request arrived on; the reply frame
// resolves the unit's own registry.
func TestCallbackOverInboundConn(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("ask", func(ctx context.Context, req *message.Message) *message.Message {
		conn, _ := ConnFromContext(ctx)
		q := message.New("question")
		e, err := svr.Calls().IssueOn(q, conn.SessionID())
		if err != nil {
			return message.NewReply(req, message.CodeFailure, err.Error())
		}
		if err := conn.Send(q); err != nil {
			return message.NewReply(req, message.CodeFailure, err.Error())
		}
		answer := svr.Calls().Await(e, time.Second)
		if answer == nil {
			return message.NewReply(req, message.CodeFailure, "no answer")
		}
		return message.NewReply(req, message.CodeOK, answer.Data())
	})
	addr := startServer(t, svr)

	c, err := transport.Dial("tcp", addr, time.Second, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got := make(chan *message.Message, 1)
	c.Start(transport.HandlerFuncs{
		Request: func(c *transport.Conn, m *message.Message) {
			c.Reply(message.NewReply(m, message.CodeOK, "42"))
		},
		Response: func(_ *transport.Conn, m *message.Message) { got <- m },
	})
	c.Send(message.New("ask").WithSerial(9))

	select {
	case r := <-got:
		if r.Code() != message.CodeOK || r.Data() != "42" {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer("contacts", Options{})

	done := make(chan error, 1)
	go func() { done <- svr.Serve("tcp", "127.0.0.1:0", "10.0.0.1:7000", reg) }()

	deadline := time.Now().Add(time.Second)
	for {
		insts, _ := reg.Discover("contacts")
		if len(insts) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unit not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve must return nil after Shutdown, got %v", err)
	}
	if insts, _ := reg.Discover("contacts"); len(insts) != 0 {
		t.Fatalf("unit still registered: %+v", insts)
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	svr := NewServer("unit", Options{})
	svr.Handle("slow", func(ctx context.Context, req *message.Message) *message.Message {
		time.Sleep(300 * time.Millisecond)
		return message.NewReply(req, message.CodeOK, nil)
	})
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	go svr.ServeListener(l)
	peer := dialPeer(t, l.Addr().String(), codec.CodecTypeJSON)
	peer.conn.Send(message.New("slow").WithSerial(1))
	time.Sleep(50 * time.Millisecond)

	if err := svr.Shutdown(50 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expect ErrShutdownTimeout, got %v", err)
	}
}

func TestTaskPool(t *testing.T) {
	p := newTaskPool(1)
	task := p.get()
	if err := task.bind(nil, message.New("a")); err != nil {
		t.Fatal(err)
	}
	if err := task.bind(nil, message.New("b")); !errors.Is(err, ErrTaskInUse) {
		t.Fatalf("expect ErrTaskInUse, got %v", err)
	}
	p.put(task)
	if task.Request() != nil {
		t.Fatal("returned task must be reset")
	}
	if p.idle() != 1 {
		t.Fatalf("expect 1 idle task, got %d", p.idle())
	}
	if p.get() != task {
		t.Fatal("expect the recycled task")
	}
	// A full free list drops extra tasks instead of blocking.
	p.put(&Task{})
	p.put(&Task{})
	if p.idle() != 1 {
		t.Fatalf("expect capacity 1, got %d", p.idle())
	}
}

func TestWorkerPool(t *testing.T) {
	wp := newWorkerPool(1, 64)
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		if err := wp.put(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	wp.close()
	for i := range got {
		if got[i] != i {
			t.Fatalf("a single worker must run tasks in queue order, got %v", got)
		}
	}
	if err := wp.put(func() {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("closed pool must reject, got %v", err)
	}
}

func TestWorkerPoolFull(t *testing.T) {
	wp := newWorkerPool(1, 1)
	defer wp.close()
	release := make(chan struct{})
	started := make(chan struct{})
	wp.put(func() { close(started); <-release })
	<-started
	if err := wp.put(func() {}); err != nil {
		t.Fatalf("queue has room for one, got %v", err)
	}
	if err := wp.put(func() {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expect ErrBusy, got %v", err)
	}
	close(release)
}
