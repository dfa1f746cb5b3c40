package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mini-relay/message"
)

func TestIssueStampsSerial(t *testing.T) {
	r := New(nil)
	msg := message.New("ping")
	e, err := r.Issue(msg)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Serial == 0 || e.Serial != msg.Serial {
		t.Fatalf("serial not stamped: msg=%d entry=%d", msg.Serial, e.Serial)
	}
	if r.Pending() != 1 {
		t.Fatalf("expect 1 pending, got %d", r.Pending())
	}

	// An explicit serial is kept.
	fixed := message.New("ping").WithSerial(7)
	e, err = r.Issue(fixed)
	if err != nil {
		t.Fatal(err)
	}
	if e.Serial != 7 {
		t.Fatalf("expect serial 7, got %d", e.Serial)
	}
}

func TestIssueCollision(t *testing.T) {
	r := New(nil)
	if _, err := r.Issue(message.New("a").WithSerial(5)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Issue(message.New("b").WithSerial(5)); !errors.Is(err, ErrCorrelationCollision) {
		t.Fatalf("expect ErrCorrelationCollision, got %v", err)
	}
	if r.Pending() != 1 {
		t.Fatalf("collision must not replace the first entry, pending=%d", r.Pending())
	}
}

func TestResolveDeliversReply(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, "pong"))
	}()

	start := time.Now()
	got := r.Await(e, time.Second)
	if got == nil || got.Data() != "pong" || got.Serial != req.Serial {
		t.Fatalf("unexpected reply %+v", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("await returned late: %v", elapsed)
	}
	if r.Pending() != 0 {
		t.Fatalf("entry not removed, pending=%d", r.Pending())
	}
	if e.Result() != got {
		t.Fatal("entry result must be the delivered reply")
	}
}

func TestResolveBeforeAwait(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)
	if !r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, nil)) {
		t.Fatal("resolve must succeed")
	}
	if got := r.Await(e, 10*time.Millisecond); got == nil {
		t.Fatal("a reply that arrived before Await must still be returned")
	}
}

func TestAwaitTimeout(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)

	start := time.Now()
	if got := r.Await(e, 100*time.Millisecond); got != nil {
		t.Fatalf("expect nil on timeout, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("await returned early: %v", elapsed)
	}
	if r.Pending() != 0 {
		t.Fatal("timed out entry must be removed")
	}

	// The late reply is a stale no-op.
	if r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, nil)) {
		t.Fatal("late reply must not resolve")
	}
	s := r.Stats()
	if s.TimedOut != 1 || s.Stale != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, int64(i))) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if r.Interrupt(req.Serial) {
			wins.Add(1)
		}
	}()
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expect exactly one winner, got %d", wins.Load())
	}
	if got := r.Await(e, time.Second); got == nil {
		t.Fatal("winner's value must be delivered")
	}
}

func TestTimeoutRacesResolve(t *testing.T) {
	r := New(nil)
	for i := 0; i < 200; i++ {
		req := message.New("ping")
		e, _ := r.Issue(req)
		done := make(chan bool, 1)
		go func() {
			done <- r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, nil))
		}()
		got := r.Await(e, time.Microsecond)
		resolved := <-done
		if resolved && got == nil {
			t.Fatal("resolve won but the waiter saw a timeout")
		}
		if !resolved && got != nil {
			t.Fatal("timeout won but the waiter saw a reply")
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("entries leaked: %d", r.Pending())
	}
}

func TestInterrupt(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Interrupt(req.Serial)
	}()
	got := r.Await(e, time.Second)
	if !IsInterrupted(got) {
		t.Fatalf("expect Interrupted sentinel, got %+v", got)
	}
	if got.Code() != message.CodeInterrupted {
		t.Fatalf("sentinel code %d", got.Code())
	}
	if r.Interrupt(req.Serial) {
		t.Fatal("second interrupt must be a no-op")
	}
}

func TestInvalidateSession(t *testing.T) {
	r := New(nil)
	a1, _ := r.IssueOn(message.New("a"), 1)
	a2, _ := r.IssueOn(message.New("a"), 1)
	b, _ := r.IssueOn(message.New("b"), 2)

	if n := r.Invalidate(1); n != 2 {
		t.Fatalf("expect 2 invalidated, got %d", n)
	}
	for _, e := range []*Entry{a1, a2} {
		if got := r.Await(e, time.Second); got != nil {
			t.Fatalf("invalidated entry must yield nil, got %+v", got)
		}
	}
	if r.Pending() != 1 {
		t.Fatalf("other session's entry must survive, pending=%d", r.Pending())
	}
	if !r.Resolve(b.Serial, message.New("b")) {
		t.Fatal("entry of another session must still resolve")
	}
	if r.Invalidate(0) != 0 {
		t.Fatal("session 0 is unbound")
	}
}

func TestClose(t *testing.T) {
	r := New(nil)
	var entries []*Entry
	for i := 0; i < 5; i++ {
		e, _ := r.Issue(message.New("x"))
		entries = append(entries, e)
	}
	r.Close()
	for _, e := range entries {
		if !IsInterrupted(r.Await(e, time.Second)) {
			t.Fatal("close must interrupt every waiter")
		}
	}
	if r.Stats().Interrupted != 5 {
		t.Fatalf("unexpected stats %+v", r.Stats())
	}
}

func TestConcurrentCalls(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := message.New("echo").WithParam("i", i)
			e, err := r.Issue(req)
			if err != nil {
				t.Error(err)
				return
			}
			go r.Resolve(req.Serial, message.NewReply(req, message.CodeOK, int64(i)))
			got := r.Await(e, 2*time.Second)
			if got == nil {
				t.Errorf("call %d got nil", i)
				return
			}
			if v, _ := got.Params.GetInt(message.KeyData); v != int64(i) {
				t.Errorf("call %d got reply for %d", i, v)
			}
		}(i)
	}
	wg.Wait()
}

func TestCancel(t *testing.T) {
	r := New(nil)
	req := message.New("ping")
	e, _ := r.Issue(req)
	if !r.Cancel(req.Serial) {
		t.Fatal("cancel must succeed on a pending entry")
	}
	if got := r.Await(e, time.Second); got != nil {
		t.Fatalf("cancelled call must yield nil, got %+v", got)
	}
	if r.Cancel(req.Serial) {
		t.Fatal("second cancel must be a no-op")
	}
}
