package message

import "testing"

func TestParamsOrderAndNormalize(t *testing.T) {
	p := NewParams()
	p.Set("b", 1).Set("a", "x").Set("c", float32(1.5))
	p.Set("b", int32(2)) // overwrite keeps position

	keys := p.Keys()
	if len(keys) != 3 || keys[0] != "b" || keys[1] != "a" || keys[2] != "c" {
		t.Fatalf("unexpected key order: %v", keys)
	}

	if v, _ := p.Get("b"); v != int64(2) {
		t.Fatalf("expect int64(2), got %T %v", v, v)
	}
	if f, ok := p.GetFloat("c"); !ok || f != 1.5 {
		t.Fatalf("expect 1.5, got %v", f)
	}

	p.Delete("a")
	p.Delete("missing")
	if p.Len() != 2 || p.Keys()[1] != "c" {
		t.Fatalf("unexpected keys after delete: %v", p.Keys())
	}
}

func TestNewReplyCopiesSerial(t *testing.T) {
	req := New("ping")
	req.Serial = 42

	reply := NewReply(req, CodeOK, "pong")
	if reply.Serial != 42 || reply.Action != "ping" {
		t.Fatalf("reply must reuse serial and action, got %+v", reply)
	}
	if reply.Code() != CodeOK {
		t.Fatalf("expect code 0, got %d", reply.Code())
	}
	if reply.Data() != "pong" {
		t.Fatalf("expect data pong, got %v", reply.Data())
	}
}

func TestWithParamDoesNotMutate(t *testing.T) {
	m := New("signal")
	m.Params.Set("to", 7)

	c := m.WithParam("note", "hi")
	if m.Params.Has("note") {
		t.Fatal("original message was mutated")
	}
	if !c.Params.Has("note") {
		t.Fatal("copy is missing the new key")
	}

	if same := m.WithoutParam("missing"); same != m {
		t.Fatal("WithoutParam on a missing key should return the receiver")
	}
	stripped := c.WithoutParam("to")
	if stripped.Params.Has("to") || !c.Params.Has("to") {
		t.Fatal("WithoutParam must only affect the copy")
	}
}

func TestEqualNested(t *testing.T) {
	build := func() *Message {
		m := New("a")
		m.Serial = 9
		inner := NewParams().Set("x", true)
		m.Params.Set("n", inner).Set("l", []any{1, "s", 2.5})
		return m
	}
	a, b := build(), build()
	if !Equal(a, b) {
		t.Fatal("identical messages should be equal")
	}
	b.Params.Set("l", []any{1, "s"})
	if Equal(a, b) {
		t.Fatal("different lists should not be equal")
	}
	if !Equal(a.Clone(), a) {
		t.Fatal("clone should equal original")
	}
}

func TestWithDomain(t *testing.T) {
	m := New("contacts.list")
	scoped := m.WithDomain("acme")
	if scoped.Domain() != "acme" {
		t.Fatalf("expect domain acme, got %q", scoped.Domain())
	}
	if m.Domain() != "" {
		t.Fatal("original must stay unscoped")
	}
}
