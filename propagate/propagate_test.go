package propagate

import (
	"testing"

	"mini-relay/message"
)

func TestAttachExtract(t *testing.T) {
	msg := message.New("query").WithParam("q", "x")
	ctx := &Context{PrincipalID: 42, Domain: "acme", DeviceID: "ios-1"}

	out := Attach(msg, ctx)
	if msg.Params.Has(message.KeyCorrelation) {
		t.Fatal("attach must not mutate its input")
	}
	got := Extract(out)
	if got == nil || *got != *ctx {
		t.Fatalf("extract mismatch: %+v", got)
	}
	if q, _ := out.Params.GetString("q"); q != "x" {
		t.Fatal("other params must survive")
	}
}

func TestExtractMissing(t *testing.T) {
	if Extract(message.New("x")) != nil {
		t.Fatal("expect nil context")
	}
	bad := message.New("x").WithParam(message.KeyCorrelation, "not a map")
	if Extract(bad) != nil {
		t.Fatal("unusable context must be ignored")
	}
	if Extract(nil) != nil {
		t.Fatal("nil message has no context")
	}
}

func TestCopy(t *testing.T) {
	req := Attach(message.New("query"), &Context{PrincipalID: 7})
	reply := message.NewReply(req, message.CodeOK, "ok")

	copied := Copy(req, reply)
	if got := Extract(copied); got == nil || got.PrincipalID != 7 {
		t.Fatalf("copy lost context: %+v", got)
	}

	// A reply that already carries a context keeps it.
	own := Attach(reply, &Context{PrincipalID: 9})
	if got := Extract(Copy(req, own)); got.PrincipalID != 9 {
		t.Fatalf("copy overwrote existing context: %+v", got)
	}

	plain := message.New("x")
	if Copy(plain, reply) != reply {
		t.Fatal("copy from a message without context must be a no-op")
	}
}

func TestStrip(t *testing.T) {
	msg := Attach(message.New("chat"), &Context{PrincipalID: 1})
	out := Strip(msg)
	if out.Params.Has(message.KeyCorrelation) {
		t.Fatal("context not stripped")
	}
	if Extract(msg) == nil {
		t.Fatal("strip must not mutate its input")
	}
}
