package middleware

import (
	"context"
	"testing"
	"time"

	"mini-relay/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewReply(req, message.CodeOK, "ok")
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.NewReply(req, message.CodeOK, "ok")
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(nil)(echoHandler)

	req := message.New("ping")
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Data() != "ok" {
		t.Fatalf("expect data 'ok', got '%v'", resp.Data())
	}

	// A handler that does not reply passes nil through.
	silent := LoggingMiddleware(nil)(func(context.Context, *message.Message) *message.Message { return nil })
	if silent(context.Background(), req) != nil {
		t.Fatal("expect nil reply")
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), message.New("ping"))
	if resp.Code() != message.CodeOK {
		t.Fatalf("expect no error, got code %d", resp.Code())
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	req := message.New("ping").WithSerial(3)
	resp := handler(context.Background(), req)

	if resp.Code() != message.CodeFailure || resp.Data() != "request timed out" {
		t.Fatalf("expect timeout error, got %+v", resp)
	}
	if resp.Serial != 3 {
		t.Fatalf("timeout reply must keep the request serial, got %d", resp.Serial)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := message.New("ping")

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Code() != message.CodeOK {
			t.Fatalf("request %d should pass, got code %d", i, resp.Code())
		}
	}

	resp := handler(context.Background(), req)
	if resp.Code() != message.CodeBusy || resp.Data() != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp)
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(nil)(func(context.Context, *message.Message) *message.Message {
		panic("boom")
	})
	resp := handler(context.Background(), message.New("ping").WithSerial(9))
	if resp == nil || resp.Code() != message.CodeFailure || resp.Serial != 9 {
		t.Fatalf("expect failure reply, got %+v", resp)
	}
	if resp.Data() != "boom" {
		t.Fatalf("expect panic value in data, got %v", resp.Data())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				reply := next(ctx, req)
				order = append(order, name+".after")
				return reply
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), message.New("ping"))

	if resp == nil || resp.Code() != message.CodeOK {
		t.Fatalf("expect ok reply, got %+v", resp)
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
}
