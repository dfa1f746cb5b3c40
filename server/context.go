package server

import (
	"context"
	"sync/atomic"
	"time"

	"mini-relay/transport"
)

type ctxKey int

const taskKey ctxKey = iota

func newContext(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey, t)
}

// TaskFromContext returns the Task being handled. Handlers must not keep it after
// returning; it is recycled.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey).(*Task)
	return t, ok
}

// ConnFromContext returns the connection the current request arrived on.
func ConnFromContext(ctx context.Context) (*transport.Conn, bool) {
	t, ok := TaskFromContext(ctx)
	if !ok || t.conn == nil {
		return nil, false
	}
	return t.conn, true
}

type actionTiming struct {
	count atomic.Int64
	total atomic.Int64 // nanoseconds
}

func (s *Server) markResponseTime(action string, d time.Duration) {
	v, _ := s.timing.LoadOrStore(action, &actionTiming{})
	at := v.(*actionTiming)
	at.count.Add(1)
	at.total.Add(int64(d))
}

// ResponseTime returns how many requests for action completed and their mean handling
// time, measured from arrival to handler return.
func (s *Server) ResponseTime(action string) (int64, time.Duration) {
	v, ok := s.timing.Load(action)
	if !ok {
		return 0, 0
	}
	at := v.(*actionTiming)
	n := at.count.Load()
	if n == 0 {
		return 0, 0
	}
	return n, time.Duration(at.total.Load() / n)
}
