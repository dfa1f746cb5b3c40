package server

import (
	"errors"
	"sync/atomic"
	"time"

	"mini-relay/message"
	"mini-relay/transport"
)

// ErrTaskInUse is returned when binding a Task that is already carrying a request.
var ErrTaskInUse = errors.New("task already in use")

const (
	taskIdle int32 = iota
	taskBound
)

// Task is the reusable unit of work: one decoded request plus the connection it came from.
type Task struct {
	conn    *transport.Conn
	req     *message.Message
	arrived time.Time
	state   atomic.Int32
}

// Conn returns the connection the request arrived on.
func (t *Task) Conn() *transport.Conn { return t.conn }

// Request returns the bound request.
func (t *Task) Request() *message.Message { return t.req }

// Arrived returns when the request was bound.
func (t *Task) Arrived() time.Time { return t.arrived }

// bind attaches a request to an idle task. A task is never dispatched twice.
func (t *Task) bind(conn *transport.Conn, req *message.Message) error {
	if !t.state.CompareAndSwap(taskIdle, taskBound) {
		return ErrTaskInUse
	}
	t.conn, t.req, t.arrived = conn, req, time.Now()
	return nil
}

func (t *Task) reset() {
	t.conn, t.req, t.arrived = nil, nil, time.Time{}
	t.state.Store(taskIdle)
}

// taskPool recycles Tasks through a buffered channel used as a free list.
// Borrowing never blocks: an empty pool allocates, and a full pool drops the returned Task.
type taskPool struct {
	free chan *Task
}

func newTaskPool(capacity int) *taskPool {
	return &taskPool{free: make(chan *Task, capacity)}
}

func (p *taskPool) get() *Task {
	select {
	case t := <-p.free:
		return t
	default:
		return &Task{}
	}
}

func (p *taskPool) put(t *Task) {
	t.reset()
	select {
	case p.free <- t:
	default:
	}
}

// idle returns how many Tasks wait in the free list.
func (p *taskPool) idle() int {
	return len(p.free)
}
